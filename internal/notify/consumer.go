package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"blood-request-engine/internal/entity"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var ErrMalformedMessage = errors.New("malformed donor response message")

// ResponseSink accepts a donor reply and applies it later.
type ResponseSink interface {
	EnqueueResponse(ctx context.Context, input entity.ResponseInput) error
}

type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
}

// DonorResponseMessage is what the donor-facing apps publish on donor.response.<response>.
type DonorResponseMessage struct {
	RequestId string `json:"requestId"`
	DonorId   string `json:"donorId"`
	Response  string `json:"response"`
}

type ResponseConsumer struct {
	cfg  ConsumerConfig
	sink ResponseSink
	log  *zap.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewResponseConsumer(cfg ConsumerConfig, sink ResponseSink, log *zap.Logger) *ResponseConsumer {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultResponseQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}

	return &ResponseConsumer{cfg: cfg, sink: sink, log: log}
}

func (c *ResponseConsumer) Connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbit dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel failed: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s failed: %w", c.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue failed: %w", err)
	}
	if err := ch.QueueBind(q.Name, ResponseBindingKey, c.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("bind queue to key=%s failed: %w", ResponseBindingKey, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos failed: %w", err)
	}

	c.conn = conn
	c.ch = ch

	return nil
}

func (c *ResponseConsumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Run consumes until ctx is done or the channel closes. Rejected messages are
// not requeued: every failure Handle reports is permanent for that message.
func (c *ResponseConsumer) Run(ctx context.Context) error {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, "blood-request-engine", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume failed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				c.log.Warn("donor response rejected",
					zap.String("routing_key", d.RoutingKey),
					zap.String("message_id", d.MessageId),
					zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *ResponseConsumer) Handle(ctx context.Context, body []byte) error {
	var msg DonorResponseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.RequestId == "" || msg.DonorId == "" {
		return fmt.Errorf("%w: requestId and donorId are required", ErrMalformedMessage)
	}

	return c.sink.EnqueueResponse(ctx, entity.ResponseInput{
		RequestId: msg.RequestId,
		DonorId:   msg.DonorId,
		Response:  entity.MatchResponse(msg.Response),
	})
}
