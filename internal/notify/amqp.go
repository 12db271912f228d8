package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"blood-request-engine/internal/entity"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange      = "blood.exchange"
	notifyKeyPrefix      = "donor.notify."
	ResponseBindingKey   = "donor.response.*"
	DefaultResponseQueue = "blood-engine.donor-responses"
)

// DonorNotification is the message body published for one donor.
type DonorNotification struct {
	MessageId string                `json:"messageId"`
	DonorId   string                `json:"donorId"`
	Request   entity.RequestSummary `json:"request"`
	SentAt    time.Time             `json:"sentAt"`
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDispatcher publishes notifications to a topic exchange, routed by urgency
// (donor.notify.critical, donor.notify.urgent, donor.notify.routine).
type AMQPDispatcher struct {
	conn     io.Closer
	ch       publishChannel
	exchange string
}

func NewAMQPDispatcher(url, exchange string) (*AMQPDispatcher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPDispatcher{conn: conn, ch: ch, exchange: exchange}, nil
}

func RoutingKey(u entity.Urgency) string {
	return notifyKeyPrefix + string(u)
}

func (d *AMQPDispatcher) Notify(ctx context.Context, donorId string, summary entity.RequestSummary) (entity.DeliveryResult, error) {
	msg := DonorNotification{
		MessageId: uuid.NewString(),
		DonorId:   donorId,
		Request:   summary,
		SentAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return entity.DeliveryResult{}, err
	}

	err = d.ch.PublishWithContext(ctx, d.exchange, RoutingKey(summary.Urgency), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageId,
		Timestamp:    msg.SentAt,
		Body:         body,
	})
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("publish to %s: %w", d.exchange, err)
	}

	return entity.DeliveryResult{Delivered: true, ProviderRef: msg.MessageId}, nil
}

// Check fails once the broker connection has been lost.
func (d *AMQPDispatcher) Check(context.Context) error {
	if c, ok := d.conn.(interface{ IsClosed() bool }); ok && c.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}

	return nil
}

func (d *AMQPDispatcher) Close() error {
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}

	return nil
}
