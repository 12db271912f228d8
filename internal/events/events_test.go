package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"blood-request-engine/internal/entity"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleEvent(requestId string, to entity.RequestStatus) entity.RequestEvent {
	return entity.RequestEvent{
		RequestId:  requestId,
		HospitalId: "h1",
		From:       entity.StatusPending,
		To:         to,
		Actor:      "coordinator",
		At:         time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		Version:    2,
	}
}

func TestBus_SubscribeFiltersByRequest(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	one := bus.Subscribe("r1")
	all := bus.Subscribe("")
	defer one.Close()
	defer all.Close()

	require.NoError(t, bus.Publish(context.Background(), sampleEvent("r1", entity.StatusApproved)))
	require.NoError(t, bus.Publish(context.Background(), sampleEvent("r2", entity.StatusRejected)))

	got := <-one.C
	assert.Equal(t, entity.StatusApproved, got.To)
	select {
	case ev := <-one.C:
		t.Fatalf("unexpected event for r1 subscriber: %+v", ev)
	default:
	}

	assert.Equal(t, "r1", (<-all.C).RequestId)
	assert.Equal(t, "r2", (<-all.C).RequestId)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1, zap.NewNop())
	sub := bus.Subscribe("r1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), sampleEvent("r1", entity.StatusApproved)))
	}

	assert.Len(t, sub.C, 1)
}

func TestSubscription_CloseTwice(t *testing.T) {
	bus := NewBus(1, zap.NewNop())
	sub := bus.Subscribe("r1")
	assert.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, bus.Subscribers())
	_, open := <-sub.C
	assert.False(t, open)
	require.NoError(t, bus.Publish(context.Background(), sampleEvent("r1", entity.StatusApproved)))
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(1, zap.NewNop())
	before := bus.Subscribe("")

	bus.Close()

	_, open := <-before.C
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	after := bus.Subscribe("r1")
	_, open = <-after.C
	assert.False(t, open)
	after.Close()
	require.NoError(t, bus.Publish(context.Background(), sampleEvent("r1", entity.StatusApproved)))
}

func TestRedisStreamPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := NewRedisStreamPublisher(client, "", 0)
	event := sampleEvent("r1", entity.StatusDonorsContacted)
	require.NoError(t, p.Publish(context.Background(), event))

	msgs, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r1", msgs[0].Values["request_id"])
	assert.Equal(t, "donors-contacted", msgs[0].Values["status"])

	var decoded entity.RequestEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, event.Version, decoded.Version)
	assert.True(t, event.At.Equal(decoded.At))
}

func TestRedisStreamPublisher_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisStreamPublisher(client, "s", 0).Publish(context.Background(), sampleEvent("r1", entity.StatusApproved))

	assert.Error(t, err)
}

type failing struct{ err error }

func (f failing) Publish(context.Context, entity.RequestEvent) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	bus := NewBus(1, zap.NewNop())
	sub := bus.Subscribe("")
	defer sub.Close()

	err := Multi{failing{boom}, bus, Nop{}}.Publish(context.Background(), sampleEvent("r1", entity.StatusApproved))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, sub.C, 1, "later publishers still receive the event")
}
