package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

func TestEncodeAMQPEvent(t *testing.T) {
	e := New(TypeListingCreated, map[string]any{"kind": "house", "id": 7})
	msg, err := encodeAMQP(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Fatalf("unexpected message props: %+v", msg)
	}
	if msg.MessageId != e.ID || msg.Type != TypeListingCreated {
		t.Fatalf("message id/type not carried: %q %q", msg.MessageId, msg.Type)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Type != TypeListingCreated || decoded.Data["kind"] != "house" {
		t.Fatalf("unexpected body: %+v", decoded)
	}

	if _, err := encodeAMQP(Event{}); err == nil {
		t.Fatalf("expected missing type to fail")
	}
}

func TestRedisStreamPublisherAppends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p, err := NewRedisStreamPublisher(client, RedisStreamConfig{Stream: "events-test"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	ctx := context.Background()
	if err := p.Publish(ctx, New(TypeUserRegistered, map[string]any{"userId": 1})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.Publish(ctx, New(TypeUserDeleted, map[string]any{"userId": 1})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := client.XRange(ctx, "events-test", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stream entries, got %d", len(msgs))
	}
	if msgs[0].Values["type"] != TypeUserRegistered || msgs[1].Values["type"] != TypeUserDeleted {
		t.Fatalf("unexpected order: %+v", msgs)
	}
	if msgs[0].Values["data"] != `{"userId":1}` {
		t.Fatalf("unexpected data: %v", msgs[0].Values["data"])
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), New(TypeListingDeleted, nil)); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}
