package messaging

import (
	"testing"
)

type orderCreated struct {
	OrderId int    `json:"orderId"`
	Sku     string `json:"sku"`
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(&orderCreated{OrderId: 12, Sku: "ab-1"})
	if err != nil {
		t.Fatal("Expected an envelope, got", err)
	}
	if env.MessageId == "" {
		t.Error("Expected a message id")
	}
	if env.Timestamp.IsZero() {
		t.Error("Expected a timestamp")
	}
	if env.Type != "messaging.orderCreated" {
		t.Error("Expected the qualified type name, got", env.Type)
	}

	var out orderCreated
	if err := env.Decode(&out); err != nil {
		t.Fatal("Expected the payload to decode, got", err)
	}
	if out.OrderId != 12 || out.Sku != "ab-1" {
		t.Error("Expected the payload to round-trip, got", out)
	}
}

func TestEnvelopeIdsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		env, err := NewEnvelope(orderCreated{})
		if err != nil {
			t.Fatal(err)
		}
		if seen[env.MessageId] {
			t.Fatal("Expected unique message ids, got a duplicate:", env.MessageId)
		}
		seen[env.MessageId] = true
	}
}

func TestDefaultRoutingKey(t *testing.T) {
	if got := DefaultRoutingKey("messaging.OrderCreated"); got != "messaging.ordercreated" {
		t.Error("Expected the lowercased type name, got", got)
	}
}
