package messaging

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
)

// Envelope is the metadata-bearing wrapper around a payload on the wire.
// MessageId uniquely identifies a physical message; CorrelationId ties a
// request to its reply and propagates across logical operations.
type Envelope struct {
	MessageId     string          `json:"messageId"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          string          `json:"type"`
	CorrelationId string          `json:"correlationId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload with a fresh message id and the current
// timestamp. The type defaults to the payload's qualified type name.
func NewEnvelope(payload interface{}) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling payload")
	}
	id, err := newId()
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageId: id,
		Timestamp: time.Now().UTC(),
		Type:      TypeName(payload),
		Payload:   body,
	}, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return errors.Wrapf(err, "decoding %s payload", e.Type)
	}
	return nil
}

// TypeName derives the qualified message type from a payload value,
// ex: "orders.PaymentRequested". Pointers are dereferenced.
func TypeName(payload interface{}) string {
	t := reflect.TypeOf(payload)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// DefaultRoutingKey is the lowercased type name. Routing keys on the
// exchange are dot-separated lowercase strings, ex: "orders.paymentrequested".
func DefaultRoutingKey(typeName string) string {
	return strings.ToLower(typeName)
}

func newId() (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", errors.Wrap(err, "generating message id")
	}
	return u.String(), nil
}
