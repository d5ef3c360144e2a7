// Package queue implements a durable at-least-once work queue with
// visibility-timeout leases. It knows nothing about the payloads it carries.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Ack and Archive when the message no longer exists.
var ErrNotFound = eris.New("queue: message not found")

// Message is a leased queue envelope.
type Message struct {
	ID            int64           `json:"id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	LeaseUntil    time.Time       `json:"lease_until"`
	DeliveryCount int             `json:"delivery_count"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return eris.Wrapf(json.Unmarshal(m.Payload, v), "queue: decode message %d", m.ID)
}

// ArchivedMessage is a message moved out of the live queue with a reason.
type ArchivedMessage struct {
	Message
	Reason     string    `json:"reason"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Queue is the durable queue contract. Leased messages reappear to other
// consumers once their visibility timeout elapses without Ack or Archive.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) (int64, error)
	Lease(ctx context.Context, queue string, visibility time.Duration, max int) ([]Message, error)
	Ack(ctx context.Context, queue string, id int64) error
	Archive(ctx context.Context, queue string, id int64, reason string) error
	ListArchived(ctx context.Context, queue string, limit int) ([]ArchivedMessage, error)
	Depth(ctx context.Context, queue string) (int, error)
}

func marshalPayload(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "queue: marshal payload")
	}
	return b, nil
}
