package bus

import (
	"context"
	"encoding/json"
)

// Transport is the messaging capability the directory layer depends on: a
// correlated request/reply publish toward the user authority and a
// fire-and-forget fanout broadcast toward every peer instance.
type Transport interface {
	// Request publishes an operation to the authority and waits for the
	// single correlated reply. An empty reply is returned as empty bytes;
	// what that means (not found, conflict) is operation-specific and
	// decided by the caller.
	Request(ctx context.Context, op string, payload []byte) ([]byte, error)

	// Broadcast publishes an event to all subscribed instances, including
	// the publishing process itself. No reply is expected.
	Broadcast(ctx context.Context, event string, payload []byte) error
}

// EventHandler consumes fanout deliveries.
type EventHandler func(event string, body []byte)

type rpcEnvelope struct {
	Op      string          `json:"op"`
	ReplyTo string          `json:"reply_to"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type fanoutEnvelope struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}
