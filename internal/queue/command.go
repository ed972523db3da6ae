// Package queue provides the durable FIFO of deferred mutations and the
// processor that drains it. Commands are applied to the backend in strict
// enqueue order so dependent mutations against the same entity land in the
// order the user issued them.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Command is a durable record of a deferred mutation. It is immutable except
// for RetryCount and LastError, and leaves the queue only on success or after
// exceeding the retry ceiling.
type Command struct {
	// ID is unique and sorts in generation order (UUIDv7)
	ID string `json:"id"`

	// Domain is the entity category the mutation belongs to (e.g. "booking")
	Domain string `json:"domain"`

	// Operation names the business action (free-form, e.g. "booking.cancel")
	Operation string `json:"operation"`

	// Method and Endpoint describe the generic network action
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`

	// Payload is the opaque request body
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAtMillis is the enqueue time in epoch milliseconds
	CreatedAtMillis int64 `json:"createdAtMillis"`

	// RetryCount is the number of failed dispatch attempts so far
	RetryCount int `json:"retryCount"`

	// LastError records the most recent dispatch failure
	LastError string `json:"lastError,omitempty"`
}

// newCommand builds a Command with a generation-order-sortable ID
func newCommand(domain, operation, method, endpoint string, payload json.RawMessage, now time.Time) *Command {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		id = uuid.New()
	}
	return &Command{
		ID:              id.String(),
		Domain:          domain,
		Operation:       operation,
		Method:          method,
		Endpoint:        endpoint,
		Payload:         payload,
		CreatedAtMillis: now.UnixMilli(),
	}
}
