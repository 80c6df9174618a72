// Package events dispatches contract lifecycle events to the notification
// subsystem. Publishing is fire-and-forget from the engine's perspective: a
// failed publish is logged and counted, never rolled back into a state
// transition.
package events

import (
	"context"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeCreated  Type = "contract.created"
	TypeFunded   Type = "contract.funded"
	TypeReleased Type = "contract.released"
	TypeRefunded Type = "contract.refunded"
	TypeDisputed Type = "contract.disputed"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	ContractID string    `json:"contractId"`
	ActorID    string    `json:"actorId,omitempty"` // confirming party, disputant, or admin
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Trigger    string    `json:"trigger,omitempty"` // confirmation | auto | admin
	Reason     string    `json:"reason,omitempty"`  // dispute reason
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Multi fans an event out to several publishers, collecting nothing: each
// sink's failure is independent and reported by the emitter.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev *Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
