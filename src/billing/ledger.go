// Package billing holds the entitlement contract the call bridge consumes and
// its Redis and in-memory implementations.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownUser is returned when the ledger has no balance for a caller
	ErrUnknownUser = errors.New("billing: unknown user")
	// ErrInvalidAmount is returned for negative deductions or credits
	ErrInvalidAmount = errors.New("billing: invalid amount")
)

// UsageMeta describes one usage report
type UsageMeta struct {
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id"`
	StartedAt time.Time `json:"started_at"`
	Reason    string    `json:"reason"`

	// IdempotencyKey makes repeated delivery of the same report a no-op
	IdempotencyKey string `json:"idempotency_key"`
}

// Ledger is the external entitlement store. Implementations must be safe for
// concurrent calls, including concurrent calls for the same user.
type Ledger interface {
	// Remaining returns the seconds a user may still talk
	Remaining(ctx context.Context, userID string) (int, error)

	// Deduct subtracts seconds (floored at zero) and returns the new balance.
	// A repeated IdempotencyKey returns the current balance without deducting.
	Deduct(ctx context.Context, userID string, seconds int, meta UsageMeta) (int, error)
}

// Notice is sent when a caller runs out of entitlement
type Notice struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id"`
	Reason    string    `json:"reason"`
	Remaining int       `json:"remaining_seconds"`
	At        time.Time `json:"at"`
	TopUpURL  string    `json:"top_up_url,omitempty"`
}

// Notifier tells an external system (SMS, email, CRM) that a caller needs to
// top up.
type Notifier interface {
	OutOfBudget(ctx context.Context, notice Notice) error
}
