package billing

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger for development, tests and single
// instance deployments.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
	applied  map[string]struct{}
	usage    map[string][]UsageRecord
}

// NewMemoryLedger creates a ledger seeded with balances (may be nil)
func NewMemoryLedger(balances map[string]int) *MemoryLedger {
	l := &MemoryLedger{
		balances: make(map[string]int, len(balances)),
		applied:  make(map[string]struct{}),
		usage:    make(map[string][]UsageRecord),
	}
	for user, seconds := range balances {
		l.balances[user] = seconds
	}
	return l
}

// Remaining returns the caller's balance
func (l *MemoryLedger) Remaining(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.balances[userID]
	if !ok {
		return 0, ErrUnknownUser
	}
	return n, nil
}

// Deduct subtracts seconds, flooring at zero
func (l *MemoryLedger) Deduct(_ context.Context, userID string, seconds int, meta UsageMeta) (int, error) {
	if seconds < 0 {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.balances[userID]
	if !ok {
		return 0, ErrUnknownUser
	}
	if meta.IdempotencyKey != "" {
		if _, done := l.applied[meta.IdempotencyKey]; done {
			return n, nil
		}
		l.applied[meta.IdempotencyKey] = struct{}{}
	}

	n -= seconds
	if n < 0 {
		n = 0
	}
	l.balances[userID] = n
	l.usage[userID] = append(l.usage[userID], UsageRecord{UsageMeta: meta, UserID: userID, Seconds: seconds, At: time.Now().UTC()})
	return n, nil
}

// SetBalance overwrites a caller's balance
func (l *MemoryLedger) SetBalance(_ context.Context, userID string, seconds int) error {
	if seconds < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	l.balances[userID] = seconds
	l.mu.Unlock()
	return nil
}

// Credit adds seconds to a caller's balance, creating it if needed
func (l *MemoryLedger) Credit(_ context.Context, userID string, seconds int) (int, error) {
	if seconds < 0 {
		return 0, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += seconds
	return l.balances[userID], nil
}

// Usage returns applied deductions for a caller, newest first
func (l *MemoryLedger) Usage(_ context.Context, userID string, limit int) ([]UsageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.usage[userID]
	if limit <= 0 || limit > len(src) {
		limit = len(src)
	}
	out := make([]UsageRecord, 0, limit)
	for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (l *MemoryLedger) String() string { return "memory" }
