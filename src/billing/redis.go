package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix         = "strawgo"
	defaultIdempotencyTTL = 7 * 24 * time.Hour
	defaultUsageHistory   = 500
)

// deductScript applies a deduction once per idempotency key. All three keys
// carry the user id as a hash tag so they share a cluster slot.
//
// KEYS: balance, idempotency marker, usage log
// ARGV: seconds, marker ttl (s), usage record json, usage history length
// Returns the new balance, or -1 if the user has no balance.
var deductScript = redis.NewScript(`
local balance = redis.call('GET', KEYS[1])
if not balance then
	return -1
end
balance = tonumber(balance)
if redis.call('EXISTS', KEYS[2]) == 1 then
	return balance
end
local remaining = balance - tonumber(ARGV[1])
if remaining < 0 then
	remaining = 0
end
redis.call('SET', KEYS[1], remaining)
redis.call('SET', KEYS[2], ARGV[1], 'EX', tonumber(ARGV[2]))
redis.call('LPUSH', KEYS[3], ARGV[3])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[4]) - 1)
return remaining
`)

// RedisLedger keeps balances in Redis. Deductions run as a single Lua script
// so concurrent calls for the same user never lose an update.
type RedisLedger struct {
	client         redis.UniversalClient
	prefix         string
	idempotencyTTL time.Duration
	usageHistory   int
}

// RedisOption configures a RedisLedger
type RedisOption func(*RedisLedger)

// WithPrefix sets the key prefix. Default is "strawgo".
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) {
		l.prefix = prefix
	}
}

// WithIdempotencyTTL sets how long applied report keys are remembered
func WithIdempotencyTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLedger) {
		l.idempotencyTTL = ttl
	}
}

// WithUsageHistory sets how many usage records are kept per user
func WithUsageHistory(n int) RedisOption {
	return func(l *RedisLedger) {
		l.usageHistory = n
	}
}

// NewRedisLedger creates a Redis-backed ledger.
//
//	ledger := NewRedisLedger(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithPrefix("calls"),
//	)
func NewRedisLedger(client redis.UniversalClient, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client:         client,
		prefix:         defaultPrefix,
		idempotencyTTL: defaultIdempotencyTTL,
		usageHistory:   defaultUsageHistory,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Remaining returns the caller's balance in seconds
func (l *RedisLedger) Remaining(ctx context.Context, userID string) (int, error) {
	n, err := l.client.Get(ctx, l.balanceKey(userID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrUnknownUser
		}
		return 0, fmt.Errorf("redis get balance: %w", err)
	}
	return n, nil
}

// Deduct atomically subtracts seconds from the caller's balance
func (l *RedisLedger) Deduct(ctx context.Context, userID string, seconds int, meta UsageMeta) (int, error) {
	if seconds < 0 {
		return 0, ErrInvalidAmount
	}
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = uuid.NewString()
	}

	record, err := json.Marshal(UsageRecord{UsageMeta: meta, UserID: userID, Seconds: seconds, At: time.Now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("marshal usage record: %w", err)
	}

	keys := []string{l.balanceKey(userID), l.appliedKey(userID, meta.IdempotencyKey), l.usageKey(userID)}
	ttl := int(l.idempotencyTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	remaining, err := deductScript.Run(ctx, l.client, keys, seconds, ttl, string(record), l.usageHistory).Int()
	if err != nil {
		return 0, fmt.Errorf("redis deduct: %w", err)
	}
	if remaining < 0 {
		return 0, ErrUnknownUser
	}
	return remaining, nil
}

// SetBalance overwrites a caller's balance
func (l *RedisLedger) SetBalance(ctx context.Context, userID string, seconds int) error {
	if seconds < 0 {
		return ErrInvalidAmount
	}
	if err := l.client.Set(ctx, l.balanceKey(userID), seconds, 0).Err(); err != nil {
		return fmt.Errorf("redis set balance: %w", err)
	}
	return nil
}

// Credit adds seconds to a caller's balance, creating it if needed
func (l *RedisLedger) Credit(ctx context.Context, userID string, seconds int) (int, error) {
	if seconds < 0 {
		return 0, ErrInvalidAmount
	}
	n, err := l.client.IncrBy(ctx, l.balanceKey(userID), int64(seconds)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis credit: %w", err)
	}
	return int(n), nil
}

// Usage returns the most recent usage records for a caller, newest first
func (l *RedisLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = l.usageHistory
	}
	raw, err := l.client.LRange(ctx, l.usageKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis usage: %w", err)
	}
	records := make([]UsageRecord, 0, len(raw))
	for _, r := range raw {
		var rec UsageRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// UsageRecord is one applied deduction
type UsageRecord struct {
	UsageMeta
	UserID  string    `json:"user_id"`
	Seconds int       `json:"seconds"`
	At      time.Time `json:"at"`
}

// Keys are laid out as <prefix>:{<user>}:<kind> so every key touched by one
// deduction hashes to the same slot on a Redis Cluster.
func (l *RedisLedger) userKey(userID, kind string) string {
	return l.prefix + ":{" + userID + "}:" + kind
}

func (l *RedisLedger) balanceKey(userID string) string {
	return l.userKey(userID, "balance")
}

func (l *RedisLedger) appliedKey(userID, idempotencyKey string) string {
	return l.userKey(userID, "applied:"+idempotencyKey)
}

func (l *RedisLedger) usageKey(userID string) string {
	return l.userKey(userID, "usage")
}

// String is used in startup logs
func (l *RedisLedger) String() string {
	return fmt.Sprintf("redis(prefix=%s, idempotency_ttl=%s)", l.prefix, l.idempotencyTTL)
}
