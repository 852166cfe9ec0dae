package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the lock only if this caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type storedOutcome struct {
	TxID    string `json:"txid"`
	Payload []byte `json:"payload,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RedisGuard shares in-flight and completed state through Redis so several
// server processes can guard the same keys. Locks are per key name and carry
// a TTL so a crashed process cannot block a key forever. Outcomes are stored
// per name and transaction id.
type RedisGuard struct {
	client    *redis.Client
	prefix    string
	lockTTL   time.Duration
	resultTTL time.Duration
	codec     ErrorCodec
	transient Transient
}

// RedisOption configures a RedisGuard.
type RedisOption func(*RedisGuard)

// WithCodec sets how terminal errors are stored and restored.
func WithCodec(c ErrorCodec) RedisOption {
	return func(g *RedisGuard) { g.codec = c }
}

// WithRedisTransient sets the predicate for errors that are not remembered.
func WithRedisTransient(fn Transient) RedisOption {
	return func(g *RedisGuard) { g.transient = fn }
}

// NewRedisGuard creates a guard storing its keys under prefix.
func NewRedisGuard(client *redis.Client, prefix string, lockTTL, resultTTL time.Duration, opts ...RedisOption) *RedisGuard {
	g := &RedisGuard{
		client:    client,
		prefix:    prefix,
		lockTTL:   lockTTL,
		resultTTL: resultTTL,
		codec:     opaqueCodec{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RedisGuard) lockKey(k Key) string { return g.prefix + "lock:" + k.Name }
func (g *RedisGuard) doneKey(k Key) string { return g.prefix + "done:" + k.String() }

// Execute implements Guard.
func (g *RedisGuard) Execute(ctx context.Context, key Key, action Action) ([]byte, error) {
	if rec, ok := g.lookup(ctx, key); ok {
		return g.restore(rec)
	}

	acquired, err := g.client.SetNX(ctx, g.lockKey(key), key.TransactionID, g.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("guard: acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, ErrRateLimited
	}
	defer g.release(key)

	// the previous holder may have finished between replay and SETNX
	if rec, ok := g.lookup(ctx, key); ok {
		return g.restore(rec)
	}

	payload, actErr := action(ctx)
	if actErr != nil && g.transient != nil && g.transient(actErr) {
		g.client.Del(context.Background(), g.doneKey(key))
		return payload, actErr
	}

	rec := storedOutcome{TxID: key.TransactionID, Payload: payload}
	if actErr != nil {
		rec.Failed = true
		rec.Code, rec.Message = g.codec.EncodeError(actErr)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return payload, actErr
	}
	// the mutation already happened; a failed write only loses replay
	g.client.Set(context.Background(), g.doneKey(key), data, g.resultTTL)
	return payload, actErr
}

func (g *RedisGuard) lookup(ctx context.Context, key Key) (*storedOutcome, bool) {
	data, err := g.client.Get(ctx, g.doneKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var rec storedOutcome
	if err := json.Unmarshal(data, &rec); err != nil || rec.TxID != key.TransactionID {
		return nil, false
	}
	return &rec, true
}

func (g *RedisGuard) restore(rec *storedOutcome) ([]byte, error) {
	if rec.Failed {
		return rec.Payload, g.codec.DecodeError(rec.Code, rec.Message)
	}
	return rec.Payload, nil
}

func (g *RedisGuard) release(key Key) {
	releaseScript.Run(context.Background(), g.client, []string{g.lockKey(key)}, key.TransactionID)
}
