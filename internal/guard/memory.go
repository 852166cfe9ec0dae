package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type outcome struct {
	payload []byte
	err     error
	expires time.Time
}

// MemoryGuard keeps in-flight key names in a map and completed outcomes,
// per name and transaction id, in a bounded LRU. It is suitable for a single
// server process.
type MemoryGuard struct {
	mu        sync.Mutex
	inflight  map[string]string
	done      *lru.Cache
	ttl       time.Duration
	now       func() time.Time
	transient Transient
}

// MemoryOption configures a MemoryGuard.
type MemoryOption func(*MemoryGuard)

// WithClock overrides the time source used for outcome expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGuard) { g.now = now }
}

// WithTransient sets the predicate for errors that are not remembered.
func WithTransient(fn Transient) MemoryOption {
	return func(g *MemoryGuard) { g.transient = fn }
}

// NewMemoryGuard remembers up to size completed keys for ttl each.
func NewMemoryGuard(size int, ttl time.Duration, opts ...MemoryOption) (*MemoryGuard, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}
	g := &MemoryGuard{
		inflight: make(map[string]string),
		done:     cache,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Execute implements Guard.
func (g *MemoryGuard) Execute(ctx context.Context, key Key, action Action) ([]byte, error) {
	g.mu.Lock()
	if v, ok := g.done.Get(key.String()); ok {
		o := v.(*outcome)
		if g.now().Before(o.expires) {
			g.mu.Unlock()
			return o.payload, o.err
		}
	}
	if _, busy := g.inflight[key.Name]; busy {
		g.mu.Unlock()
		return nil, ErrRateLimited
	}
	g.inflight[key.Name] = key.TransactionID
	g.mu.Unlock()

	payload, err := action(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key.Name)
	if err != nil && g.transient != nil && g.transient(err) {
		g.done.Remove(key.String())
		return payload, err
	}
	g.done.Add(key.String(), &outcome{
		payload: payload,
		err:     err,
		expires: g.now().Add(g.ttl),
	})
	return payload, err
}
