package economy

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/gravitas-games/homestead/internal/store"
)

// View caches the last known player records for fast reads and applies
// tentative changes ahead of the durable write. Each tentative change is
// a Pending command that is either committed with the stored result or
// reverted to the snapshot taken before it.
type View struct {
	mu    sync.Mutex
	cache *lru.Cache
}

type viewEntry struct {
	rec       *store.PlayerRecord
	tentative bool
}

// NewView creates a view holding up to size players.
func NewView(size int) (*View, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &View{cache: c}, nil
}

// Get returns a copy of the cached record.
func (v *View) Get(id string) (*store.PlayerRecord, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entry(id)
	if !ok {
		return nil, false
	}
	return e.rec.Clone(), true
}

// Put stores a durable record unless a newer one is already cached.
func (v *View) Put(rec *store.PlayerRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.put(rec)
}

// Forget drops a player from the cache.
func (v *View) Forget(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache.Remove(id)
}

func (v *View) entry(id string) (*viewEntry, bool) {
	raw, ok := v.cache.Get(id)
	if !ok {
		return nil, false
	}
	return raw.(*viewEntry), true
}

func (v *View) put(rec *store.PlayerRecord) {
	if cur, ok := v.entry(rec.ID); ok && !cur.tentative && cur.rec.Version > rec.Version {
		return
	}
	v.cache.Add(rec.ID, &viewEntry{rec: rec.Clone()})
}

// Pending is one tentative change.
type Pending struct {
	v    *View
	id   string
	prev *viewEntry
	next *viewEntry
}

// Begin applies fn to the cached record of id. If the player is not
// cached, or fn fails, the returned Pending does nothing.
func (v *View) Begin(id string, fn func(*store.PlayerRecord) error) *Pending {
	v.mu.Lock()
	defer v.mu.Unlock()
	p := &Pending{v: v, id: id}
	cur, ok := v.entry(id)
	if !ok {
		return p
	}
	rec := cur.rec.Clone()
	if err := fn(rec); err != nil {
		return p
	}
	p.prev = cur
	p.next = &viewEntry{rec: rec, tentative: true}
	v.cache.Add(id, p.next)
	return p
}

// Commit replaces the tentative state with the durable record.
func (p *Pending) Commit(rec *store.PlayerRecord) {
	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	p.v.put(rec)
}

// Revert restores the snapshot taken by Begin. If another change has been
// applied since, the entry is dropped so the next read reloads it.
func (p *Pending) Revert() {
	if p.next == nil {
		return
	}
	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	cur, ok := p.v.entry(p.id)
	switch {
	case !ok:
	case cur == p.next:
		p.v.cache.Add(p.id, p.prev)
	default:
		p.v.cache.Remove(p.id)
	}
}
