// Package memstore is an in-process store.Store used by tests and by
// single-node deployments without external storage.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/store"
)

// Store keeps deep copies of every record so callers can never alias
// stored state.
type Store struct {
	mu       sync.Mutex
	players  map[string]*store.PlayerRecord
	stations map[string]*production.Station
	now      func() time.Time
	failNext map[string]int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		players:  make(map[string]*store.PlayerRecord),
		stations: make(map[string]*production.Station),
		now:      time.Now,
		failNext: make(map[string]int),
	}
}

// FailNext arranges for the next n calls of op ("load", "player", "slot",
// "station") to fail with a persistence error. "load" covers LoadPlayer.
func (s *Store) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = n
}

func (s *Store) injected(op string) error {
	if s.failNext[op] > 0 {
		s.failNext[op]--
		return store.Persistence(op, fmt.Errorf("injected failure"))
	}
	return nil
}

// LoadPlayer implements store.PlayerStore.
func (s *Store) LoadPlayer(ctx context.Context, id string) (*store.PlayerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("load"); err != nil {
		return nil, err
	}
	rec, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

// CreatePlayer implements store.PlayerStore.
func (s *Store) CreatePlayer(ctx context.Context, rec *store.PlayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[rec.ID]; ok {
		return fmt.Errorf("player %s: %w", rec.ID, store.ErrExists)
	}
	cp := rec.Clone()
	cp.Version = 1
	cp.UpdatedAt = s.now()
	s.players[rec.ID] = cp
	return nil
}

// UpdatePlayer implements store.PlayerStore.
func (s *Store) UpdatePlayer(ctx context.Context, id string, fn func(*store.PlayerRecord) error) (*store.PlayerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, store.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.injected("player"); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	s.players[id] = next
	return next.Clone(), nil
}

// CreateStation implements store.StationStore.
func (s *Store) CreateStation(ctx context.Context, st *production.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stations[st.ID]; ok {
		return fmt.Errorf("station %s: %w", st.ID, store.ErrExists)
	}
	if err := s.injected("station"); err != nil {
		return err
	}
	s.stations[st.ID] = st.Clone()
	return nil
}

// LoadStation implements store.StationStore.
func (s *Store) LoadStation(ctx context.Context, id string) (*production.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	if !ok {
		return nil, fmt.Errorf("station %s: %w", id, store.ErrNotFound)
	}
	return st.Clone(), nil
}

// ListStations implements store.StationStore.
func (s *Store) ListStations(ctx context.Context, owner string) ([]*production.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*production.Station
	for _, st := range s.stations {
		if st.Owner == owner {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteStation implements store.StationStore.
func (s *Store) DeleteStation(ctx context.Context, id string) (*production.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[id]
	if !ok {
		return nil, fmt.Errorf("station %s: %w", id, store.ErrNotFound)
	}
	if err := s.injected("station"); err != nil {
		return nil, err
	}
	delete(s.stations, id)
	return st, nil
}

// UpdateStation implements store.StationStore.
func (s *Store) UpdateStation(ctx context.Context, id string, fn func(*production.Station) error) (*production.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stations[id]
	if !ok {
		return nil, fmt.Errorf("station %s: %w", id, store.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.injected("station"); err != nil {
		return nil, err
	}
	cur.UnlockedSlots = next.UnlockedSlots
	return cur.Clone(), nil
}

// UpdateSlot implements store.StationStore.
func (s *Store) UpdateSlot(ctx context.Context, id string, index int, fn func(*production.Station, *production.Slot) error) (*production.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stations[id]
	if !ok {
		return nil, fmt.Errorf("station %s: %w", id, store.ErrNotFound)
	}
	view := cur.Clone()
	slot, err := view.Slot(index)
	if err != nil {
		return nil, err
	}
	if err := fn(view, slot); err != nil {
		return nil, err
	}
	if err := s.injected("slot"); err != nil {
		return nil, err
	}
	slot.Index = index
	cur.Slots[index] = *slot
	return cur.Clone(), nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }
