// Package store defines the durable records the economy engine reads and
// writes, and the contracts every storage backend implements.
//
// Player records are updated by read-modify-write under a backend-level
// lock or transaction so updates for one player are linearizable. Station
// slots are separate records: two slots of one station never contend.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/production"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("already exists")
	// ErrPersistence marks failures of the storage backend itself. Callers
	// treat it as transient.
	ErrPersistence = errors.New("persistence failure")
)

// Persistence wraps a backend error so it matches ErrPersistence.
func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// IsPersistence reports whether err is a storage backend failure.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// PlayerRecord is the durable economic state of one player.
type PlayerRecord struct {
	ID     string            `json:"id"`
	Ledger *inventory.Ledger `json:"ledger"`
	Skills []string          `json:"skills"`
	// Tier is the premium account tier; 0 is a free account.
	Tier      int       `json:"tier"`
	Home      hex.Axial `json:"home"`
	Position  hex.Axial `json:"position"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (p *PlayerRecord) Clone() *PlayerRecord {
	cp := *p
	if p.Ledger != nil {
		cp.Ledger = p.Ledger.Clone()
	}
	cp.Skills = append([]string(nil), p.Skills...)
	return &cp
}

// HasSkill reports whether the player owns skill.
func (p *PlayerRecord) HasSkill(skill string) bool {
	return slices.Contains(p.Skills, skill)
}

// PlayerStore persists player records.
type PlayerStore interface {
	LoadPlayer(ctx context.Context, id string) (*PlayerRecord, error)
	// CreatePlayer stores a new record; ErrExists if the id is taken.
	CreatePlayer(ctx context.Context, rec *PlayerRecord) error
	// UpdatePlayer loads the latest record, applies fn and writes the result
	// back atomically. If fn fails nothing is written and its error is
	// returned unchanged.
	UpdatePlayer(ctx context.Context, id string, fn func(*PlayerRecord) error) (*PlayerRecord, error)
}

// StationStore persists stations. Slots are stored and updated one by one.
type StationStore interface {
	CreateStation(ctx context.Context, st *production.Station) error
	LoadStation(ctx context.Context, id string) (*production.Station, error)
	ListStations(ctx context.Context, owner string) ([]*production.Station, error)
	// DeleteStation removes the station and all its slots, returning the
	// final state.
	DeleteStation(ctx context.Context, id string) (*production.Station, error)
	// UpdateStation applies fn to station-level fields (the unlocked count).
	// Slot changes made by fn are ignored.
	UpdateStation(ctx context.Context, id string, fn func(*production.Station) error) (*production.Station, error)
	// UpdateSlot applies fn to one slot. The station passed to fn is a
	// snapshot for reading station-level fields.
	UpdateSlot(ctx context.Context, id string, index int, fn func(st *production.Station, slot *production.Slot) error) (*production.Station, error)
}

// Store is a complete backend.
type Store interface {
	PlayerStore
	StationStore
	Close() error
}
