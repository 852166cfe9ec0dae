// Package economy ties the ledger, skill resolver, gem pricing, guard and
// production stations into the player-facing actions of the game economy.
// Every mutating action runs behind the transaction guard and reads the
// latest persisted player record immediately before changing it.
package economy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/guard"
	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/progress"
	"github.com/gravitas-games/homestead/internal/store"
)

// ErrInvalidRequest is returned for requests that can never succeed as
// sent, such as selling a currency or starting an instant recipe in a slot.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotOwner is returned when a player acts on another player's station
// in a way only the owner may.
var ErrNotOwner = fmt.Errorf("%w: not the station owner", ErrInvalidRequest)

// ActorSpawner places non-inventory results (animals, workers) into the
// world.
type ActorSpawner interface {
	Spawn(ctx context.Context, owner, actor string, qty int, at hex.Axial) error
}

type nullSpawner struct{}

func (nullSpawner) Spawn(context.Context, string, string, int, hex.Axial) error { return nil }

// Config holds the engine's tunables.
type Config struct {
	// HomeRadius is how far from home (in hexes) a player still counts as
	// at home.
	HomeRadius int `yaml:"home_radius" toml:"home_radius"`
	// Tier bonuses are added to the effective capacity of premium accounts.
	TierWarehouseBonus int `yaml:"tier_warehouse_bonus" toml:"tier_warehouse_bonus"`
	TierBackpackBonus  int `yaml:"tier_backpack_bonus" toml:"tier_backpack_bonus"`
	// Starting values for new players.
	WarehouseCapacity int                    `yaml:"warehouse_capacity" toml:"warehouse_capacity"`
	BackpackCapacity  int                    `yaml:"backpack_capacity" toml:"backpack_capacity"`
	StartingItems     []inventory.Ingredient `yaml:"starting_items" toml:"starting_items"`
	// ViewSize bounds the optimistic player cache.
	ViewSize int `yaml:"view_size" toml:"view_size"`
}

// DefaultConfig returns the values used when a field is left empty.
func DefaultConfig() Config {
	return Config{
		HomeRadius:        3,
		WarehouseCapacity: 100,
		BackpackCapacity:  20,
		ViewSize:          4096,
	}
}

// Engine executes economy actions.
type Engine struct {
	l        logrus.FieldLogger
	cat      *catalog.Catalog
	store    store.Store
	guard    guard.Guard
	bus      events.Bus
	progress progress.Sink
	spawner  ActorSpawner
	status   StatusSink
	view     *View
	ready    *production.ReadyTracker
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithBus sets the event bus.
func WithBus(b events.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithProgress sets the quest progress sink.
func WithProgress(s progress.Sink) Option { return func(e *Engine) { e.progress = s } }

// WithSpawner sets the actor spawning collaborator.
func WithSpawner(s ActorSpawner) Option { return func(e *Engine) { e.spawner = s } }

// WithStatus sets the presentation sink.
func WithStatus(s StatusSink) Option { return func(e *Engine) { e.status = s } }

// WithIDs replaces the id generator used for jobs and stations.
func WithIDs(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// New creates an engine. The catalog is read-only and may be shared
// between engines.
func New(l logrus.FieldLogger, cat *catalog.Catalog, st store.Store, g guard.Guard, cfg Config, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.ViewSize <= 0 {
		cfg.ViewSize = def.ViewSize
	}
	if cfg.WarehouseCapacity <= 0 {
		cfg.WarehouseCapacity = def.WarehouseCapacity
	}
	if cfg.BackpackCapacity < 0 {
		cfg.BackpackCapacity = 0
	}
	view, err := NewView(cfg.ViewSize)
	if err != nil {
		return nil, fmt.Errorf("economy: %w", err)
	}
	e := &Engine{
		l:        l,
		cat:      cat,
		store:    st,
		guard:    g,
		bus:      events.NullBus{},
		progress: progress.Null{},
		spawner:  nullSpawner{},
		status:   nullStatus{},
		view:     view,
		ready:    production.NewReadyTracker(),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Catalog returns the engine's master tables.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Holder derives placement and effective capacities for a player.
func (e *Engine) Holder(p *store.PlayerRecord) inventory.Holder {
	h := inventory.Holder{
		AtHome:            hex.Within(p.Home, p.Position, e.cfg.HomeRadius),
		WarehouseCapacity: p.Ledger.Warehouse.BaseCapacity,
		BackpackCapacity:  p.Ledger.Backpack.BaseCapacity,
		Currencies:        e.cat.Currencies(),
	}
	for _, id := range p.Skills {
		sk, err := e.cat.Skill(id)
		if err != nil {
			continue
		}
		h.WarehouseCapacity += sk.WarehouseBonus
		h.BackpackCapacity += sk.BackpackBonus
	}
	h.CanCarry = slices.ContainsFunc(e.cat.CarrySkills(), func(s string) bool { return slices.Contains(p.Skills, s) })
	if p.Tier > 0 {
		h.WarehouseCapacity += e.cfg.TierWarehouseBonus
		h.BackpackCapacity += e.cfg.TierBackpackBonus
	}
	return h
}

// CreatePlayer stores a new player at home with the starting inventory.
func (e *Engine) CreatePlayer(ctx context.Context, id string, home hex.Axial) (*store.PlayerRecord, error) {
	rec := &store.PlayerRecord{
		ID:       id,
		Ledger:   inventory.New(e.cfg.WarehouseCapacity, e.cfg.BackpackCapacity),
		Skills:   []string{},
		Home:     home,
		Position: home,
	}
	for _, in := range e.cfg.StartingItems {
		if _, err := rec.Ledger.Gain(in.Item, in.Qty, e.Holder(rec)); err != nil {
			return nil, fmt.Errorf("economy: starting item %s: %w", in.Item, err)
		}
	}
	if err := e.store.CreatePlayer(ctx, rec); err != nil {
		return nil, err
	}
	stored, err := e.store.LoadPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	e.view.Put(stored)
	e.l.WithField("player", id).Infof("Created player at %s.", home)
	return stored, nil
}

// updatePlayer runs fn against the latest record. The change is shown in
// the optimistic view first and reverted there if the write fails.
func (e *Engine) updatePlayer(ctx context.Context, id string, fn func(*store.PlayerRecord) error) (*store.PlayerRecord, error) {
	pending := e.view.Begin(id, fn)
	rec, err := e.store.UpdatePlayer(ctx, id, fn)
	if err != nil {
		pending.Revert()
		return nil, err
	}
	pending.Commit(rec)
	return rec, nil
}

// refund undoes deltas that were committed before a later step failed.
func (e *Engine) refund(ctx context.Context, player string, deltas []inventory.Delta, cause error) {
	if len(deltas) == 0 {
		return
	}
	l := e.l.WithFields(logrus.Fields{"player": player, "cause": cause})
	if _, err := e.updatePlayer(ctx, player, func(r *store.PlayerRecord) error {
		return r.Ledger.Revert(deltas)
	}); err != nil {
		l.WithError(err).Errorf("Unable to compensate %d ledger changes.", len(deltas))
		return
	}
	l.Debugf("Compensated %d ledger changes.", len(deltas))
	e.publish(events.Event{Type: events.InventoryChanged, Owner: player, Deltas: inventory.Invert(deltas)})
}

func (e *Engine) publish(ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.bus.Publish(ev)
}

func (e *Engine) record(verb progress.Verb, player string, item inventory.ItemType, qty int) {
	if qty <= 0 {
		return
	}
	e.progress.Record(progress.Event{Verb: verb, Player: player, Item: string(item), Qty: qty, At: e.now()})
}

// recordDeltas reports every committed delta as a spend or gain.
func (e *Engine) recordDeltas(player string, deltas []inventory.Delta) {
	for _, d := range deltas {
		if d.Qty < 0 {
			e.record(progress.Spend, player, d.Item, -d.Qty)
		} else {
			e.record(progress.Gain, player, d.Item, d.Qty)
		}
	}
}

// report sends the outcome to the status sink and logs failures. Silent
// statuses are not reported.
func (e *Engine) report(player, action string, err error) {
	s := StatusOf(err)
	if s.Silent() {
		e.l.WithFields(logrus.Fields{"player": player, "action": action}).Debug("Duplicate request absorbed.")
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
		l := e.l.WithFields(logrus.Fields{"player": player, "action": action, "status": s})
		if s == StatusPersistenceFailure || s == StatusInternal {
			l.WithError(err).Warn("Action failed.")
		} else {
			l.Debug(detail)
		}
	}
	e.status.Report(player, action, s, detail)
}

func stationKey(action string, st *production.Station, index int) string {
	return fmt.Sprintf("%s:%s@%s#%d", action, st.ID, st.Position, index)
}
