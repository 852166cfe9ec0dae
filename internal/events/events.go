// Package events carries economy notifications from the engine to whoever
// presents them to the player, keyed by the player they concern.
package events

import (
	"sync"
	"time"

	"github.com/gravitas-games/homestead/internal/inventory"
)

// Type represents the kind of economy event.
type Type int

const (
	// InventoryChanged is emitted after any committed ledger mutation.
	InventoryChanged Type = iota
	// SlotStarted is emitted when a production job begins.
	SlotStarted
	// SlotReady is emitted when a job passes its completion time.
	SlotReady
	// SlotCollected is emitted when a job's result is granted.
	SlotCollected
	// SlotUnlocked is emitted when a station gains a slot.
	SlotUnlocked
	// CollectFailed is emitted when a ready job could not be granted.
	CollectFailed
	// StationBuilt is emitted when a station is created.
	StationBuilt
	// StationRemoved is emitted when a station is destroyed.
	StationRemoved
)

// String returns the wire name of the event type.
func (t Type) String() string {
	switch t {
	case InventoryChanged:
		return "inventory_changed"
	case SlotStarted:
		return "slot_started"
	case SlotReady:
		return "slot_ready"
	case SlotCollected:
		return "slot_collected"
	case SlotUnlocked:
		return "slot_unlocked"
	case CollectFailed:
		return "collect_failed"
	case StationBuilt:
		return "station_built"
	case StationRemoved:
		return "station_removed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is one notification.
type Event struct {
	Type      Type              `json:"type"`
	Owner     string            `json:"owner"`
	Station   string            `json:"station,omitempty"`
	Slot      *int              `json:"slot,omitempty"`
	Deltas    []inventory.Delta `json:"deltas,omitempty"`
	Item      string            `json:"item,omitempty"`
	Qty       int               `json:"qty,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SlotRef returns a pointer for Event.Slot.
func SlotRef(i int) *int { return &i }

// Bus manages event subscriptions and delivery.
type Bus interface {
	// Subscribe registers the handler for one owner, replacing any previous one.
	Subscribe(owner string, handler func(Event))
	// Unsubscribe removes the handler for an owner.
	Unsubscribe(owner string)
	// Publish delivers event to its owner's handler, if any.
	Publish(event Event)
}

// SimpleBus is an in-memory Bus. Handlers are called synchronously, one
// event at a time per owner, in publish order. They must not block.
type SimpleBus struct {
	mu       sync.RWMutex
	handlers map[string]*subscriber
	observer func(Event)
}

type subscriber struct {
	mu sync.Mutex
	fn func(Event)
}

// NewSimpleBus creates an empty bus.
func NewSimpleBus() *SimpleBus {
	return &SimpleBus{handlers: make(map[string]*subscriber)}
}

// Observe registers a handler that sees every event regardless of owner.
// It is called synchronously and must not block.
func (b *SimpleBus) Observe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

// Subscribe implements Bus.
func (b *SimpleBus) Subscribe(owner string, handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[owner] = &subscriber{fn: handler}
}

// Unsubscribe implements Bus.
func (b *SimpleBus) Unsubscribe(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, owner)
}

// Publish implements Bus.
func (b *SimpleBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.observer != nil {
		b.observer(event)
	}
	if sub, ok := b.handlers[event.Owner]; ok && event.Owner != "" {
		sub.mu.Lock()
		sub.fn(event)
		sub.mu.Unlock()
	}
}

// NullBus drops every event.
type NullBus struct{}

func (NullBus) Subscribe(string, func(Event)) {}
func (NullBus) Unsubscribe(string)            {}
func (NullBus) Publish(Event)                 {}
