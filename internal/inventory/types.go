// Package inventory implements the per-player item ledger: two capacity
// tracked containers (warehouse and backpack) holding one stack per item
// type. Currency items are exempt from capacity and always live in the
// warehouse.
package inventory

import (
	"errors"
	"fmt"
)

// ItemType is the catalog identifier of an item. The ledger does not
// interpret it beyond equality.
type ItemType string

// ContainerKind selects one of the two containers a player owns.
type ContainerKind int

const (
	// Warehouse is home storage.
	Warehouse ContainerKind = iota
	// Backpack is mobile storage, usable away from home only with a carry skill.
	Backpack
)

// String returns the wire name of the container kind.
func (k ContainerKind) String() string {
	switch k {
	case Warehouse:
		return "warehouse"
	case Backpack:
		return "backpack"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ContainerKind) MarshalText() ([]byte, error) {
	if k != Warehouse && k != Backpack {
		return nil, fmt.Errorf("inventory: invalid container kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind previously encoded with MarshalText.
func (k *ContainerKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "warehouse":
		*k = Warehouse
	case "backpack":
		*k = Backpack
	default:
		return fmt.Errorf("inventory: unknown container kind %q", string(b))
	}
	return nil
}

// Stack is a quantity of one item type inside a container.
type Stack struct {
	Item ItemType `json:"item"`
	Qty  int      `json:"qty"`
}

// Ingredient is one (item, quantity) requirement of a cost or recipe.
type Ingredient struct {
	Item ItemType `json:"item" yaml:"item" toml:"item"`
	Qty  int      `json:"qty" yaml:"qty" toml:"qty"`
}

// Delta is a signed change to one item in one container. Deltas are the
// primitive mutation of the ledger; full records are derived from them.
type Delta struct {
	Item      ItemType      `json:"item"`
	Qty       int           `json:"qty"`
	Container ContainerKind `json:"container"`
}

// Invert returns the deltas that undo ds, in reverse order.
func Invert(ds []Delta) []Delta {
	out := make([]Delta, len(ds))
	for i, d := range ds {
		out[len(ds)-1-i] = Delta{Item: d.Item, Qty: -d.Qty, Container: d.Container}
	}
	return out
}

// Holder describes the owning player as far as placement and capacity are
// concerned. It is derived from the player record on every call.
type Holder struct {
	AtHome            bool
	CanCarry          bool
	WarehouseCapacity int
	BackpackCapacity  int
	// Currencies lists item types exempt from capacity accounting.
	Currencies map[ItemType]bool
}

// Capacity returns the effective capacity of the given container.
func (h Holder) Capacity(kind ContainerKind) int {
	if kind == Backpack {
		return h.BackpackCapacity
	}
	return h.WarehouseCapacity
}

// IsCurrency reports whether item is exempt from capacity.
func (h Holder) IsCurrency(item ItemType) bool {
	return h.Currencies[item]
}

var (
	// ErrInsufficientResources is returned when a cost cannot be covered.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrCapacityExceeded is returned when a gain would overflow a container.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrMissingCarryCapability is returned when an item would land in the
	// backpack but the player owns no carrying skill.
	ErrMissingCarryCapability = errors.New("missing carry capability")
)

// ShortfallError names the ingredient that could not be covered.
type ShortfallError struct {
	Item ItemType
	Have int
	Need int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient %s: have %d, need %d", e.Item, e.Have, e.Need)
}

func (e *ShortfallError) Unwrap() error { return ErrInsufficientResources }

// CapacityError names the container that would overflow.
type CapacityError struct {
	Container ContainerKind
	Used      int
	Adding    int
	Capacity  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s full: used=%d req=%d cap=%d", e.Container, e.Used, e.Adding, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }
