package inventory

import (
	"errors"
	"fmt"
	"sort"
)

// Container is an unordered set of stacks with a declared base capacity.
// Capacity bounds the sum of non-currency quantities; the effective value
// (base plus bonuses) is supplied through Holder.
type Container struct {
	Kind         ContainerKind `json:"kind"`
	BaseCapacity int           `json:"baseCapacity"`
	Stacks       []Stack       `json:"stacks"`
}

// Quantity returns how many units of item the container holds.
func (c *Container) Quantity(item ItemType) int {
	i, ok := c.find(item)
	if !ok {
		return 0
	}
	return c.Stacks[i].Qty
}

// Used returns the capacity-relevant total, skipping currencies.
func (c *Container) Used(h Holder) int {
	total := 0
	for _, st := range c.Stacks {
		if h.IsCurrency(st.Item) {
			continue
		}
		total += st.Qty
	}
	return total
}

func (c *Container) find(item ItemType) (int, bool) {
	i := sort.Search(len(c.Stacks), func(i int) bool { return c.Stacks[i].Item >= item })
	return i, i < len(c.Stacks) && c.Stacks[i].Item == item
}

// set stores qty for item, keeping stacks sorted and dropping empty ones.
func (c *Container) set(item ItemType, qty int) {
	i, ok := c.find(item)
	switch {
	case ok && qty == 0:
		c.Stacks = append(c.Stacks[:i], c.Stacks[i+1:]...)
	case ok:
		c.Stacks[i].Qty = qty
	case qty > 0:
		c.Stacks = append(c.Stacks, Stack{})
		copy(c.Stacks[i+1:], c.Stacks[i:])
		c.Stacks[i] = Stack{Item: item, Qty: qty}
	}
}

// Ledger is the pair of containers owned by one player.
type Ledger struct {
	Warehouse Container `json:"warehouse"`
	Backpack  Container `json:"backpack"`
}

// New creates an empty ledger with the given base capacities.
func New(warehouseCapacity, backpackCapacity int) *Ledger {
	return &Ledger{
		Warehouse: Container{Kind: Warehouse, BaseCapacity: warehouseCapacity, Stacks: make([]Stack, 0)},
		Backpack:  Container{Kind: Backpack, BaseCapacity: backpackCapacity, Stacks: make([]Stack, 0)},
	}
}

// Container returns the container of the given kind.
func (l *Ledger) Container(kind ContainerKind) *Container {
	if kind == Backpack {
		return &l.Backpack
	}
	return &l.Warehouse
}

// Available returns the combined quantity of item across both containers.
func (l *Ledger) Available(item ItemType) int {
	return l.Backpack.Quantity(item) + l.Warehouse.Quantity(item)
}

// Holdings returns combined quantities per item type.
func (l *Ledger) Holdings() map[ItemType]int {
	out := make(map[ItemType]int, len(l.Warehouse.Stacks)+len(l.Backpack.Stacks))
	for _, st := range l.Warehouse.Stacks {
		out[st.Item] += st.Qty
	}
	for _, st := range l.Backpack.Stacks {
		out[st.Item] += st.Qty
	}
	return out
}

// Clone returns a deep copy suitable for snapshots and simulations.
func (l *Ledger) Clone() *Ledger {
	cp := *l
	cp.Warehouse.Stacks = append(make([]Stack, 0, len(l.Warehouse.Stacks)), l.Warehouse.Stacks...)
	cp.Backpack.Stacks = append(make([]Stack, 0, len(l.Backpack.Stacks)), l.Backpack.Stacks...)
	return &cp
}

// Merge folds duplicate ingredients together and scales by multiplier,
// preserving first-seen order. Zero quantities are dropped.
func Merge(cost []Ingredient, multiplier int) ([]Ingredient, error) {
	if multiplier < 1 {
		return nil, fmt.Errorf("inventory: multiplier must be positive, got %d", multiplier)
	}
	out := make([]Ingredient, 0, len(cost))
	index := make(map[ItemType]int, len(cost))
	for _, in := range cost {
		if in.Qty < 0 {
			return nil, fmt.Errorf("inventory: negative quantity for %s", in.Item)
		}
		if in.Qty == 0 {
			continue
		}
		if i, ok := index[in.Item]; ok {
			out[i].Qty += in.Qty * multiplier
			continue
		}
		index[in.Item] = len(out)
		out = append(out, Ingredient{Item: in.Item, Qty: in.Qty * multiplier})
	}
	return out, nil
}

// PlanSpend computes the deltas that would deduct cost (times multiplier)
// without mutating the ledger. Each ingredient is drawn from the backpack
// first and the warehouse second.
func (l *Ledger) PlanSpend(cost []Ingredient, multiplier int) ([]Delta, error) {
	need, err := Merge(cost, multiplier)
	if err != nil {
		return nil, err
	}
	deltas := make([]Delta, 0, len(need)*2)
	for _, in := range need {
		bp := l.Backpack.Quantity(in.Item)
		wh := l.Warehouse.Quantity(in.Item)
		if bp+wh < in.Qty {
			return nil, &ShortfallError{Item: in.Item, Have: bp + wh, Need: in.Qty}
		}
		remaining := in.Qty
		if take := min(bp, remaining); take > 0 {
			deltas = append(deltas, Delta{Item: in.Item, Qty: -take, Container: Backpack})
			remaining -= take
		}
		if remaining > 0 {
			deltas = append(deltas, Delta{Item: in.Item, Qty: -remaining, Container: Warehouse})
		}
	}
	return deltas, nil
}

// CanAfford reports whether cost repeated multiplier times is covered.
func (l *Ledger) CanAfford(cost []Ingredient, multiplier int) bool {
	_, err := l.PlanSpend(cost, multiplier)
	return err == nil
}

// Spend deducts cost all-or-nothing and returns the applied deltas.
func (l *Ledger) Spend(cost []Ingredient) ([]Delta, error) {
	deltas, err := l.PlanSpend(cost, 1)
	if err != nil {
		return nil, err
	}
	if err := l.commit(deltas, nil); err != nil {
		return nil, err
	}
	return deltas, nil
}

// Destination picks the container a non-zero gain of item lands in.
func (l *Ledger) Destination(item ItemType, h Holder) (ContainerKind, error) {
	if h.IsCurrency(item) || h.AtHome {
		return Warehouse, nil
	}
	if !h.CanCarry {
		return Backpack, ErrMissingCarryCapability
	}
	return Backpack, nil
}

// PlanGain computes the delta for receiving qty units of item, checking
// placement and capacity without mutating the ledger.
func (l *Ledger) PlanGain(item ItemType, qty int, h Holder) ([]Delta, error) {
	if qty < 0 {
		return nil, fmt.Errorf("inventory: negative gain for %s", item)
	}
	if qty == 0 {
		return nil, nil
	}
	kind, err := l.Destination(item, h)
	if err != nil {
		return nil, err
	}
	d := []Delta{{Item: item, Qty: qty, Container: kind}}
	if err := l.check(d, &h); err != nil {
		return nil, err
	}
	return d, nil
}

// Gain adds qty units of item and returns the applied deltas.
func (l *Ledger) Gain(item ItemType, qty int, h Holder) ([]Delta, error) {
	deltas, err := l.PlanGain(item, qty, h)
	if err != nil {
		return nil, err
	}
	if err := l.commit(deltas, &h); err != nil {
		return nil, err
	}
	return deltas, nil
}

// Apply validates and commits a batch of deltas. Quantities must stay
// non-negative and any container whose non-currency total grows must stay
// within its effective capacity. Nothing is mutated on error.
func (l *Ledger) Apply(deltas []Delta, h Holder) error {
	return l.commit(deltas, &h)
}

// Revert applies the inverse of deltas without capacity checks. It is used
// to compensate for a mutation whose durable follow-up failed.
func (l *Ledger) Revert(deltas []Delta) error {
	return l.commit(Invert(deltas), nil)
}

func (l *Ledger) commit(deltas []Delta, h *Holder) error {
	if err := l.check(deltas, h); err != nil {
		return err
	}
	for _, d := range deltas {
		c := l.Container(d.Container)
		c.set(d.Item, c.Quantity(d.Item)+d.Qty)
	}
	return nil
}

// check validates deltas against the current state. A nil holder skips
// capacity enforcement.
func (l *Ledger) check(deltas []Delta, h *Holder) error {
	type key struct {
		kind ContainerKind
		item ItemType
	}
	next := make(map[key]int, len(deltas))
	growth := map[ContainerKind]int{}
	for _, d := range deltas {
		if d.Container != Warehouse && d.Container != Backpack {
			return fmt.Errorf("inventory: invalid container %d", int(d.Container))
		}
		k := key{d.Container, d.Item}
		if _, ok := next[k]; !ok {
			next[k] = l.Container(d.Container).Quantity(d.Item)
		}
		next[k] += d.Qty
		if h != nil && !h.IsCurrency(d.Item) {
			growth[d.Container] += d.Qty
		}
	}
	for k, qty := range next {
		if qty < 0 {
			have := l.Container(k.kind).Quantity(k.item)
			return &ShortfallError{Item: k.item, Have: have, Need: have - qty}
		}
	}
	if h == nil {
		return nil
	}
	for _, kind := range []ContainerKind{Warehouse, Backpack} {
		g := growth[kind]
		if g <= 0 {
			continue
		}
		used := l.Container(kind).Used(*h)
		if capacity := h.Capacity(kind); used+g > capacity {
			return &CapacityError{Container: kind, Used: used, Adding: g, Capacity: capacity}
		}
	}
	return nil
}

// IsResourceError reports whether err is one of the ledger's terminal
// affordability or placement failures.
func IsResourceError(err error) bool {
	return errors.Is(err, ErrInsufficientResources) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrMissingCarryCapability)
}
