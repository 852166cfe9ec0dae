package inventory

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func testHolder() Holder {
	return Holder{
		AtHome:            true,
		CanCarry:          false,
		WarehouseCapacity: 100,
		BackpackCapacity:  20,
		Currencies:        map[ItemType]bool{"coins": true, "gems": true},
	}
}

func mustGain(t *testing.T, l *Ledger, item ItemType, qty int, h Holder) {
	t.Helper()
	if _, err := l.Gain(item, qty, h); err != nil {
		t.Fatalf("unexpected gain error for %s x%d: %v", item, qty, err)
	}
}

func TestSpendDrawsBackpackFirst(t *testing.T) {
	l := New(100, 20)
	h := testHolder()
	mustGain(t, l, "wood", 10, h)
	away := h
	away.AtHome = false
	away.CanCarry = true
	mustGain(t, l, "wood", 4, away)

	deltas, err := l.Spend([]Ingredient{{Item: "wood", Qty: 6}})
	if err != nil {
		t.Fatalf("unexpected spend error: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}
	if deltas[0].Container != Backpack || deltas[0].Qty != -4 {
		t.Fatalf("expected backpack -4 first, got %+v", deltas[0])
	}
	if l.Backpack.Quantity("wood") != 0 || l.Warehouse.Quantity("wood") != 8 {
		t.Fatalf("unexpected quantities: backpack=%d warehouse=%d", l.Backpack.Quantity("wood"), l.Warehouse.Quantity("wood"))
	}
	if len(l.Backpack.Stacks) != 0 {
		t.Fatalf("expected empty stack to be removed, got %+v", l.Backpack.Stacks)
	}
}

func TestSpendAllOrNothing(t *testing.T) {
	l := New(100, 20)
	h := testHolder()
	mustGain(t, l, "wood", 10, h)
	mustGain(t, l, "stone", 2, h)

	_, err := l.Spend([]Ingredient{{Item: "wood", Qty: 5}, {Item: "stone", Qty: 3}})
	var shortfall *ShortfallError
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected shortfall error, got %v", err)
	}
	if shortfall.Item != "stone" || shortfall.Have != 2 || shortfall.Need != 3 {
		t.Fatalf("unexpected shortfall: %+v", shortfall)
	}
	if !errors.Is(err, ErrInsufficientResources) {
		t.Fatalf("expected ErrInsufficientResources")
	}
	if l.Available("wood") != 10 {
		t.Fatalf("expected no partial deduction, wood=%d", l.Available("wood"))
	}
}

func TestDuplicateIngredientsAreMerged(t *testing.T) {
	l := New(100, 20)
	mustGain(t, l, "wood", 5, testHolder())
	if l.CanAfford([]Ingredient{{Item: "wood", Qty: 3}, {Item: "wood", Qty: 3}}, 1) {
		t.Fatalf("expected duplicate ingredients to be summed")
	}
}

func TestMerge(t *testing.T) {
	got, err := Merge([]Ingredient{{Item: "wood", Qty: 2}, {Item: "stone", Qty: 0}, {Item: "wood", Qty: 3}}, 2)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !reflect.DeepEqual(got, []Ingredient{{Item: "wood", Qty: 10}}) {
		t.Fatalf("unexpected merge: %+v", got)
	}
	if _, err := Merge([]Ingredient{{Item: "wood", Qty: -1}}, 1); err == nil {
		t.Fatalf("expected negative quantity rejected")
	}
}

func TestCanAffordMultiplier(t *testing.T) {
	l := New(100, 20)
	mustGain(t, l, "wood", 30, testHolder())
	cost := []Ingredient{{Item: "wood", Qty: 10}}
	if !l.CanAfford(cost, 3) {
		t.Fatalf("expected 3x affordable")
	}
	if l.CanAfford(cost, 4) {
		t.Fatalf("expected 4x unaffordable")
	}
	if l.Available("wood") != 30 {
		t.Fatalf("CanAfford must not mutate")
	}
}

func TestGainPlacement(t *testing.T) {
	l := New(100, 20)
	h := testHolder()
	h.AtHome = false

	// currency always goes to the warehouse, even away without a backpack
	deltas, err := l.Gain("coins", 500, h)
	if err != nil {
		t.Fatalf("unexpected currency gain error: %v", err)
	}
	if deltas[0].Container != Warehouse {
		t.Fatalf("expected currency in warehouse, got %s", deltas[0].Container)
	}

	_, err = l.Gain("stone", 1, h)
	if !errors.Is(err, ErrMissingCarryCapability) {
		t.Fatalf("expected ErrMissingCarryCapability, got %v", err)
	}

	h.CanCarry = true
	deltas, err = l.Gain("stone", 1, h)
	if err != nil {
		t.Fatalf("unexpected gain error: %v", err)
	}
	if deltas[0].Container != Backpack {
		t.Fatalf("expected backpack placement, got %s", deltas[0].Container)
	}
}

func TestMissingCarryReportedBeforeCapacity(t *testing.T) {
	l := New(100, 0)
	h := testHolder()
	h.AtHome = false
	h.BackpackCapacity = 0
	_, err := l.Gain("stone", 5, h)
	if !errors.Is(err, ErrMissingCarryCapability) {
		t.Fatalf("expected ErrMissingCarryCapability, got %v", err)
	}
	if errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("did not expect capacity error")
	}
}

func TestGainCapacityExceeded(t *testing.T) {
	l := New(100, 20)
	h := testHolder()
	mustGain(t, l, "wood", 95, h)
	mustGain(t, l, "coins", 1000, h)

	_, err := l.Gain("stone", 6, h)
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if capErr.Used != 95 || capErr.Capacity != 100 {
		t.Fatalf("unexpected capacity error: %+v", capErr)
	}
	if l.Available("stone") != 0 {
		t.Fatalf("expected no mutation on capacity failure")
	}
	mustGain(t, l, "stone", 5, h)
}

func TestApplyChecksGrowthOnly(t *testing.T) {
	l := New(100, 20)
	h := testHolder()
	mustGain(t, l, "wood", 100, h)

	// capacity shrank below usage: spending must still work
	h.WarehouseCapacity = 50
	if err := l.Apply([]Delta{{Item: "wood", Qty: -10, Container: Warehouse}}, h); err != nil {
		t.Fatalf("expected shrinking apply to succeed: %v", err)
	}
	if err := l.Apply([]Delta{{Item: "wood", Qty: 1, Container: Warehouse}}, h); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if err := l.Apply([]Delta{{Item: "stone", Qty: -1, Container: Warehouse}}, h); !errors.Is(err, ErrInsufficientResources) {
		t.Fatalf("expected insufficient error for negative result, got %v", err)
	}
}

func TestSpendRevertIsByteIdentical(t *testing.T) {
	l := New(100, 20)
	h := testHolder()
	mustGain(t, l, "wood", 40, h)
	mustGain(t, l, "coins", 12, h)
	away := h
	away.AtHome = false
	away.CanCarry = true
	mustGain(t, l, "wood", 3, away)

	before, _ := json.Marshal(l)
	deltas, err := l.Spend([]Ingredient{{Item: "wood", Qty: 43}, {Item: "coins", Qty: 12}})
	if err != nil {
		t.Fatalf("unexpected spend error: %v", err)
	}
	if err := l.Revert(deltas); err != nil {
		t.Fatalf("unexpected revert error: %v", err)
	}
	after, _ := json.Marshal(l)
	if !bytes.Equal(before, after) {
		t.Fatalf("expected identical state after revert\nbefore=%s\nafter=%s", before, after)
	}
}

func TestCapacityInvariantUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	items := []ItemType{"wood", "stone", "plank", "coins"}
	l := New(50, 10)
	h := testHolder()
	h.WarehouseCapacity = 50
	h.BackpackCapacity = 10
	h.CanCarry = true

	for i := 0; i < 2000; i++ {
		h.AtHome = rng.Intn(2) == 0
		item := items[rng.Intn(len(items))]
		qty := rng.Intn(15)
		if rng.Intn(2) == 0 {
			_, _ = l.Gain(item, qty, h)
		} else {
			_, _ = l.Spend([]Ingredient{{Item: item, Qty: qty}})
		}
		if used := l.Warehouse.Used(h); used > h.WarehouseCapacity {
			t.Fatalf("step %d: warehouse used %d > %d", i, used, h.WarehouseCapacity)
		}
		if used := l.Backpack.Used(h); used > h.BackpackCapacity {
			t.Fatalf("step %d: backpack used %d > %d", i, used, h.BackpackCapacity)
		}
		for _, st := range append(l.Warehouse.Stacks, l.Backpack.Stacks...) {
			if st.Qty <= 0 {
				t.Fatalf("step %d: non-positive stack %+v", i, st)
			}
		}
	}
}

func TestContainerKindText(t *testing.T) {
	b, err := json.Marshal(Delta{Item: "wood", Qty: 1, Container: Backpack})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var d Delta
	if err := json.Unmarshal(b, &d); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if d.Container != Backpack {
		t.Fatalf("expected backpack, got %s", d.Container)
	}
}

func TestIsResourceError(t *testing.T) {
	l := New(100, 20)
	_, err := l.Spend([]Ingredient{{Item: "wood", Qty: 1}})
	if !IsResourceError(err) {
		t.Fatalf("expected shortfall to be a resource error: %v", err)
	}
	if IsResourceError(errors.New("store down")) {
		t.Fatalf("unrelated errors are not resource errors")
	}
}
