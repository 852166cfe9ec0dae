package catalog

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gravitas-games/homestead/internal/inventory"
)

// SlotCost returns the price of unlocking the slot with 1-based ordinal n.
// The first slot is always free; explicit prices win over the growth curve.
func (s *Station) SlotCost(n int) ([]inventory.Ingredient, error) {
	if n < 1 || n > s.Slots {
		return nil, fmt.Errorf("station %s: slot %d out of range 1..%d", s.Type, n, s.Slots)
	}
	if n == 1 {
		return nil, nil
	}
	if i := n - 2; i < len(s.UnlockCosts) {
		return append([]inventory.Ingredient(nil), s.UnlockCosts[i]...), nil
	}
	growth := decimal.NewFromFloat(s.UnlockGrowth)
	if s.UnlockGrowth <= 0 {
		growth = decimal.NewFromInt(1)
	}
	factor := growth.Pow(decimal.NewFromInt(int64(n - 2)))
	out := make([]inventory.Ingredient, 0, len(s.UnlockCost))
	for _, in := range s.UnlockCost {
		qty := decimal.NewFromInt(int64(in.Qty)).Mul(factor).Ceil().IntPart()
		out = append(out, inventory.Ingredient{Item: in.Item, Qty: int(qty)})
	}
	return out, nil
}

// RowOf returns the 0-based display row of the slot with 0-based index i.
func (s *Station) RowOf(i int) int {
	if s.RowSize < 1 {
		return 0
	}
	return i / s.RowSize
}
