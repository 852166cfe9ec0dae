// Package pricing computes how much premium currency covers a player's
// shortfall on a cost, and the reduced cost that is actually spent when the
// player accepts the offer. It never mutates state.
package pricing

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/inventory"
)

// Mode selects the shortfall formula.
type Mode string

const (
	// Flat charges the base gem cost plus a per-unit gem price for every
	// missing unit, plus the gem price of a missing required skill. It costs
	// nothing when nothing is missing; the base cost is not charged alone.
	Flat Mode = "flat"
	// Ratio scales the base gem cost by the missing share of the cost's
	// total money value.
	Ratio Mode = "ratio"
)

// Catalog is the subset of catalog lookups pricing needs.
type Catalog interface {
	Item(t inventory.ItemType) (*catalog.Item, error)
	Skill(t string) (*catalog.Skill, error)
	PremiumCurrency() inventory.ItemType
}

// Request is a cost to be priced.
type Request struct {
	Ingredients   []inventory.Ingredient
	BaseGemCost   int
	RequiredSkill string
}

// FromRecipe builds a request from a recipe definition.
func FromRecipe(r *catalog.Recipe) Request {
	return Request{Ingredients: r.Ingredients, BaseGemCost: r.GemCost, RequiredSkill: r.RequiredSkill}
}

// Quote is the outcome of pricing a request.
type Quote struct {
	Mode    Mode                   `json:"mode"`
	GemCost int                    `json:"gemCost"`
	Missing []inventory.Ingredient `json:"missing,omitempty"`
	// MissingSkill is set when the request needs a skill the player lacks.
	MissingSkill string `json:"missingSkill,omitempty"`
	// Modified is the cost to spend instead of the original: every
	// ingredient capped at holdings plus GemCost units of premium currency.
	Modified []inventory.Ingredient `json:"modified"`
}

// Short reports whether anything was missing.
func (q Quote) Short() bool { return len(q.Missing) > 0 || q.MissingSkill != "" }

// Price quotes req against holdings and owned skills.
func Price(mode Mode, req Request, holdings map[inventory.ItemType]int, owned []string, cat Catalog) (Quote, error) {
	q := Quote{Mode: mode}
	need, err := inventory.Merge(req.Ingredients, 1)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing: %w", err)
	}
	for _, in := range need {
		have := holdings[in.Item]
		if have < in.Qty {
			q.Missing = append(q.Missing, inventory.Ingredient{Item: in.Item, Qty: in.Qty - have})
		}
	}
	if req.RequiredSkill != "" && !slices.Contains(owned, req.RequiredSkill) {
		q.MissingSkill = req.RequiredSkill
	}

	switch mode {
	case Flat:
		q.GemCost, err = flat(req, q, cat)
	case Ratio:
		q.GemCost, err = ratio(req, need, holdings, cat)
	default:
		err = fmt.Errorf("pricing: unknown mode %q", mode)
	}
	if err != nil {
		return Quote{}, err
	}
	q.Modified = modified(need, holdings, cat.PremiumCurrency(), q.GemCost)
	return q, nil
}

func flat(req Request, q Quote, cat Catalog) (int, error) {
	if !q.Short() {
		return 0, nil
	}
	total := decimal.NewFromInt(int64(req.BaseGemCost))
	for _, m := range q.Missing {
		it, err := cat.Item(m.Item)
		if err != nil {
			return 0, fmt.Errorf("pricing: %w", err)
		}
		total = total.Add(decimal.NewFromFloat(it.GemCost).Mul(decimal.NewFromInt(int64(m.Qty))))
	}
	if q.MissingSkill != "" {
		sk, err := cat.Skill(q.MissingSkill)
		if err != nil {
			return 0, fmt.Errorf("pricing: %w", err)
		}
		total = total.Add(decimal.NewFromInt(int64(sk.GemCost)))
	}
	cost := int(total.Ceil().IntPart())
	if cost < 1 {
		cost = 1
	}
	return cost, nil
}

// ratio computes ceil(base * (need-have)/need) over money values in integer
// arithmetic. Holdings above the requirement do not count.
func ratio(req Request, need []inventory.Ingredient, holdings map[inventory.ItemType]int, cat Catalog) (int, error) {
	var valueNeed, valueHave int64
	for _, in := range need {
		it, err := cat.Item(in.Item)
		if err != nil {
			return 0, fmt.Errorf("pricing: %w", err)
		}
		have := min(holdings[in.Item], in.Qty)
		valueNeed += int64(it.MoneyValue) * int64(in.Qty)
		valueHave += int64(it.MoneyValue) * int64(have)
	}
	if valueNeed == 0 || req.BaseGemCost <= 0 {
		return 0, nil
	}
	missing := valueNeed - valueHave
	base := int64(req.BaseGemCost)
	return int((base*missing + valueNeed - 1) / valueNeed), nil
}

func modified(need []inventory.Ingredient, holdings map[inventory.ItemType]int, premium inventory.ItemType, gems int) []inventory.Ingredient {
	out := make([]inventory.Ingredient, 0, len(need)+1)
	merged := false
	for _, in := range need {
		qty := min(in.Qty, holdings[in.Item])
		if in.Item == premium {
			qty += gems
			merged = true
		}
		if qty > 0 {
			out = append(out, inventory.Ingredient{Item: in.Item, Qty: qty})
		}
	}
	if !merged && gems > 0 {
		out = append(out, inventory.Ingredient{Item: premium, Qty: gems})
	}
	return out
}
