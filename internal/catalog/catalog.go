package catalog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/skills"
)

var (
	ErrUnknownItem    = errors.New("unknown item")
	ErrUnknownRecipe  = errors.New("unknown recipe")
	ErrUnknownSkill   = errors.New("unknown skill")
	ErrUnknownStation = errors.New("unknown station")
)

// Catalog is an immutable, indexed view over a Definition.
type Catalog struct {
	primary  inventory.ItemType
	premium  inventory.ItemType
	items    map[inventory.ItemType]*Item
	skills   map[string]*Skill
	stations map[string]*Station
	recipes  map[string]*Recipe
	tuning   skills.Tuning

	byStation map[string][]string
	carry     []string
	currency  map[inventory.ItemType]bool
}

// New validates def and builds its lookup indices. All validation problems
// are reported together.
func New(def Definition) (*Catalog, error) {
	c := &Catalog{
		primary:   def.PrimaryCurrency,
		premium:   def.PremiumCurrency,
		items:     make(map[inventory.ItemType]*Item, len(def.Items)),
		skills:    make(map[string]*Skill, len(def.Skills)),
		stations:  make(map[string]*Station, len(def.Stations)),
		recipes:   make(map[string]*Recipe, len(def.Recipes)),
		tuning:    make(skills.Tuning, len(def.Tuning)),
		byStation: make(map[string][]string),
		currency:  make(map[inventory.ItemType]bool),
	}
	var errs []error

	for i := range def.Items {
		it := def.Items[i]
		if it.Type == "" {
			errs = append(errs, fmt.Errorf("items[%d]: type is empty", i))
			continue
		}
		if _, dup := c.items[it.Type]; dup {
			errs = append(errs, fmt.Errorf("items[%d]: duplicate type %q", i, it.Type))
			continue
		}
		if it.MoneyValue < 0 || it.GemCost < 0 {
			errs = append(errs, fmt.Errorf("item %q: negative price", it.Type))
		}
		c.items[it.Type] = &it
		if it.Currency {
			c.currency[it.Type] = true
		}
	}
	for _, cur := range []struct {
		name string
		id   inventory.ItemType
	}{{"primary_currency", def.PrimaryCurrency}, {"premium_currency", def.PremiumCurrency}} {
		it, ok := c.items[cur.id]
		switch {
		case cur.id == "":
			errs = append(errs, fmt.Errorf("%s is not set", cur.name))
		case !ok:
			errs = append(errs, fmt.Errorf("%s %q: %w", cur.name, cur.id, ErrUnknownItem))
		case !it.Currency:
			errs = append(errs, fmt.Errorf("%s %q is not marked as currency", cur.name, cur.id))
		}
	}

	for i := range def.Skills {
		sk := def.Skills[i]
		if sk.Type == "" {
			errs = append(errs, fmt.Errorf("skills[%d]: type is empty", i))
			continue
		}
		if _, dup := c.skills[sk.Type]; dup {
			errs = append(errs, fmt.Errorf("skills[%d]: duplicate type %q", i, sk.Type))
			continue
		}
		if sk.Category == "" {
			sk.Category = CategorySkill
		}
		if sk.Category != CategorySkill && sk.Category != CategoryUpgrade {
			errs = append(errs, fmt.Errorf("skill %q: invalid category %q", sk.Type, sk.Category))
		}
		c.skills[sk.Type] = &sk
		if sk.Carry {
			c.carry = append(c.carry, sk.Type)
		}
	}
	sort.Strings(c.carry)

	for skill, targets := range def.Tuning {
		if _, ok := c.skills[skill]; !ok {
			errs = append(errs, fmt.Errorf("tuning %q: %w", skill, c.unknownSkill(skill)))
			continue
		}
		row := make(map[string]float64, len(targets))
		for target, mult := range targets {
			if mult <= 0 {
				errs = append(errs, fmt.Errorf("tuning %q/%q: multiplier must be positive", skill, target))
				continue
			}
			row[target] = mult
		}
		c.tuning[skill] = row
	}

	for i := range def.Stations {
		st := def.Stations[i]
		if st.Type == "" {
			errs = append(errs, fmt.Errorf("stations[%d]: type is empty", i))
			continue
		}
		if _, dup := c.stations[st.Type]; dup {
			errs = append(errs, fmt.Errorf("stations[%d]: duplicate type %q", i, st.Type))
			continue
		}
		if st.Slots < 1 {
			errs = append(errs, fmt.Errorf("station %q: needs at least one slot", st.Type))
		}
		if st.RowSize < 1 {
			st.RowSize = st.Slots
		}
		if st.UnlockGrowth == 0 {
			st.UnlockGrowth = 1
		}
		if st.UnlockGrowth < 1 {
			errs = append(errs, fmt.Errorf("station %q: unlock_growth must be at least 1", st.Type))
		}
		if st.BuildGemCost < 0 {
			errs = append(errs, fmt.Errorf("station %q: negative build gem cost", st.Type))
		}
		for _, cost := range append([][]inventory.Ingredient{st.UnlockCost, st.BuildCost}, st.UnlockCosts...) {
			errs = append(errs, c.checkIngredients("station "+st.Type, cost)...)
		}
		c.stations[st.Type] = &st
	}

	for i := range def.Recipes {
		r := def.Recipes[i]
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("recipes[%d]: id is empty", i))
			continue
		}
		if _, dup := c.recipes[r.ID]; dup {
			errs = append(errs, fmt.Errorf("recipes[%d]: duplicate id %q", i, r.ID))
			continue
		}
		errs = append(errs, c.validateRecipe(&r)...)
		c.recipes[r.ID] = &r
		if r.Station != "" {
			c.byStation[r.Station] = append(c.byStation[r.Station], r.ID)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return c, nil
}

func (c *Catalog) validateRecipe(r *Recipe) []error {
	var errs []error
	where := "recipe " + r.ID
	if len(r.Ingredients) > MaxIngredients {
		errs = append(errs, fmt.Errorf("%s: %d ingredients, at most %d allowed", where, len(r.Ingredients), MaxIngredients))
	}
	errs = append(errs, c.checkIngredients(where, r.Ingredients)...)
	if r.Duration < 0 {
		errs = append(errs, fmt.Errorf("%s: negative duration", where))
	}
	if r.Timed() {
		if r.Station == "" {
			errs = append(errs, fmt.Errorf("%s: timed recipe needs a station", where))
		} else if _, ok := c.stations[r.Station]; !ok {
			errs = append(errs, fmt.Errorf("%s: station %q: %w", where, r.Station, c.unknownStation(r.Station)))
		}
	}
	if r.RequiredSkill != "" {
		if _, ok := c.skills[r.RequiredSkill]; !ok {
			errs = append(errs, fmt.Errorf("%s: required skill %q: %w", where, r.RequiredSkill, c.unknownSkill(r.RequiredSkill)))
		}
	}
	if r.Result != "" && !r.SpawnsActor {
		if _, ok := c.items[r.Result]; !ok {
			errs = append(errs, fmt.Errorf("%s: result %q: %w", where, r.Result, c.unknownItem(r.Result)))
		}
	}
	if r.Yield == 0 && r.Result != "" {
		r.Yield = 1
	}
	if r.Yield < 0 {
		errs = append(errs, fmt.Errorf("%s: negative yield", where))
	}
	if r.GemCost < 0 {
		errs = append(errs, fmt.Errorf("%s: negative gem cost", where))
	}
	return errs
}

func (c *Catalog) checkIngredients(where string, list []inventory.Ingredient) []error {
	var errs []error
	for i, in := range list {
		if in.Qty <= 0 {
			errs = append(errs, fmt.Errorf("%s: ingredient %d: quantity must be positive", where, i))
		}
		if _, ok := c.items[in.Item]; !ok {
			errs = append(errs, fmt.Errorf("%s: ingredient %d %q: %w", where, i, in.Item, c.unknownItem(in.Item)))
		}
	}
	return errs
}

// Item looks up an item type.
func (c *Catalog) Item(t inventory.ItemType) (*Item, error) {
	if it, ok := c.items[t]; ok {
		return it, nil
	}
	return nil, fmt.Errorf("%q: %w", t, c.unknownItem(t))
}

// Recipe looks up a recipe by id.
func (c *Catalog) Recipe(id string) (*Recipe, error) {
	if r, ok := c.recipes[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%q: %w", id, suggest(ErrUnknownRecipe, id, keys(c.recipes)))
}

// Skill looks up a skill or upgrade type.
func (c *Catalog) Skill(t string) (*Skill, error) {
	if s, ok := c.skills[t]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%q: %w", t, c.unknownSkill(t))
}

// Station looks up a station type.
func (c *Catalog) Station(t string) (*Station, error) {
	if s, ok := c.stations[t]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%q: %w", t, c.unknownStation(t))
}

// Tuning returns the skill multiplier table.
func (c *Catalog) Tuning() skills.Tuning { return c.tuning }

// Currencies returns the set of capacity-exempt item types.
func (c *Catalog) Currencies() map[inventory.ItemType]bool { return c.currency }

// IsCurrency reports whether t is a currency.
func (c *Catalog) IsCurrency(t inventory.ItemType) bool { return c.currency[t] }

// PrimaryCurrency is the soft currency items are sold for.
func (c *Catalog) PrimaryCurrency() inventory.ItemType { return c.primary }

// PremiumCurrency is the gem currency used to cover shortfalls.
func (c *Catalog) PremiumCurrency() inventory.ItemType { return c.premium }

// CarrySkills lists the skills that enable backpack use away from home.
func (c *Catalog) CarrySkills() []string { return c.carry }

// RecipesForStation returns the recipes a station type can run, sorted by id.
func (c *Catalog) RecipesForStation(station string) []*Recipe {
	return c.collect(c.byStation[station])
}

func (c *Catalog) collect(ids []string) []*Recipe {
	if len(ids) == 0 {
		return nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make([]*Recipe, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, c.recipes[id])
	}
	return out
}

func (c *Catalog) unknownItem(t inventory.ItemType) error {
	names := make([]string, 0, len(c.items))
	for k := range c.items {
		names = append(names, string(k))
	}
	return suggest(ErrUnknownItem, string(t), names)
}

func (c *Catalog) unknownSkill(t string) error {
	return suggest(ErrUnknownSkill, t, keys(c.skills))
}

func (c *Catalog) unknownStation(t string) error {
	return suggest(ErrUnknownStation, t, keys(c.stations))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// suggest wraps base with the closest known name when one is within a
// small edit distance, so catalog typos are easy to spot.
func suggest(base error, name string, known []string) error {
	best, bestDist := "", 3
	sort.Strings(known)
	for _, k := range known {
		if d := levenshtein.ComputeDistance(name, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	if best == "" {
		return base
	}
	return fmt.Errorf("%w (did you mean %q?)", base, best)
}
