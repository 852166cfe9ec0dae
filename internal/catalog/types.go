// Package catalog holds the read-only master tables the economy engine
// consults: items, recipes, skills with their tuning multipliers, and
// production station definitions. A Catalog is built once and passed to the
// engine explicitly; it is safe for concurrent reads.
package catalog

import (
	"time"

	"github.com/gravitas-games/homestead/internal/inventory"
)

// MaxIngredients is the most ingredient pairs a recipe may declare.
const MaxIngredients = 5

// Item describes one item type.
type Item struct {
	Type inventory.ItemType `yaml:"type" json:"type"`
	Name string             `yaml:"name,omitempty" json:"name,omitempty"`
	// Currency items are exempt from capacity and stored in the warehouse.
	Currency bool `yaml:"currency,omitempty" json:"currency,omitempty"`
	// MoneyValue is the trade value of one unit, used by ratio gem pricing
	// and by selling.
	MoneyValue int `yaml:"money_value,omitempty" json:"moneyValue,omitempty"`
	// GemCost is the premium price of one missing unit in flat pricing.
	GemCost float64 `yaml:"gem_cost,omitempty" json:"gemCost,omitempty"`
	// Sellable items may be converted to the primary currency.
	Sellable bool `yaml:"sellable,omitempty" json:"sellable,omitempty"`
}

// SkillCategory distinguishes learned skills from purchased upgrades.
type SkillCategory string

const (
	CategorySkill   SkillCategory = "skill"
	CategoryUpgrade SkillCategory = "upgrade"
)

// Skill describes an ownable capability.
type Skill struct {
	Type     string        `yaml:"type" json:"type"`
	Category SkillCategory `yaml:"category" json:"category"`
	// Carry marks the skill that unlocks backpack use away from home.
	Carry          bool `yaml:"carry,omitempty" json:"carry,omitempty"`
	WarehouseBonus int  `yaml:"warehouse_bonus,omitempty" json:"warehouseBonus,omitempty"`
	BackpackBonus  int  `yaml:"backpack_bonus,omitempty" json:"backpackBonus,omitempty"`
	// GemCost prices a missing required skill in flat pricing.
	GemCost int `yaml:"gem_cost,omitempty" json:"gemCost,omitempty"`
}

// Recipe converts ingredients into a result, optionally over time.
type Recipe struct {
	ID            string                 `yaml:"id" json:"id"`
	Station       string                 `yaml:"station,omitempty" json:"station,omitempty"`
	Ingredients   []inventory.Ingredient `yaml:"ingredients" json:"ingredients"`
	RequiredSkill string                 `yaml:"required_skill,omitempty" json:"requiredSkill,omitempty"`
	Duration      time.Duration          `yaml:"duration,omitempty" json:"duration,omitempty"`
	GemCost       int                    `yaml:"gem_cost,omitempty" json:"gemCost,omitempty"`
	Result        inventory.ItemType     `yaml:"result,omitempty" json:"result,omitempty"`
	Yield         int                    `yaml:"yield,omitempty" json:"yield,omitempty"`
	// SpawnsActor marks results placed into the world (animals, workers)
	// rather than stored in the ledger.
	SpawnsActor bool `yaml:"spawns_actor,omitempty" json:"spawnsActor,omitempty"`
}

// Timed reports whether the recipe runs in a production slot.
func (r *Recipe) Timed() bool { return r.Duration > 0 }

// Station describes a production structure type.
type Station struct {
	Type string `yaml:"type" json:"type"`
	// Slots is the total slot count, RowSize the slots per display row.
	Slots   int `yaml:"slots" json:"slots"`
	RowSize int `yaml:"row_size" json:"rowSize"`
	// UnlockCost is the price of slot 2; slot n costs UnlockCost scaled by
	// UnlockGrowth^(n-2), rounded up. UnlockCosts, when present, lists
	// explicit prices for slots 2..n and takes precedence.
	UnlockCost   []inventory.Ingredient   `yaml:"unlock_cost,omitempty" json:"unlockCost,omitempty"`
	UnlockGrowth float64                  `yaml:"unlock_growth,omitempty" json:"unlockGrowth,omitempty"`
	UnlockCosts  [][]inventory.Ingredient `yaml:"unlock_costs,omitempty" json:"unlockCosts,omitempty"`
	// BuildCost is paid when the station is constructed. BuildGemCost is
	// the ratio-priced premium cost for building without all of it.
	BuildCost    []inventory.Ingredient `yaml:"build_cost,omitempty" json:"buildCost,omitempty"`
	BuildGemCost int                    `yaml:"build_gem_cost,omitempty" json:"buildGemCost,omitempty"`
}

// Definition is the serialized form of a catalog.
type Definition struct {
	PrimaryCurrency inventory.ItemType            `yaml:"primary_currency"`
	PremiumCurrency inventory.ItemType            `yaml:"premium_currency"`
	Items           []Item                        `yaml:"items"`
	Skills          []Skill                       `yaml:"skills"`
	Tuning          map[string]map[string]float64 `yaml:"tuning"`
	Stations        []Station                     `yaml:"stations"`
	Recipes         []Recipe                      `yaml:"recipes"`
}
