// Package skills resolves the multiplicative yield bonus a player's owned
// skills and upgrades grant for a target item or station type.
package skills

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Tuning maps an owned skill type to the targets it boosts and the
// multiplier applied to each.
type Tuning map[string]map[string]float64

// Resolution is the combined multiplier for one target.
type Resolution struct {
	Target       string          `json:"target"`
	Multiplier   decimal.Decimal `json:"multiplier"`
	Contributing []string        `json:"contributing,omitempty"`
}

// Identity is the resolution of a target nothing boosts.
func Identity(target string) Resolution {
	return Resolution{Target: target, Multiplier: decimal.NewFromInt(1)}
}

// Resolve multiplies together every tuning value greater than one that an
// owned skill declares for target. Duplicated owned entries count once.
func Resolve(target string, owned []string, tuning Tuning) Resolution {
	res := Identity(target)
	seen := make(map[string]bool, len(owned))
	for _, skill := range owned {
		if seen[skill] {
			continue
		}
		seen[skill] = true
		v, ok := tuning[skill][target]
		if !ok || v <= 1 {
			continue
		}
		res.Multiplier = res.Multiplier.Mul(decimal.NewFromFloat(v))
		res.Contributing = append(res.Contributing, skill)
	}
	sort.Strings(res.Contributing)
	return res
}

// Apply scales base by the multiplier and floors the result so fractional
// units are never granted.
func (r Resolution) Apply(base int) int {
	if base <= 0 {
		return 0
	}
	return int(decimal.NewFromInt(int64(base)).Mul(r.Multiplier).Floor().IntPart())
}

// Float returns the multiplier as a float for display.
func (r Resolution) Float() float64 {
	f, _ := r.Multiplier.Float64()
	return f
}
