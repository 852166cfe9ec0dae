package production

import (
	"fmt"
	"slices"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/inventory"
)

// RestartCandidate is a ready slot whose recipe the player wants to run
// again after collecting.
type RestartCandidate struct {
	Station string
	Index   int
	Recipe  *catalog.Recipe
}

// PlanRestarts decides which candidates can restart. Candidates are
// evaluated in order against one simulated pool: every accepted restart
// spends from the pool before the next is checked, so the batch never
// restarts more than the player can pay for. Gains from the same batch
// are not counted. The returned slice holds nil for accepted candidates
// and the refusal reason otherwise; pool itself is not mutated.
func PlanRestarts(pool *inventory.Ledger, owned []string, candidates []RestartCandidate) []error {
	sim := pool.Clone()
	out := make([]error, len(candidates))
	for i, c := range candidates {
		if c.Recipe.RequiredSkill != "" && !slices.Contains(owned, c.Recipe.RequiredSkill) {
			out[i] = &SlotError{Station: c.Station, Index: c.Index, Err: fmt.Errorf("%w: %s", ErrMissingRequiredSkill, c.Recipe.RequiredSkill)}
			continue
		}
		if _, err := sim.Spend(c.Recipe.Ingredients); err != nil {
			out[i] = &SlotError{Station: c.Station, Index: c.Index, Err: err}
		}
	}
	return out
}
