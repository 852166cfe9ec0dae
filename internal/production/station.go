package production

import (
	"fmt"
	"slices"
	"time"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/hex"
)

// Station is a built production structure. Slots are stored individually
// so concurrent updates to different slots never conflict.
type Station struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Owner         string    `json:"owner"`
	Position      hex.Axial `json:"position"`
	UnlockedSlots int       `json:"unlockedSlots"`
	Slots         []Slot    `json:"slots"`
	BuiltAt       time.Time `json:"builtAt"`
}

// NewStation creates a station of def's type with its first slot unlocked.
func NewStation(id string, def *catalog.Station, owner string, pos hex.Axial, now time.Time) *Station {
	slots := make([]Slot, def.Slots)
	for i := range slots {
		slots[i].Index = i
	}
	return &Station{
		ID:            id,
		Type:          def.Type,
		Owner:         owner,
		Position:      pos,
		UnlockedSlots: 1,
		Slots:         slots,
		BuiltAt:       now,
	}
}

// Clone returns a deep copy.
func (s *Station) Clone() *Station {
	cp := *s
	cp.Slots = make([]Slot, len(s.Slots))
	for i, sl := range s.Slots {
		cp.Slots[i] = sl
		if sl.Job != nil {
			job := *sl.Job
			job.Spent = slices.Clone(sl.Job.Spent)
			cp.Slots[i].Job = &job
		}
	}
	return &cp
}

func (s *Station) slotErr(i int, err error) error {
	return &SlotError{Station: s.ID, Index: i, Err: err}
}

// Slot returns the slot at index i.
func (s *Station) Slot(i int) (*Slot, error) {
	if i < 0 || i >= len(s.Slots) {
		return nil, s.slotErr(i, fmt.Errorf("%w: index out of range", ErrSlotLocked))
	}
	return &s.Slots[i], nil
}

// Phase returns the phase of slot i.
func (s *Station) Phase(i int, now time.Time) Phase {
	sl, err := s.Slot(i)
	if err != nil {
		return Locked
	}
	return sl.Phase(now, s.UnlockedSlots)
}

// FirstIdle returns the lowest unlocked idle slot.
func (s *Station) FirstIdle(now time.Time) (int, error) {
	for i := 0; i < s.UnlockedSlots && i < len(s.Slots); i++ {
		if s.Slots[i].Phase(now, s.UnlockedSlots) == Idle {
			return i, nil
		}
	}
	return -1, fmt.Errorf("station %s: %w", s.ID, ErrAllSlotsFull)
}

// Visible returns how many slots the player can see: every row up to and
// including the one after the last fully unlocked row.
func (s *Station) Visible(def *catalog.Station) int {
	row := def.RowSize
	if row < 1 {
		row = len(s.Slots)
	}
	return min(len(s.Slots), (def.RowOf(s.UnlockedSlots)+1)*row)
}

// CheckUnlock validates that slot i is the next slot that may be bought.
func (s *Station) CheckUnlock(def *catalog.Station, i int) error {
	switch {
	case s.UnlockedSlots >= len(s.Slots):
		return s.slotErr(i, ErrNoMoreSlots)
	case i < 0 || i >= len(s.Slots):
		return s.slotErr(i, fmt.Errorf("%w: index out of range", ErrSlotLocked))
	case i < s.UnlockedSlots:
		return s.slotErr(i, ErrAlreadyUnlocked)
	case i >= s.Visible(def):
		return s.slotErr(i, ErrRowHidden)
	case i != s.UnlockedSlots:
		return s.slotErr(i, ErrUnlockOrder)
	}
	return nil
}

// Unlock increments the unlocked count after CheckUnlock passes.
func (s *Station) Unlock(def *catalog.Station, i int) error {
	if err := s.CheckUnlock(def, i); err != nil {
		return err
	}
	s.UnlockedSlots++
	return nil
}

// CheckStart validates that recipe r can begin in slot i by a player owning
// the given skills. It does not look at the player's inventory.
func (s *Station) CheckStart(i int, r *catalog.Recipe, owned []string, now time.Time) error {
	if r.Station != s.Type {
		return s.slotErr(i, fmt.Errorf("%w: %s", ErrWrongStation, r.ID))
	}
	sl, err := s.Slot(i)
	if err != nil {
		return err
	}
	switch sl.Phase(now, s.UnlockedSlots) {
	case Locked:
		return s.slotErr(i, ErrSlotLocked)
	case InProgress, Ready:
		return s.slotErr(i, ErrSlotBusy)
	}
	if r.RequiredSkill != "" && !slices.Contains(owned, r.RequiredSkill) {
		return s.slotErr(i, fmt.Errorf("%w: %s", ErrMissingRequiredSkill, r.RequiredSkill))
	}
	return nil
}

// NewJob builds the job for recipe r started at now. The yield is the
// recipe's base yield; skill multipliers apply at collection.
func NewJob(id string, r *catalog.Recipe, by string, now time.Time) *Job {
	return &Job{
		ID:          id,
		Recipe:      r.ID,
		Result:      r.Result,
		Yield:       r.Yield,
		SpawnsActor: r.SpawnsActor,
		StartedBy:   by,
		StartedAt:   now,
		CompletesAt: now.Add(r.Duration),
	}
}

// Start places job into idle slot i.
func (s *Station) Start(i int, job *Job, now time.Time) error {
	sl, err := s.Slot(i)
	if err != nil {
		return err
	}
	switch sl.Phase(now, s.UnlockedSlots) {
	case Locked:
		return s.slotErr(i, ErrSlotLocked)
	case InProgress, Ready:
		return s.slotErr(i, ErrSlotBusy)
	}
	sl.Job = job
	return nil
}

// Collectable returns the finished job in slot i.
func (s *Station) Collectable(i int, now time.Time) (*Job, error) {
	sl, err := s.Slot(i)
	if err != nil {
		return nil, err
	}
	switch sl.Phase(now, s.UnlockedSlots) {
	case Locked:
		return nil, s.slotErr(i, ErrSlotLocked)
	case Idle:
		return nil, s.slotErr(i, fmt.Errorf("%w: slot is idle", ErrNotReady))
	case InProgress:
		return nil, s.slotErr(i, fmt.Errorf("%w: %s left", ErrNotReady, sl.Job.Remaining(now).Round(time.Second)))
	}
	return sl.Job, nil
}

// Clear empties slot i if it still holds the job with jobID.
func (s *Station) Clear(i int, jobID string) error {
	sl, err := s.Slot(i)
	if err != nil {
		return err
	}
	if sl.Job == nil || sl.Job.ID != jobID {
		return s.slotErr(i, ErrJobMismatch)
	}
	sl.Job = nil
	return nil
}

// Active returns the slots holding a job, in index order.
func (s *Station) Active() []Slot {
	var out []Slot
	for _, sl := range s.Slots {
		if sl.Job != nil {
			out = append(out, sl)
		}
	}
	return out
}
