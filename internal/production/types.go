// Package production models production stations: ordered slots that turn
// ingredients into results over time. Slot state is an explicit phase
// derived from the slot's job and the wall clock; there is no background
// timer. Spending and granting items is done by the caller through the
// inventory ledger; this package owns only slot state and its rules.
package production

import (
	"errors"
	"fmt"
	"time"

	"github.com/gravitas-games/homestead/internal/inventory"
)

// Phase is the observable state of a slot.
type Phase int

const (
	// Locked slots have not been purchased yet.
	Locked Phase = iota
	// Idle slots accept a new job.
	Idle
	// InProgress slots hold a job whose completion time is in the future.
	InProgress
	// Ready slots hold a finished job awaiting collection.
	Ready
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case Locked:
		return "locked"
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

var (
	ErrSlotLocked           = errors.New("slot locked")
	ErrSlotBusy             = errors.New("slot busy")
	ErrAllSlotsFull         = errors.New("all slots full")
	ErrNotReady             = errors.New("production not ready")
	ErrMissingRequiredSkill = errors.New("missing required skill")
	ErrAlreadyUnlocked      = errors.New("slot already unlocked")
	ErrUnlockOrder          = errors.New("slots unlock in order")
	ErrRowHidden            = errors.New("slot row not available yet")
	ErrNoMoreSlots          = errors.New("no more slots to unlock")
	ErrJobMismatch          = errors.New("slot job changed")
	ErrWrongStation         = errors.New("recipe not produced at this station")
)

// Job is one production run. Result, yield and completion time are always
// set together; a slot without a job is idle.
type Job struct {
	ID          string             `json:"id"`
	Recipe      string             `json:"recipe"`
	Result      inventory.ItemType `json:"result"`
	Yield       int                `json:"yield"`
	SpawnsActor bool               `json:"spawnsActor,omitempty"`
	StartedBy   string             `json:"startedBy"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletesAt time.Time          `json:"completesAt"`
	// Repeat restarts the recipe on collection when still affordable.
	Repeat bool `json:"repeat,omitempty"`
	// Spent is the cost actually paid, including any premium currency.
	Spent []inventory.Ingredient `json:"spent,omitempty"`
}

// Done reports whether the job has completed by now.
func (j *Job) Done(now time.Time) bool { return !now.Before(j.CompletesAt) }

// Remaining returns the time left until completion, never negative.
func (j *Job) Remaining(now time.Time) time.Duration {
	if d := j.CompletesAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Progress returns completion in the range 0..1.
func (j *Job) Progress(now time.Time) float64 {
	total := j.CompletesAt.Sub(j.StartedAt)
	if total <= 0 || !now.Before(j.CompletesAt) {
		return 1
	}
	if now.Before(j.StartedAt) {
		return 0
	}
	return float64(now.Sub(j.StartedAt)) / float64(total)
}

// Slot is one unit of production capacity.
type Slot struct {
	Index int  `json:"index"`
	Job   *Job `json:"job,omitempty"`
}

// Phase derives the slot state from the unlocked count and the clock.
func (s Slot) Phase(now time.Time, unlocked int) Phase {
	switch {
	case s.Index >= unlocked:
		return Locked
	case s.Job == nil:
		return Idle
	case s.Job.Done(now):
		return Ready
	default:
		return InProgress
	}
}

// SlotError attaches station and slot coordinates to a slot failure.
type SlotError struct {
	Station string
	Index   int
	Err     error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("station %s slot %d: %v", e.Station, e.Index, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }
