package economy

import (
	"errors"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/guard"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/store"
)

// Status is the outcome code reported to the presentation layer. Every
// terminal failure maps to its own code so the client can explain it.
type Status string

const (
	StatusOK                     Status = "ok"
	StatusInsufficientResources  Status = "insufficient_resources"
	StatusCapacityExceeded       Status = "capacity_exceeded"
	StatusMissingCarryCapability Status = "missing_carry_capability"
	StatusMissingRequiredSkill   Status = "missing_required_skill"
	StatusSlotLocked             Status = "slot_locked"
	StatusSlotBusy               Status = "slot_busy"
	StatusAllSlotsFull           Status = "all_slots_full"
	StatusNotReady               Status = "not_ready"
	StatusUnlockUnavailable      Status = "unlock_unavailable"
	StatusRateLimited            Status = "rate_limited"
	StatusPersistenceFailure     Status = "persistence_failure"
	StatusNotFound               Status = "not_found"
	StatusInvalid                Status = "invalid_request"
	StatusInternal               Status = "internal_error"
)

// sentinels maps codes back to the error a replayed failure should match.
var sentinels = map[Status]error{
	StatusInsufficientResources:  inventory.ErrInsufficientResources,
	StatusCapacityExceeded:       inventory.ErrCapacityExceeded,
	StatusMissingCarryCapability: inventory.ErrMissingCarryCapability,
	StatusMissingRequiredSkill:   production.ErrMissingRequiredSkill,
	StatusSlotLocked:             production.ErrSlotLocked,
	StatusSlotBusy:               production.ErrSlotBusy,
	StatusAllSlotsFull:           production.ErrAllSlotsFull,
	StatusNotReady:               production.ErrNotReady,
	StatusUnlockUnavailable:      production.ErrUnlockOrder,
	StatusRateLimited:            guard.ErrRateLimited,
	StatusPersistenceFailure:     store.ErrPersistence,
	StatusNotFound:               store.ErrNotFound,
	StatusInvalid:                ErrInvalidRequest,
}

// StatusOf classifies err.
func StatusOf(err error) Status {
	var se *StatusError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, guard.ErrRateLimited):
		return StatusRateLimited
	case errors.Is(err, store.ErrPersistence):
		return StatusPersistenceFailure
	case errors.Is(err, inventory.ErrMissingCarryCapability):
		return StatusMissingCarryCapability
	case errors.Is(err, inventory.ErrCapacityExceeded):
		return StatusCapacityExceeded
	case errors.Is(err, inventory.ErrInsufficientResources):
		return StatusInsufficientResources
	case errors.Is(err, production.ErrMissingRequiredSkill):
		return StatusMissingRequiredSkill
	case errors.Is(err, production.ErrSlotLocked):
		return StatusSlotLocked
	case errors.Is(err, production.ErrSlotBusy), errors.Is(err, production.ErrJobMismatch):
		return StatusSlotBusy
	case errors.Is(err, production.ErrAllSlotsFull):
		return StatusAllSlotsFull
	case errors.Is(err, production.ErrNotReady):
		return StatusNotReady
	case errors.Is(err, production.ErrUnlockOrder),
		errors.Is(err, production.ErrRowHidden),
		errors.Is(err, production.ErrAlreadyUnlocked),
		errors.Is(err, production.ErrNoMoreSlots):
		return StatusUnlockUnavailable
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, catalog.ErrUnknownItem),
		errors.Is(err, catalog.ErrUnknownRecipe),
		errors.Is(err, catalog.ErrUnknownSkill),
		errors.Is(err, catalog.ErrUnknownStation):
		return StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, production.ErrWrongStation),
		errors.Is(err, store.ErrExists):
		return StatusInvalid
	default:
		return StatusInternal
	}
}

// Silent reports whether a failure is absorbed rather than shown. A
// rate-limited duplicate is a double click, not an error.
func (s Status) Silent() bool { return s == StatusRateLimited }

// StatusError is a failure restored from a stored outcome. It matches the
// sentinel of its status with errors.Is.
type StatusError struct {
	Status  Status
	Message string
}

func (e *StatusError) Error() string { return e.Message }

func (e *StatusError) Unwrap() error { return sentinels[e.Status] }

// Codec stores guard outcomes by status code so replays from an external
// guard still classify correctly.
type Codec struct{}

// EncodeError implements guard.ErrorCodec.
func (Codec) EncodeError(err error) (string, string) {
	return string(StatusOf(err)), err.Error()
}

// DecodeError implements guard.ErrorCodec.
func (Codec) DecodeError(code, message string) error {
	return &StatusError{Status: Status(code), Message: message}
}

// Transient reports whether err may succeed on retry and must not be
// remembered by the guard.
func Transient(err error) bool { return store.IsPersistence(err) }

// StatusSink receives the outcome of every player action.
type StatusSink interface {
	Report(player, action string, status Status, detail string)
}

type nullStatus struct{}

func (nullStatus) Report(string, string, Status, string) {}
