// Package guard provides at-most-once execution of keyed player actions.
// A key names one logical operation instance (for example a specific slot
// of a specific station); the transaction id distinguishes client retries
// of the same request from a new request on the same key.
//
// A duplicate arriving while the first call is still running is rejected
// with ErrRateLimited. A duplicate arriving after completion with the same
// transaction id receives the stored outcome; a different transaction id
// executes again.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRateLimited is returned for a duplicate of an in-flight action.
var ErrRateLimited = errors.New("rate limited")

// Key identifies one guarded action.
type Key struct {
	Name          string `json:"name"`
	TransactionID string `json:"txid"`
}

func (k Key) String() string { return k.Name + "#" + k.TransactionID }

// Action is the guarded mutation. Its payload is what duplicates replay.
type Action func(ctx context.Context) ([]byte, error)

// Guard executes actions at most once per key and transaction id.
type Guard interface {
	Execute(ctx context.Context, key Key, action Action) ([]byte, error)
}

// Transient reports whether an action error is retryable and must not be
// remembered as the key's outcome.
type Transient func(error) bool

// ErrorCodec converts terminal action errors to and from a storable form,
// for guards that keep outcomes outside the process.
type ErrorCodec interface {
	EncodeError(err error) (code, message string)
	DecodeError(code, message string) error
}

// ReplayedError is produced by the default codec for a stored failure.
type ReplayedError struct {
	Code    string
	Message string
}

func (e *ReplayedError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type opaqueCodec struct{}

func (opaqueCodec) EncodeError(err error) (string, string) { return "", err.Error() }

func (opaqueCodec) DecodeError(code, message string) error {
	return &ReplayedError{Code: code, Message: message}
}

// Do runs fn under g and JSON-encodes its result so duplicates replay the
// same value.
func Do[T any](ctx context.Context, g Guard, key Key, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	payload, err := g.Execute(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return zero, fmt.Errorf("guard: decode result for %s: %w", key, err)
	}
	return out, nil
}
