// Package store implements the shared mutable store the sync engines
// replicate through: an addressable tree of JSON-shaped values with point
// reads, subscribed reads, and wholesale path overwrites.
//
// Consistency model (deliberate, documented, not to be patched silently):
// every write is a last-write-wins overwrite of one path; there is no
// compare-and-swap and no cross-path atomicity. Two concurrent writers to the
// same path race, and all subscribers converge to whichever write lands last.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Value is a JSON-shaped store value: map[string]any, []any, string, float64,
// bool, or nil. Writes are normalized into this shape.
type Value = any

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ErrBadPath is returned for empty or malformed paths.
var ErrBadPath = errors.New("store: bad path")

// Subscription is a live subscribed read. Cancel is idempotent and must be
// called on every exit path of the subscriber.
type Subscription interface {
	Cancel()
}

// SharedStore is the replication surface consumed by the sync engines.
//
// Subscribe delivers the current value at path immediately (on the caller's
// goroutine) and again on every subsequent change at, below, or above the
// path. Delivered values are deep copies; callbacks may re-enter the store.
type SharedStore interface {
	Subscribe(path string, fn func(Value)) (Subscription, error)
	ReadOnce(ctx context.Context, path string) (Value, error)
	WriteAt(ctx context.Context, path string, v Value) error
	AppendChild(ctx context.Context, path string, v Value) (string, error)
	DeleteAt(ctx context.Context, path string) error
}

// Decode unmarshals a store value into out through its JSON form.
// It is the single bridge between loose tree values and typed structs.
func Decode(v Value, out any) error {
	if v == nil {
		return errors.New("store: nil value")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode value: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("store: decode value: %w", err)
	}
	return nil
}

// normalize converts an arbitrary Go value into the canonical JSON tree shape.
// This both validates the value and breaks aliasing with caller memory.
func normalize(v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: unencodable value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("store: renormalize value: %w", err)
	}
	return out, nil
}
