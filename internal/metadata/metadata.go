// Package metadata resolves the size of a stored object.
package metadata

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the object key does not exist.
var ErrNotFound = errors.New("object not found")

// SizeSource returns an object's size in bytes.
type SizeSource interface {
	SizeOf(ctx context.Context, key string) (int64, error)
}

// LookupError wraps a failed size lookup.
type LookupError struct {
	Source string
	Key    string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s size lookup for %q: %v", e.Source, e.Key, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }
