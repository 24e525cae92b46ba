package kv

import (
	"context"
	"errors"

	"github.com/wwwmanager/fleetdata/internal/tree"
)

// ErrNotFound is returned by Get for keys with no stored value.
var ErrNotFound = errors.New("key not found")

// Store is the key-value collaborator every core subsystem persists
// through. Implementations must be safe for use from a single active
// writer; concurrent writers race with last-write-wins semantics.
type Store interface {
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) (tree.Value, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value tree.Value) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all stored keys in lexicographic order.
	ListKeys(ctx context.Context) ([]string, error)
}

// GetOrNil reads a key, mapping ErrNotFound to a nil value. Most import
// and reconciliation paths treat "absent" as an ordinary state, not an
// error.
func GetOrNil(ctx context.Context, s Store, key string) (tree.Value, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}
