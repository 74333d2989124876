// Package kvstore is the durable persistence port behind the nomad engine.
// Every backend is keyed by fixed-size identifiers and offers atomic
// single-key reads and writes plus an unconditional clear-all.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store is closed")
)

type Store interface {
	// Get returns a copy of the stored value or ErrNotFound.
	Get(ctx context.Context, key ids.ID) ([]byte, error)
	Set(ctx context.Context, key ids.ID, value []byte) error
	// Clear removes every key. It is not atomic with respect to concurrent
	// Set calls; callers that need that serialize around it.
	Clear(ctx context.Context) error
	Close() error
}

const (
	KindPebble = "pebble"
	KindSQLite = "sqlite"
	KindMemory = "memory"
)

// Open creates the backend named by kind. dir is ignored by the memory
// backend.
func Open(kind, dir string) (Store, error) {
	switch kind {
	case KindPebble:
		return OpenPebble(dir, nil)
	case KindSQLite:
		return OpenSQLite(dir)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
