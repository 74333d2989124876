package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

// nomadPrefix leads every nomad key so other key families can share the
// database later without colliding.
const nomadPrefix = 'N'

func nomadKey(id ids.ID) []byte {
	key := make([]byte, 0, 1+ids.Size)
	key = append(key, nomadPrefix)
	return append(key, id[:]...)
}

type Pebble struct {
	db *pebble.DB
	wo *pebble.WriteOptions
	// lock is held shared by every operation and exclusively by Close, so
	// the db is never touched after it has been closed.
	lock   sync.RWMutex
	closed bool
}

// OpenPebble opens (creating if needed) a pebble database in dir. A nil
// opts uses defaults; tests pass an in-memory vfs through opts.FS.
func OpenPebble(dir string, opts *pebble.Options) (*Pebble, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &Pebble{db: db, wo: pebble.Sync}, nil
}

func (p *Pebble) Get(ctx context.Context, key ids.ID) ([]byte, error) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	val, closer, err := p.db.Get(nomadKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (p *Pebble) Set(ctx context.Context, key ids.ID, value []byte) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.db.Set(nomadKey(key), value, p.wo); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Clear(ctx context.Context) error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.db.DeleteRange([]byte{nomadPrefix}, []byte{nomadPrefix + 1}, p.wo); err != nil {
		return fmt.Errorf("failed to clear: %w", err)
	}
	return nil
}

// Metrics exposes the underlying pebble metrics for PebbleCollector. It
// returns nil once the store is closed.
func (p *Pebble) Metrics() *pebble.Metrics {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		return nil
	}
	return p.db.Metrics()
}

// Close waits for in-flight operations and is safe to call twice.
func (p *Pebble) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
