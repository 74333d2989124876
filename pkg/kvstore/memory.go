package kvstore

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

// Memory keeps everything in process. It is not durable and exists for
// tests and throwaway servers.
type Memory struct {
	entries *xsync.MapOf[ids.ID, []byte]
	closed  atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{entries: xsync.NewMapOf[ids.ID, []byte]()}
}

func (m *Memory) Get(ctx context.Context, key ids.ID) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	v, ok := m.entries.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(ctx context.Context, key ids.ID, value []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.entries.Store(key, append([]byte(nil), value...))
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.entries.Clear()
	return nil
}

// Len is the number of stored keys.
func (m *Memory) Len() int {
	return m.entries.Size()
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
