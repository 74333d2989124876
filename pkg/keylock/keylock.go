// Package keylock serializes work on individual identifiers without a
// global lock. Keys hash onto a fixed set of stripes, so memory stays
// bounded no matter how many keys pass through.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

const DefaultStripes = 256

type Striped struct {
	// gate is held shared by every key holder and exclusively by
	// Exclusive, so a whole-store operation waits out in-flight keys.
	gate    sync.RWMutex
	stripes []sync.Mutex
}

func New(stripes int) *Striped {
	if stripes < 1 {
		stripes = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, stripes)}
}

func (s *Striped) stripe(key ids.ID) *sync.Mutex {
	return &s.stripes[xxhash.Sum64(key[:])%uint64(len(s.stripes))]
}

// Lock acquires the key and returns its release func. Two keys sharing a
// stripe serialize against each other, which is safe but slower.
func (s *Striped) Lock(key ids.ID) (unlock func()) {
	s.gate.RLock()
	m := s.stripe(key)
	m.Lock()
	return func() {
		m.Unlock()
		s.gate.RUnlock()
	}
}

// Exclusive blocks until no key is held and keeps new keys out until the
// returned func is called.
func (s *Striped) Exclusive() (unlock func()) {
	s.gate.Lock()
	return s.gate.Unlock
}

func (s *Striped) Stripes() int {
	return len(s.stripes)
}
