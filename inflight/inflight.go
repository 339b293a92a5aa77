// inflight.go implements the single-flight set shared by the fulfillment
// router and the keep-alive driver: at most one task may hold a given
// 32-byte id at a time, so a request or subscription is never processed
// by two concurrent sender tasks.
package inflight

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Set is a concurrent set of ids currently being worked on.
type Set struct {
	mu   sync.Mutex
	held map[common.Hash]struct{}
}

// NewSet creates an empty single-flight set.
func NewSet() *Set {
	return &Set{held: make(map[common.Hash]struct{})}
}

// TryAcquire claims id for the caller. It returns a release handle and
// true on success, or nil and false when another task already holds the
// id.
func (s *Set) TryAcquire(id common.Hash) (*Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[id]; busy {
		return nil, false
	}
	s.held[id] = struct{}{}
	return &Slot{set: s, id: id}, true
}

// Contains reports whether id is currently held.
func (s *Set) Contains(id common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.held[id]
	return busy
}

// Len returns the number of ids currently held.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Set) release(id common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, id)
}

// Slot is the scoped ownership of one id. Release returns the id to the
// set; calling it more than once is harmless.
type Slot struct {
	set  *Set
	id   common.Hash
	once sync.Once
}

// ID returns the held id.
func (sl *Slot) ID() common.Hash { return sl.id }

// Release frees the id for other tasks.
func (sl *Slot) Release() {
	sl.once.Do(func() { sl.set.release(sl.id) })
}
