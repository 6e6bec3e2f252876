// Package locktable provides exclusive per-key locks that are created on
// first use and kept for the life of the process.
package locktable

import (
	"errors"
	"sync"
)

var (
	ErrStampMismatch = errors.New("locktable: stamp does not match lock holder")
	ErrNotLocked     = errors.New("locktable: key is not locked")
)

// keyLock is a ticket lock: waiters are served in arrival order.
type keyLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64 // next ticket to hand out
	serving uint64 // ticket currently allowed to hold the lock
	held    bool
}

func newKeyLock() *keyLock {
	l := &keyLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Table maps keys to their locks. Locks for different keys never block each
// other.
type Table struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func New() *Table {
	return &Table{locks: make(map[string]*keyLock)}
}

func (t *Table) lockFor(key string, create bool) *keyLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok && create {
		l = newKeyLock()
		t.locks[key] = l
	}
	return l
}

// Acquire blocks until the caller owns key and returns the stamp that must be
// passed to Release. Stamps are never zero.
func (t *Table) Acquire(key string) uint64 {
	l := t.lockFor(key, true)

	l.mu.Lock()
	defer l.mu.Unlock()
	ticket := l.next
	l.next++
	for l.serving != ticket {
		l.cond.Wait()
	}
	l.held = true
	return ticket + 1
}

// Release gives up ownership of key. A stamp that does not belong to the
// current holder leaves the lock untouched.
func (t *Table) Release(key string, stamp uint64) error {
	l := t.lockFor(key, false)
	if l == nil {
		return ErrNotLocked
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotLocked
	}
	if stamp != l.serving+1 {
		return ErrStampMismatch
	}
	l.held = false
	l.serving++
	l.cond.Broadcast()
	return nil
}

// IsLocked reports whether key currently has a holder.
func (t *Table) IsLocked(key string) bool {
	l := t.lockFor(key, false)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Len returns how many lock objects have been created.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
