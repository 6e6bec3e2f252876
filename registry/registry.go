// Package registry tracks the replicas currently connected to a server.
package registry

import (
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Replica is the protocol every caching replica speaks. A returned error is a
// failed call, distinct from a replica that answered false.
type Replica interface {
	InnerWriteKey(key, value string, xid uint64) (bool, error)
	CommitTransaction(xid uint64) error
	AbortTransaction(xid uint64) error
}

type Handle struct {
	Hostname string
	Port     int
	Replica  Replica
}

func Addr(hostname string, port int) string {
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

func (h *Handle) Addr() string {
	return Addr(h.Hostname, h.Port)
}

// Registry is owned by one server. Callers serialize membership changes
// against writes themselves; the internal mutex only keeps the map sound.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Add inserts h, returning the handle it replaced, if any.
func (r *Registry) Add(h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.handles[h.Addr()]
	r.handles[h.Addr()] = h
	return old
}

func (r *Registry) Remove(hostname string, port int) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := Addr(hostname, port)
	h, ok := r.handles[addr]
	delete(r.handles, addr)
	return h, ok
}

// Snapshot returns the current handles ordered by address.
func (r *Registry) Snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *Handle) int {
		return strings.Compare(a.Addr(), b.Addr())
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close releases the replica's connection if it holds one.
func (h *Handle) Close() error {
	if c, ok := h.Replica.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
