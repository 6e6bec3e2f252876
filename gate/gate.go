// Package gate separates replica membership changes from writes in flight.
//
// Any number of writers may be inside the gate at once. A membership change
// waits until the gate is empty and then holds it alone. Writers wait only
// while a membership change holds the gate, not while one is queued: a
// writer may already hold per-key locks that another writer inside the gate
// is waiting on, so queueing new writers behind a pending membership change
// could close a cycle.
package gate

import "sync"

type Gate struct {
	mu        sync.Mutex
	cond      *sync.Cond
	writers   int
	exclusive bool
}

func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter takes the shared writer role.
func (g *Gate) Enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.exclusive {
		g.cond.Wait()
	}
	g.writers++
}

// Leave gives back the shared writer role.
func (g *Gate) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writers == 0 {
		panic("gate: Leave without matching Enter")
	}
	g.writers--
	if g.writers == 0 {
		g.cond.Broadcast()
	}
}

// Lock takes the exclusive membership role once no writer is inside.
func (g *Gate) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.exclusive || g.writers > 0 {
		g.cond.Wait()
	}
	g.exclusive = true
}

func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.exclusive {
		panic("gate: Unlock of unlocked gate")
	}
	g.exclusive = false
	g.cond.Broadcast()
}

// Writers returns the number of writers currently inside.
func (g *Gate) Writers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writers
}
