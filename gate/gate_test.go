package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWritersShareTheGate(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Enter()
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, g.Writers())

	for i := 0; i < 5; i++ {
		g.Leave()
	}
	assert.Equal(t, 0, g.Writers())
}

func TestLockWaitsForWriters(t *testing.T) {
	g := New()
	g.Enter()

	locked := make(chan struct{})
	go func() {
		g.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("Lock returned while a writer was inside")
	case <-time.After(50 * time.Millisecond):
	}

	g.Leave()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("Lock did not proceed after the last writer left")
	}
	g.Unlock()
}

func TestWritersWaitWhileLocked(t *testing.T) {
	g := New()
	g.Lock()

	entered := make(chan struct{})
	go func() {
		g.Enter()
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("Enter returned while the gate was held exclusively")
	case <-time.After(50 * time.Millisecond):
	}

	g.Unlock()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("writer did not enter after Unlock")
	}
	g.Leave()
}

func TestQueuedLockDoesNotBlockNewWriters(t *testing.T) {
	g := New()
	g.Enter()

	locked := make(chan struct{})
	go func() {
		g.Lock()
		close(locked)
	}()
	time.Sleep(20 * time.Millisecond)

	entered := make(chan struct{})
	go func() {
		g.Enter()
		close(entered)
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("a queued membership change blocked a new writer")
	}

	g.Leave()
	g.Leave()
	<-locked
	g.Unlock()
}

func TestMembershipChangesAreExclusive(t *testing.T) {
	g := New()
	g.Lock()

	second := make(chan struct{})
	go func() {
		g.Lock()
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("two membership changes held the gate at once")
	case <-time.After(50 * time.Millisecond):
	}
	g.Unlock()
	<-second
	g.Unlock()
}

func TestLeaveWithoutEnterPanics(t *testing.T) {
	assert.Panics(t, func() { New().Leave() })
	assert.Panics(t, func() { New().Unlock() })
}
