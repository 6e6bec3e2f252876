package server

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/replica"
	"github.com/charmbracelet/log"
)

var errUnreachable = errors.New("connection refused")

// testReplica is an in-process replica that records every protocol event
// and can be slowed down, blocked, or made to vote no.
type testReplica struct {
	*replica.Cache

	mu      sync.Mutex
	events  []string
	reject  bool
	fail    error
	delay   time.Duration
	hold    chan struct{} // when set, InnerWriteKey waits on it
	entered chan struct{} // signalled when InnerWriteKey starts

	// tentative writes not yet resolved, per key
	inFlight    map[string]int
	xidKeys     map[uint64][]string
	maxInFlight int
}

func newTestReplica() *testReplica {
	return &testReplica{
		Cache:    replica.NewCache(nil, log.New(io.Discard)),
		inFlight: make(map[string]int),
		xidKeys:  make(map[uint64][]string),
	}
}

func (r *testReplica) record(e string) {
	r.events = append(r.events, e)
}

func (r *testReplica) InnerWriteKey(key, value string, xid uint64) (bool, error) {
	r.mu.Lock()
	hold, entered, delay := r.hold, r.entered, r.delay
	r.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		<-hold
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("vote")
	if r.fail != nil {
		return false, r.fail
	}
	if r.reject {
		return false, nil
	}
	r.inFlight[key]++
	if r.inFlight[key] > r.maxInFlight {
		r.maxInFlight = r.inFlight[key]
	}
	r.xidKeys[xid] = append(r.xidKeys[xid], key)
	return r.Cache.InnerWriteKey(key, value, xid)
}

func (r *testReplica) resolve(xid uint64) {
	for _, k := range r.xidKeys[xid] {
		r.inFlight[k]--
	}
	delete(r.xidKeys, xid)
}

func (r *testReplica) CommitTransaction(xid uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("commit")
	r.resolve(xid)
	return r.Cache.CommitTransaction(xid)
}

func (r *testReplica) AbortTransaction(xid uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("abort")
	r.resolve(xid)
	return r.Cache.AbortTransaction(xid)
}

func (r *testReplica) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *testReplica) value(key string) string {
	v, _ := r.Get(key)
	return v
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(&protocol.Connection{Network: "tcp", Address: "127.0.0.1:0"}, Config{})
	t.Cleanup(func() { s.Close() })
	return s
}

func registerReplicas(t *testing.T, s *Server, n int) []*testReplica {
	t.Helper()
	replicas := make([]*testReplica, n)
	for i := range replicas {
		replicas[i] = newTestReplica()
		snapshot, err := s.RegisterClient("localhost", 7000+i, replicas[i])
		if err != nil {
			t.Fatalf("register replica %d: %v", i, err)
		}
		replicas[i].Load(snapshot)
	}
	return replicas
}
