// Package txn drives the two-phase write protocol between the authoritative
// store and every registered replica.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanwang67/replicated_kv/gate"
	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/registry"
	"github.com/alanwang67/replicated_kv/store"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// NoTransaction is the reserved id of a write outside any transaction.
const NoTransaction uint64 = 0

// forcedAbortMemory bounds how many server-side aborts are remembered for
// the late commit of their owner.
const forcedAbortMemory = 4096

var (
	ErrWriteFailed        = errors.New("txn: write failed")
	ErrUnknownTransaction = errors.New("txn: unknown transaction")
)

type Config struct {
	// Parallelism bounds how many replicas are contacted at once. Zero or
	// less means no bound.
	Parallelism int
	Logger      *log.Logger
}

type transaction struct {
	id       uint64
	replicas []*registry.Handle // replicas asked to vote
	started  time.Time

	mu       sync.Mutex
	writes   []protocol.KeyValue
	rejected bool
	done     bool
}

// Coordinator mints transaction ids and runs vote, commit and abort rounds.
// Ids start at 1 and are never reused.
type Coordinator struct {
	registry *registry.Registry
	store    *store.Store
	gate     *gate.Gate

	idMu   sync.Mutex
	nextID uint64

	mu   sync.Mutex
	open map[uint64]*transaction

	// ids the coordinator aborted without being asked, oldest first
	forced      map[uint64]struct{}
	forcedOrder []uint64

	parallelism int
	logger      *log.Logger
	now         func() time.Time
}

func New(reg *registry.Registry, st *store.Store, g *gate.Gate, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("txn")
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = -1
	}
	return &Coordinator{
		registry:    reg,
		store:       st,
		gate:        g,
		nextID:      1,
		open:        make(map[uint64]*transaction),
		forced:      make(map[uint64]struct{}),
		parallelism: parallelism,
		logger:      logger,
		now:         time.Now,
	}
}

// Mint returns a fresh transaction id, greater than every id minted before.
func (c *Coordinator) Mint() uint64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

func (c *Coordinator) collectVotes(replicas []*registry.Handle, xid uint64, key, value string) ([]Vote, error) {
	votes := make([]Vote, len(replicas))
	errs := make([]error, len(replicas))

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i, h := range replicas {
		g.Go(func() error {
			ok, err := h.Replica.InnerWriteKey(key, value, xid)
			switch {
			case err != nil:
				votes[i] = VoteFailed
				errs[i] = fmt.Errorf("replica %s: %w", h.Addr(), err)
			case ok:
				votes[i] = VoteAccepted
			default:
				votes[i] = VoteRejected
			}
			return nil
		})
	}
	g.Wait()

	return votes, errors.Join(errs...)
}

// broadcast delivers a commit or abort to every replica. The outcome is
// already decided, so a replica that fails is logged and skipped.
func (c *Coordinator) broadcast(replicas []*registry.Handle, xid uint64, commit bool) {
	phase := "abort"
	if commit {
		phase = "commit"
	}

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for _, h := range replicas {
		g.Go(func() error {
			var err error
			if commit {
				err = h.Replica.CommitTransaction(xid)
			} else {
				err = h.Replica.AbortTransaction(xid)
			}
			if err != nil {
				c.logger.Warn("broadcast failed", "phase", phase, "xid", xid, "replica", h.Addr(), "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Write runs a complete single-key round: vote, then commit or abort, then
// apply to the store on success. The caller holds the key's lock and the
// gate's shared role.
func (c *Coordinator) Write(key, value string) error {
	xid := c.Mint()
	replicas := c.registry.Snapshot()

	votes, callErr := c.collectVotes(replicas, xid, key, value)
	outcome := tally(votes)
	c.logger.Debug("vote round", "xid", xid, "key", key, "replicas", len(replicas), "outcome", outcome)

	if outcome == VoteAccepted {
		c.broadcast(replicas, xid, true)
		c.store.Set(key, value)
		return nil
	}

	c.broadcast(replicas, xid, false)
	if outcome == VoteFailed {
		return fmt.Errorf("%w: xid %d: %w", ErrWriteFailed, xid, callErr)
	}
	return fmt.Errorf("%w: xid %d rejected by a replica", ErrWriteFailed, xid)
}

// Begin opens a transaction for a caller that already holds the locks of
// every key it will write. The transaction keeps the gate's shared role until
// it commits or aborts, so the replicas asked to vote are the replicas told
// the outcome.
func (c *Coordinator) Begin() uint64 {
	c.gate.Enter()
	xid := c.Mint()
	t := &transaction{
		id:       xid,
		replicas: c.registry.Snapshot(),
		started:  c.now(),
	}

	c.mu.Lock()
	c.open[xid] = t
	c.mu.Unlock()

	c.logger.Debug("transaction started", "xid", xid, "replicas", len(t.replicas))
	return xid
}

func (c *Coordinator) lookup(xid uint64) *transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[xid]
}

// claim removes xid from the open set. Only one caller can claim a
// transaction, which gives it exactly one outcome. A forced claim is
// remembered so the owner's late commit fails instead of passing as a
// repeat.
func (c *Coordinator) claim(xid uint64, forced bool) *transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.open[xid]
	if !ok {
		return nil
	}
	delete(c.open, xid)
	if forced {
		c.forced[xid] = struct{}{}
		c.forcedOrder = append(c.forcedOrder, xid)
		if len(c.forcedOrder) > forcedAbortMemory {
			delete(c.forced, c.forcedOrder[0])
			c.forcedOrder = c.forcedOrder[1:]
		}
	}
	return t
}

// Vote asks every replica of transaction xid to tentatively apply one write.
// A rejection returns false; a failed call returns false and the call error.
// Either dooms the transaction.
func (c *Coordinator) Vote(xid uint64, key, value string) (bool, error) {
	t := c.lookup(xid)
	if t == nil {
		return false, fmt.Errorf("%w: %d", ErrUnknownTransaction, xid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false, fmt.Errorf("%w: %d", ErrUnknownTransaction, xid)
	}

	votes, callErr := c.collectVotes(t.replicas, xid, key, value)
	outcome := tally(votes)
	t.writes = append(t.writes, protocol.KeyValue{Key: key, Value: value})
	if outcome == VoteAccepted {
		return true, nil
	}

	t.rejected = true
	c.logger.Warn("vote lost", "xid", xid, "key", key, "outcome", outcome, "err", callErr)
	if outcome == VoteFailed {
		return false, fmt.Errorf("%w: xid %d: %w", ErrWriteFailed, xid, callErr)
	}
	return false, nil
}

// Commit tells every replica of xid to make its pending writes visible and
// then applies them to the store. Committing an unknown or finished
// transaction does nothing, unless the coordinator aborted it on its own.
// A transaction that lost a vote is aborted instead.
func (c *Coordinator) Commit(xid uint64) error {
	t := c.claim(xid, false)
	if t == nil {
		if c.wasForced(xid) {
			return fmt.Errorf("%w: xid %d was aborted by the server", ErrWriteFailed, xid)
		}
		c.logger.Debug("commit of unknown transaction ignored", "xid", xid)
		return nil
	}
	defer c.gate.Leave()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true

	if t.rejected {
		c.broadcast(t.replicas, xid, false)
		return fmt.Errorf("%w: xid %d lost a vote and was aborted", ErrWriteFailed, xid)
	}

	c.broadcast(t.replicas, xid, true)
	for _, w := range t.writes {
		c.store.Set(w.Key, w.Value)
	}
	c.logger.Debug("transaction committed", "xid", xid, "writes", len(t.writes))
	return nil
}

// Abort tells every replica of xid to drop its pending writes. Aborting an
// unknown or finished transaction does nothing.
func (c *Coordinator) Abort(xid uint64) error {
	c.abort(xid, false)
	return nil
}

func (c *Coordinator) abort(xid uint64, forced bool) bool {
	t := c.claim(xid, forced)
	if t == nil {
		c.logger.Debug("abort of unknown transaction ignored", "xid", xid)
		return false
	}
	defer c.gate.Leave()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true

	c.broadcast(t.replicas, xid, false)
	c.logger.Debug("transaction aborted", "xid", xid, "writes", len(t.writes), "forced", forced)
	return true
}

func (c *Coordinator) wasForced(xid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.forced[xid]
	return ok
}

// ReapExpired aborts every open transaction older than maxAge and returns
// how many it aborted.
func (c *Coordinator) ReapExpired(maxAge time.Duration) int {
	now := c.now()
	c.mu.Lock()
	var expired []uint64
	for id, t := range c.open {
		if now.Sub(t.started) > maxAge {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range expired {
		if c.abort(id, true) {
			c.logger.Warn("aborted abandoned transaction", "xid", id)
			n++
		}
	}
	return n
}

// AbortAll aborts every open transaction.
func (c *Coordinator) AbortAll() int {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.abort(id, true) {
			n++
		}
	}
	return n
}

// Open returns the number of transactions begun but not yet finished.
func (c *Coordinator) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
