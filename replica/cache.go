// Package replica implements a caching replica's local mirror of the store
// and the write-vote, commit and abort handlers the server drives.
package replica

import (
	"sync"

	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/store"
	"github.com/charmbracelet/log"
)

// VotePolicy decides whether a replica accepts a tentative write.
type VotePolicy func(key, value string, xid uint64) bool

func AcceptAll(string, string, uint64) bool { return true }

// Cache is a replica's view of the store. Writes under a transaction stay
// pending until that transaction commits.
type Cache struct {
	mu      sync.Mutex
	data    *store.Store
	pending map[uint64][]protocol.KeyValue

	// keys committed before the registration snapshot arrived
	loaded  bool
	touched map[string]struct{}

	policy VotePolicy
	logger *log.Logger
}

func NewCache(policy VotePolicy, logger *log.Logger) *Cache {
	if policy == nil {
		policy = AcceptAll
	}
	if logger == nil {
		logger = log.Default().WithPrefix("replica")
	}
	return &Cache{
		data:    store.New(),
		pending: make(map[uint64][]protocol.KeyValue),
		touched: make(map[string]struct{}),
		policy:  policy,
		logger:  logger,
	}
}

// Load installs the snapshot returned by registration. Keys already written
// by a commit that raced the registration reply keep their newer value.
func (c *Cache) Load(snapshot map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range snapshot {
		if _, ok := c.touched[k]; ok {
			continue
		}
		c.data.Set(k, v)
	}
	c.loaded = true
	c.touched = nil
	c.logger.Debug("snapshot loaded", "keys", len(snapshot))
}

func (c *Cache) apply(key, value string) {
	c.data.Set(key, value)
	if !c.loaded {
		c.touched[key] = struct{}{}
	}
}

// InnerWriteKey records a tentative write and returns this replica's vote.
// Xid 0 is applied at once.
func (c *Cache) InnerWriteKey(key, value string, xid uint64) (bool, error) {
	if !c.policy(key, value, xid) {
		c.logger.Debug("vote rejected", "key", key, "xid", xid)
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if xid == 0 {
		c.apply(key, value)
		return true, nil
	}
	c.pending[xid] = append(c.pending[xid], protocol.KeyValue{Key: key, Value: value})
	c.logger.Debug("write pending", "key", key, "xid", xid)
	return true, nil
}

// CommitTransaction makes the writes pending under xid visible. Unknown ids
// are ignored.
func (c *Cache) CommitTransaction(xid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writes, ok := c.pending[xid]
	if !ok {
		return nil
	}
	for _, w := range writes {
		c.apply(w.Key, w.Value)
	}
	delete(c.pending, xid)
	c.logger.Debug("committed", "xid", xid, "writes", len(writes))
	return nil
}

// AbortTransaction discards the writes pending under xid. Unknown ids are
// ignored.
func (c *Cache) AbortTransaction(xid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[xid]; ok {
		delete(c.pending, xid)
		c.logger.Debug("aborted", "xid", xid)
	}
	return nil
}

func (c *Cache) Get(key string) (string, bool) { return c.data.Get(key) }

func (c *Cache) ListKeys() []string { return c.data.ListKeys() }

func (c *Cache) ListDirectory(prefix string) []string { return c.data.ListDirectory(prefix) }

func (c *Cache) Snapshot() map[string]string { return c.data.Snapshot() }

// Pending returns the number of transactions with writes not yet resolved.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
