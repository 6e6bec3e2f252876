package server

import (
	"time"

	"github.com/alanwang67/replicated_kv/registry"
	"github.com/alanwang67/replicated_kv/replica"
	"github.com/charmbracelet/log"
)

// DialFunc resolves the endpoint of a replica that asked to register.
type DialFunc func(hostname string, port int) (registry.Replica, error)

type Config struct {
	// BroadcastParallelism bounds concurrent calls per broadcast round. Zero
	// means one call per replica at once.
	BroadcastParallelism int

	// TransactionTimeout aborts client-managed transactions left open longer
	// than this. An open transaction keeps replicas from joining or leaving,
	// so zero means DefaultTransactionTimeout and only a negative value
	// disables the reaper.
	TransactionTimeout time.Duration
	ReapInterval       time.Duration

	DialTimeout time.Duration

	Dial   DialFunc
	Logger *log.Logger
}

const DefaultTransactionTimeout = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = DefaultTransactionTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default().WithPrefix("server")
	}
	if c.Dial == nil {
		timeout, logger := c.DialTimeout, c.Logger
		c.Dial = func(hostname string, port int) (registry.Replica, error) {
			return replica.Dial(hostname, port, timeout, logger)
		}
	}
	return c
}
