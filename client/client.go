// Package client is a caching replica of the key-value store. Reads are
// served from the local cache; writes go through the server, which pushes
// every committed write back into the cache.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"strings"
	"sync"
	"time"

	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/registry"
	"github.com/alanwang67/replicated_kv/replica"
	"github.com/alanwang67/replicated_kv/txn"
	"github.com/charmbracelet/log"
)

var ErrInvalidDirectory = errors.New("client: directory must start and end with /")

type Config struct {
	// Server is where Dial finds the server.
	Server protocol.Connection

	// Hostname and Port are where the server reaches this client's replica.
	// Dial listens there; a zero Port picks a free one.
	Hostname string
	Port     int

	DialTimeout time.Duration
	Policy      replica.VotePolicy
	Logger      *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.Server.Network == "" {
		c.Server.Network = "tcp"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default().WithPrefix("client")
	}
	return c
}

type Client struct {
	Hostname string
	Port     int

	server Server
	remote io.Closer // set when the client dialed the server itself
	cache  *replica.Cache
	logger *log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool // Close has started; the replica still serves until closed
	closed   bool
}

// New registers a client with a server in the same process. The server
// calls the client's cache directly.
func New(srv Server, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	c := newClient(srv, cfg)
	if err := c.register(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dial starts the replica listener, connects to the server at cfg.Server and
// registers.
func Dial(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	l, err := net.Listen("tcp", registry.Addr(cfg.Hostname, cfg.Port))
	if err != nil {
		return nil, err
	}
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		cfg.Port = addr.Port
	}

	remote := NewRemoteServer(cfg.Server, cfg.DialTimeout, cfg.Logger)
	c := newClient(remote, cfg)
	c.remote = remote
	c.listener = l

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(replica.ServiceName, replica.NewHandler(c.cache)); err != nil {
		l.Close()
		return nil, err
	}
	go c.serve(rpcServer)

	if err := c.register(); err != nil {
		c.shutdown()
		return nil, err
	}
	return c, nil
}

func newClient(srv Server, cfg Config) *Client {
	return &Client{
		Hostname: cfg.Hostname,
		Port:     cfg.Port,
		server:   srv,
		cache:    replica.NewCache(cfg.Policy, cfg.Logger.WithPrefix("replica")),
		logger:   cfg.Logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (c *Client) register() error {
	snapshot, err := c.server.RegisterClient(c.Hostname, c.Port, c.cache)
	if err != nil {
		return fmt.Errorf("register %s: %w", c.addr(), err)
	}
	c.cache.Load(snapshot)
	c.logger.Info("registered with server", "replica", c.addr(), "keys", len(snapshot))
	return nil
}

func (c *Client) addr() string {
	return registry.Addr(c.Hostname, c.Port)
}

func (c *Client) serve(rpcServer *rpc.Server) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Error("accept error", "err", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		go func() {
			rpcServer.ServeConn(conn)
			c.mu.Lock()
			delete(c.conns, conn)
			c.mu.Unlock()
		}()
	}
}

func (c *Client) Get(key string) (string, bool) {
	return c.cache.Get(key)
}

func (c *Client) ListKeys() []string {
	return c.cache.ListKeys()
}

func (c *Client) ListDirectory(directory string) []string {
	return c.cache.ListDirectory(directory)
}

// Set writes through the server. The local cache sees the value once the
// server has committed it.
func (c *Client) Set(key, value string) error {
	return c.server.Set(key, value)
}

func validDirectory(directory string) bool {
	return strings.HasPrefix(directory, "/") && strings.HasSuffix(directory, "/")
}

// PutAll sets every key currently under directory to content, atomically
// across all replicas. Keys are locked in sorted order so concurrent PutAll
// calls on overlapping directories cannot deadlock.
func (c *Client) PutAll(directory, content string) (err error) {
	if !validDirectory(directory) {
		return fmt.Errorf("%w: %q", ErrInvalidDirectory, directory)
	}
	keys := c.cache.ListDirectory(directory)
	if len(keys) == 0 {
		return nil
	}

	stamps := make([]uint64, 0, len(keys))
	defer func() {
		for i, stamp := range stamps {
			if uerr := c.server.UnLockKey(keys[i], stamp); uerr != nil {
				c.logger.Error("unlock failed", "key", keys[i], "err", uerr)
				if err == nil {
					err = uerr
				}
			}
		}
	}()

	for _, key := range keys {
		stamp, err := c.server.LockKey(key)
		if err != nil {
			return fmt.Errorf("putall %s: lock %q: %w", directory, key, err)
		}
		stamps = append(stamps, stamp)
	}

	xid, err := c.server.StartNewTransaction()
	if err != nil {
		return fmt.Errorf("putall %s: %w", directory, err)
	}

	for _, key := range keys {
		ok, err := c.server.SetInTransaction(key, content, xid)
		if err != nil || !ok {
			if aerr := c.server.IssueAbortTransaction(xid); aerr != nil {
				c.logger.Warn("abort failed", "xid", xid, "err", aerr)
			}
			if err != nil {
				return fmt.Errorf("putall %s: xid %d: %w", directory, xid, err)
			}
			return fmt.Errorf("%w: putall %s: xid %d rejected at %q", txn.ErrWriteFailed, directory, xid, key)
		}
	}

	if err := c.server.IssueCommitTransaction(xid); err != nil {
		return fmt.Errorf("putall %s: xid %d: %w", directory, xid, err)
	}
	c.logger.Debug("putall committed", "directory", directory, "xid", xid, "keys", len(keys))
	return nil
}

// Close leaves the replica set and stops serving the replica.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	err := c.server.CacheDisconnect(c.Hostname, c.Port)
	c.shutdown()
	return err
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	if c.listener != nil {
		c.listener.Close()
	}
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()

	if c.remote != nil {
		c.remote.Close()
	}
}
