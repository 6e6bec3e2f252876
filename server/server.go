// Package server is the authoritative key-value server. It serializes writers
// of the same key, lets writers of different keys run concurrently, and keeps
// replica membership changes out of the way of writes in flight.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/alanwang67/replicated_kv/gate"
	"github.com/alanwang67/replicated_kv/locktable"
	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/registry"
	"github.com/alanwang67/replicated_kv/store"
	"github.com/alanwang67/replicated_kv/txn"
	"github.com/charmbracelet/log"
)

// ServiceName is the net/rpc name the server is registered under.
const ServiceName = "Server"

var (
	ErrInvalidKey   = errors.New("server: invalid key")
	ErrServerClosed = errors.New("server: closed")
)

type Server struct {
	Self *protocol.Connection

	cfg      Config
	store    *store.Store
	locks    *locktable.Table
	gate     *gate.Gate
	registry *registry.Registry
	coord    *txn.Coordinator
	logger   *log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	done     chan struct{}
}

func New(self *protocol.Connection, cfg Config) *Server {
	cfg = cfg.withDefaults()
	st := store.New()
	g := gate.New()
	reg := registry.New()

	s := &Server{
		Self:     self,
		cfg:      cfg,
		store:    st,
		locks:    locktable.New(),
		gate:     g,
		registry: reg,
		coord: txn.New(reg, st, g, txn.Config{
			Parallelism: cfg.BroadcastParallelism,
			Logger:      cfg.Logger.WithPrefix("txn"),
		}),
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
	if cfg.TransactionTimeout > 0 {
		go s.reapAbandoned()
	}
	return s
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) Get(key string) (string, bool) {
	return s.store.Get(key)
}

func (s *Server) ListKeys() []string {
	return s.store.ListKeys()
}

// ListDirectory returns every key that starts with prefix.
func (s *Server) ListDirectory(prefix string) []string {
	return s.store.ListDirectory(prefix)
}

// Set writes value to key on every replica and then on the server. On error
// the key keeps its previous value everywhere.
func (s *Server) Set(key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if s.isClosed() {
		return ErrServerClosed
	}

	s.gate.Enter()
	defer s.gate.Leave()

	stamp := s.locks.Acquire(key)
	defer s.release(key, stamp)

	return s.coord.Write(key, value)
}

func (s *Server) release(key string, stamp uint64) {
	if err := s.locks.Release(key, stamp); err != nil {
		s.logger.Error("lock release failed", "key", key, "stamp", stamp, "err", err)
	}
}

// LockKey blocks until the caller owns key and returns the stamp to unlock
// it with.
func (s *Server) LockKey(key string) (uint64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	return s.locks.Acquire(key), nil
}

func (s *Server) UnLockKey(key string, stamp uint64) error {
	if err := s.locks.Release(key, stamp); err != nil {
		return fmt.Errorf("unlock %q: %w", key, err)
	}
	return nil
}

// StartNewTransaction opens a client-managed transaction. No replica joins
// or leaves until it is committed or aborted.
func (s *Server) StartNewTransaction() (uint64, error) {
	if s.isClosed() {
		return 0, ErrServerClosed
	}
	return s.coord.Begin(), nil
}

// SetInTransaction asks every replica to tentatively write key under xid.
// The caller must already hold the lock on key.
func (s *Server) SetInTransaction(key, value string, xid uint64) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	return s.coord.Vote(xid, key, value)
}

func (s *Server) IssueCommitTransaction(xid uint64) error {
	return s.coord.Commit(xid)
}

func (s *Server) IssueAbortTransaction(xid uint64) error {
	return s.coord.Abort(xid)
}

// RegisterClient adds a replica and returns a copy of the store. No write is
// in flight while this runs, so the copy holds every committed write and
// nothing else.
func (s *Server) RegisterClient(hostname string, port int, r registry.Replica) (map[string]string, error) {
	if r == nil {
		return nil, errors.New("server: nil replica")
	}
	if s.isClosed() {
		return nil, ErrServerClosed
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	h := &registry.Handle{Hostname: hostname, Port: port, Replica: r}
	if old := s.registry.Add(h); old != nil {
		s.logger.Warn("replica re-registered, dropping old handle", "replica", h.Addr())
		old.Close()
	}
	snapshot := s.store.Snapshot()
	s.logger.Info("replica registered", "replica", h.Addr(), "keys", len(snapshot), "replicas", s.registry.Len())
	return snapshot, nil
}

// CacheDisconnect removes a replica once no write is addressing it.
func (s *Server) CacheDisconnect(hostname string, port int) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	h, ok := s.registry.Remove(hostname, port)
	if !ok {
		s.logger.Warn("disconnect from unknown replica", "replica", registry.Addr(hostname, port))
		return nil
	}
	if err := h.Close(); err != nil {
		s.logger.Debug("closing replica handle", "replica", h.Addr(), "err", err)
	}
	s.logger.Info("replica disconnected", "replica", h.Addr(), "replicas", s.registry.Len())
	return nil
}

// Replicas returns the number of registered replicas.
func (s *Server) Replicas() int {
	return s.registry.Len()
}

func (s *Server) reapAbandoned() {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.coord.ReapExpired(s.cfg.TransactionTimeout); n > 0 {
				s.logger.Warn("aborted abandoned transactions", "count", n)
			}
		}
	}
}

// Start listens on s.Self and serves until Close.
func (s *Server) Start() error {
	s.logger.Debug("starting server", "addr", s.Self.Address)

	l, err := net.Listen(s.Self.Network, s.Self.Address)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l and serves the rpc interface on each.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()
	defer l.Close()

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, NewHandler(s)); err != nil {
		return err
	}
	s.logger.Info("server listening", "addr", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		if !s.track(conn, true) {
			conn.Close()
			return nil
		}
		go func() {
			rpcServer.ServeConn(conn)
			s.track(conn, false)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	return true
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting work, aborts open transactions and drops every
// connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if n := s.coord.AbortAll(); n > 0 {
		s.logger.Warn("aborted open transactions on close", "count", n)
	}
	return err
}
