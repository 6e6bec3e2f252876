package protocol

import (
	"context"
	"errors"
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Peer is a lazily dialed, reusable rpc client for one Connection. A broken
// connection is dropped and redialed on the next call.
type Peer struct {
	Conn        Connection
	DialTimeout time.Duration

	mu     sync.Mutex
	client *rpc.Client
	closed bool
	logger *log.Logger
}

var ErrPeerClosed = errors.New("protocol: peer closed")

func NewPeer(conn Connection, dialTimeout time.Duration, logger *log.Logger) *Peer {
	if logger == nil {
		logger = log.Default()
	}
	return &Peer{Conn: conn, DialTimeout: dialTimeout, logger: logger}
}

func (p *Peer) get() (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPeerClosed
	}
	if p.client != nil {
		return p.client, nil
	}

	ctx := context.Background()
	if p.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.DialTimeout)
		defer cancel()
	}
	c, err := DialContext(ctx, p.Conn.Network, p.Conn.Address)
	if err != nil {
		return nil, err
	}
	p.client = c
	return c, nil
}

func (p *Peer) drop(c *rpc.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == c {
		p.client.Close()
		p.client = nil
	}
}

// Connect dials the peer now instead of on the first call.
func (p *Peer) Connect() error {
	_, err := p.get()
	return err
}

// Call invokes method on the peer. Errors returned by the remote handler
// come back as rpc.ServerError and leave the connection in place.
func (p *Peer) Call(method string, args, reply any) error {
	start := time.Now()
	c, err := p.get()
	if err != nil {
		p.logger.Error("dial failed", "addr", p.Conn.Address, "method", method, "err", err)
		return err
	}

	err = c.Call(method, args, reply)
	elapsed := time.Since(start)
	if err != nil {
		var serverErr rpc.ServerError
		if !errors.As(err, &serverErr) {
			p.drop(c)
		}
		if errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			p.logger.Warn("connection lost", "addr", p.Conn.Address, "method", method, "took", elapsed)
		}
		return err
	}
	p.logger.Debug("rpc call", "addr", p.Conn.Address, "method", method, "took", elapsed)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
