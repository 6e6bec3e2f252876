package server

import (
	"fmt"
	"io"

	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/registry"
)

// Handler exposes a Server over net/rpc.
type Handler struct {
	s *Server
}

func NewHandler(s *Server) *Handler {
	return &Handler{s: s}
}

func (h *Handler) Get(req *protocol.KeyRequest, reply *protocol.GetReply) error {
	reply.Value, reply.Found = h.s.Get(req.Key)
	return nil
}

func (h *Handler) ListKeys(_ *protocol.Empty, reply *protocol.KeysReply) error {
	reply.Keys = h.s.ListKeys()
	return nil
}

func (h *Handler) ListDirectory(req *protocol.KeyRequest, reply *protocol.KeysReply) error {
	reply.Keys = h.s.ListDirectory(req.Key)
	return nil
}

func (h *Handler) Set(req *protocol.SetRequest, _ *protocol.Empty) error {
	return h.s.Set(req.Key, req.Value)
}

func (h *Handler) LockKey(req *protocol.KeyRequest, reply *protocol.LockReply) error {
	stamp, err := h.s.LockKey(req.Key)
	if err != nil {
		return err
	}
	reply.Stamp = stamp
	return nil
}

func (h *Handler) UnLockKey(req *protocol.UnlockRequest, _ *protocol.Empty) error {
	return h.s.UnLockKey(req.Key, req.Stamp)
}

func (h *Handler) SetInTransaction(req *protocol.WriteRequest, reply *protocol.VoteReply) error {
	ok, err := h.s.SetInTransaction(req.Key, req.Value, req.Xid)
	if err != nil {
		return err
	}
	reply.Accepted = ok
	return nil
}

func (h *Handler) StartNewTransaction(_ *protocol.Empty, reply *protocol.TransactionReply) error {
	xid, err := h.s.StartNewTransaction()
	if err != nil {
		return err
	}
	reply.Xid = xid
	return nil
}

func (h *Handler) IssueCommitTransaction(req *protocol.TransactionRequest, _ *protocol.Empty) error {
	return h.s.IssueCommitTransaction(req.Xid)
}

func (h *Handler) IssueAbortTransaction(req *protocol.TransactionRequest, _ *protocol.Empty) error {
	return h.s.IssueAbortTransaction(req.Xid)
}

// RegisterClient resolves the caller's replica endpoint before registering
// it.
func (h *Handler) RegisterClient(req *protocol.RegisterRequest, reply *protocol.RegisterReply) error {
	addr := registry.Addr(req.Hostname, req.Port)
	h.s.logger.Debug("looking for replica", "replica", addr)

	r, err := h.s.cfg.Dial(req.Hostname, req.Port)
	if err != nil {
		return fmt.Errorf("reach replica %s: %w", addr, err)
	}
	snapshot, err := h.s.RegisterClient(req.Hostname, req.Port, r)
	if err != nil {
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
		return err
	}
	reply.Snapshot = snapshot
	return nil
}

func (h *Handler) CacheDisconnect(req *protocol.RegisterRequest, _ *protocol.Empty) error {
	return h.s.CacheDisconnect(req.Hostname, req.Port)
}
