package replica

import (
	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/registry"
)

// ServiceName is the net/rpc name the replica protocol is registered under.
const ServiceName = "Replica"

// Handler exposes a registry.Replica over net/rpc.
type Handler struct {
	r registry.Replica
}

func NewHandler(r registry.Replica) *Handler {
	return &Handler{r: r}
}

func (h *Handler) InnerWriteKey(req *protocol.WriteRequest, reply *protocol.VoteReply) error {
	ok, err := h.r.InnerWriteKey(req.Key, req.Value, req.Xid)
	if err != nil {
		return err
	}
	reply.Accepted = ok
	return nil
}

func (h *Handler) CommitTransaction(req *protocol.TransactionRequest, _ *protocol.Empty) error {
	return h.r.CommitTransaction(req.Xid)
}

func (h *Handler) AbortTransaction(req *protocol.TransactionRequest, _ *protocol.Empty) error {
	return h.r.AbortTransaction(req.Xid)
}
