package replica

import (
	"time"

	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/registry"
	"github.com/charmbracelet/log"
)

// Remote is the server's handle on a replica reached over net/rpc.
type Remote struct {
	peer *protocol.Peer
}

var _ registry.Replica = (*Remote)(nil)

// Dial connects to the replica listening at hostname:port. A broken
// connection is redialed on the next call.
func Dial(hostname string, port int, timeout time.Duration, logger *log.Logger) (*Remote, error) {
	conn := protocol.Connection{Network: "tcp", Address: registry.Addr(hostname, port)}
	peer := protocol.NewPeer(conn, timeout, logger)
	if err := peer.Connect(); err != nil {
		return nil, err
	}
	return &Remote{peer: peer}, nil
}

func (r *Remote) InnerWriteKey(key, value string, xid uint64) (bool, error) {
	req := protocol.WriteRequest{Key: key, Value: value, Xid: xid}
	reply := protocol.VoteReply{}
	if err := r.peer.Call(ServiceName+".InnerWriteKey", &req, &reply); err != nil {
		return false, err
	}
	return reply.Accepted, nil
}

func (r *Remote) CommitTransaction(xid uint64) error {
	return r.peer.Call(ServiceName+".CommitTransaction", &protocol.TransactionRequest{Xid: xid}, &protocol.Empty{})
}

func (r *Remote) AbortTransaction(xid uint64) error {
	return r.peer.Call(ServiceName+".AbortTransaction", &protocol.TransactionRequest{Xid: xid}, &protocol.Empty{})
}

func (r *Remote) Close() error {
	return r.peer.Close()
}
