package client

import (
	"errors"
	"net/rpc"
	"strings"
	"time"

	"github.com/alanwang67/replicated_kv/locktable"
	"github.com/alanwang67/replicated_kv/protocol"
	"github.com/alanwang67/replicated_kv/registry"
	"github.com/alanwang67/replicated_kv/server"
	"github.com/alanwang67/replicated_kv/txn"
	"github.com/charmbracelet/log"
)

// Server is the part of the key-value server a client drives.
type Server interface {
	Set(key, value string) error
	LockKey(key string) (uint64, error)
	UnLockKey(key string, stamp uint64) error
	StartNewTransaction() (uint64, error)
	SetInTransaction(key, value string, xid uint64) (bool, error)
	IssueCommitTransaction(xid uint64) error
	IssueAbortTransaction(xid uint64) error
	RegisterClient(hostname string, port int, r registry.Replica) (map[string]string, error)
	CacheDisconnect(hostname string, port int) error
}

var _ Server = (*server.Server)(nil)

// errors a server handler can return, matched by message once they have
// crossed the wire
var remoteErrors = []error{
	txn.ErrWriteFailed,
	txn.ErrUnknownTransaction,
	server.ErrInvalidKey,
	server.ErrServerClosed,
	locktable.ErrStampMismatch,
	locktable.ErrNotLocked,
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func fromRemote(err error) error {
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	msg := string(serverErr)
	for _, sentinel := range remoteErrors {
		if strings.HasPrefix(msg, sentinel.Error()) || strings.Contains(msg, ": "+sentinel.Error()) {
			return &remoteError{sentinel: sentinel, msg: msg}
		}
	}
	return err
}

// RemoteServer reaches a Server over net/rpc.
type RemoteServer struct {
	peer *protocol.Peer
}

var _ Server = (*RemoteServer)(nil)

func NewRemoteServer(conn protocol.Connection, dialTimeout time.Duration, logger *log.Logger) *RemoteServer {
	return &RemoteServer{peer: protocol.NewPeer(conn, dialTimeout, logger)}
}

func (r *RemoteServer) call(method string, args, reply any) error {
	return fromRemote(r.peer.Call(server.ServiceName+"."+method, args, reply))
}

func (r *RemoteServer) Get(key string) (string, bool, error) {
	reply := protocol.GetReply{}
	if err := r.call("Get", &protocol.KeyRequest{Key: key}, &reply); err != nil {
		return "", false, err
	}
	return reply.Value, reply.Found, nil
}

func (r *RemoteServer) Set(key, value string) error {
	return r.call("Set", &protocol.SetRequest{Key: key, Value: value}, &protocol.Empty{})
}

func (r *RemoteServer) LockKey(key string) (uint64, error) {
	reply := protocol.LockReply{}
	if err := r.call("LockKey", &protocol.KeyRequest{Key: key}, &reply); err != nil {
		return 0, err
	}
	return reply.Stamp, nil
}

func (r *RemoteServer) UnLockKey(key string, stamp uint64) error {
	return r.call("UnLockKey", &protocol.UnlockRequest{Key: key, Stamp: stamp}, &protocol.Empty{})
}

func (r *RemoteServer) StartNewTransaction() (uint64, error) {
	reply := protocol.TransactionReply{}
	if err := r.call("StartNewTransaction", &protocol.Empty{}, &reply); err != nil {
		return 0, err
	}
	return reply.Xid, nil
}

func (r *RemoteServer) SetInTransaction(key, value string, xid uint64) (bool, error) {
	reply := protocol.VoteReply{}
	req := protocol.WriteRequest{Key: key, Value: value, Xid: xid}
	if err := r.call("SetInTransaction", &req, &reply); err != nil {
		return false, err
	}
	return reply.Accepted, nil
}

func (r *RemoteServer) IssueCommitTransaction(xid uint64) error {
	return r.call("IssueCommitTransaction", &protocol.TransactionRequest{Xid: xid}, &protocol.Empty{})
}

func (r *RemoteServer) IssueAbortTransaction(xid uint64) error {
	return r.call("IssueAbortTransaction", &protocol.TransactionRequest{Xid: xid}, &protocol.Empty{})
}

// RegisterClient asks the server to dial back to hostname:port. The replica
// argument is ignored; the server reaches the replica over the network.
func (r *RemoteServer) RegisterClient(hostname string, port int, _ registry.Replica) (map[string]string, error) {
	reply := protocol.RegisterReply{}
	if err := r.call("RegisterClient", &protocol.RegisterRequest{Hostname: hostname, Port: port}, &reply); err != nil {
		return nil, err
	}
	if reply.Snapshot == nil {
		reply.Snapshot = map[string]string{}
	}
	return reply.Snapshot, nil
}

func (r *RemoteServer) CacheDisconnect(hostname string, port int) error {
	return r.call("CacheDisconnect", &protocol.RegisterRequest{Hostname: hostname, Port: port}, &protocol.Empty{})
}

func (r *RemoteServer) Close() error {
	return r.peer.Close()
}
