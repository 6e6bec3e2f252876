package protocol

import (
	"errors"
	"io"
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Echo struct{}

func (Echo) Get(req *KeyRequest, reply *GetReply) error {
	if req.Key == "" {
		return errors.New("empty key")
	}
	reply.Value, reply.Found = "v:"+req.Key, true
	return nil
}

func serveEcho(t *testing.T, address string) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", address)
	require.NoError(t, err)

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("Echo", Echo{}))
	go srv.Accept(l)
	return l
}

func TestInvoke(t *testing.T) {
	l := serveEcho(t, "127.0.0.1:0")
	defer l.Close()
	conn := Connection{Network: "tcp", Address: l.Addr().String()}

	reply := GetReply{}
	require.NoError(t, Invoke(conn, "Echo.Get", &KeyRequest{Key: "a"}, &reply))
	assert.Equal(t, GetReply{Value: "v:a", Found: true}, reply)
}

func TestPeerKeepsConnectionAcrossServerErrors(t *testing.T) {
	l := serveEcho(t, "127.0.0.1:0")
	defer l.Close()

	p := NewPeer(Connection{Network: "tcp", Address: l.Addr().String()}, time.Second, log.New(io.Discard))
	defer p.Close()

	reply := GetReply{}
	require.NoError(t, p.Call("Echo.Get", &KeyRequest{Key: "a"}, &reply))
	first := p.client

	err := p.Call("Echo.Get", &KeyRequest{}, &GetReply{})
	var serverErr rpc.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "empty key", string(serverErr))
	assert.Same(t, first, p.client)
}

func TestPeerRedialsAfterConnectionLoss(t *testing.T) {
	l := serveEcho(t, "127.0.0.1:0")
	addr := l.Addr().String()

	p := NewPeer(Connection{Network: "tcp", Address: addr}, time.Second, log.New(io.Discard))
	defer p.Close()
	require.NoError(t, p.Connect())

	// drop the server side of the connection
	l.Close()
	p.client.Close()
	assert.Error(t, p.Call("Echo.Get", &KeyRequest{Key: "a"}, &GetReply{}))
	assert.Nil(t, p.client)

	l = serveEcho(t, addr)
	defer l.Close()
	reply := GetReply{}
	require.NoError(t, p.Call("Echo.Get", &KeyRequest{Key: "b"}, &reply))
	assert.Equal(t, "v:b", reply.Value)
}

func TestClosedPeer(t *testing.T) {
	p := NewPeer(Connection{Network: "tcp", Address: "127.0.0.1:1"}, time.Second, log.New(io.Discard))
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Call("Echo.Get", &KeyRequest{Key: "a"}, &GetReply{}), ErrPeerClosed)
}
