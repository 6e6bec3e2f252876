package protocol

import (
	"context"
	"net"
	"net/rpc"
)

type Connection struct {
	Network string
	Address string
}

// Invoke dials conn, performs a single call and closes the connection.
func Invoke(conn Connection, method string, args, reply any) error {
	c, err := rpc.Dial(conn.Network, conn.Address)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.Call(method, args, reply)
}

func DialContext(ctx context.Context, network, address string) (*rpc.Client, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(conn), nil
}
