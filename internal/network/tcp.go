package network

import (
	"context"
	"net"
	"time"
)

const defaultKeepAlive = 30 * time.Second

// TCPTransport carries clearnet connections.
type TCPTransport struct {
	dialer net.Dialer
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{dialer: net.Dialer{KeepAlive: defaultKeepAlive}}
}

func (t *TCPTransport) Type() Type { return TypeClear }

func (t *TCPTransport) VerifiesOrigin() bool { return true }

func (t *TCPTransport) Listen(ctx context.Context, local Address) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", local.HostPort())
	if err != nil {
		return nil, err
	}
	addr := local
	addr.Type = TypeClear
	addr.Port = boundPort(ln, local.Port)
	return &netListener{ln: ln, addr: addr, observe: true}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, remote Address) (Stream, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", remote.HostPort())
	if err != nil {
		return nil, &ConnectError{Addr: remote, Err: err}
	}
	return wrapConn(c, true), nil
}
