package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

var ErrListenerClosed = errors.New("listener closed")

// Stream is a raw bidirectional byte stream. Higher layers never see
// socket-level details beyond the observed remote host.
type Stream interface {
	io.ReadWriteCloser
	// RemoteHost is the transport-observed origin host, or "" when the
	// transport cannot observe one.
	RemoteHost() string
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type Listener interface {
	Accept() (Stream, error)
	Addr() Address
	Close() error
}

// Transport opens and accepts streams over one network type. Dial may take
// seconds on anonymity networks; callers bound it with ctx.
type Transport interface {
	Type() Type
	Listen(ctx context.Context, local Address) (Listener, error)
	Dial(ctx context.Context, remote Address) (Stream, error)
	// VerifiesOrigin reports whether RemoteHost can be trusted to check a
	// peer's claimed address.
	VerifiesOrigin() bool
}

// ConnectError reports a refused, unreachable or timed out dial.
type ConnectError struct {
	Addr Address
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

type connStream struct {
	net.Conn
	remoteHost string
}

func (c *connStream) RemoteHost() string {
	return c.remoteHost
}

func wrapConn(c net.Conn, observe bool) Stream {
	host := ""
	if observe && c.RemoteAddr() != nil {
		host = hostForAddr(c.RemoteAddr().String())
	}
	return &connStream{Conn: c, remoteHost: host}
}

type netListener struct {
	ln      net.Listener
	addr    Address
	observe bool
}

func (l *netListener) Accept() (Stream, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return wrapConn(c, l.observe), nil
}

func (l *netListener) Addr() Address {
	return l.addr
}

func (l *netListener) Close() error {
	return l.ln.Close()
}

func boundPort(ln net.Listener, fallback int) int {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return fallback
}
