package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// MemHub connects in-process transports. Each participant gets a MemTransport
// bound to its own host name, which is what peers observe as RemoteHost.
type MemHub struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	nextPort  int
}

func NewMemHub() *MemHub {
	return &MemHub{listeners: make(map[string]*memListener), nextPort: 10000}
}

func (h *MemHub) Transport(host string) *MemTransport {
	return &MemTransport{hub: h, host: host}
}

// MemTransport can be told to behave like an anonymity network via
// HideOrigin, which makes it stop vouching for the observed host.
type MemTransport struct {
	hub        *MemHub
	host       string
	HideOrigin bool
}

func (t *MemTransport) Type() Type { return TypeMem }

func (t *MemTransport) VerifiesOrigin() bool { return !t.HideOrigin }

func (t *MemTransport) Listen(ctx context.Context, local Address) (Listener, error) {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := local
	addr.Type = TypeMem
	if addr.Host == "" {
		addr.Host = t.host
	}
	if addr.Port == 0 {
		h.nextPort++
		addr.Port = h.nextPort
	}
	key := addr.HostPort()
	if _, ok := h.listeners[key]; ok {
		return nil, fmt.Errorf("mem listen %s: address in use", key)
	}
	l := &memListener{
		hub:    h,
		addr:   addr,
		conns:  make(chan Stream),
		closed: make(chan struct{}),
	}
	h.listeners[key] = l
	return l, nil
}

func (t *MemTransport) Dial(ctx context.Context, remote Address) (Stream, error) {
	t.hub.mu.Lock()
	l := t.hub.listeners[remote.HostPort()]
	t.hub.mu.Unlock()
	if l == nil {
		return nil, &ConnectError{Addr: remote, Err: errors.New("connection refused")}
	}
	local, peer := net.Pipe()
	serverHost := t.host
	if t.HideOrigin {
		serverHost = ""
	}
	select {
	case l.conns <- &connStream{Conn: peer, remoteHost: serverHost}:
		return &connStream{Conn: local, remoteHost: remote.Host}, nil
	case <-l.closed:
		_ = local.Close()
		_ = peer.Close()
		return nil, &ConnectError{Addr: remote, Err: errors.New("connection refused")}
	case <-ctx.Done():
		_ = local.Close()
		_ = peer.Close()
		return nil, &ConnectError{Addr: remote, Err: ctx.Err()}
	}
}

type memListener struct {
	hub    *MemHub
	addr   Address
	conns  chan Stream
	closed chan struct{}
	once   sync.Once
}

func (l *memListener) Accept() (Stream, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *memListener) Addr() Address {
	return l.addr
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.hub.mu.Lock()
		delete(l.hub.listeners, l.addr.HostPort())
		l.hub.mu.Unlock()
	})
	return nil
}
