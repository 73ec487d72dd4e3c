package network

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/net/proxy"
)

const DefaultTorSocks = "127.0.0.1:9050"

type TorOptions struct {
	// SocksAddr is the local Tor SOCKS5 proxy.
	SocksAddr string
	// LocalBind is where the onion service forwards inbound circuits.
	LocalBind string
	// Onion is the advertised address of this node's onion service.
	Onion Address
}

// TorTransport dials through a local Tor daemon and accepts connections the
// daemon forwards from the node's onion service. The circuit hides the
// origin, so addresses claimed over Tor stay unverified.
type TorTransport struct {
	opts   TorOptions
	dialer proxy.ContextDialer
}

func NewTorTransport(opts TorOptions) (*TorTransport, error) {
	if opts.SocksAddr == "" {
		opts.SocksAddr = DefaultTorSocks
	}
	d, err := proxy.SOCKS5("tcp", opts.SocksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks dialer does not support context")
	}
	return &TorTransport{opts: opts, dialer: cd}, nil
}

func (t *TorTransport) Type() Type { return TypeTor }

func (t *TorTransport) VerifiesOrigin() bool { return false }

func (t *TorTransport) Listen(ctx context.Context, local Address) (Listener, error) {
	bind := t.opts.LocalBind
	if bind == "" {
		bind = net.JoinHostPort("127.0.0.1", "0")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", bind)
	if err != nil {
		return nil, err
	}
	addr := t.opts.Onion
	if addr.IsZero() {
		addr = local
	}
	addr.Type = TypeTor
	return &netListener{ln: ln, addr: addr, observe: false}, nil
}

func (t *TorTransport) Dial(ctx context.Context, remote Address) (Stream, error) {
	if !strings.HasSuffix(remote.Host, ".onion") {
		return nil, &ConnectError{Addr: remote, Err: errors.New("not an onion address")}
	}
	c, err := t.dialer.DialContext(ctx, "tcp", remote.HostPort())
	if err != nil {
		return nil, &ConnectError{Addr: remote, Err: err}
	}
	return wrapConn(c, false), nil
}
