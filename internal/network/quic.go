package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	quicALPN          = "overlay-quic"
	quicStreamTimeout = 10 * time.Second
	quicAcceptBacklog = 64
	// quicLinger bounds how long a closed stream keeps its connection up so
	// the FIN and buffered data reach the peer.
	quicLinger = 3 * time.Second
)

// selfSignedCert builds a throwaway certificate for the QUIC handshake. Peer
// identity is proven by the overlay handshake, not by TLS.
func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
}

// QUICTransport opens one bidirectional stream per QUIC connection.
type QUICTransport struct {
	conf *quic.Config
}

func NewQUICTransport() *QUICTransport {
	return &QUICTransport{conf: &quic.Config{
		MaxIdleTimeout: 5 * time.Minute,
	}}
}

func (t *QUICTransport) Type() Type { return TypeQUIC }

func (t *QUICTransport) VerifiesOrigin() bool { return true }

func (t *QUICTransport) Listen(ctx context.Context, local Address) (Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(local.HostPort(), tlsConf, t.conf)
	if err != nil {
		return nil, err
	}
	addr := local
	addr.Type = TypeQUIC
	if udp, ok := ln.Addr().(*net.UDPAddr); ok {
		addr.Port = udp.Port
	}
	lctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:      ln,
		addr:    addr,
		streams: make(chan Stream, quicAcceptBacklog),
		ctx:     lctx,
		cancel:  cancel,
	}
	go l.acceptLoop()
	return l, nil
}

func (t *QUICTransport) Dial(ctx context.Context, remote Address) (Stream, error) {
	conn, err := quic.DialAddr(ctx, remote.HostPort(), clientTLSConfig(), t.conf)
	if err != nil {
		return nil, &ConnectError{Addr: remote, Err: err}
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, &ConnectError{Addr: remote, Err: err}
	}
	return newQUICStream(conn, s), nil
}

type quicListener struct {
	ln      *quic.Listener
	addr    Address
	streams chan Stream
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.cancel()
			return
		}
		go l.awaitStream(conn)
	}
}

// awaitStream waits for the dialer's first stream so one slow peer cannot
// stall the accept loop.
func (l *quicListener) awaitStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, quicStreamTimeout)
	defer cancel()
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	select {
	case l.streams <- newQUICStream(conn, s):
	case <-l.ctx.Done():
		_ = conn.CloseWithError(0, "listener closed")
	}
}

func (l *quicListener) Accept() (Stream, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

func (l *quicListener) Addr() Address {
	return l.addr
}

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	if errors.Is(err, quic.ErrServerClosed) {
		return nil
	}
	return err
}

type quicStream struct {
	conn *quic.Conn
	s    *quic.Stream
	once sync.Once
}

func newQUICStream(conn *quic.Conn, s *quic.Stream) *quicStream {
	return &quicStream{conn: conn, s: s}
}

func (q *quicStream) Read(p []byte) (int, error)  { return q.s.Read(p) }
func (q *quicStream) Write(p []byte) (int, error) { return q.s.Write(p) }

func (q *quicStream) SetDeadline(t time.Time) error      { return q.s.SetDeadline(t) }
func (q *quicStream) SetReadDeadline(t time.Time) error  { return q.s.SetReadDeadline(t) }
func (q *quicStream) SetWriteDeadline(t time.Time) error { return q.s.SetWriteDeadline(t) }

func (q *quicStream) RemoteHost() string {
	if q.conn.RemoteAddr() == nil {
		return ""
	}
	return hostForAddr(q.conn.RemoteAddr().String())
}

// Close closes the send side only. The connection is torn down once the
// peer hangs up or quicLinger elapses.
func (q *quicStream) Close() error {
	var err error
	q.once.Do(func() {
		err = q.s.Close()
		go q.linger()
	})
	return err
}

func (q *quicStream) linger() {
	t := time.NewTimer(quicLinger)
	defer t.Stop()
	select {
	case <-q.conn.Context().Done():
	case <-t.C:
	}
	_ = q.conn.CloseWithError(0, "")
}
