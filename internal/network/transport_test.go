package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("quic://10.0.0.1:4040")
	require.NoError(t, err)
	require.Equal(t, NewAddress(TypeQUIC, "10.0.0.1", 4040), a)
	require.Equal(t, "quic://10.0.0.1:4040", a.String())

	b, err := ParseAddress("example.org:80")
	require.NoError(t, err)
	require.Equal(t, TypeClear, b.Type)

	v6, err := ParseAddress("clear://[::1]:9")
	require.NoError(t, err)
	require.Equal(t, "::1", v6.Host)
	require.Equal(t, "clear://[::1]:9", v6.String())

	for _, bad := range []string{"", "ftp://a:1", "nohost", ":80", "a:99999", "a:x"} {
		_, err := ParseAddress(bad)
		require.Error(t, err, bad)
	}
}

func TestAddressText(t *testing.T) {
	a := NewAddress(TypeTor, "abcdef.onion", 9999)
	txt, err := a.MarshalText()
	require.NoError(t, err)
	var out Address
	require.NoError(t, out.UnmarshalText(txt))
	require.Equal(t, a, out)
}

func exchange(t *testing.T, tr Transport, dialer Transport, local Address) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ln, err := tr.Listen(ctx, local)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		s, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer s.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			done <- err
			return
		}
		_, err = s.Write(buf)
		done <- err
	}()

	s, err := dialer.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	require.NoError(t, <-done)
}

func TestTCPTransportRoundTrip(t *testing.T) {
	tr := NewTCPTransport()
	exchange(t, tr, tr, NewAddress(TypeClear, "127.0.0.1", 0))
}

func TestQUICTransportRoundTrip(t *testing.T) {
	tr := NewQUICTransport()
	exchange(t, tr, tr, NewAddress(TypeQUIC, "127.0.0.1", 0))
}

func TestQUICDeliversDataWrittenBeforeClose(t *testing.T) {
	tr := NewQUICTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ln, err := tr.Listen(ctx, NewAddress(TypeQUIC, "127.0.0.1", 0))
	require.NoError(t, err)
	defer ln.Close()

	payload := bytes.Repeat([]byte("overlay"), 64*1024)
	go func() {
		s, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = s.Write(payload)
		_ = s.Close()
	}()

	s, err := tr.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer s.Close()
	// The listener only sees the stream once the dialer sends on it.
	_, err = s.Write([]byte{0})
	require.NoError(t, err)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestMemTransportRoundTrip(t *testing.T) {
	hub := NewMemHub()
	exchange(t, hub.Transport("a"), hub.Transport("b"), Address{Host: "a"})
}

func TestMemTransportObservedHost(t *testing.T) {
	hub := NewMemHub()
	server := hub.Transport("server")
	ln, err := server.Listen(context.Background(), Address{Host: "server", Port: 7})
	require.NoError(t, err)
	defer ln.Close()

	client := hub.Transport("client")
	client.HideOrigin = true
	require.False(t, client.VerifiesOrigin())

	go func() {
		s, err := client.Dial(context.Background(), ln.Addr())
		if err == nil {
			defer s.Close()
			_, _ = s.Write([]byte{1})
		}
	}()
	s, err := ln.Accept()
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, "", s.RemoteHost())
}

func TestDialRefused(t *testing.T) {
	hub := NewMemHub()
	_, err := hub.Transport("a").Dial(context.Background(), NewAddress(TypeMem, "nobody", 1))
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "nobody", ce.Addr.Host)

	tcp := NewTCPTransport()
	ln, err := tcp.Listen(context.Background(), NewAddress(TypeClear, "127.0.0.1", 0))
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())
	_, err = tcp.Dial(context.Background(), addr)
	require.True(t, errors.As(err, &ce))
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	hub := NewMemHub()
	ln, err := hub.Transport("a").Listen(context.Background(), Address{Host: "a"})
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		errCh <- err
	}()
	require.NoError(t, ln.Close())
	require.ErrorIs(t, <-errCh, ErrListenerClosed)
}

func TestTorRejectsClearnetTarget(t *testing.T) {
	tr, err := NewTorTransport(TorOptions{SocksAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	require.False(t, tr.VerifiesOrigin())
	_, err = tr.Dial(context.Background(), NewAddress(TypeTor, "example.org", 80))
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
}
