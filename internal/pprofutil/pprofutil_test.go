package pprofutil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, isLoopbackBind(tc.addr), tc.addr)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("OVERLAY_PPROF", "")
	t.Setenv("OVERLAY_PPROF_ADDR", "")
	o := OptionsFromEnv()
	require.False(t, o.Enabled)
	require.Equal(t, defaultAddr, o.Addr)

	t.Setenv("OVERLAY_PPROF", "1")
	t.Setenv("OVERLAY_PPROF_ADDR", "0.0.0.0:7070")
	o = OptionsFromEnv()
	require.True(t, o.Enabled)
	require.False(t, o.AllowPublic)
	_, err := Start(o)
	require.ErrorContains(t, err, "must be loopback")
}

func TestStartServesIndex(t *testing.T) {
	s, err := Start(Options{Enabled: true, Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer s.Close()
	resp, err := http.Get(s.URL())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
