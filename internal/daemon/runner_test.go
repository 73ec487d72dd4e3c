package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overlaynet/internal/data"
	"overlaynet/internal/network"
	"overlaynet/internal/store"
)

const waitFor = 10 * time.Second

func testConfig(t *testing.T, host string, seeds ...string) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Listen = []string{fmt.Sprintf("mem://%s:1", host)}
	cfg.Seeds = seeds
	cfg.PoWBits = 2
	return cfg
}

func startRunner(t *testing.T, hub *network.MemHub, cfg Config, host string, opts Options) *Runner {
	t.Helper()
	opts.Transports = []network.Transport{hub.Transport(host)}
	if opts.Persistence == nil {
		opts.Persistence = store.NewMemStore()
	}
	r, err := NewRunner(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRunnerJoinsSeedAndReplicates(t *testing.T) {
	hub := network.NewMemHub()
	a := startRunner(t, hub, testConfig(t, "a"), "a", Options{})
	bcfg := testConfig(t, "b", "mem://a:1")
	b := startRunner(t, hub, bcfg, "b", Options{})

	require.Eventually(t, func() bool { return b.Node.IsConnected(a.Node.ID()) }, waitFor, 10*time.Millisecond)

	e, err := b.Data.Publish(context.Background(), data.KindChat, []byte("hello overlay"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := a.Data.Get(data.KindChat, e.Key())
		return ok
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	st, err := ReadStatus(bcfg.Home)
	require.NoError(t, err)
	require.Equal(t, b.Node.ID().String(), st.ID)
	require.Equal(t, 1, st.Entries[data.KindChat])
	_, err = os.Stat(filepath.Join(bcfg.Home, "metrics.json"))
	require.NoError(t, err)
}

func TestRunnerWritesDeliveredMailToInbox(t *testing.T) {
	hub := network.NewMemHub()
	a := startRunner(t, hub, testConfig(t, "a"), "a", Options{})
	bcfg := testConfig(t, "b", "mem://a:1")
	b := startRunner(t, hub, bcfg, "b", Options{})
	require.Eventually(t, func() bool { return a.Node.IsConnected(b.Node.ID()) }, waitFor, 10*time.Millisecond)

	id, status, err := a.Mailbox.Send(context.Background(), b.Node.Self(), []byte("ping from a"))
	require.NoError(t, err)
	require.Equal(t, data.StatusSent, status)

	var rec InboxRecord
	require.Eventually(t, func() bool {
		recs, err := ReadInbox(bcfg.Home, 1)
		if err != nil || len(recs) == 0 {
			return false
		}
		rec = recs[0]
		return true
	}, waitFor, 10*time.Millisecond)
	require.Equal(t, id, rec.ID)
	require.Equal(t, "ping from a", rec.Text)
	require.Equal(t, a.Node.ID().String(), rec.From)
	require.False(t, rec.ViaMailbox)
}

func TestRunnerKeepsIdentityAcrossRestarts(t *testing.T) {
	hub := network.NewMemHub()
	cfg := testConfig(t, "a")
	opts := Options{Transports: []network.Transport{hub.Transport("a")}}

	first, err := NewRunner(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	e, err := first.Data.Publish(context.Background(), data.KindOffer, []byte("kept"), nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewRunner(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, second.Start(context.Background()))
	defer second.Close()
	require.Equal(t, first.Identity.ID(), second.Identity.ID())
	_, ok := second.Data.Get(data.KindOffer, e.Key())
	require.True(t, ok)
	_, err = os.Stat(filepath.Join(cfg.Home, "state"))
	require.NoError(t, err)
}

func TestRunnerServesMetricsAndStatus(t *testing.T) {
	hub := network.NewMemHub()
	cfg := testConfig(t, "a")
	cfg.MetricsAddr = "127.0.0.1:0"
	r := startRunner(t, hub, cfg, "a", Options{})
	addr := r.MetricsAddr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "overlay_data_added_total"))

	resp, err = http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, r.Node.ID().String(), st.ID)
}

func TestRunnerRun(t *testing.T) {
	hub := network.NewMemHub()
	cfg := testConfig(t, "a")
	r, err := NewRunner(cfg, Options{Transports: []network.Transport{hub.Transport("a")}, Persistence: store.NewMemStore()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return len(r.Node.ListenAddrs()) == 1 }, waitFor, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	require.Error(t, r.Start(context.Background()), "a closed runner cannot restart")
}
