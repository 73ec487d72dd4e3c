package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"

	"overlaynet/internal/daemon"
	"overlaynet/internal/debuglog"
	"overlaynet/internal/identity"
	"overlaynet/internal/metrics"
	"overlaynet/internal/pprofutil"
	"overlaynet/internal/store"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if err := newApp(stdout, stderr).Run(args); err != nil {
		fmt.Fprintf(stderr, "overlay-node: %v\n", err)
		return 1
	}
	return 0
}

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".overlay")
}

func newApp(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "overlay-node"
	app.Usage = "run and inspect an overlay node"
	app.Version = version
	app.Writer = stdout
	app.ErrWriter = stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "home",
			Value: defaultHome(),
			Usage: " node state `DIR`",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "run the node until interrupted",
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name:  "listen, l",
					Usage: " listen `ADDR` such as clear://0.0.0.0:9999 (repeatable)",
				},
				cli.StringSliceFlag{
					Name:  "advertise",
					Usage: " advertised `ADDR` (repeatable)",
				},
				cli.StringSliceFlag{
					Name:  "seed, s",
					Usage: " bootstrap seed `ADDR` (repeatable)",
				},
				cli.StringFlag{
					Name:  "store",
					Usage: " persistence backend `file|leveldb`",
				},
				cli.StringFlag{
					Name:  "metrics-addr",
					Usage: " serve /metrics and /status on `HOST:PORT`",
				},
				cli.StringFlag{
					Name:  "tor-socks",
					Usage: " Tor SOCKS5 proxy `HOST:PORT`",
				},
				cli.BoolFlag{
					Name:  "save-config",
					Usage: " write the effective configuration to config.json",
				},
				cli.BoolFlag{
					Name:  "debug",
					Usage: " enable debug logging",
				},
			},
			Action: runNode,
		},
		{
			Name:   "id",
			Usage:  "print this node's network id as JSON",
			Action: runID,
		},
		{
			Name:   "peers",
			Usage:  "list connections and known peers of the running node",
			Action: runPeers,
		},
		{
			Name:   "status",
			Usage:  "summarise the running node",
			Action: runStatus,
		},
		{
			Name:  "inbox",
			Usage: "print messages delivered to this node",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "n",
					Value: 20,
					Usage: " show the last `COUNT` messages",
				},
			},
			Action: runInbox,
		},
	}
	return app
}

func loadConfig(c *cli.Context) (daemon.Config, error) {
	return daemon.LoadConfig(c.GlobalString("home"))
}

func runNode(c *cli.Context) error {
	if c.Bool("debug") {
		_ = os.Setenv("OVERLAY_DEBUG", "1")
		debuglog.Reload()
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("listen") {
		cfg.Listen = c.StringSlice("listen")
	}
	if c.IsSet("advertise") {
		cfg.Advertise = c.StringSlice("advertise")
	}
	if c.IsSet("seed") {
		cfg.Seeds = c.StringSlice("seed")
	}
	if c.IsSet("store") {
		cfg.Store = c.String("store")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("tor-socks") {
		cfg.TorSocks = c.String("tor-socks")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.Bool("save-config") {
		if err := cfg.Save(); err != nil {
			return err
		}
	}

	r, err := daemon.NewRunner(cfg, daemon.Options{Pprof: pprofutil.OptionsFromEnv()})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := r.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "READY node_id=%s addrs=%v\n", r.Node.ID(), r.Node.Self().Addresses)
	<-ctx.Done()
	return r.Close()
}

func runID(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return err
	}
	var p store.Persistence
	if cfg.Store == daemon.BackendLevelDB {
		ls, err := store.OpenLevelStore(filepath.Join(cfg.Home, "db"))
		if err != nil {
			return fmt.Errorf("open store (is the node running?): %w", err)
		}
		defer ls.Close()
		p = ls
	} else {
		if p, err = store.NewFileStore(filepath.Join(cfg.Home, "state")); err != nil {
			return err
		}
	}
	id, err := identity.LoadOrCreate(p, nil)
	if err != nil {
		return err
	}
	nid := id.NetworkID()
	nid.Addresses = cfg.AdvertiseAddrs()
	if len(nid.Addresses) == 0 {
		nid.Addresses = cfg.ListenAddrs()
	}
	return printJSON(c.App.Writer, nid)
}

func runPeers(c *cli.Context) error {
	st, err := daemon.ReadStatus(c.GlobalString("home"))
	if err != nil {
		return fmt.Errorf("no status (is the node running?): %w", err)
	}
	w := c.App.Writer
	for _, conn := range st.Connections {
		dir := "in"
		if conn.Outbound {
			dir = "out"
		}
		fmt.Fprintf(w, "%s %-3s addr=%s verified=%v since=%s\n", conn.Peer, dir, conn.Address, conn.Verified, conn.Since.Format("2006-01-02T15:04:05Z"))
	}
	for _, p := range st.KnownPeers {
		fmt.Fprintf(w, "%s known source=%s fails=%d addrs=%v\n", p.ID, p.Source, p.FailCount, p.Addresses)
	}
	return nil
}

func runStatus(c *cli.Context) error {
	home := c.GlobalString("home")
	st, err := daemon.ReadStatus(home)
	if err != nil {
		return fmt.Errorf("no status (is the node running?): %w", err)
	}
	snap := readMetricsSnapshot(filepath.Join(home, "metrics.json"))
	w := c.App.Writer
	fmt.Fprintf(w, "node %s (updated %s)\n", st.ID, st.Updated.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(w, "  addresses: %v\n", st.Addresses)
	fmt.Fprintf(w, "  connections: %d (in=%d out=%d)\n", len(st.Connections), snap.Conns.Inbound, snap.Conns.Outbound)
	fmt.Fprintf(w, "  known peers: %d\n", len(st.KnownPeers))
	for kind, n := range st.Entries {
		fmt.Fprintf(w, "  %s entries: %d\n", kind, n)
	}
	fmt.Fprintf(w, "  data: added=%d removed=%d rejected=%d\n", snap.Data.Added, snap.Data.Removed, sum(snap.Data.Rejected))
	fmt.Fprintf(w, "  inventory: rounds=%d incomplete=%d\n", snap.Data.InventoryRounds, snap.Data.InventoryIncomplete)
	fmt.Fprintf(w, "  mail: stored=%d acked=%d direct=%d\n", snap.Data.MailboxStored, snap.Data.MailboxAcked, snap.Data.DirectDelivered)
	return nil
}

func runInbox(c *cli.Context) error {
	recs, err := daemon.ReadInbox(c.GlobalString("home"), c.Int("n"))
	if err != nil {
		return err
	}
	for _, r := range recs {
		via := "direct"
		if r.ViaMailbox {
			via = "mailbox"
		}
		fmt.Fprintf(c.App.Writer, "%s %s from=%s via=%s: %s\n", r.Created.Format("2006-01-02T15:04:05Z"), r.ID, r.From, via, r.Text)
	}
	return nil
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	var snap metrics.Snapshot
	raw, err := os.ReadFile(path)
	if err != nil {
		return snap
	}
	_ = json.Unmarshal(raw, &snap)
	return snap
}

func sum(m map[string]uint64) uint64 {
	var n uint64
	for _, v := range m {
		n += v
	}
	return n
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
