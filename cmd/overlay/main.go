package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli"

	"overlaynet/internal/daemon"
	"overlaynet/internal/data"
	"overlaynet/internal/identity"
)

var version = "dev"

var errNoPeers = errors.New("no overlay peer reachable")

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if err := newApp(stdout, stderr).Run(args); err != nil {
		fmt.Fprintf(stderr, "overlay: %v\n", err)
		return 1
	}
	return 0
}

func defaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".overlay-client")
}

func newApp(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "overlay"
	app.Usage = "publish data and send mail through an overlay node"
	app.Version = version
	app.Writer = stdout
	app.ErrWriter = stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "home",
			Value: defaultHome(),
			Usage: " client identity `DIR`",
		},
		cli.StringSliceFlag{
			Name:  "connect, c",
			Usage: "*overlay node `ADDR` to join through (repeatable)",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
			Usage: " give up after `DURATION`",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "publish",
			Usage:     "publish a signed data entry",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "kind, k",
					Value: data.KindChat,
					Usage: " data `KIND`",
				},
				cli.StringFlag{
					Name:  "text, t",
					Usage: "*payload `TEXT`",
				},
			},
			Action: runPublish,
		},
		{
			Name:      "mail",
			Usage:     "send an encrypted message",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "to",
					Usage: "*recipient network id `FILE` as printed by overlay-node id",
				},
				cli.StringFlag{
					Name:  "text, t",
					Usage: "*message `TEXT`",
				},
			},
			Action: runMail,
		},
		{
			Name:   "kinds",
			Usage:  "list data kinds and their limits",
			Action: runKinds,
		},
	}
	return app
}

// joinOverlay starts a listen-less node that only dials the given peers.
func joinOverlay(ctx context.Context, c *cli.Context) (*daemon.Runner, error) {
	cfg, err := daemon.LoadConfig(c.GlobalString("home"))
	if err != nil {
		return nil, err
	}
	cfg.Listen = nil
	cfg.Advertise = nil
	cfg.MetricsAddr = ""
	cfg.SyncOnConnect = false
	if c.GlobalIsSet("connect") {
		cfg.Seeds = c.GlobalStringSlice("connect")
	}
	if len(cfg.Seeds) == 0 {
		return nil, errors.New("missing --connect")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r, err := daemon.NewRunner(cfg, daemon.Options{})
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	if err := waitConnected(ctx, r); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func waitConnected(ctx context.Context, r *daemon.Runner) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for len(r.Node.Connections()) == 0 {
		select {
		case <-ctx.Done():
			return errNoPeers
		case <-t.C:
		}
	}
	return nil
}

func runPublish(c *cli.Context) error {
	text := c.String("text")
	if text == "" {
		return errors.New("missing --text")
	}
	kind := c.String("kind")
	if _, ok := data.LookupMetaData(kind); !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
	defer cancel()
	r, err := joinOverlay(ctx, c)
	if err != nil {
		return err
	}
	e, err := r.Data.Publish(ctx, kind, []byte(text), nil)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	key := e.Key()
	fmt.Fprintf(c.App.Writer, "published kind=%s key=%x seq=%d\n", kind, key[:], e.Seq)
	return nil
}

func runMail(c *cli.Context) error {
	text := c.String("text")
	if text == "" {
		return errors.New("missing --text")
	}
	if c.String("to") == "" {
		return errors.New("missing --to")
	}
	to, err := readNetworkID(c.String("to"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
	defer cancel()
	r, err := joinOverlay(ctx, c)
	if err != nil {
		return err
	}
	if len(to.Addresses) > 0 && !r.Node.IsConnected(to.ID()) {
		// Unreachable recipients still get mail through the mailbox.
		_, _ = r.Node.ConnectPeer(ctx, to)
	}
	id, status, err := r.Mailbox.Send(ctx, to, []byte(text))
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "message=%s to=%s status=%s\n", id, to.ID(), status)
	return nil
}

func runKinds(c *cli.Context) error {
	for _, kind := range data.Kinds() {
		md := data.MustMetaData(kind)
		fmt.Fprintf(c.App.Writer, "%-18s ttl=%-8s max_entries=%-6d priority=%d max_payload=%d\n",
			kind, md.TTL, md.MaxEntries, md.Priority, md.MaxPayloadSize)
	}
	return nil
}

func readNetworkID(path string) (identity.NetworkID, error) {
	var nid identity.NetworkID
	raw, err := os.ReadFile(path)
	if err != nil {
		return nid, err
	}
	if err := json.Unmarshal(raw, &nid); err != nil {
		return nid, fmt.Errorf("network id %s: %w", path, err)
	}
	return nid, nid.Validate()
}
