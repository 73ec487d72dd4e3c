package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"overlaynet/internal/network"
)

const (
	configFile = "config.json"

	BackendFile    = "file"
	BackendLevelDB = "leveldb"

	defaultListen           = "clear://0.0.0.0:9999"
	defaultSnapshotInterval = 5
)

// Config is the daemon configuration. It is read from <home>/config.json
// and then overridden by OVERLAY_* environment variables.
type Config struct {
	Home string `json:"-"`

	Listen    []string `json:"listen"`
	Advertise []string `json:"advertise,omitempty"`
	Seeds     []string `json:"seeds,omitempty"`

	// Store selects the persistence backend: "file" or "leveldb".
	Store       string `json:"store"`
	MetricsAddr string `json:"metrics_addr,omitempty"`

	TorSocks     string `json:"tor_socks,omitempty"`
	TorLocalBind string `json:"tor_local_bind,omitempty"`

	OutboundTarget int `json:"outbound_target,omitempty"`
	InboundTarget  int `json:"inbound_target,omitempty"`
	// PoWBits pins every message class to a fixed difficulty. Zero keeps the
	// size and cost based default.
	PoWBits             int  `json:"pow_bits,omitempty"`
	KeepAliveIdleSec    int  `json:"keepalive_idle_sec,omitempty"`
	PexIntervalSec      int  `json:"pex_interval_sec,omitempty"`
	SnapshotIntervalSec int  `json:"snapshot_interval_sec,omitempty"`
	SyncOnConnect       bool `json:"sync_on_connect"`
}

func DefaultConfig(home string) Config {
	return Config{
		Home:                home,
		Listen:              []string{defaultListen},
		Store:               BackendFile,
		SnapshotIntervalSec: defaultSnapshotInterval,
		SyncOnConnect:       true,
	}
}

// LoadConfig returns the defaults for home overlaid with config.json, if
// present, and the environment.
func LoadConfig(home string) (Config, error) {
	cfg := DefaultConfig(home)
	raw, err := os.ReadFile(filepath.Join(home, configFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		cfg.Home = home
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, err
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// Save writes cfg to <home>/config.json.
func (c Config) Save() error {
	if err := os.MkdirAll(c.Home, 0700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.Home, configFile), raw, 0600)
}

func (c *Config) applyEnv() {
	if v, ok := envInt("OVERLAY_OUTBOUND_TARGET"); ok && v > 0 {
		c.OutboundTarget = v
	}
	if v, ok := envInt("OVERLAY_INBOUND_TARGET"); ok && v > 0 {
		c.InboundTarget = v
	}
	if v, ok := envInt("OVERLAY_POW_BITS"); ok && v >= 0 {
		c.PoWBits = v
	}
	if v, ok := envInt("OVERLAY_KEEPALIVE_IDLE_SEC"); ok && v > 0 {
		c.KeepAliveIdleSec = v
	}
	if v, ok := envInt("OVERLAY_PEX_INTERVAL_SEC"); ok && v > 0 {
		c.PexIntervalSec = v
	}
	if v, ok := envString("OVERLAY_SEEDS"); ok {
		c.Seeds = splitList(v)
	}
	if v, ok := envString("OVERLAY_STORE"); ok {
		c.Store = v
	}
	if v, ok := envString("OVERLAY_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := envString("OVERLAY_TOR_SOCKS"); ok {
		c.TorSocks = v
	}
}

func (c Config) Validate() error {
	if c.Home == "" {
		return errors.New("config: missing home")
	}
	switch c.Store {
	case BackendFile, BackendLevelDB:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store)
	}
	if c.PoWBits > 40 {
		return fmt.Errorf("config: pow_bits %d out of range", c.PoWBits)
	}
	for _, list := range [][]string{c.Listen, c.Advertise, c.Seeds} {
		if _, err := parseAddrs(list); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

func (c Config) ListenAddrs() []network.Address {
	out, _ := parseAddrs(c.Listen)
	return out
}

func (c Config) AdvertiseAddrs() []network.Address {
	out, _ := parseAddrs(c.Advertise)
	return out
}

func (c Config) SeedAddrs() []network.Address {
	out, _ := parseAddrs(c.Seeds)
	return out
}

// usesTor reports whether any configured address needs the Tor transport.
func (c Config) usesTor() bool {
	if c.TorSocks != "" {
		return true
	}
	for _, list := range [][]network.Address{c.ListenAddrs(), c.SeedAddrs()} {
		for _, a := range list {
			if a.Type == network.TypeTor {
				return true
			}
		}
	}
	return false
}

func parseAddrs(list []string) ([]network.Address, error) {
	out := make([]network.Address, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		a, err := network.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envString(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}
