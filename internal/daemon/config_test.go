package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"overlaynet/internal/network"
)

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadConfig(home)
	require.NoError(t, err)
	require.Equal(t, home, cfg.Home)
	require.Equal(t, BackendFile, cfg.Store)
	require.True(t, cfg.SyncOnConnect)
	require.Equal(t, []network.Address{network.NewAddress(network.TypeClear, "0.0.0.0", 9999)}, cfg.ListenAddrs())
	require.False(t, cfg.usesTor())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	home := t.TempDir()
	cfg := DefaultConfig(home)
	cfg.Listen = []string{"quic://127.0.0.1:7000", "tor://abcdef.onion:9999"}
	cfg.Seeds = []string{"clear://10.0.0.1:9999"}
	cfg.Store = BackendLevelDB
	cfg.OutboundTarget = 3
	require.NoError(t, cfg.Save())

	t.Setenv("OVERLAY_OUTBOUND_TARGET", "12")
	t.Setenv("OVERLAY_POW_BITS", "4")
	t.Setenv("OVERLAY_SEEDS", " clear://10.0.0.2:9999 , quic://10.0.0.3:9999")

	got, err := LoadConfig(home)
	require.NoError(t, err)
	require.Equal(t, BackendLevelDB, got.Store)
	require.Equal(t, 12, got.OutboundTarget)
	require.Equal(t, 4, got.PoWBits)
	require.Equal(t, []string{"clear://10.0.0.2:9999", "quic://10.0.0.3:9999"}, got.Seeds)
	require.Len(t, got.ListenAddrs(), 2)
	require.True(t, got.usesTor())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, configFile), []byte(`{"store":"sqlite"}`), 0600))
	_, err := LoadConfig(home)
	require.ErrorContains(t, err, "unknown store backend")

	require.NoError(t, os.WriteFile(filepath.Join(home, configFile), []byte(`{"seeds":["ftp://x:1"]}`), 0600))
	_, err = LoadConfig(home)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(home, configFile), []byte(`{`), 0600))
	_, err = LoadConfig(home)
	require.Error(t, err)
}
