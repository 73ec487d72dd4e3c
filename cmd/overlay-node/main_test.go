package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"overlaynet/internal/identity"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"overlay-node", "--help"}, &out, &out))
	require.Contains(t, out.String(), "overlay-node")
	require.Contains(t, out.String(), "status")
}

func TestIDIsStable(t *testing.T) {
	home := t.TempDir()
	var first, second bytes.Buffer
	require.Equal(t, 0, run([]string{"overlay-node", "--home", home, "id"}, &first, os.Stderr))
	require.Equal(t, 0, run([]string{"overlay-node", "--home", home, "id"}, &second, os.Stderr))
	require.Equal(t, first.String(), second.String())

	var nid identity.NetworkID
	require.NoError(t, json.Unmarshal(first.Bytes(), &nid))
	require.NoError(t, nid.Validate())
	require.Len(t, nid.Addresses, 1)
}

func TestStatusWithoutRunningNode(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 1, run([]string{"overlay-node", "--home", t.TempDir(), "status"}, &out, &errOut))
	require.Contains(t, errOut.String(), "is the node running")
}

func TestInboxPrintsRecords(t *testing.T) {
	home := t.TempDir()
	line := `{"id":"m1","from":"abcd","text":"hello","created":"2026-01-02T03:04:05Z","via_mailbox":true}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "inbox.jsonl"), []byte(line), 0600))
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"overlay-node", "--home", home, "inbox"}, &out, os.Stderr))
	require.Contains(t, out.String(), "m1 from=abcd via=mailbox: hello")
}
