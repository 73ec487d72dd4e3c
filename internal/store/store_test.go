package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, p Persistence) {
	t.Helper()
	_, err := p.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.Save("peers", []byte(`{"a":1}`)))
	got, err := p.Load("peers")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(got))

	require.NoError(t, p.Save("peers", []byte(`{}`)))
	got, err = p.Load("peers")
	require.NoError(t, err)
	require.Equal(t, `{}`, string(got))

	require.NoError(t, p.Save("data/offer", []byte("x")))
	got, err = p.Load("data/offer")
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
}

func TestMemStore(t *testing.T) {
	exercise(t, NewMemStore())
}

func TestMemStoreCopies(t *testing.T) {
	s := NewMemStore()
	buf := []byte("abc")
	require.NoError(t, s.Save("k", buf))
	buf[0] = 'z'
	got, err := s.Load("k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	exercise(t, s)

	_, err = os.Stat(filepath.Join(dir, "peers"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "peers.tmp"))
	require.True(t, os.IsNotExist(err))

	// unsafe keys never escape the directory
	require.NoError(t, s.Save("../escape", []byte("x")))
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape"))
	require.True(t, os.IsNotExist(err))

	_, err = s.Load("")
	require.Error(t, err)
}

func TestFileStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("identity", []byte("keys")))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.Load("identity")
	require.NoError(t, err)
	require.Equal(t, "keys", string(got))
}

func TestLevelStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := OpenLevelStore(path)
	require.NoError(t, err)
	exercise(t, s)
	require.NoError(t, s.Close())

	s, err = OpenLevelStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load("peers")
	require.NoError(t, err)
	require.Equal(t, `{}`, string(got))
}
