package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type rule struct {
	OffsetDays  int    `json:"renewal_offset_days"`
	LastUpdated string `json:"last_updated"`
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "state"))
	require.NoError(t, err)

	var missing map[string]rule
	require.ErrorIs(t, store.Load("renewal_rules", &missing), ErrNotFound)

	expected := map[string]rule{
		"https://www.bibkat.de/boehl/": {OffsetDays: 6, LastUpdated: "2025-07-01"},
	}
	require.NoError(t, store.Save("renewal_rules", expected))

	var loaded map[string]rule
	require.NoError(t, store.Load("renewal_rules", &loaded))
	if diff := cmp.Diff(expected, loaded); diff != "" {
		t.Fatal(diff)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")

	require.NoError(t, store.Delete("renewal_rules"))
	require.NoError(t, store.Delete("renewal_rules"))
	require.ErrorIs(t, store.Load("renewal_rules", &loaded), ErrNotFound)
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{not json"), 0o600))

	var out map[string]any
	err = store.Load("sessions", &out)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}
