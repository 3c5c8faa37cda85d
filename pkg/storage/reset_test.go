package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n8n-mcp/graphindex/pkg/model"
)

func TestResetArchivesExistingDatabase(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "graph")
	ctx := context.Background()

	eng, err := NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
	require.NoError(t, err)
	require.NoError(t, eng.AddNode(ctx, &model.Node{ID: "x", Label: "X"}))
	require.NoError(t, eng.Close())

	require.NoError(t, Reset(dataDir))

	base := filepath.Base(dataDir)
	entries, err := os.ReadDir(filepath.Dir(dataDir))
	require.NoError(t, err)
	var sawBackup, sawFresh bool
	for _, e := range entries {
		switch {
		case e.Name() == base:
			sawFresh = true
		case len(e.Name()) > len(base) && e.Name()[:len(base)] == base:
			sawBackup = true
		}
	}
	require.True(t, sawFresh, "reset should recreate the data directory")
	require.True(t, sawBackup, "reset should leave the old directory archived alongside it")

	eng2, err := NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
	require.NoError(t, err)
	defer eng2.Close()

	n, err := eng2.GetNode(ctx, "x")
	require.Error(t, err)
	require.Nil(t, n)
}

func TestResetOnMissingDirectoryIsNoop(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "does-not-exist")
	require.NoError(t, Reset(dataDir))
}

func TestResetRequiresDataDir(t *testing.T) {
	require.Error(t, Reset(""))
}
