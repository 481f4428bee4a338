package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config for a fresh database file under t.TempDir().
func testConfig(t *testing.T) types.Config {
	t.Helper()
	return types.DefaultConfig(filepath.Join(t.TempDir(), "mirror.db"))
}

// openGateway opens a gateway on a fresh database and closes it on cleanup.
func openGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := Open(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

// sampleItem returns a previewable item in the downloading state.
func sampleItem(hash string) types.Item {
	return types.Item{
		Hash:          hash,
		Name:          "item " + hash,
		Progress:      0.25,
		ETA:           3600,
		TotalSize:     4096,
		Remaining:     3072,
		Seeds:         2,
		TotalSeeds:    10,
		Leechers:      1,
		TotalLeechers: 4,
		State:         types.StateDownloading,
		SavePath:      "/downloads//media/",
		AddedOn:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		HasMetadata:   true,
		Files: []types.ItemFile{
			{Path: hash + "/movie.mkv", Size: 4000, Progress: 0.25},
			{Path: hash + "/info.nfo", Size: 96, Progress: 1},
		},
	}
}
