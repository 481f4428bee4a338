package projector

import (
	"testing"

	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveItem() types.Item {
	return types.Item{
		Hash:          "aa",
		Name:          "Movie",
		Progress:      0.5,
		ETA:           60,
		TotalSize:     1000,
		Remaining:     500,
		Seeds:         3,
		TotalSeeds:    9,
		Leechers:      2,
		TotalLeechers: 5,
		State:         types.StateDownloading,
		HasMetadata:   true,
		Files: []types.ItemFile{
			{Path: "Movie/movie.mkv", Size: 900, Progress: 0.5},
			{Path: "Movie/readme.txt", Size: 100, Progress: 0.5},
			{Path: "Movie/extra.mp4", Size: 0, Progress: 0},
		},
	}
}

// matchingRow returns the persisted row that equals liveItem exactly.
func matchingRow() types.PersistedRow {
	return types.PersistedRow{
		ID:            7,
		Hash:          "aa",
		Name:          "Movie",
		Progress:      500,
		ETA:           60,
		Size:          1000,
		Seeds:         3,
		TotalSeeds:    9,
		Leechers:      2,
		TotalLeechers: 5,
		Remaining:     500,
		Status:        "Downloading",
	}
}

func matchingFiles() map[int]types.PersistedFile {
	return map[int]types.PersistedFile{
		0: {ID: 70, ItemID: 7, FileIndex: 0, Path: "Movie/movie.mkv", Size: 900, Progress: 500},
		2: {ID: 72, ItemID: 7, FileIndex: 2, Path: "Movie/extra.mp4", Size: 0, Progress: 0},
	}
}

func newProjector() *Projector {
	return New(types.NewPreviewable(nil))
}

func TestDiffItemAllEqualIsEmpty(t *testing.T) {
	cs, err := newProjector().DiffItem(liveItem(), matchingRow())
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestDiffItemAllDifferentHasEveryColumn(t *testing.T) {
	row := types.PersistedRow{ID: 7, Hash: "aa", Name: "Old", Progress: 1, ETA: 1, Size: 1,
		Seeds: 1, TotalSeeds: 1, Leechers: 1, TotalLeechers: 1, Remaining: 1, Status: "Paused"}

	cs, err := newProjector().DiffItem(liveItem(), row)
	require.NoError(t, err)
	assert.ElementsMatch(t, ItemColumns, cs.Columns())
	assert.Equal(t, ItemColumns, cs.Columns(), "columns come back in canonical order")
	assert.Equal(t, "Movie", cs[sqlite.ColName])
	assert.Equal(t, 500, cs[sqlite.ColProgress])
	assert.Equal(t, "Downloading", cs[sqlite.ColStatus])
}

func TestDiffItemOnlyChangedColumns(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(it *types.Item)
		want   ChangeSet
	}{
		{
			name:   "name",
			mutate: func(it *types.Item) { it.Name = "Renamed" },
			want:   ChangeSet{sqlite.ColName: "Renamed"},
		},
		{
			name:   "progress below rounding step is not a change",
			mutate: func(it *types.Item) { it.Progress = 0.5002 },
			want:   ChangeSet{},
		},
		{
			name:   "progress to completion",
			mutate: func(it *types.Item) { it.Progress = 0.99996 },
			want:   ChangeSet{sqlite.ColProgress: 1000},
		},
		{
			name:   "seed counters",
			mutate: func(it *types.Item) { it.Seeds, it.TotalLeechers = 0, 6 },
			want:   ChangeSet{sqlite.ColSeeds: 0, sqlite.ColTotalLeechers: 6},
		},
		{
			name:   "state within the same status is not a change",
			mutate: func(it *types.Item) { it.State = types.StateDownloadingMetadata },
			want:   ChangeSet{},
		},
		{
			name:   "state into another status",
			mutate: func(it *types.Item) { it.State = types.StateStalledUploading },
			want:   ChangeSet{sqlite.ColStatus: "Finished"},
		},
		{
			name:   "save path is not tracked",
			mutate: func(it *types.Item) { it.SavePath = "/elsewhere" },
			want:   ChangeSet{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := liveItem()
			tt.mutate(&it)
			cs, err := newProjector().DiffItem(it, matchingRow())
			require.NoError(t, err)
			assert.Equal(t, tt.want, cs)
		})
	}
}

func TestDiffItemUnmappedState(t *testing.T) {
	it := liveItem()
	it.State = "nonsense"
	_, err := newProjector().DiffItem(it, matchingRow())
	assert.ErrorIs(t, err, types.ErrUnmappedState)
}

func TestDiffFiles(t *testing.T) {
	p := newProjector()

	t.Run("no changes", func(t *testing.T) {
		assert.Empty(t, p.DiffFiles(liveItem(), matchingFiles()))
	})

	t.Run("keyed by file id and limited to changed columns", func(t *testing.T) {
		it := liveItem()
		it.Files[0].Progress = 1
		it.Files[2].Path = "Movie/renamed.mp4"
		it.Files[2].Size = 42

		got := p.DiffFiles(it, matchingFiles())
		assert.Equal(t, map[int64]ChangeSet{
			70: {sqlite.ColProgress: 1000},
			72: {sqlite.ColFilePath: "Movie/renamed.mp4", sqlite.ColSize: int64(42)},
		}, got)
	})

	t.Run("non previewable files are ignored", func(t *testing.T) {
		it := liveItem()
		it.Files[1].Size = 12345
		files := matchingFiles()
		files[1] = types.PersistedFile{ID: 71, ItemID: 7, FileIndex: 1, Path: "Movie/readme.txt", Size: 100, Progress: 500}
		assert.Empty(t, p.DiffFiles(it, files))
	})

	t.Run("files without a row are skipped", func(t *testing.T) {
		it := liveItem()
		it.Files[0].Size = 1
		assert.Empty(t, p.DiffFiles(it, map[int]types.PersistedFile{}))
	})
}

func TestProject(t *testing.T) {
	p := newProjector()

	changed := liveItem()
	changed.Name = "New name"

	filesOnly := liveItem()
	filesOnly.Hash = "bb"
	filesOnly.Files[0].Progress = 0.75
	rowB := matchingRow()
	rowB.ID, rowB.Hash = 8, "bb"

	unchanged := liveItem()
	unchanged.Hash = "cc"
	rowC := matchingRow()
	rowC.ID, rowC.Hash = 9, "cc"

	broken := liveItem()
	broken.Hash = "dd"
	broken.State = "???"
	rowD := matchingRow()
	rowD.ID, rowD.Hash = 10, "dd"

	notStored := liveItem()
	notStored.Hash = "ee"

	filesB := map[int]types.PersistedFile{
		0: {ID: 80, ItemID: 8, FileIndex: 0, Path: "Movie/movie.mkv", Size: 900, Progress: 500},
	}

	pr := p.Project(
		[]types.Item{changed, filesOnly, unchanged, broken, notStored},
		map[string]types.PersistedRow{"aa": matchingRow(), "bb": rowB, "cc": rowC, "dd": rowD},
		map[int64]map[int]types.PersistedFile{7: matchingFiles(), 8: filesB},
	)

	assert.False(t, pr.Empty())
	assert.Equal(t, map[int64]ChangeSet{7: {sqlite.ColName: "New name"}}, pr.Items)
	assert.Equal(t, map[int64]map[int64]ChangeSet{8: {80: {sqlite.ColProgress: 750}}}, pr.Files)
	assert.Equal(t, map[int64]string{7: "aa", 8: "bb"}, pr.Hashes)
	assert.Equal(t, []int64{7, 8}, pr.IDs())
	assert.Equal(t, []string{"ee"}, pr.Missing)
	require.Contains(t, pr.Failed, "dd")
	assert.ErrorIs(t, pr.Failed["dd"], types.ErrUnmappedState)
}

func TestChangeSetColumnOrder(t *testing.T) {
	cs := ChangeSet{"zeta": 1, sqlite.ColStatus: "x", "alpha": 2, sqlite.ColName: "n"}
	assert.Equal(t, []string{sqlite.ColName, sqlite.ColStatus, "alpha", "zeta"}, cs.Columns())

	as := cs.Assignments()
	require.Len(t, as, 4)
	assert.Equal(t, sqlite.ColName, as[0].Column)
	assert.Equal(t, "n", as[0].Value)
}
