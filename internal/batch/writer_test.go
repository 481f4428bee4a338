package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mesh-intelligence/mirror/internal/projector"
	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWriter(t *testing.T) (*Writer, *sqlite.Gateway) {
	t.Helper()
	cfg := types.DefaultConfig(filepath.Join(t.TempDir(), "mirror.db"))
	g, err := sqlite.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return NewWriter(g, types.NewPreviewable(nil), nil), g
}

func item(hash, name string) types.Item {
	return types.Item{
		Hash:        hash,
		Name:        name,
		Progress:    0.5,
		State:       types.StateDownloading,
		HasMetadata: true,
		Files: []types.ItemFile{
			{Path: hash + "/a.mkv", Size: 10, Progress: 0.5},
			{Path: hash + "/a.txt", Size: 1, Progress: 0.5},
			{Path: hash + "/b.mp3", Size: 5, Progress: 0.5},
		},
	}
}

func TestInsertNewItemsWritesItemsAndPreviewableFiles(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()

	require.NoError(t, w.InsertNewItems(ctx, []types.Item{item("h1", "A"), item("h2", "B")}))

	n, err := sqlite.Items(g).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := sqlite.Items(g).IDsByHashes(ctx, []string{"h1", "h2"})
	require.NoError(t, err)
	files, err := sqlite.Files(g).SelectByItemIDs(ctx, []int64{ids["h1"], ids["h2"]})
	require.NoError(t, err)
	for _, h := range []string{"h1", "h2"} {
		byIndex := files[ids[h]]
		require.Len(t, byIndex, 2, "only previewable files are stored")
		assert.Equal(t, h+"/a.mkv", byIndex[0].Path)
		assert.Equal(t, h+"/b.mp3", byIndex[2].Path)
		assert.Equal(t, 500, byIndex[2].Progress)
		assert.NotContains(t, byIndex, 1)
	}
}

func TestInsertNewItemsBeyondVariableLimit(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()

	// Enough rows that neither items nor files fit in one statement.
	const n = 3400
	items := make([]types.Item, n)
	for i := range items {
		items[i] = item(fmt.Sprintf("h%05d", i), "bulk")
	}
	require.NoError(t, w.InsertNewItems(ctx, items))

	count, err := sqlite.Items(g).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, count)
	files, err := sqlite.Files(g).Count(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2*n, files)

	err = w.InsertNewItems(ctx, append(items[:0:0], item("h99999", "new"), items[n-1]))
	var exportErr *types.ExportError
	require.ErrorAs(t, err, &exportErr)
	count, err = sqlite.Items(g).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, count, "a failed bulk batch leaves nothing behind")
}

func TestInsertNewItemsRollsBackWholeBatch(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()
	require.NoError(t, w.InsertNewItems(ctx, []types.Item{item("h1", "A")}))

	err := w.InsertNewItems(ctx, []types.Item{item("h2", "B"), item("h1", "A again")})
	var exportErr *types.ExportError
	require.ErrorAs(t, err, &exportErr)

	n, err := sqlite.Items(g).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "h2 must not survive the failed batch")
	files, err := sqlite.Files(g).Count(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, files)
}

func TestInsertNewItemsEmpty(t *testing.T) {
	w, _ := setupWriter(t)
	assert.NoError(t, w.InsertNewItems(context.Background(), nil))
}

func TestInsertNewItemsStoreUnavailable(t *testing.T) {
	w, g := setupWriter(t)
	require.NoError(t, g.Close())

	err := w.InsertNewItems(context.Background(), []types.Item{item("h1", "A")})
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	var exportErr *types.ExportError
	assert.False(t, errors.As(err, &exportErr))
}

// seedThree inserts items with ids 1, 2, 3 and returns the file id of
// index 0 of item 2.
func seedThree(t *testing.T, w *Writer, g *sqlite.Gateway) int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, w.InsertNewItems(ctx, []types.Item{item("h1", "A"), item("h2", "M"), item("h3", "C")}))
	ids, err := sqlite.Items(g).IDsByHashes(ctx, []string{"h1", "h2", "h3"})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"h1": 1, "h2": 2, "h3": 3}, ids)

	files, err := sqlite.Files(g).SelectByItemIDs(ctx, []int64{2})
	require.NoError(t, err)
	return files[2][0].ID
}

func TestUpdateChangedItemsIsolatesFailingItem(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()
	fileID := seedThree(t, w, g)

	report, err := w.UpdateChangedItems(ctx,
		map[int64]projector.ChangeSet{
			1: {sqlite.ColName: "B"},
			2: {sqlite.ColName: "written then undone"},
			3: {sqlite.ColProgress: 600},
		},
		map[int64]map[int64]projector.ChangeSet{
			2: {fileID: {"no_such_column": 1}},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SuccessCount())
	assert.Equal(t, []int64{1, 3}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, int64(2), report.Failed[0].ItemID)

	rows, err := sqlite.Items(g).SelectByHashes(ctx, []string{"h1", "h2", "h3"})
	require.NoError(t, err)
	assert.Equal(t, "B", rows["h1"].Name)
	assert.Equal(t, "M", rows["h2"].Name, "partial writes of the failed item are rolled back")
	assert.Equal(t, 600, rows["h3"].Progress)
}

func TestUpdateChangedItemsInvalidItemColumn(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()
	seedThree(t, w, g)

	report, err := w.UpdateChangedItems(ctx, map[int64]projector.ChangeSet{
		1: {sqlite.ColName: "B"},
		2: {"invalid_column": "x"},
		3: {sqlite.ColProgress: 600},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SuccessCount())
}

func TestUpdateChangedItemsAppliesFileOnlyChanges(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()
	fileID := seedThree(t, w, g)

	report, err := w.UpdateChangedItems(ctx, nil, map[int64]map[int64]projector.ChangeSet{
		2: {fileID: {sqlite.ColProgress: 1000}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, report.Succeeded)

	files, err := sqlite.Files(g).SelectByItemIDs(ctx, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, 1000, files[2][0].Progress)
}

func TestUpdateChangedItemsFileChangeScopedToParent(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()
	fileID := seedThree(t, w, g)

	_, err := w.UpdateChangedItems(ctx, nil, map[int64]map[int64]projector.ChangeSet{
		3: {fileID: {sqlite.ColProgress: 1000}},
	})
	require.NoError(t, err)

	files, err := sqlite.Files(g).SelectByItemIDs(ctx, []int64{2})
	require.NoError(t, err)
	assert.Equal(t, 500, files[2][0].Progress, "a file of item 2 is not written through item 3")
}

func TestUpdateChangedItemsAllFailIsFatal(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()
	seedThree(t, w, g)

	report, err := w.UpdateChangedItems(ctx, map[int64]projector.ChangeSet{
		1: {"nope": 1},
		3: {"nope": 3},
	}, nil)
	var fatal *types.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 2, fatal.Attempted)
	assert.ErrorIs(t, err, types.ErrAllUpdates)
	assert.Zero(t, report.SuccessCount())
	assert.Len(t, report.Failed, 2)
}

func TestUpdateChangedItemsEmptyBatch(t *testing.T) {
	w, _ := setupWriter(t)
	report, err := w.UpdateChangedItems(context.Background(),
		map[int64]projector.ChangeSet{1: {}},
		map[int64]map[int64]projector.ChangeSet{2: {9: {}}},
	)
	require.NoError(t, err)
	assert.Zero(t, report.SuccessCount())
	assert.Empty(t, report.Failed)
}

func TestUpdateChangedItemsMissingRowIsNotAFailure(t *testing.T) {
	w, g := setupWriter(t)
	ctx := context.Background()
	seedThree(t, w, g)

	report, err := w.UpdateChangedItems(ctx, map[int64]projector.ChangeSet{
		1:  {sqlite.ColName: "B"},
		42: {sqlite.ColName: "gone"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, report.Succeeded, "zero rows affected is not a driver failure")
}
