package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mesh-intelligence/mirror/internal/sqlq"
	"github.com/mesh-intelligence/mirror/pkg/types"
)

// fileInsertColumns is the column order of InsertFiles.
var fileInsertColumns = []string{ColItemID, ColFileIndex, ColFilePath, ColSize, ColProgress}

// FilesTable reads and writes the item_files table through a Querier.
type FilesTable struct {
	q Querier
}

// Files returns the item_files accessor bound to q.
func Files(q Querier) FilesTable {
	return FilesTable{q: q}
}

// InsertFiles writes all files with multi-row INSERTs, as few as the
// variable limit allows. File ids are assigned by the store.
func (t FilesTable) InsertFiles(ctx context.Context, files []types.PersistedFile) error {
	rows := make([][]any, len(files))
	for i, f := range files {
		rows[i] = []any{f.ItemID, f.FileIndex, f.Path, f.Size, f.Progress}
	}
	stmts, err := sqlq.InsertBatches(TableItemFiles, fileInsertColumns, rows, maxVars)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := t.q.Exec(ctx, stmt.Query, stmt.Args...); err != nil {
			return fmt.Errorf("inserting %d files: %w", len(files), err)
		}
	}
	return nil
}

// SelectByItemIDs returns file snapshots grouped by item id, then keyed by
// file index.
func (t FilesTable) SelectByItemIDs(ctx context.Context, itemIDs []int64) (map[int64]map[int]types.PersistedFile, error) {
	out := make(map[int64]map[int]types.PersistedFile, len(itemIDs))
	err := eachIn(ctx, t.q, "SELECT id, item_id, file_index, filepath, size, progress FROM item_files",
		ColItemID, itemIDs, func(rows *sql.Rows) error {
			var f types.PersistedFile
			if err := rows.Scan(&f.ID, &f.ItemID, &f.FileIndex, &f.Path, &f.Size, &f.Progress); err != nil {
				return fmt.Errorf("scanning file: %w", err)
			}
			byIndex, ok := out[f.ItemID]
			if !ok {
				byIndex = make(map[int]types.PersistedFile)
				out[f.ItemID] = byIndex
			}
			byIndex[f.FileIndex] = f
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("selecting files: %w", err)
	}
	return out, nil
}

// UpdateColumns applies sets to file id of item itemID. A file id that
// belongs to another item matches no row.
func (t FilesTable) UpdateColumns(ctx context.Context, itemID, id int64, sets []sqlq.Assignment) (int64, error) {
	stmt, err := sqlq.Update(TableItemFiles, sets,
		sqlq.Assignment{Column: "id", Value: id},
		sqlq.Assignment{Column: ColItemID, Value: itemID})
	if err != nil {
		return 0, err
	}
	return t.q.Exec(ctx, stmt.Query, stmt.Args...)
}

// Count returns the number of file rows, or of rows for one item when
// itemID is positive.
func (t FilesTable) Count(ctx context.Context, itemID int64) (int, error) {
	query, args := "SELECT COUNT(*) FROM item_files", []any{}
	if itemID > 0 {
		query, args = query+" WHERE item_id = ?", []any{itemID}
	}
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("counting files: %w", err)
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}
