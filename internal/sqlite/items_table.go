package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mesh-intelligence/mirror/internal/sqlq"
	"github.com/mesh-intelligence/mirror/pkg/types"
)

// itemInsertColumns is the column order of InsertItems.
var itemInsertColumns = []string{
	ColName, ColProgress, ColETA, ColSize, ColSeeds, ColTotalSeeds,
	ColLeechers, ColTotalLeechers, ColRemaining, ColAddedOn, ColHash,
	ColStatus, ColSavePath,
}

const selectItemColumns = "id, hash, name, progress, eta, size, seeds, total_seeds, " +
	"leechers, total_leechers, remaining, status, savepath, added_on"

// ItemsTable reads and writes the items table through a Querier.
type ItemsTable struct {
	q Querier
}

// Items returns the items table accessor bound to q.
func Items(q Querier) ItemsTable {
	return ItemsTable{q: q}
}

// ExistingHashes returns the subset of hashes that already have a row.
func (t ItemsTable) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	found := make(map[string]bool)
	err := eachIn(ctx, t.q, "SELECT hash FROM items", ColHash, hashes, func(rows *sql.Rows) error {
		var h string
		if err := rows.Scan(&h); err != nil {
			return err
		}
		found[h] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("selecting existing hashes: %w", err)
	}
	return found, nil
}

// InsertItems writes all items with multi-row INSERTs, as few as the
// variable limit allows. Run it inside a transaction for atomicity.
func (t ItemsTable) InsertItems(ctx context.Context, items []types.Item) error {
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		st, err := types.StatusFor(it.State)
		if err != nil {
			return fmt.Errorf("item %s: %w", it.Hash, err)
		}
		added := it.AddedOn
		if added.IsZero() {
			added = time.Now()
		}
		rows = append(rows, []any{
			it.Name,
			types.Permille(it.Progress),
			it.ETA,
			it.TotalSize,
			it.Seeds,
			it.TotalSeeds,
			it.Leechers,
			it.TotalLeechers,
			it.Remaining,
			added.UTC().Format(time.RFC3339),
			it.Hash,
			st.String(),
			types.UniformPath(it.SavePath),
		})
	}
	stmts, err := sqlq.InsertBatches(TableItems, itemInsertColumns, rows, maxVars)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := t.q.Exec(ctx, stmt.Query, stmt.Args...); err != nil {
			return fmt.Errorf("inserting %d items: %w", len(items), err)
		}
	}
	return nil
}

// IDsByHashes resolves store ids for the given hashes. Hashes without a
// row are absent from the result.
func (t ItemsTable) IDsByHashes(ctx context.Context, hashes []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(hashes))
	err := eachIn(ctx, t.q, "SELECT id, hash FROM items", ColHash, hashes, func(rows *sql.Rows) error {
		var (
			id int64
			h  string
		)
		if err := rows.Scan(&id, &h); err != nil {
			return err
		}
		ids[h] = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("selecting ids: %w", err)
	}
	return ids, nil
}

// IDByHash resolves the store id of one hash.
// Returns ErrNotFound if there is no such row.
func (t ItemsTable) IDByHash(ctx context.Context, hash string) (int64, error) {
	ids, err := t.IDsByHashes(ctx, []string{hash})
	if err != nil {
		return 0, err
	}
	id, ok := ids[hash]
	if !ok {
		return 0, fmt.Errorf("%w: hash %s", types.ErrNotFound, hash)
	}
	return id, nil
}

// SelectByHashes returns snapshots of the rows for the given hashes, keyed
// by hash.
func (t ItemsTable) SelectByHashes(ctx context.Context, hashes []string) (map[string]types.PersistedRow, error) {
	out := make(map[string]types.PersistedRow, len(hashes))
	err := eachIn(ctx, t.q, "SELECT "+selectItemColumns+" FROM items", ColHash, hashes, func(rows *sql.Rows) error {
		r, err := hydrateItem(rows)
		if err != nil {
			return err
		}
		out[r.Hash] = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("selecting items: %w", err)
	}
	return out, nil
}

// hydrateItem copies one result row into a PersistedRow.
func hydrateItem(rows *sql.Rows) (types.PersistedRow, error) {
	var (
		r       types.PersistedRow
		addedOn string
	)
	err := rows.Scan(&r.ID, &r.Hash, &r.Name, &r.Progress, &r.ETA, &r.Size,
		&r.Seeds, &r.TotalSeeds, &r.Leechers, &r.TotalLeechers, &r.Remaining,
		&r.Status, &r.SavePath, &addedOn)
	if err != nil {
		return r, fmt.Errorf("scanning item: %w", err)
	}
	if addedOn != "" {
		if ts, err := time.Parse(time.RFC3339, addedOn); err == nil {
			r.AddedOn = ts
		}
	}
	return r, nil
}

// DeleteByHash removes the row for hash and, by cascade, its files.
func (t ItemsTable) DeleteByHash(ctx context.Context, hash string) (int64, error) {
	n, err := t.q.Exec(ctx, "DELETE FROM items WHERE hash = ?", hash)
	if err != nil {
		return 0, fmt.Errorf("deleting item %s: %w", hash, err)
	}
	return n, nil
}

// UpdateSavePath sets the save path of item id.
func (t ItemsTable) UpdateSavePath(ctx context.Context, id int64, path string) (int64, error) {
	return t.UpdateColumns(ctx, id, []sqlq.Assignment{{Column: ColSavePath, Value: types.UniformPath(path)}})
}

// UpdateColumns applies sets to item id.
func (t ItemsTable) UpdateColumns(ctx context.Context, id int64, sets []sqlq.Assignment) (int64, error) {
	stmt, err := sqlq.Update(TableItems, sets, sqlq.Assignment{Column: "id", Value: id})
	if err != nil {
		return 0, err
	}
	return t.q.Exec(ctx, stmt.Query, stmt.Args...)
}

// StallDownloading marks every item recorded as downloading as stalled.
func (t ItemsTable) StallDownloading(ctx context.Context) (int64, error) {
	return t.q.Exec(ctx, "UPDATE items SET status = ? WHERE status = ?",
		types.StatusStalled.String(), types.StatusDownloading.String())
}

// ResetPeers zeroes the seed and leecher counters of every item.
func (t ItemsTable) ResetPeers(ctx context.Context) (int64, error) {
	return t.q.Exec(ctx,
		"UPDATE items SET seeds = 0, total_seeds = 0, leechers = 0, total_leechers = 0")
}

// CountByStatus returns the number of rows per status label.
func (t ItemsTable) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := t.q.Query(ctx, "SELECT status, COUNT(*) FROM items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting items: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Count returns the number of item rows.
func (t ItemsTable) Count(ctx context.Context) (int, error) {
	counts, err := t.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}
