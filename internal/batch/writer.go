// Package batch writes new items with multi-row inserts and applies change
// sets inside one transaction with a savepoint per item.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/mirror/internal/projector"
	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
)

// Beginner starts store transactions. *sqlite.Gateway implements it.
type Beginner interface {
	Begin(ctx context.Context) (*sqlite.Tx, error)
}

// Writer is the batch writer.
type Writer struct {
	store   Beginner
	preview types.Previewable
	logger  *slog.Logger
}

// NewWriter returns a Writer that inserts only the files accepted by
// preview.
func NewWriter(store Beginner, preview types.Previewable, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{store: store, preview: preview, logger: logger}
}

// UpdateReport describes the outcome of an update batch.
type UpdateReport struct {
	// Succeeded lists item ids whose updates were kept, ascending.
	Succeeded []int64
	// Failed lists the items rolled back to their savepoints.
	Failed []*types.RecoverableError
}

// SuccessCount returns the number of items whose updates were kept.
func (r UpdateReport) SuccessCount() int {
	return len(r.Succeeded)
}

// batchID returns an id that ties together the log lines of one batch.
func batchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// begin starts a transaction, keeping store unavailability distinguishable
// from statement failures.
func (w *Writer) begin(ctx context.Context, op string) (*sqlite.Tx, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		if errors.Is(err, types.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, &types.ExportError{Op: op, Err: err}
	}
	return tx, nil
}

// InsertNewItems inserts items with one multi-row INSERT and their
// previewable files with a second one, in a single transaction. Any failure
// rolls back both and returns an *types.ExportError.
func (w *Writer) InsertNewItems(ctx context.Context, items []types.Item) error {
	if len(items) == 0 {
		return nil
	}
	const op = "insert new items"
	id := batchID()

	tx, err := w.begin(ctx, op)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := sqlite.Items(tx).InsertItems(ctx, items); err != nil {
		return &types.ExportError{Op: op, Err: err}
	}

	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = it.Hash
	}
	ids, err := sqlite.Items(tx).IDsByHashes(ctx, hashes)
	if err != nil {
		return &types.ExportError{Op: op, Err: err}
	}

	var files []types.PersistedFile
	for _, it := range items {
		itemID, ok := ids[it.Hash]
		if !ok {
			return &types.ExportError{Op: op, Err: fmt.Errorf("%w: inserted hash %s", types.ErrNotFound, it.Hash)}
		}
		for _, idx := range w.preview.FileIndexes(it) {
			f := it.Files[idx]
			files = append(files, types.PersistedFile{
				ItemID:    itemID,
				FileIndex: idx,
				Path:      f.Path,
				Size:      f.Size,
				Progress:  types.Permille(f.Progress),
			})
		}
	}
	if len(files) > 0 {
		if err := sqlite.Files(tx).InsertFiles(ctx, files); err != nil {
			return &types.ExportError{Op: op, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.ExportError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	w.logger.Info("inserted items", "batch", id, "items", len(items), "files", len(files))
	return nil
}

// UpdateChangedItems applies item and file change sets in one transaction.
// Items are processed in ascending id order, each inside its own savepoint;
// a failing item is rolled back to its savepoint and the batch continues.
// If no item succeeds the batch is abandoned with a *types.FatalError.
func (w *Writer) UpdateChangedItems(
	ctx context.Context,
	itemChanges map[int64]projector.ChangeSet,
	fileChanges map[int64]map[int64]projector.ChangeSet,
) (UpdateReport, error) {
	var report UpdateReport
	ids := unionIDs(itemChanges, fileChanges)
	if len(ids) == 0 {
		return report, nil
	}
	const op = "update changed items"
	id := batchID()

	tx, err := w.begin(ctx, op)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()

	var lastErr error
	for _, itemID := range ids {
		if err := w.updateItem(ctx, tx, itemID, itemChanges[itemID], fileChanges[itemID]); err != nil {
			lastErr = err
			report.Failed = append(report.Failed, &types.RecoverableError{ItemID: itemID, Err: err})
			w.logger.Warn("item update rolled back", "batch", id, "item", itemID, "err", err)
			continue
		}
		report.Succeeded = append(report.Succeeded, itemID)
	}

	if report.SuccessCount() == 0 {
		return report, &types.FatalError{
			Attempted: len(ids),
			Err:       errors.Join(types.ErrAllUpdates, lastErr),
		}
	}

	if err := tx.Commit(); err != nil {
		return UpdateReport{}, &types.ExportError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	w.logger.Debug("updated items", "batch", id,
		"succeeded", report.SuccessCount(), "failed", len(report.Failed))
	return report, nil
}

// updateItem applies one item's changes under savepoint item_<id>.
func (w *Writer) updateItem(
	ctx context.Context,
	tx *sqlite.Tx,
	itemID int64,
	cs projector.ChangeSet,
	files map[int64]projector.ChangeSet,
) error {
	sp := fmt.Sprintf("item_%d", itemID)
	if err := tx.Savepoint(ctx, sp); err != nil {
		return err
	}

	if err := applyItem(ctx, tx, itemID, cs, files); err != nil {
		if rbErr := tx.RollbackTo(ctx, sp); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if relErr := tx.Release(ctx, sp); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	return tx.Release(ctx, sp)
}

func applyItem(
	ctx context.Context,
	tx *sqlite.Tx,
	itemID int64,
	cs projector.ChangeSet,
	files map[int64]projector.ChangeSet,
) error {
	if !cs.Empty() {
		if _, err := sqlite.Items(tx).UpdateColumns(ctx, itemID, cs.Assignments()); err != nil {
			return fmt.Errorf("updating item: %w", err)
		}
	}
	fileIDs := make([]int64, 0, len(files))
	for fid := range files {
		fileIDs = append(fileIDs, fid)
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })
	for _, fid := range fileIDs {
		fcs := files[fid]
		if fcs.Empty() {
			continue
		}
		if _, err := sqlite.Files(tx).UpdateColumns(ctx, itemID, fid, fcs.Assignments()); err != nil {
			return fmt.Errorf("updating file %d: %w", fid, err)
		}
	}
	return nil
}

// unionIDs returns every item id with item or file changes, ascending.
// Empty change sets do not count.
func unionIDs(items map[int64]projector.ChangeSet, files map[int64]map[int64]projector.ChangeSet) []int64 {
	seen := make(map[int64]bool)
	for id, cs := range items {
		if !cs.Empty() {
			seen[id] = true
		}
	}
	for id, fs := range files {
		for _, cs := range fs {
			if !cs.Empty() {
				seen[id] = true
				break
			}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
