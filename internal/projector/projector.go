// Package projector computes column-level change sets between live work
// item snapshots and their persisted rows. It performs no I/O.
package projector

import (
	"sort"

	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
)

// Projector diffs items and their previewable files.
type Projector struct {
	preview types.Previewable
}

// New returns a Projector that only considers files accepted by preview.
func New(preview types.Previewable) *Projector {
	return &Projector{preview: preview}
}

// DiffItem returns the tracked columns whose live value differs from the
// persisted one. Progress and status are normalized first.
// Returns ErrUnmappedState if the item's state has no status.
func (p *Projector) DiffItem(updated types.Item, persisted types.PersistedRow) (ChangeSet, error) {
	status, err := types.StatusFor(updated.State)
	if err != nil {
		return nil, err
	}

	cs := ChangeSet{}
	set := func(col string, changed bool, v any) {
		if changed {
			cs[col] = v
		}
	}
	progress := types.Permille(updated.Progress)

	set(sqlite.ColName, updated.Name != persisted.Name, updated.Name)
	set(sqlite.ColProgress, progress != persisted.Progress, progress)
	set(sqlite.ColETA, updated.ETA != persisted.ETA, updated.ETA)
	set(sqlite.ColSize, updated.TotalSize != persisted.Size, updated.TotalSize)
	set(sqlite.ColSeeds, updated.Seeds != persisted.Seeds, updated.Seeds)
	set(sqlite.ColTotalSeeds, updated.TotalSeeds != persisted.TotalSeeds, updated.TotalSeeds)
	set(sqlite.ColLeechers, updated.Leechers != persisted.Leechers, updated.Leechers)
	set(sqlite.ColTotalLeechers, updated.TotalLeechers != persisted.TotalLeechers, updated.TotalLeechers)
	set(sqlite.ColRemaining, updated.Remaining != persisted.Remaining, updated.Remaining)
	set(sqlite.ColStatus, status.String() != persisted.Status, status.String())

	return cs, nil
}

// DiffFiles compares every previewable file of updated with its persisted
// row, matched by file index. The result is keyed by persisted file id and
// holds only files with at least one changed column. Previewable files
// without a persisted row are ignored.
func (p *Projector) DiffFiles(updated types.Item, persisted map[int]types.PersistedFile) map[int64]ChangeSet {
	out := make(map[int64]ChangeSet)
	for _, idx := range p.preview.FileIndexes(updated) {
		row, ok := persisted[idx]
		if !ok {
			continue
		}
		f := updated.Files[idx]
		progress := types.Permille(f.Progress)

		cs := ChangeSet{}
		if f.Path != row.Path {
			cs[sqlite.ColFilePath] = f.Path
		}
		if f.Size != row.Size {
			cs[sqlite.ColSize] = f.Size
		}
		if progress != row.Progress {
			cs[sqlite.ColProgress] = progress
		}
		if !cs.Empty() {
			out[row.ID] = cs
		}
	}
	return out
}

// Projection is the result of diffing one update batch.
type Projection struct {
	// Items holds item-level change sets keyed by item id.
	Items map[int64]ChangeSet
	// Files holds file-level change sets keyed by item id, then file id.
	Files map[int64]map[int64]ChangeSet
	// Hashes maps every item id with changes back to its hash.
	Hashes map[int64]string
	// Missing lists hashes that had no persisted row.
	Missing []string
	// Failed maps hashes that could not be diffed to the reason.
	Failed map[string]error
}

// Empty reports whether no item or file changed.
func (pr Projection) Empty() bool {
	return len(pr.Items) == 0 && len(pr.Files) == 0
}

// IDs returns the ids of every item with item or file changes, ascending.
func (pr Projection) IDs() []int64 {
	ids := make([]int64, 0, len(pr.Hashes))
	for id := range pr.Hashes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Project diffs a batch of updated items against their persisted rows
// (keyed by hash) and persisted files (keyed by item id, then file index).
func (p *Projector) Project(
	updated []types.Item,
	rows map[string]types.PersistedRow,
	files map[int64]map[int]types.PersistedFile,
) Projection {
	pr := Projection{
		Items:  make(map[int64]ChangeSet),
		Files:  make(map[int64]map[int64]ChangeSet),
		Hashes: make(map[int64]string),
		Failed: make(map[string]error),
	}
	for _, it := range updated {
		row, ok := rows[it.Hash]
		if !ok {
			pr.Missing = append(pr.Missing, it.Hash)
			continue
		}
		cs, err := p.DiffItem(it, row)
		if err != nil {
			pr.Failed[it.Hash] = err
			continue
		}
		fcs := p.DiffFiles(it, files[row.ID])
		if !cs.Empty() {
			pr.Items[row.ID] = cs
		}
		if len(fcs) > 0 {
			pr.Files[row.ID] = fcs
		}
		if !cs.Empty() || len(fcs) > 0 {
			pr.Hashes[row.ID] = it.Hash
		}
	}
	return pr
}
