package projector

import (
	"sort"

	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/internal/sqlq"
)

// ItemColumns are the tracked item columns, in comparison and binding order.
var ItemColumns = []string{
	sqlite.ColName,
	sqlite.ColProgress,
	sqlite.ColETA,
	sqlite.ColSize,
	sqlite.ColSeeds,
	sqlite.ColTotalSeeds,
	sqlite.ColLeechers,
	sqlite.ColTotalLeechers,
	sqlite.ColRemaining,
	sqlite.ColStatus,
}

// FileColumns are the tracked file columns, in comparison and binding order.
var FileColumns = []string{
	sqlite.ColFilePath,
	sqlite.ColSize,
	sqlite.ColProgress,
}

var columnRank = func() map[string]int {
	rank := make(map[string]int)
	for _, cols := range [][]string{ItemColumns, FileColumns} {
		for _, c := range cols {
			if _, ok := rank[c]; !ok {
				rank[c] = len(rank)
			}
		}
	}
	return rank
}()

// ChangeSet maps a column to its new value. Only differing columns are
// present.
type ChangeSet map[string]any

// Empty reports whether the change set has no columns.
func (c ChangeSet) Empty() bool {
	return len(c) == 0
}

// Columns returns the changed columns in canonical order: tracked columns
// first in their declared order, anything else after, alphabetically.
func (c ChangeSet) Columns() []string {
	cols := make([]string, 0, len(c))
	for col := range c {
		cols = append(cols, col)
	}
	sort.Slice(cols, func(i, j int) bool {
		ri, iok := columnRank[cols[i]]
		rj, jok := columnRank[cols[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return cols[i] < cols[j]
		}
	})
	return cols
}

// Assignments returns the change set as ordered SET pairs.
func (c ChangeSet) Assignments() []sqlq.Assignment {
	cols := c.Columns()
	out := make([]sqlq.Assignment, len(cols))
	for i, col := range cols {
		out[i] = sqlq.Assignment{Column: col, Value: c[col]}
	}
	return out
}
