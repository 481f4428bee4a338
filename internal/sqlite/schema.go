package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/mirror/pkg/types"
)

// Table names.
const (
	TableItems     = "items"
	TableItemFiles = "item_files"
)

// Item columns, in insert order.
const (
	ColName          = "name"
	ColProgress      = "progress"
	ColETA           = "eta"
	ColSize          = "size"
	ColSeeds         = "seeds"
	ColTotalSeeds    = "total_seeds"
	ColLeechers      = "leechers"
	ColTotalLeechers = "total_leechers"
	ColRemaining     = "remaining"
	ColAddedOn       = "added_on"
	ColHash          = "hash"
	ColStatus        = "status"
	ColSavePath      = "savepath"
)

// File columns, in insert order.
const (
	ColItemID    = "item_id"
	ColFileIndex = "file_index"
	ColFilePath  = "filepath"
)

// Schema DDL. The status column stores the status text label and is
// constrained to the known labels.
var (
	createItems = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 1000),
    eta INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    seeds INTEGER NOT NULL DEFAULT 0,
    total_seeds INTEGER NOT NULL DEFAULT 0,
    leechers INTEGER NOT NULL DEFAULT 0,
    total_leechers INTEGER NOT NULL DEFAULT 0,
    remaining INTEGER NOT NULL DEFAULT 0,
    added_on TEXT NOT NULL,
    hash TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL CHECK (status IN (%s)),
    savepath TEXT NOT NULL DEFAULT ''
);`, statusLabels())

	createItemFiles = `CREATE TABLE IF NOT EXISTS item_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER NOT NULL,
    file_index INTEGER NOT NULL,
    filepath TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 1000),
    UNIQUE (item_id, file_index),
    FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
);`
)

const (
	idxItemsStatus   = `CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);`
	idxItemFilesItem = `CREATE INDEX IF NOT EXISTS idx_item_files_item ON item_files(item_id);`
)

// schemaDDL lists all CREATE TABLE statements in dependency order.
var schemaDDL = []string{
	createItems,
	createItemFiles,
}

// indexDDL lists all CREATE INDEX statements.
var indexDDL = []string{
	idxItemsStatus,
	idxItemFilesItem,
}

// statusLabels renders the status text labels as a quoted SQL list.
func statusLabels() string {
	all := types.Statuses()
	quoted := make([]string, len(all))
	for i, s := range all {
		quoted[i] = "'" + s.String() + "'"
	}
	return strings.Join(quoted, ", ")
}

// createSchema runs every DDL statement. It is idempotent.
func createSchema(ctx context.Context, db *sql.DB) error {
	for _, ddl := range append(append([]string{}, schemaDDL...), indexDDL...) {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}
