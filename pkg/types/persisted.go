package types

import "time"

// PersistedRow is the last known stored state of one item. Values are
// copied out of the query result; nothing references the cursor.
type PersistedRow struct {
	ID            int64
	Hash          string
	Name          string
	Progress      int
	ETA           int64
	Size          int64
	Seeds         int
	TotalSeeds    int
	Leechers      int
	TotalLeechers int
	Remaining     int64
	Status        string
	SavePath      string
	AddedOn       time.Time
}

// PersistedFile is the stored state of one previewable file.
type PersistedFile struct {
	ID        int64
	ItemID    int64
	FileIndex int
	Path      string
	Size      int64
	Progress  int
}
