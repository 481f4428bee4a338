package types

import (
	"path/filepath"
	"strings"
	"time"
)

// Item is a read-only snapshot of one work item as reported by the upstream
// session. Hash is the durable identity; everything else is observable
// state that may change between snapshots.
type Item struct {
	Hash          string     `json:"hash"`
	Name          string     `json:"name"`
	Progress      float64    `json:"progress"` // Completion ratio in [0, 1].
	ETA           int64      `json:"eta"`      // Seconds.
	TotalSize     int64      `json:"size"`
	Remaining     int64      `json:"remaining"`
	Seeds         int        `json:"seeds"`
	TotalSeeds    int        `json:"total_seeds"`
	Leechers      int        `json:"leechers"`
	TotalLeechers int        `json:"total_leechers"`
	State         State      `json:"state"`
	SavePath      string     `json:"savepath"`
	AddedOn       time.Time  `json:"added_on"`
	HasMetadata   bool       `json:"has_metadata"`
	Files         []ItemFile `json:"files"`
}

// ItemFile is one file of an Item. Its index in Item.Files is the stable
// file index used as the persisted file_index.
type ItemFile struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}

// DefaultPreviewableExtensions lists the media extensions (upper case,
// without the dot) that make a file previewable.
var DefaultPreviewableExtensions = []string{
	"3GP", "AAC", "AC3", "AIF", "AIFC", "AIFF", "ASF", "AU", "AVI", "FLAC",
	"FLV", "M3U", "M4A", "M4P", "M4V", "MID", "MKV", "MOV", "MP2", "MP3",
	"MP4", "MPC", "MPE", "MPEG", "MPG", "MPP", "OGG", "OGM", "OGV", "QT",
	"RA", "RAM", "RM", "RMV", "RMVB", "SWA", "SWF", "TS", "VOB", "WAV",
	"WEBM", "WMA", "WMV",
}

// Previewable is the extension allow-list that decides which files, and
// therefore which items, are tracked at all.
type Previewable struct {
	exts map[string]bool
}

// NewPreviewable builds an allow-list from extensions. Case and a leading
// dot are ignored. An empty list selects DefaultPreviewableExtensions.
func NewPreviewable(extensions []string) Previewable {
	if len(extensions) == 0 {
		extensions = DefaultPreviewableExtensions
	}
	p := Previewable{exts: make(map[string]bool, len(extensions))}
	for _, e := range extensions {
		e = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			p.exts[e] = true
		}
	}
	return p
}

// File reports whether path has a previewable extension.
func (p Previewable) File(path string) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return false
	}
	return p.exts[strings.ToUpper(ext)]
}

// Item reports whether it has metadata and at least one previewable file.
func (p Previewable) Item(it Item) bool {
	if !it.HasMetadata {
		return false
	}
	for _, f := range it.Files {
		if p.File(f.Path) {
			return true
		}
	}
	return false
}

// FileIndexes returns the indexes of the previewable files of it, ascending.
func (p Previewable) FileIndexes(it Item) []int {
	var idx []int
	for i, f := range it.Files {
		if p.File(f.Path) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Filter returns the previewable items of items, preserving order.
func (p Previewable) Filter(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if p.Item(it) {
			out = append(out, it)
		}
	}
	return out
}

// UniformPath cleans path and converts separators to forward slashes.
func UniformPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(path))
}
