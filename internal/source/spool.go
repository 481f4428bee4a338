// Package source turns a spool directory of work-item snapshots into
// lifecycle events. Each file is named <hash>.json and holds one
// types.Item encoded as JSON. Writers should replace files atomically.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mesh-intelligence/mirror/internal/logging"
	"github.com/mesh-intelligence/mirror/pkg/types"
)

const snapshotExt = ".json"

// DefaultUpdateInterval is the default period between ItemsUpdated batches.
const DefaultUpdateInterval = time.Second

// Spool watches one directory. It is not safe for concurrent use; Run owns
// all of its state.
type Spool struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger

	known map[string]types.Item
	dirty map[string]types.Item
}

// NewSpool returns a spool over dir that batches updates every interval.
func NewSpool(dir string, interval time.Duration, logger *slog.Logger) *Spool {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Spool{
		dir:      dir,
		interval: interval,
		logger:   logger,
		known:    make(map[string]types.Item),
		dirty:    make(map[string]types.Item),
	}
}

// Run watches the directory and sends events to out until ctx is done.
// Snapshots already present are replayed as ItemAdded first.
func (s *Spool) Run(ctx context.Context, out chan<- types.Event) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	if err := s.replay(ctx, out); err != nil {
		return err
	}
	s.logger.Info("spool watching", "dir", s.dir, "items", len(s.known))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, ev, out); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", "err", err)
		case <-ticker.C:
			if err := s.flushUpdates(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (s *Spool) replay(ctx context.Context, out chan<- types.Event) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read spool dir: %w", err)
	}
	for _, e := range entries {
		hash, ok := hashOf(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		it, err := s.read(hash)
		if err != nil {
			s.logger.Warn("snapshot skipped", "hash", hash, "err", err)
			continue
		}
		s.known[hash] = it
		if err := send(ctx, out, types.ItemAdded(it)); err != nil {
			return nil
		}
	}
	return nil
}

// handle maps one filesystem event. A context error ends Run quietly.
func (s *Spool) handle(ctx context.Context, ev fsnotify.Event, out chan<- types.Event) error {
	hash, ok := hashOf(filepath.Base(ev.Name))
	if !ok {
		return nil
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, seen := s.known[hash]; !seen {
			return nil
		}
		delete(s.known, hash)
		delete(s.dirty, hash)
		return quiet(send(ctx, out, types.ItemDeleted(hash)))
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return nil
	}

	it, err := s.read(hash)
	if err != nil {
		// A partial write decodes badly; the next write event retries.
		s.logger.Debug("snapshot unreadable", "hash", hash, "err", err)
		return nil
	}
	prev, seen := s.known[hash]
	s.known[hash] = it
	if !seen {
		return quiet(send(ctx, out, types.ItemAdded(it)))
	}
	if types.UniformPath(prev.SavePath) != types.UniformPath(it.SavePath) {
		if err := send(ctx, out, types.ItemMoved(it, it.SavePath)); err != nil {
			return nil
		}
	}
	s.dirty[hash] = it
	return nil
}

// flushUpdates sends the queued updates as one batch, ordered by hash.
func (s *Spool) flushUpdates(ctx context.Context, out chan<- types.Event) error {
	if len(s.dirty) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(s.dirty))
	for h := range s.dirty {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	items := make([]types.Item, len(hashes))
	for i, h := range hashes {
		items[i] = s.dirty[h]
	}
	clear(s.dirty)
	return quiet(send(ctx, out, types.ItemsUpdated(items)))
}

// read decodes the snapshot for hash. The file name is the identity.
func (s *Spool) read(hash string) (types.Item, error) {
	var it types.Item
	data, err := os.ReadFile(filepath.Join(s.dir, hash+snapshotExt))
	if err != nil {
		return it, err
	}
	if err := json.Unmarshal(data, &it); err != nil {
		return it, fmt.Errorf("%w: %v", types.ErrInvalidData, err)
	}
	it.Hash = hash
	return it, nil
}

// hashOf extracts the hash from a snapshot file name.
func hashOf(name string) (string, bool) {
	if !strings.HasSuffix(name, snapshotExt) || strings.HasPrefix(name, ".") {
		return "", false
	}
	hash := strings.TrimSuffix(name, snapshotExt)
	return hash, hash != ""
}

func send(ctx context.Context, out chan<- types.Event, ev types.Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// quiet drops context errors so Run returns nil on cancellation.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// WriteSnapshot atomically writes it into dir as <hash>.json.
func WriteSnapshot(dir string, it types.Item) error {
	if it.Hash == "" {
		return fmt.Errorf("%w: empty hash", types.ErrInvalidData)
	}
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+it.Hash+"-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, it.Hash+snapshotExt)); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// RemoveSnapshot deletes the snapshot for hash. A missing file is not an
// error.
func RemoveSnapshot(dir, hash string) error {
	err := os.Remove(filepath.Join(dir, hash+snapshotExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
