// Package exporter binds upstream work-item lifecycle events to the
// coalescer, projector and batch writer, and notifies the consumer after
// each successful commit.
package exporter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mesh-intelligence/mirror/internal/batch"
	"github.com/mesh-intelligence/mirror/internal/coalesce"
	"github.com/mesh-intelligence/mirror/internal/logging"
	"github.com/mesh-intelligence/mirror/internal/notify"
	"github.com/mesh-intelligence/mirror/internal/projector"
	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
)

// Store is the gateway the exporter writes through. *sqlite.Gateway
// implements it.
type Store interface {
	sqlite.Querier
	Begin(ctx context.Context) (*sqlite.Tx, error)
	Ping(ctx context.Context) bool
}

var _ Store = (*sqlite.Gateway)(nil)

// Options configures New.
type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Preview   types.Previewable
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// Exporter mirrors work items into the store. All methods must be called
// from one goroutine; Run provides that goroutine.
type Exporter struct {
	store     Store
	writer    *batch.Writer
	projector *projector.Projector
	coalescer *coalesce.Coalescer
	preview   types.Previewable
	notifier  notify.Notifier
	logger    *slog.Logger
	halted    *types.FatalError
}

// New returns an exporter writing through store. The store connection
// should already be established.
func New(store Store, opts Options) *Exporter {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	e := &Exporter{
		store:     store,
		writer:    batch.NewWriter(store, opts.Preview, opts.Logger),
		projector: projector.New(opts.Preview),
		preview:   opts.Preview,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
	}
	e.coalescer = coalesce.New(opts.BaseDelay, opts.MaxDelay, opts.Preview, e, opts.Logger)
	return e
}

// Start announces the producer to a present consumer.
func (e *Exporter) Start(ctx context.Context) {
	e.notify(notify.KindProducerUp, "")
	e.logger.Debug("exporter started")
}

// Halted returns the systemic failure that stopped writes, or nil.
func (e *Exporter) Halted() error {
	if e.halted == nil {
		return nil
	}
	return e.halted
}

// Pending returns the number of items waiting for the next flush.
func (e *Exporter) Pending() int {
	return e.coalescer.Len()
}

// OnItemAdded queues a newly observed item for the next batched insert.
// It reports whether the item was accepted.
func (e *Exporter) OnItemAdded(it types.Item) bool {
	if e.halted != nil {
		e.logger.Warn("item add ignored", "hash", it.Hash, "err", types.ErrHalted)
		return false
	}
	return e.coalescer.Add(it)
}

// Flush implements coalesce.Flusher. It rechecks which pending items are
// already stored, inserts the rest in one batch, and returns the hashes
// that are no longer pending.
func (e *Exporter) Flush(ctx context.Context, items []types.Item) ([]string, error) {
	if e.halted != nil {
		return nil, types.ErrHalted
	}
	if !e.store.Ping(ctx) {
		return nil, fmt.Errorf("flush: %w", types.ErrStoreUnavailable)
	}

	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = it.Hash
	}
	existing, err := sqlite.Items(e.store).ExistingHashes(ctx, hashes)
	if err != nil {
		return nil, storeError("recheck existing items", err)
	}

	done := make([]string, 0, len(items))
	fresh := make([]types.Item, 0, len(items))
	for _, it := range items {
		if existing[it.Hash] {
			done = append(done, it.Hash)
			continue
		}
		if _, err := types.StatusFor(it.State); err != nil {
			e.logger.Warn("pending item dropped", "hash", it.Hash, "state", it.State, "err", err)
			done = append(done, it.Hash)
			continue
		}
		fresh = append(fresh, it)
	}
	if len(fresh) == 0 {
		return done, nil
	}

	if err := e.writer.InsertNewItems(ctx, fresh); err != nil {
		return done, err
	}
	for _, it := range fresh {
		done = append(done, it.Hash)
	}
	e.notify(notify.KindItemsAdded, "")
	return done, nil
}

// OnItemDeleted removes the item with hash from the store and from the
// pending set.
func (e *Exporter) OnItemDeleted(ctx context.Context, hash string) error {
	e.coalescer.Remove(hash)
	if e.halted != nil {
		return types.ErrHalted
	}
	n, err := sqlite.Items(e.store).DeleteByHash(ctx, hash)
	if err != nil {
		return storeError("delete item", err)
	}
	if n == 0 {
		e.logger.Debug("deleted item was not stored", "hash", hash)
		return nil
	}
	e.notify(notify.KindItemRemoved, "")
	return nil
}

// OnItemsUpdated diffs a batch of updated items against their stored rows
// and writes the changes. It returns the hashes whose changes were
// committed. Pending items get their snapshot replaced so the eventual
// insert carries the latest values. An unreachable store skips the batch
// silently.
func (e *Exporter) OnItemsUpdated(ctx context.Context, items []types.Item) ([]string, error) {
	if e.halted != nil {
		return nil, types.ErrHalted
	}
	items = e.preview.Filter(items)
	if len(items) == 0 {
		return nil, nil
	}
	// Items still waiting to be inserted take the newest snapshot.
	for _, it := range items {
		if e.coalescer.Refresh(it) {
			e.logger.Debug("pending item refreshed", "hash", it.Hash)
		}
	}
	if !e.store.Ping(ctx) {
		e.logger.Debug("store unavailable, update batch skipped", "items", len(items))
		return nil, nil
	}

	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = it.Hash
	}
	rows, err := sqlite.Items(e.store).SelectByHashes(ctx, hashes)
	if err != nil {
		return nil, storeError("select items", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	files, err := sqlite.Files(e.store).SelectByItemIDs(ctx, ids)
	if err != nil {
		return nil, storeError("select files", err)
	}

	pr := e.projector.Project(items, rows, files)
	for _, h := range pr.Missing {
		if !e.coalescer.Has(h) {
			e.logger.Debug("updated item not stored", "hash", h)
		}
	}
	for h, err := range pr.Failed {
		e.logger.Warn("updated item skipped", "hash", h, "err", err)
	}
	if pr.Empty() {
		return nil, nil
	}

	report, err := e.writer.UpdateChangedItems(ctx, pr.Items, pr.Files)
	if err != nil {
		var fatal *types.FatalError
		if errors.As(err, &fatal) {
			e.halt(ctx, fatal)
		}
		return nil, err
	}

	changed := make([]string, 0, report.SuccessCount())
	for _, id := range report.Succeeded {
		changed = append(changed, pr.Hashes[id])
	}
	if len(changed) > 0 && e.notifier.Active() {
		e.notify(notify.KindItemsChanged, strings.Join(changed, ""))
	}
	return changed, nil
}

// OnItemMoved records the new save path of it. An item that is still
// pending has its pending snapshot updated instead. Non-previewable items
// are ignored.
func (e *Exporter) OnItemMoved(ctx context.Context, it types.Item, newPath string) error {
	if e.halted != nil {
		return types.ErrHalted
	}
	if !e.preview.Item(it) {
		return nil
	}
	items := sqlite.Items(e.store)
	id, err := items.IDByHash(ctx, it.Hash)
	if errors.Is(err, types.ErrNotFound) {
		it.SavePath = newPath
		if e.coalescer.Refresh(it) {
			return nil
		}
		e.logger.Debug("moved item not stored", "hash", it.Hash)
		return nil
	}
	if err != nil {
		return storeError("resolve moved item", err)
	}
	if _, err := items.UpdateSavePath(ctx, id, newPath); err != nil {
		return storeError("update save path", err)
	}
	e.notify(notify.KindItemMoved, it.Hash)
	return nil
}

// Close stops the flush timer, applies the exit corrections, and tells the
// consumer the producer is going away. Correction failures are logged.
func (e *Exporter) Close(ctx context.Context) {
	e.coalescer.Stop()
	if n := e.coalescer.Len(); n > 0 {
		e.logger.Warn("pending items not flushed", "pending", n)
	}
	if e.halted == nil {
		if _, err := e.Correct(ctx); err != nil {
			e.logger.Error("exit corrections failed", "err", err)
		}
	}
	e.notify(notify.KindProducerDown, "")
}

// Corrections counts the rows touched by Correct.
type Corrections struct {
	Stalled    int64 `json:"stalled"`
	PeersReset int64 `json:"peers_reset"`
}

// Correct marks downloading items as stalled and zeroes all peer counters.
// Both writes are idempotent; a failure of one does not skip the other.
func (e *Exporter) Correct(ctx context.Context) (Corrections, error) {
	var (
		c    Corrections
		errs []error
	)
	items := sqlite.Items(e.store)
	n, err := items.StallDownloading(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("stall downloading: %w", err))
	}
	c.Stalled = n
	n, err = items.ResetPeers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reset peers: %w", err))
	}
	c.PeersReset = n
	e.logger.Debug("exit corrections applied", "stalled", c.Stalled, "peers_reset", c.PeersReset)
	return c, errors.Join(errs...)
}

// Dispatch handles one upstream event.
func (e *Exporter) Dispatch(ctx context.Context, ev types.Event) error {
	switch ev.Kind {
	case types.EventItemAdded:
		e.OnItemAdded(ev.Item)
		return nil
	case types.EventItemDeleted:
		return e.OnItemDeleted(ctx, ev.Hash)
	case types.EventItemsUpdated:
		_, err := e.OnItemsUpdated(ctx, ev.Items)
		return err
	case types.EventItemMoved:
		return e.OnItemMoved(ctx, ev.Item, ev.NewPath)
	}
	return fmt.Errorf("%w: event kind %d", types.ErrInvalidData, int(ev.Kind))
}

// Run is the control loop. It dispatches events in arrival order and
// fires the coalescer when its timer expires. Run returns nil when ctx is
// done or events is closed, and the *types.FatalError after a systemic
// update failure.
func (e *Exporter) Run(ctx context.Context, events <-chan types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.Dispatch(ctx, ev); err != nil {
				if e.halted != nil {
					return e.halted
				}
				e.logger.Error("event failed", "event", ev.Kind.String(), "err", err)
			}
		case <-e.coalescer.C():
			// Failures are logged by the coalescer.
			_ = e.coalescer.Fire(ctx)
		}
	}
}

func (e *Exporter) halt(ctx context.Context, fatal *types.FatalError) {
	e.halted = fatal
	e.coalescer.Stop()
	e.logger.Log(ctx, logging.LevelFatal, "systemic update failure, writes stopped",
		"attempted", fatal.Attempted, "err", fatal.Err)
}

// notify sends a notification to a present consumer.
func (e *Exporter) notify(kind notify.Kind, payload string) {
	if !e.notifier.Present() {
		return
	}
	e.notifier.Notify(notify.Message{Kind: kind, Payload: payload})
}

// storeError keeps store unavailability as is and wraps anything else as
// an export error.
func storeError(op string, err error) error {
	if errors.Is(err, types.ErrStoreUnavailable) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w", op, types.ErrStoreUnavailable)
	}
	return &types.ExportError{Op: op, Err: err}
}
