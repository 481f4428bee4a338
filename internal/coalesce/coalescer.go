// Package coalesce accumulates newly added items and flushes them in
// batches on a timer, backing off while the store is unreachable.
package coalesce

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/mirror/pkg/types"
)

// State is the coalescer state.
type State int

// Coalescer states.
const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

// Flusher persists a batch of pending items. It returns the hashes that no
// longer need to be pending: those committed and those found to exist
// already. An error wrapping types.ErrStoreUnavailable makes the coalescer
// back off and retry.
type Flusher interface {
	Flush(ctx context.Context, items []types.Item) (done []string, err error)
}

// FlushFunc adapts a function to Flusher.
type FlushFunc func(ctx context.Context, items []types.Item) ([]string, error)

// Flush implements Flusher.
func (f FlushFunc) Flush(ctx context.Context, items []types.Item) ([]string, error) {
	return f(ctx, items)
}

// Coalescer holds the pending set and the flush timer. It is driven from a
// single goroutine: Add, Remove and Fire must not be called concurrently.
type Coalescer struct {
	base    time.Duration
	max     time.Duration
	delay   time.Duration
	state   State
	timer   *time.Timer
	pending map[string]types.Item
	order   []string
	preview types.Previewable
	flusher Flusher
	logger  *slog.Logger
}

// New returns an idle coalescer. base is the first flush delay and
// maxDelay caps the backoff.
func New(base, maxDelay time.Duration, preview types.Previewable, flusher Flusher, logger *slog.Logger) *Coalescer {
	if base <= 0 {
		base = types.DefaultBaseDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coalescer{
		base:    base,
		max:     maxDelay,
		delay:   base,
		pending: make(map[string]types.Item),
		preview: preview,
		flusher: flusher,
		logger:  logger,
	}
}

// Add offers a newly observed item. Non-previewable items are discarded
// and Add returns false. Otherwise the item replaces any pending item with
// the same hash, and an idle coalescer arms with the base delay. An armed
// timer keeps running.
func (c *Coalescer) Add(it types.Item) bool {
	if !c.preview.Item(it) {
		return false
	}
	if _, ok := c.pending[it.Hash]; !ok {
		c.order = append(c.order, it.Hash)
	}
	c.pending[it.Hash] = it
	if c.state == Idle {
		c.delay = c.base
		c.arm(c.delay)
	}
	return true
}

// Refresh replaces the pending snapshot of it.Hash with it. Items that are
// not pending or not previewable are ignored. The timer and state are left
// as they are.
func (c *Coalescer) Refresh(it types.Item) bool {
	if _, ok := c.pending[it.Hash]; !ok || !c.preview.Item(it) {
		return false
	}
	c.pending[it.Hash] = it
	return true
}

// Remove drops hash from the pending set. It reports whether it was there.
func (c *Coalescer) Remove(hash string) bool {
	if _, ok := c.pending[hash]; !ok {
		return false
	}
	c.drop([]string{hash})
	return true
}

// Has reports whether hash is pending.
func (c *Coalescer) Has(hash string) bool {
	_, ok := c.pending[hash]
	return ok
}

// Pending returns the pending items in first-seen order.
func (c *Coalescer) Pending() []types.Item {
	out := make([]types.Item, 0, len(c.order))
	for _, h := range c.order {
		out = append(out, c.pending[h])
	}
	return out
}

// Len returns the number of pending items.
func (c *Coalescer) Len() int {
	return len(c.pending)
}

// State returns the current state.
func (c *Coalescer) State() State {
	return c.state
}

// Delay returns the delay of the current or most recent arming.
func (c *Coalescer) Delay() time.Duration {
	return c.delay
}

// C returns the timer channel while armed and nil while idle, so a select
// on it blocks until there is something to flush.
func (c *Coalescer) C() <-chan time.Time {
	if c.state != Armed || c.timer == nil {
		return nil
	}
	return c.timer.C
}

// Fire runs one flush. Call it when C delivers. An unreachable store
// re-arms with the doubled delay, capped at max. Any other outcome leaves
// the coalescer idle; pending items that were not flushed wait for the
// next Add.
func (c *Coalescer) Fire(ctx context.Context) error {
	if c.state != Armed {
		return nil
	}
	c.disarm()

	items := c.Pending()
	if len(items) == 0 {
		c.delay = c.base
		return nil
	}

	done, err := c.flusher.Flush(ctx, items)
	c.drop(done)

	switch {
	case errors.Is(err, types.ErrStoreUnavailable):
		c.delay = min(c.delay*2, c.max)
		c.arm(c.delay)
		c.logger.Debug("flush deferred", "pending", c.Len(), "retry_in", c.delay)
		return err
	case err != nil:
		c.delay = c.base
		c.logger.Error("flush failed", "pending", c.Len(), "err", err)
		return err
	}
	c.delay = c.base
	return nil
}

// Stop disarms the timer. Pending items are kept.
func (c *Coalescer) Stop() {
	c.disarm()
}

func (c *Coalescer) arm(d time.Duration) {
	if c.timer == nil {
		c.timer = time.NewTimer(d)
	} else {
		c.timer.Reset(d)
	}
	c.state = Armed
}

func (c *Coalescer) disarm() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = Idle
}

func (c *Coalescer) drop(hashes []string) {
	if len(hashes) == 0 {
		return
	}
	gone := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if _, ok := c.pending[h]; ok {
			delete(c.pending, h)
			gone[h] = true
		}
	}
	if len(gone) == 0 {
		return
	}
	kept := c.order[:0]
	for _, h := range c.order {
		if !gone[h] {
			kept = append(kept, h)
		}
	}
	c.order = kept
}
