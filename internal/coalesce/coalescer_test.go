package coalesce

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFlusher records batches and returns scripted results.
type stubFlusher struct {
	batches [][]types.Item
	results []error
}

func (s *stubFlusher) Flush(_ context.Context, items []types.Item) ([]string, error) {
	s.batches = append(s.batches, items)
	var err error
	if len(s.results) > 0 {
		err, s.results = s.results[0], s.results[1:]
	}
	if err != nil {
		return nil, err
	}
	done := make([]string, len(items))
	for i, it := range items {
		done[i] = it.Hash
	}
	return done, nil
}

func media(hash string) types.Item {
	return types.Item{
		Hash:        hash,
		Name:        hash,
		HasMetadata: true,
		Files:       []types.ItemFile{{Path: hash + ".mkv"}},
	}
}

func newCoalescer(f Flusher) *Coalescer {
	return New(time.Second, 5*time.Second, types.NewPreviewable(nil), f, nil)
}

func TestAddArmsOnceWithBaseDelay(t *testing.T) {
	c := newCoalescer(&stubFlusher{})
	defer c.Stop()

	assert.Equal(t, Idle, c.State())
	assert.Nil(t, c.C())

	require.True(t, c.Add(media("aa")))
	assert.Equal(t, Armed, c.State())
	assert.Equal(t, time.Second, c.Delay())
	ch := c.C()
	assert.NotNil(t, ch)

	require.True(t, c.Add(media("bb")))
	assert.Equal(t, Armed, c.State())
	assert.Equal(t, 2, c.Len())
}

func TestAddUpsertsByHash(t *testing.T) {
	c := newCoalescer(&stubFlusher{})
	defer c.Stop()

	first := media("aa")
	second := media("aa")
	second.Name = "renamed"
	c.Add(first)
	c.Add(media("bb"))
	c.Add(second)

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "aa", pending[0].Hash, "first-seen order is kept")
	assert.Equal(t, "renamed", pending[0].Name, "last write wins")
}

func TestAddDiscardsNonPreviewable(t *testing.T) {
	c := newCoalescer(&stubFlusher{})
	text := types.Item{Hash: "tt", HasMetadata: true, Files: []types.ItemFile{{Path: "a.txt"}}}

	assert.False(t, c.Add(text))
	assert.Zero(t, c.Len())
	assert.Equal(t, Idle, c.State())
}

func TestRefreshReplacesPendingOnly(t *testing.T) {
	c := newCoalescer(&stubFlusher{})
	defer c.Stop()

	fresh := media("aa")
	fresh.Progress = 1
	assert.False(t, c.Refresh(fresh), "not pending yet")
	assert.Zero(t, c.Len())
	assert.Equal(t, Idle, c.State(), "refresh never arms")

	c.Add(media("aa"))
	c.Add(media("bb"))
	ch := c.C()
	require.True(t, c.Refresh(fresh))
	assert.Equal(t, []types.Item{fresh, media("bb")}, c.Pending())
	assert.Equal(t, Armed, c.State())
	assert.Equal(t, ch, c.C(), "timer keeps running")

	text := types.Item{Hash: "bb", HasMetadata: true, Files: []types.ItemFile{{Path: "a.txt"}}}
	assert.False(t, c.Refresh(text))
	assert.Equal(t, media("bb"), c.Pending()[1])

	require.NoError(t, c.Fire(context.Background()))
	c.Add(media("cc"))
	require.NoError(t, c.Fire(context.Background()))
	assert.False(t, c.Refresh(fresh), "flushed items are no longer pending")
}

func TestFireSuccessReturnsToIdle(t *testing.T) {
	f := &stubFlusher{}
	c := newCoalescer(f)
	c.Add(media("aa"))
	c.Add(media("bb"))

	require.NoError(t, c.Fire(context.Background()))
	assert.Equal(t, Idle, c.State())
	assert.Zero(t, c.Len())
	require.Len(t, f.batches, 1)
	assert.Len(t, f.batches[0], 2)

	// A stale fire while idle does nothing.
	require.NoError(t, c.Fire(context.Background()))
	assert.Len(t, f.batches, 1)
}

func TestFireBacksOffWhileStoreUnavailable(t *testing.T) {
	unavailable := fmt.Errorf("ping: %w", types.ErrStoreUnavailable)
	f := &stubFlusher{results: []error{unavailable, unavailable, unavailable, unavailable, nil}}
	c := newCoalescer(f)
	defer c.Stop()
	ctx := context.Background()

	c.Add(media("aa"))
	delays := []time.Duration{c.Delay()}
	for range 4 {
		err := c.Fire(ctx)
		require.ErrorIs(t, err, types.ErrStoreUnavailable)
		assert.Equal(t, Armed, c.State())
		assert.Equal(t, 1, c.Len(), "items stay pending while backing off")
		delays = append(delays, c.Delay())
	}
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		5000 * time.Millisecond,
		5000 * time.Millisecond,
	}, delays)

	require.NoError(t, c.Fire(ctx))
	assert.Equal(t, Idle, c.State())
	assert.Zero(t, c.Len())

	c.Add(media("bb"))
	assert.Equal(t, time.Second, c.Delay(), "success resets the backoff")
}

func TestFireStatementFailureKeepsPendingAndGoesIdle(t *testing.T) {
	boom := &types.ExportError{Op: "insert new items", Err: errors.New("constraint failed")}
	f := &stubFlusher{results: []error{boom}}
	c := newCoalescer(f)
	defer c.Stop()

	c.Add(media("aa"))
	err := c.Fire(context.Background())
	var exportErr *types.ExportError
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, c.Len())

	c.Add(media("bb"))
	assert.Equal(t, Armed, c.State(), "the next add re-arms")
	require.NoError(t, c.Fire(context.Background()))
	assert.Len(t, f.batches[1], 2, "retained items are retried")
}

func TestFireDropsOnlyDoneHashes(t *testing.T) {
	c := newCoalescer(FlushFunc(func(_ context.Context, items []types.Item) ([]string, error) {
		return []string{"aa"}, nil
	}))
	c.Add(media("aa"))
	c.Add(media("bb"))

	require.NoError(t, c.Fire(context.Background()))
	assert.Equal(t, []types.Item{media("bb")}, c.Pending())
}

func TestRemove(t *testing.T) {
	f := &stubFlusher{}
	c := newCoalescer(f)
	c.Add(media("aa"))

	assert.True(t, c.Remove("aa"))
	assert.False(t, c.Remove("aa"))

	require.NoError(t, c.Fire(context.Background()))
	assert.Empty(t, f.batches, "nothing left to flush")
	assert.Equal(t, Idle, c.State())
}

func TestTimerDeliversAfterDelay(t *testing.T) {
	f := &stubFlusher{}
	c := New(10*time.Millisecond, 50*time.Millisecond, types.NewPreviewable(nil), f, nil)
	c.Add(media("aa"))

	select {
	case <-c.C():
		require.NoError(t, c.Fire(context.Background()))
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Len(t, f.batches, 1)
}
