package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireAsync(ctx context.Context, g *ConcurrencyGate) <-chan acquireResult {
	ch := make(chan acquireResult, 1)
	go func() {
		slot, waited, err := g.Acquire(ctx)
		ch <- acquireResult{slot: slot, waited: waited, err: err}
	}()
	return ch
}

type acquireResult struct {
	slot   *Slot
	waited bool
	err    error
}

func TestConcurrencyGate_ThirdAcquireBlocksUntilRelease(t *testing.T) {
	g := NewConcurrencyGate(CategoryDownload, 2, nil)
	ctx := context.Background()

	s1, waited, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, waited)
	s2, waited, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, waited)

	third := acquireAsync(ctx, g)
	select {
	case <-third:
		t.Fatal("third acquire should block while two slots are held")
	case <-time.After(50 * time.Millisecond):
	}

	s1.Release()

	select {
	case res := <-third:
		require.NoError(t, res.err)
		assert.True(t, res.waited)
		res.slot.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquire did not proceed after release")
	}

	s2.Release()
	assert.Equal(t, GateStats{Category: CategoryDownload, Max: 2, Active: 0, Available: 2}, g.Stats())
}

func TestConcurrencyGate_AcquireTimeout(t *testing.T) {
	g := NewConcurrencyGate(CategorySearch, 1, nil)
	held, _, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, waited, err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, waited)
	assert.Equal(t, int64(1), g.Stats().Active)
}

func TestConcurrencyGate_SlotReleaseIsIdempotent(t *testing.T) {
	g := NewConcurrencyGate(CategorySearch, 2, nil)
	slot, _, err := g.Acquire(context.Background())
	require.NoError(t, err)

	slot.Release()
	slot.Release()
	slot.Release()

	stats := g.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(2), stats.Available)
}

func TestConcurrencyGate_OverRelease(t *testing.T) {
	g := NewConcurrencyGate(CategorySearch, 2, nil)

	err := g.Release()
	assert.ErrorIs(t, err, ErrOverRelease)

	stats := g.Stats()
	assert.Equal(t, int64(2), stats.Max)
	assert.Equal(t, int64(2), stats.Available)

	// the rebuilt gate still enforces its bound
	s1, _, err := g.Acquire(context.Background())
	require.NoError(t, err)
	s2, _, err := g.Acquire(context.Background())
	require.NoError(t, err)
	_, ok := g.TryAcquire()
	assert.False(t, ok)

	s1.Release()
	s2.Release()
}

func TestConcurrencyGate_TokenlessRelease(t *testing.T) {
	g := NewConcurrencyGate(CategorySearch, 1, nil)
	_, _, err := g.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, g.Release())
	assert.Equal(t, int64(1), g.Stats().Available)
}

func TestConcurrencyGate_Reinitialize(t *testing.T) {
	t.Run("grow wakes blocked waiters", func(t *testing.T) {
		g := NewConcurrencyGate(CategoryDownload, 1, nil)
		held, _, err := g.Acquire(context.Background())
		require.NoError(t, err)

		waiter := acquireAsync(context.Background(), g)
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, g.Reinitialize(2))

		select {
		case res := <-waiter:
			require.NoError(t, res.err)
			assert.Equal(t, int64(2), g.Stats().Active)
			res.slot.Release()
		case <-time.After(time.Second):
			t.Fatal("waiter did not retry against the resized gate")
		}

		held.Release()
		assert.Equal(t, GateStats{Category: CategoryDownload, Max: 2, Active: 0, Available: 2}, g.Stats())
	})

	t.Run("shrink carries holders up to the new bound", func(t *testing.T) {
		g := NewConcurrencyGate(CategoryDownload, 3, nil)
		var slots []*Slot
		for i := 0; i < 3; i++ {
			s, _, err := g.Acquire(context.Background())
			require.NoError(t, err)
			slots = append(slots, s)
		}

		require.NoError(t, g.Reinitialize(1))
		stats := g.Stats()
		assert.Equal(t, int64(1), stats.Max)
		assert.Equal(t, int64(1), stats.Active)

		_, ok := g.TryAcquire()
		assert.False(t, ok, "carried holder keeps the only permit")

		for _, s := range slots {
			s.Release()
		}
		stats = g.Stats()
		assert.Equal(t, int64(0), stats.Active)
		assert.Equal(t, int64(1), stats.Available)

		s, ok := g.TryAcquire()
		require.True(t, ok)
		s.Release()
	})
}

func TestConcurrencyGate_Dispose(t *testing.T) {
	g := NewConcurrencyGate(CategorySearch, 1, nil)
	held, _, err := g.Acquire(context.Background())
	require.NoError(t, err)

	waiter := acquireAsync(context.Background(), g)
	time.Sleep(20 * time.Millisecond)
	g.Dispose()

	select {
	case res := <-waiter:
		assert.ErrorIs(t, res.err, ErrDisposed)
	case <-time.After(time.Second):
		t.Fatal("dispose did not wake the waiter")
	}

	held.Release()
	_, _, err = g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, g.Reinitialize(3), ErrDisposed)
}

func TestConcurrencyGate_NeverExceedsMax(t *testing.T) {
	g := NewConcurrencyGate(CategoryDownload, 3, nil)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, _, err := g.Acquire(context.Background())
			if err != nil {
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			slot.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(0), g.Stats().Active)
}
