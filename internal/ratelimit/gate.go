package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"tidal-guard/internal/common/logging"
)

var (
	// ErrOverRelease is returned when a gate receives more releases than
	// acquisitions. The gate has already been rebuilt when it is returned.
	ErrOverRelease = errors.New("concurrency gate released more slots than acquired")
	// ErrDisposed is returned by a gate or limiter after Dispose.
	ErrDisposed = errors.New("rate limiter disposed")
)

// GateStats is a point-in-time view of a ConcurrencyGate.
type GateStats struct {
	Category  Category `json:"category"`
	Max       int64    `json:"max"`
	Active    int64    `json:"active"`
	Available int64    `json:"available"`
	Waiting   int64    `json:"waiting"`
}

// ConcurrencyGate bounds in-flight operations for one category. Holders are
// counted explicitly alongside a weighted semaphore. Reinitialize swaps in a
// new semaphore generation, carrying in-flight holders across, and wakes
// waiters parked on the old one so they retry against the new bound.
type ConcurrencyGate struct {
	mu sync.Mutex

	category Category
	max      int64
	active   int64
	// carried counts permits on the current semaphore that belong to slots
	// acquired under an earlier generation.
	carried  int64
	sem      *semaphore.Weighted
	gen      uint64
	changed  chan struct{}
	disposed bool

	waiting atomic.Int64
	logger  logging.Logger
}

// Slot is a held gate permit. Release is safe to call more than once.
type Slot struct {
	gate *ConcurrencyGate
	gen  uint64
	once sync.Once
}

// NewConcurrencyGate creates a gate admitting at most max holders. Values
// below one are raised to one.
func NewConcurrencyGate(category Category, max int, logger logging.Logger) *ConcurrencyGate {
	if max < 1 {
		max = 1
	}
	return &ConcurrencyGate{
		category: category,
		max:      int64(max),
		sem:      semaphore.NewWeighted(int64(max)),
		changed:  make(chan struct{}),
		logger:   logging.OrNop(logger).WithFields(logging.String("category", string(category))),
	}
}

// Acquire waits for a permit. waited reports whether the caller had to block.
func (g *ConcurrencyGate) Acquire(ctx context.Context) (slot *Slot, waited bool, err error) {
	for {
		g.mu.Lock()
		if g.disposed {
			g.mu.Unlock()
			return nil, waited, ErrDisposed
		}
		sem, gen, changed := g.sem, g.gen, g.changed
		g.mu.Unlock()

		if sem.TryAcquire(1) {
			if s := g.admit(sem, gen); s != nil {
				return s, waited, nil
			}
			continue
		}

		waited = true
		if err := g.block(ctx, sem, changed); err != nil {
			if ctx.Err() != nil {
				return nil, waited, ctx.Err()
			}
			// generation changed underneath us
			continue
		}
		if s := g.admit(sem, gen); s != nil {
			return s, waited, nil
		}
	}
}

// TryAcquire takes a permit only if one is free right now.
func (g *ConcurrencyGate) TryAcquire() (*Slot, bool) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return nil, false
	}
	sem, gen := g.sem, g.gen
	g.mu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, false
	}
	s := g.admit(sem, gen)
	return s, s != nil
}

// block parks on sem until a permit is granted, ctx ends or the gate moves to
// a new generation.
func (g *ConcurrencyGate) block(ctx context.Context, sem *semaphore.Weighted, changed <-chan struct{}) error {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-changed:
			cancel()
		case <-stop:
		}
	}()

	return sem.Acquire(waitCtx, 1)
}

// admit records a permit taken from sem. If the gate moved on in the
// meantime the permit goes back to the stale semaphore and nil is returned.
func (g *ConcurrencyGate) admit(sem *semaphore.Weighted, gen uint64) *Slot {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed || g.gen != gen {
		sem.Release(1)
		return nil
	}
	g.active++
	return &Slot{gate: g, gen: gen}
}

// Release returns the permit. Calls after the first are no-ops.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.gate.releaseSlot(s.gen)
	})
}

func (g *ConcurrencyGate) releaseSlot(gen uint64) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}

	if gen != g.gen {
		// Only carried holders still own a permit on the current semaphore.
		if g.carried > 0 {
			g.carried--
			g.active--
			g.sem.Release(1)
		}
		g.mu.Unlock()
		return
	}

	err := g.releaseLocked()
	g.mu.Unlock()

	if err != nil {
		g.logOverRelease()
	}
}

// Release returns one permit without a Slot. More releases than acquisitions
// rebuild the gate and return ErrOverRelease.
func (g *ConcurrencyGate) Release() error {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return ErrDisposed
	}
	err := g.releaseLocked()
	g.mu.Unlock()

	if err != nil {
		g.logOverRelease()
	}
	return err
}

func (g *ConcurrencyGate) releaseLocked() error {
	if g.active <= 0 {
		g.swapLocked(g.max, 0)
		return ErrOverRelease
	}
	g.active--
	if g.carried > g.active {
		g.carried = g.active
	}
	g.sem.Release(1)
	return nil
}

func (g *ConcurrencyGate) logOverRelease() {
	g.logger.Warn("concurrency gate over-released, reinitialized",
		logging.Int64("max", g.Max()))
}

// Reinitialize resizes the gate. Up to newMax in-flight holders keep their
// permits on the new semaphore; blocked callers wake and retry.
func (g *ConcurrencyGate) Reinitialize(newMax int) error {
	if newMax < 1 {
		newMax = 1
	}

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return ErrDisposed
	}
	oldMax := g.max
	carry := min(g.active, int64(newMax))
	g.swapLocked(int64(newMax), carry)
	g.mu.Unlock()

	g.logger.Info("concurrency gate reinitialized",
		logging.Int64("old_max", oldMax),
		logging.Int("new_max", newMax),
		logging.Int64("carried", carry))
	return nil
}

func (g *ConcurrencyGate) swapLocked(max, carry int64) {
	sem := semaphore.NewWeighted(max)
	if carry > 0 {
		sem.TryAcquire(carry)
	}
	g.sem = sem
	g.max = max
	g.active = carry
	g.carried = carry
	g.gen++
	close(g.changed)
	g.changed = make(chan struct{})
}

// Max returns the current bound.
func (g *ConcurrencyGate) Max() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

// Stats returns a snapshot of the gate.
func (g *ConcurrencyGate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return GateStats{
		Category:  g.category,
		Max:       g.max,
		Active:    g.active,
		Available: max(g.max-g.active, 0),
		Waiting:   g.waiting.Load(),
	}
}

// Dispose wakes every waiter with ErrDisposed and rejects later acquisitions.
func (g *ConcurrencyGate) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return
	}
	g.disposed = true
	close(g.changed)
}
