// Package loop provides the fixed-cadence cooperative loop the engine
// runs on. All session and orchestrator state is mutated only from loop
// callbacks; off-loop goroutines hand work over with Submit. Deferred and
// periodic work is expressed in loop ticks, not wall-clock timers.
package loop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval matches the host game loop cadence of 20 ticks/second.
const DefaultInterval = 50 * time.Millisecond

// Handle cancels scheduled work. Cancel is idempotent and safe to call
// from any goroutine; the entry stops firing no later than the next tick.
type Handle struct {
	cancelled atomic.Bool
}

// Cancel marks the entry dead. Returns true on the first call only.
func (h *Handle) Cancel() bool {
	return h.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether Cancel has been called.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

type entry struct {
	handle *Handle
	fn     func()
	next   uint64
	every  uint64 // 0 for one-shot
}

// Loop is a single-goroutine tick loop. Schedule and state methods other
// than Submit and Tick must be called from the loop goroutine itself,
// which in practice means from inside a scheduled callback or before Run
// starts.
type Loop struct {
	interval time.Duration
	tick     atomic.Uint64
	tasks    chan func()
	entries  map[uint64]*entry
	nextID   uint64
	log      zerolog.Logger
}

// New builds a loop with the given tick interval.
func New(interval time.Duration, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		interval: interval,
		tasks:    make(chan func(), 256),
		entries:  make(map[uint64]*entry),
		log:      log,
	}
}

// Tick returns the current tick counter. Safe from any goroutine.
func (l *Loop) Tick() uint64 {
	return l.tick.Load()
}

// Submit marshals fn onto the loop; it runs at the start of the next tick.
// Safe from any goroutine. This is the only synchronization point between
// blocking I/O workers and engine state.
func (l *Loop) Submit(fn func()) {
	l.tasks <- fn
}

// After schedules fn once, delay ticks from now.
func (l *Loop) After(delay uint64, fn func()) *Handle {
	return l.schedule(delay, 0, fn)
}

// Every schedules fn each interval ticks, first firing interval ticks
// from now.
func (l *Loop) Every(interval uint64, fn func()) *Handle {
	if interval == 0 {
		interval = 1
	}
	return l.schedule(interval, interval, fn)
}

func (l *Loop) schedule(delay, every uint64, fn func()) *Handle {
	h := &Handle{}
	l.nextID++
	l.entries[l.nextID] = &entry{
		handle: h,
		fn:     fn,
		next:   l.tick.Load() + delay,
		every:  every,
	}
	return h
}

// Step advances the loop one tick: drains submitted work, then fires due
// entries. Run calls this at the configured cadence; tests may call it
// directly for deterministic time.
func (l *Loop) Step() {
drain:
	for {
		select {
		case fn := <-l.tasks:
			l.run(fn)
		default:
			break drain
		}
	}
	now := l.tick.Add(1)
	for id, e := range l.entries {
		if e.handle.Cancelled() {
			delete(l.entries, id)
			continue
		}
		if e.next > now {
			continue
		}
		l.run(e.fn)
		if e.every == 0 || e.handle.Cancelled() {
			delete(l.entries, id)
		} else {
			e.next = now + e.every
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("loop callback panicked")
		}
	}()
	fn()
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Step()
		}
	}
}

// Ticks converts a wall-clock duration to a tick count at this loop's
// cadence, rounding up so short durations still take at least one tick.
func (l *Loop) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 1
	}
	n := uint64((d + l.interval - 1) / l.interval)
	if n == 0 {
		n = 1
	}
	return n
}
