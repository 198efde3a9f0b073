package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock.
//
// Channel sends from Advance are unbuffered: Advance returns only after every
// due timer and ticker fire has been received (or the receiver stopped it), so
// a test observes the effects of each fire in order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeWaiter struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once

	next   time.Time
	period time.Duration // 0 for one-shot timers
}

func (w *fakeWaiter) stop() bool {
	stopped := false
	w.once.Do(func() {
		close(w.stopped)
		stopped = true
	})
	return stopped
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	return fakeTimer{f.add(d, 0)}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	return fakeTicker{f.add(d, d)}
}

func (f *Fake) add(d, period time.Duration) *fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		c:       make(chan time.Time),
		stopped: make(chan struct{}),
		next:    f.now.Add(d),
		period:  period,
	}
	f.waiters = append(f.waiters, w)
	return w
}

// Waiters reports how many timers and tickers are armed.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked()
	return len(f.waiters)
}

// Advance moves the clock forward by d, firing due timers and tickers in
// deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		f.pruneLocked()
		sort.SliceStable(f.waiters, func(i, j int) bool { return f.waiters[i].next.Before(f.waiters[j].next) })
		var due *fakeWaiter
		if len(f.waiters) > 0 && !f.waiters[0].next.After(target) {
			due = f.waiters[0]
		}
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		at := due.next
		if at.After(f.now) {
			f.now = at
		}
		if due.period > 0 {
			due.next = due.next.Add(due.period)
		} else {
			due.stop()
		}
		f.mu.Unlock()

		if due.period > 0 {
			select {
			case due.c <- at:
			case <-due.stopped:
			}
			continue
		}
		// One-shot timers are already marked stopped, so deliver unconditionally
		// but give up if nobody is listening any more.
		select {
		case due.c <- at:
		case <-time.After(time.Second):
		}
	}
}

func (f *Fake) pruneLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		// Fired one-shot timers are marked stopped too.
		select {
		case <-w.stopped:
			continue
		default:
		}
		live = append(live, w)
	}
	for i := len(live); i < len(f.waiters); i++ {
		f.waiters[i] = nil
	}
	f.waiters = live
}

type fakeTimer struct{ w *fakeWaiter }

func (t fakeTimer) C() <-chan time.Time { return t.w.c }
func (t fakeTimer) Stop() bool          { return t.w.stop() }

type fakeTicker struct{ w *fakeWaiter }

func (t fakeTicker) C() <-chan time.Time { return t.w.c }
func (t fakeTicker) Stop()               { t.w.stop() }
