package delivery

import (
	"sort"
	"sync"
	"time"
)

// Clock is the scheduler's notion of "now" plus a way to sleep until a
// deadline. Production uses the wall clock; tests drive a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	// TimerAt fires once the clock reaches deadline.
	TimerAt(deadline time.Time) Timer
}

// Timer fires once on C unless stopped.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

func (SystemClock) TimerAt(deadline time.Time) Timer {
	return realTimer{time.NewTimer(time.Until(deadline))}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// FakeClock only moves when told to. Timers fire during Advance/Set once the
// fake time reaches their deadline.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armLocked(c.now.Add(d))
}

func (c *FakeClock) TimerAt(deadline time.Time) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armLocked(deadline)
}

func (c *FakeClock) armLocked(deadline time.Time) *fakeTimer {
	t := &fakeTimer{clock: c, deadline: deadline, ch: make(chan time.Time, 1)}
	if !deadline.After(c.now) {
		t.fire(c.now)
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d.
func (c *FakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

// Set jumps to t. Moving backwards is allowed and fires nothing.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].deadline.Before(c.timers[j].deadline) })
	keep := c.timers[:0]
	for _, tm := range c.timers {
		if !tm.deadline.After(t) {
			tm.fire(t)
			continue
		}
		keep = append(keep, tm)
	}
	for i := len(keep); i < len(c.timers); i++ {
		c.timers[i] = nil
	}
	c.timers = keep
}

// Waiters is the number of armed timers.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	ch       chan time.Time
	done     bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

// fire requires clock.mu.
func (t *fakeTimer) fire(now time.Time) {
	if t.done {
		return
	}
	t.done = true
	t.ch <- now
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, tm := range c.timers {
		if tm == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}
