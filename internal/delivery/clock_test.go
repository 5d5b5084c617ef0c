package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fired(tm Timer) bool {
	select {
	case <-tm.C():
		return true
	default:
		return false
	}
}

func TestFakeClockFiresOnAdvance(t *testing.T) {
	c := NewFakeClock(epoch)
	short := c.NewTimer(time.Second)
	long := c.NewTimer(time.Minute)
	assert.Equal(t, 2, c.Waiters())

	c.Advance(999 * time.Millisecond)
	assert.False(t, fired(short))

	c.Advance(time.Millisecond)
	assert.True(t, fired(short))
	assert.False(t, fired(long))
	assert.Equal(t, 1, c.Waiters())
	assert.Equal(t, epoch.Add(time.Second), c.Now())
}

func TestFakeClockStopAndImmediate(t *testing.T) {
	c := NewFakeClock(epoch)
	tm := c.NewTimer(time.Second)
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Hour)
	assert.False(t, fired(tm))

	now := c.NewTimer(-time.Second)
	assert.True(t, fired(now))
	assert.False(t, now.Stop())
	assert.Zero(t, c.Waiters())
}

func TestSystemClockTimer(t *testing.T) {
	tm := SystemClock{}.NewTimer(time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestFakeClockTimerAtUsesAbsoluteDeadline(t *testing.T) {
	c := NewFakeClock(epoch)
	deadline := epoch.Add(time.Minute)

	// The clock moving before arming must not push the deadline out.
	c.Advance(30 * time.Second)
	tm := c.TimerAt(deadline)
	c.Set(deadline)
	assert.True(t, fired(tm))

	past := c.TimerAt(epoch)
	assert.True(t, fired(past))
	assert.Zero(t, c.Waiters())
}

func TestSystemClockTimerAt(t *testing.T) {
	tm := SystemClock{}.TimerAt(time.Now().Add(time.Millisecond))
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
