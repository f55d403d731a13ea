// ABOUTME: Tests for the fake clock used by coordinator tests
// ABOUTME: Covers ordering, stopping and zero-delay timers

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	fc := NewFake(time.Unix(1000, 0))

	var order []string
	fc.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	fc.AfterFunc(time.Second, func() { order = append(order, "a") })
	fc.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	fc.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a"}, order)
	assert.Equal(t, 2, fc.Pending())

	fc.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, fc.Pending())
}

func TestFakeStop(t *testing.T) {
	fc := NewFake(time.Unix(1000, 0))

	fired := false
	timer := fc.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	fc.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeZeroDelayFiresOnAdvanceZero(t *testing.T) {
	fc := NewFake(time.Unix(1000, 0))

	fired := false
	fc.AfterFunc(0, func() { fired = true })
	fc.Advance(0)

	assert.True(t, fired)
}

func TestFakeCallbackCanScheduleAnother(t *testing.T) {
	fc := NewFake(time.Unix(1000, 0))

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			fc.AfterFunc(time.Second, tick)
		}
	}
	fc.AfterFunc(time.Second, tick)

	fc.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestRealNowAdvances(t *testing.T) {
	c := Real()
	a := c.Now()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })
	<-done
	assert.False(t, c.Now().Before(a))
}
