package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/appwall/internal/clock"
)

func TestLimiter_Allow(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	l := NewLimiter(2, time.Minute, clk)

	ok, _ := l.Allow("/usr/bin/curl")
	assert.True(t, ok)
	ok, _ = l.Allow("/usr/bin/curl")
	assert.True(t, ok)
	ok, _ = l.Allow("/usr/bin/curl")
	assert.False(t, ok)
	ok, _ = l.Allow("/usr/bin/curl")
	assert.False(t, ok)
	assert.Equal(t, 2, l.Suppressed("/usr/bin/curl"))

	// Other keys have their own budget.
	ok, _ = l.Allow("/usr/bin/wget")
	assert.True(t, ok)

	clk.Advance(time.Minute)
	ok, carried := l.Allow("/usr/bin/curl")
	assert.True(t, ok)
	assert.Equal(t, 2, carried)
	assert.Equal(t, 0, l.Suppressed("/usr/bin/curl"))
}

func TestLimiter_MinimumLimit(t *testing.T) {
	l := NewLimiter(0, time.Minute, clock.NewMockClock(time.Unix(0, 0)))
	ok, _ := l.Allow("k")
	assert.True(t, ok)
	ok, _ = l.Allow("k")
	assert.False(t, ok)
}

func TestLimiter_Cleanup(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	l := NewLimiter(1, time.Second, clk)

	l.Allow("old")
	clk.Advance(time.Hour)
	l.Allow("new")

	assert.Equal(t, 1, l.Cleanup(30*time.Minute))
	assert.Equal(t, 1, l.Len())

	l.Reset("new")
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.Suppressed("missing"))
}
