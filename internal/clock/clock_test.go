package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	assert.Equal(t, start, c.Now())

	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())

	later := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestFakeClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	c.Sleep(50 * time.Millisecond)
	c.Sleep(25 * time.Millisecond)

	assert.Equal(t, start.Add(75*time.Millisecond), c.Now())
	assert.Equal(t, 75*time.Millisecond, c.Slept())
}

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := Real().Now()
	assert.False(t, got.Before(before))
}
