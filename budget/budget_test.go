package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllocate(t *testing.T) {
	tests := []struct {
		name      string
		exitAfter time.Duration
		elapsed   time.Duration
		want      time.Duration
	}{
		{"startup cost deducted", 120 * time.Second, 10 * time.Second, 110 * time.Second},
		{"no startup cost", 120 * time.Second, 0, 120 * time.Second},
		{"startup equals budget", 120 * time.Second, 120 * time.Second, 0},
		{"startup exceeds budget", 120 * time.Second, 150 * time.Second, 0},
		{"zero budget", 0, time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.exitAfter)
			assert.True(t, a.Bounded())
			assert.Equal(t, tt.want, a.Allocate(tt.elapsed))
		})
	}
}

func TestUnbounded(t *testing.T) {
	a := Unbounded()
	assert.False(t, a.Bounded())
	assert.Equal(t, time.Duration(0), a.Allocate(time.Hour))

	tb := a.Plan(time.Now(), time.Now())
	assert.True(t, tb.Deadline.IsZero())
}

func TestFromSeconds(t *testing.T) {
	assert.False(t, FromSeconds(0).Bounded())
	assert.False(t, FromSeconds(-5).Bounded())

	a := FromSeconds(120)
	assert.True(t, a.Bounded())
	assert.Equal(t, 120*time.Second, a.Total())
}

func TestNegativeBudgetIsExhausted(t *testing.T) {
	a := New(-time.Second)
	assert.True(t, a.Bounded())
	assert.Equal(t, time.Duration(0), a.Allocate(0))
}

func TestPlan(t *testing.T) {
	launch := time.Date(2024, 6, 11, 20, 0, 0, 0, time.UTC)
	now := launch.Add(10 * time.Second)

	tb := New(120*time.Second).Plan(launch, now)
	assert.Equal(t, 10*time.Second, tb.Elapsed)
	assert.Equal(t, 110*time.Second, tb.Remaining)
	assert.Equal(t, launch.Add(120*time.Second), tb.Deadline)
	assert.Equal(t, tb.Deadline, now.Add(tb.Remaining), "both jobs end at the same instant")
}

func TestPlanClockSkew(t *testing.T) {
	launch := time.Now()
	tb := New(time.Minute).Plan(launch, launch.Add(-time.Second))
	assert.Equal(t, time.Duration(0), tb.Elapsed)
	assert.Equal(t, time.Minute, tb.Remaining)
}
