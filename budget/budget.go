// Package budget splits a global run duration between sequentially
// launched jobs so that they all stop at the same wall-clock deadline.
package budget

import "time"

// Allocator holds an optional total run duration
type Allocator struct {
	exitAfter time.Duration
	bounded   bool
}

// New returns a bounded allocator. A non-positive exitAfter is treated as
// an already exhausted budget, not as unbounded.
func New(exitAfter time.Duration) Allocator {
	if exitAfter < 0 {
		exitAfter = 0
	}
	return Allocator{exitAfter: exitAfter, bounded: true}
}

// Unbounded returns an allocator for runs without a deadline
func Unbounded() Allocator {
	return Allocator{}
}

// FromSeconds maps a configured exit_after (seconds, <= 0 meaning "run until
// stopped") to an allocator
func FromSeconds(seconds int) Allocator {
	if seconds <= 0 {
		return Unbounded()
	}
	return New(time.Duration(seconds) * time.Second)
}

// Bounded reports whether a deadline applies
func (a Allocator) Bounded() bool {
	return a.bounded
}

// Total returns the configured run duration (zero when unbounded)
func (a Allocator) Total() time.Duration {
	return a.exitAfter
}

// Allocate returns max(0, exitAfter - elapsed). Unbounded allocators return
// zero and callers must check Bounded first.
func (a Allocator) Allocate(elapsed time.Duration) time.Duration {
	if !a.bounded {
		return 0
	}
	remaining := a.exitAfter - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimeBudget is an allocation anchored to the wall clock
type TimeBudget struct {
	Launch    time.Time     // When the first job was launched
	Elapsed   time.Duration // Measured startup latency
	Remaining time.Duration // Time left for the remaining jobs
	Deadline  time.Time     // Launch + exitAfter; zero when unbounded
}

// Plan measures the time since launch and derives the remaining budget
func (a Allocator) Plan(launch, now time.Time) TimeBudget {
	elapsed := now.Sub(launch)
	if elapsed < 0 {
		elapsed = 0
	}
	tb := TimeBudget{Launch: launch, Elapsed: elapsed}
	if a.bounded {
		tb.Remaining = a.Allocate(elapsed)
		tb.Deadline = launch.Add(a.exitAfter)
	}
	return tb
}
