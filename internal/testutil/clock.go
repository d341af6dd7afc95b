// Package testutil holds deterministic clocks and generators for tests and
// scenario runs.
package testutil

import (
	"sync"
	"time"
)

// StepClock is a wall clock that advances by a fixed step on every read.
// Instance stores stamp instances with second granularity, so a step of at
// least one second gives every instance a distinct name.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepClock returns a clock whose first reading is start.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{now: start, step: step}
}

// Now returns the current reading and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Set moves the clock to t without stepping.
func (c *StepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Epoch is the default start of scenario clocks.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
