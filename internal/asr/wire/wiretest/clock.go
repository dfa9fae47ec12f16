// Package wiretest provides a simulated clock for exercising poll loops and
// retry backoff without real delays.
package wiretest

import (
	"context"
	"sync"
	"time"
)

// Clock advances only when Sleep is called.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
	slept  time.Duration
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances simulated time by d immediately.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps++
	c.slept += d
	return nil
}

// Sleeps reports how many times Sleep was called.
func (c *Clock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

// Elapsed is the total simulated time slept.
func (c *Clock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}
