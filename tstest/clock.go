// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest provides utilities for use in unit tests.
package tstest

import (
	"sync"
	"time"
)

// ClockOpts is used to configure the initial settings for a Clock. Once the
// settings are configured as desired, call NewClock to get the resulting Clock.
type ClockOpts struct {
	// Start is the starting time for the Clock. It is also the value that
	// will be returned by the first call to Clock.Now. The default time is
	// in UTC.
	Start time.Time

	// Step is the amount of time the Clock will advance whenever Clock.Now is
	// called. If set to zero, the Clock will only advance when Clock.Advance is
	// called.
	Step time.Duration
}

// NewClock creates a Clock with the specified settings. To create a
// Clock with only the default settings, new(Clock) is equivalent.
func NewClock(co ClockOpts) *Clock {
	return &Clock{now: co.Start, step: co.Step}
}

// Clock is a testing clock that advances only when told to. It implements
// tstime.Clock.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *Clock) initLocked() {
	if c.now.IsZero() {
		c.now = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	}
}

// Now returns the virtual clock's current time, and advances it
// according to its step configuration.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Since subtracts specified duration from Now().
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves simulated time forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initLocked()
	c.now = c.now.Add(d)
	return c.now
}
