// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package mono

import (
	"testing"
	"time"
)

func TestNow(t *testing.T) {
	start := Now()
	time.Sleep(100 * time.Millisecond)
	if elapsed := Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("short sleep: %v elapsed, want min %v", elapsed, 100*time.Millisecond)
	}
}

func TestArithmetic(t *testing.T) {
	var zero Time
	if !zero.IsZero() {
		t.Error("zero Time is not IsZero")
	}
	now := Now()
	if !zero.Before(now) {
		t.Error("zero Time is not before Now")
	}
	later := now.Add(time.Second)
	if !later.After(now) || later.Sub(now) != time.Second {
		t.Errorf("Add/Sub mismatch: %v - %v = %v", later, now, later.Sub(now))
	}
}

func BenchmarkMonoNow(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Now()
	}
}

func BenchmarkTimeNow(b *testing.B) {
	for i := 0; i < b.N; i++ {
		time.Now()
	}
}
