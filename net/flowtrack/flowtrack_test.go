// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package flowtrack

import (
	"net/netip"
	"testing"

	"natcap.dev/types/ipproto"
)

func TestCache(t *testing.T) {
	c := &Cache[int]{MaxEntries: 2}

	mk := func(dst string) Tuple {
		return MakeTuple(ipproto.TCP, netip.MustParseAddrPort("1.1.1.1:1"), netip.MustParseAddrPort(dst))
	}
	k1 := mk("1.1.1.1:1")
	k2 := mk("2.2.2.2:2")
	k3 := mk("3.3.3.3:3")
	k4 := mk("4.4.4.4:4")

	wantLen := func(want int) {
		t.Helper()
		if got := c.Len(); got != want {
			t.Fatalf("Len = %d; want %d", got, want)
		}
	}
	wantVal := func(key Tuple, want int) {
		t.Helper()
		got, ok := c.Get(key)
		if !ok {
			t.Fatalf("Get(%v) failed; want value %v", key, want)
		}
		if got != want {
			t.Fatalf("Get(%v) = %v; want %v", key, got, want)
		}
	}
	wantMissing := func(key Tuple) {
		t.Helper()
		if got, ok := c.Get(key); ok {
			t.Fatalf("Get(%v) = %v; want absent from cache", key, got)
		}
	}

	wantLen(0)
	c.RemoveOldest() // shouldn't panic
	c.Remove(k4)     // shouldn't panic
	wantMissing(k4)  // shouldn't panic either

	var evicted []Tuple
	c.OnEvicted = func(k Tuple, _ int) { evicted = append(evicted, k) }

	c.Add(k1, 1)
	wantLen(1)
	c.Add(k2, 2)
	wantLen(2)
	c.Add(k3, 3)
	wantLen(2) // hit the max

	wantMissing(k1)
	if len(evicted) != 1 || evicted[0] != k1 {
		t.Fatalf("evicted = %v; want [%v]", evicted, k1)
	}
	c.Remove(k1)
	wantLen(2) // no change; k1 should've been the deleted one per LRU

	wantVal(k3, 3)

	wantVal(k2, 2)
	c.Remove(k2)
	wantLen(1)
	wantMissing(k2)

	c.Add(k3, 30)
	wantVal(k3, 30)
	wantLen(1)
}

func TestTupleReverse(t *testing.T) {
	tu := MakeTuple(ipproto.UDP, netip.MustParseAddrPort("10.0.0.1:5000"), netip.MustParseAddrPort("8.8.8.8:53"))
	r := tu.Reverse()
	if r.Src != tu.Dst || r.Dst != tu.Src || r.Proto != tu.Proto {
		t.Errorf("Reverse(%v) = %v", tu, r)
	}
	if r.Reverse() != tu {
		t.Errorf("double Reverse = %v; want %v", r.Reverse(), tu)
	}
	if got, want := tu.String(), "(UDP 10.0.0.1:5000 => 8.8.8.8:53)"; got != want {
		t.Errorf("String = %q; want %q", got, want)
	}
}
