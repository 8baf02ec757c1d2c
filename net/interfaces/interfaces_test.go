// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package interfaces

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mac(last byte) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0, 0, 0, 0, last}
}

func TestPickPrimary(t *testing.T) {
	lo := Link{Index: 1, Name: "lo", MTU: 65536}
	ens := Link{Index: 2, Name: "ens3", MAC: mac(2), MTU: 1500, Ether: true, Up: true}
	eth0 := Link{Index: 3, Name: "eth0", MAC: mac(3), MTU: 1400, Ether: true}
	zero := Link{Index: 4, Name: "dummy0", MAC: make(net.HardwareAddr, 6), Ether: true}
	tun := Link{Index: 5, Name: "tun0", MTU: 1420}

	tests := []struct {
		name    string
		links   []Link
		want    Link
		wantErr error
	}{
		{"eth0 preferred", []Link{lo, ens, eth0}, eth0, nil},
		{"first ethernet", []Link{lo, tun, ens}, ens, nil},
		{"zero mac skipped", []Link{lo, zero, ens}, ens, nil},
		{"none", []Link{lo, tun, zero}, Link{}, ErrNoLink},
		{"empty", nil, Link{}, ErrNoLink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickPrimary(tt.links)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v; want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("pickPrimary (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMTUCache(t *testing.T) {
	var calls int
	lookup := func(dst netip.Addr) (int, error) {
		calls++
		switch dst {
		case netip.MustParseAddr("10.0.0.1"):
			return 1400, nil
		case netip.MustParseAddr("10.0.0.2"):
			return 0, nil
		}
		return 0, errors.New("no route")
	}
	c := newMTUCache(time.Hour, lookup)

	tests := []struct {
		dst  string
		want int
	}{
		{"10.0.0.1", 1400},
		{"10.0.0.1", 1400},
		{"10.0.0.2", DefaultMTU},
		{"192.0.2.1", DefaultMTU},
		{"192.0.2.1", DefaultMTU},
	}
	for _, tt := range tests {
		if got := c.MTU(netip.MustParseAddr(tt.dst)); got != tt.want {
			t.Errorf("MTU(%s) = %d; want %d", tt.dst, got, tt.want)
		}
	}
	if calls != 3 {
		t.Errorf("lookups = %d; want 3", calls)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d; want 3", c.Len())
	}
}

func TestMTUCacheExpiry(t *testing.T) {
	var calls int
	c := newMTUCache(time.Millisecond, func(netip.Addr) (int, error) {
		calls++
		return 1280, nil
	})
	dst := netip.MustParseAddr("10.0.0.1")
	c.MTU(dst)
	time.Sleep(5 * time.Millisecond)
	c.Prune()
	if c.Len() != 0 {
		t.Errorf("Len after Prune = %d", c.Len())
	}
	if got := c.MTU(dst); got != 1280 {
		t.Errorf("MTU = %d", got)
	}
	if calls != 2 {
		t.Errorf("lookups = %d; want 2", calls)
	}
}

func TestLinks(t *testing.T) {
	ls, err := Links()
	if err != nil {
		t.Skipf("listing links: %v", err)
	}
	for i := 1; i < len(ls); i++ {
		if ls[i-1].Index > ls[i].Index {
			t.Errorf("links not ordered by index: %v", ls)
		}
	}
	t.Logf("%d links", len(ls))
}
