// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ipset

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestAddTest(t *testing.T) {
	s := New()
	ip := netip.MustParseAddr("1.2.3.4")
	if s.Test(GFWList, ip) {
		t.Fatal("empty set contains address")
	}
	if err := s.Add(GFWList, ip); err != nil {
		t.Fatal(err)
	}
	if !s.Test(GFWList, ip) {
		t.Error("added address missing")
	}
	if s.Test(CNIPList, ip) {
		t.Error("address leaked into another set")
	}
	if s.Test(GFWList, netip.MustParseAddr("1.2.3.5")) {
		t.Error("neighbour address matched")
	}
	if !s.Test(GFWList, netip.MustParseAddr("::ffff:1.2.3.4")) {
		t.Error("mapped address not matched")
	}
	if s.Test("nope", ip) {
		t.Error("unknown set contains address")
	}
	if err := s.Add("nope", ip); !errors.Is(err, ErrUnknownSet) {
		t.Errorf("Add to unknown set: err = %v", err)
	}
	if err := s.Add(GFWList, netip.Addr{}); err == nil {
		t.Error("Add of invalid address succeeded")
	}
}

func TestParseEntry(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{in: "10.1.2.3", want: []string{"10.1.2.3/32"}},
		{in: "10.1.2.3/8", want: []string{"10.0.0.0/8"}},
		{in: "10.0.0.0-10.0.0.5", want: []string{"10.0.0.0/30", "10.0.0.4/31"}},
		{in: "2001:db8::1", want: []string{"2001:db8::1/128"}},
		{in: "10.0.0.9-10.0.0.1", wantErr: true},
		{in: "bogus", wantErr: true},
		{in: "10.0.0.0/33", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseEntry(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEntry(%q) err = %v; wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		var want []netip.Prefix
		for _, s := range tt.want {
			want = append(want, netip.MustParsePrefix(s))
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateComparable(netip.Prefix{})); diff != "" {
			t.Errorf("ParseEntry(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestLoad(t *testing.T) {
	s := New("extra")
	const list = `
# blocked ranges
8.8.8.0/24
1.1.1.1   # single
9.9.9.1-9.9.9.3
`
	n, err := s.Load(GFWList, strings.NewReader(list))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Load = %d entries; want 3", n)
	}
	for ip, want := range map[string]bool{
		"8.8.8.200": true,
		"8.8.9.1":   false,
		"1.1.1.1":   true,
		"9.9.9.2":   true,
		"9.9.9.4":   false,
	} {
		if got := s.Test(GFWList, netip.MustParseAddr(ip)); got != want {
			t.Errorf("Test(%s) = %v; want %v", ip, got, want)
		}
	}

	if _, err := s.Load(GFWList, strings.NewReader("1.2.3.4\nnot-an-ip\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Load of bad list: err = %v", err)
	}

	path := filepath.Join(t.TempDir(), "extra.txt")
	if err := os.WriteFile(path, []byte("192.0.2.0/24\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if n, err := s.LoadFile("extra", path); err != nil || n != 1 {
		t.Fatalf("LoadFile = %d, %v", n, err)
	}
	if !s.Test("extra", netip.MustParseAddr("192.0.2.9")) {
		t.Error("LoadFile entry missing")
	}
}
