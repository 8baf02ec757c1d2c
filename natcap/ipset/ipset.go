// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ipset holds the named address sets that steer natcap policy.
package ipset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/gaissmai/bart"
	"go4.org/netipx"
)

// Well-known set names.
const (
	// GFWList holds destinations whose TCP flows are tunneled.
	GFWList = "gfwlist"
	// CNIPList holds addresses never learned into GFWList.
	CNIPList = "cniplist"
	// UDProxyList holds destinations whose UDP flows use the proxy variant.
	UDProxyList = "udproxylist"
)

// ErrUnknownSet is returned when adding to a set that does not exist.
var ErrUnknownSet = errors.New("ipset: unknown set")

// Sets is a collection of named IPv4/IPv6 prefix sets. It is safe for
// concurrent use; lookups take only a read lock.
type Sets struct {
	mu sync.RWMutex
	m  map[string]*bart.Table[struct{}]
}

// New returns Sets containing the empty well-known sets plus any extra
// names.
func New(extra ...string) *Sets {
	s := &Sets{m: make(map[string]*bart.Table[struct{}])}
	for _, name := range append([]string{GFWList, CNIPList, UDProxyList}, extra...) {
		s.m[name] = &bart.Table[struct{}]{}
	}
	return s
}

// Test reports whether ip is in the named set. Unknown sets contain
// nothing.
func (s *Sets) Test(name string, ip netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.m[name]
	if !ok {
		return false
	}
	_, ok = t.Lookup(ip.Unmap())
	return ok
}

// Add inserts a single address into the named set.
func (s *Sets) Add(name string, ip netip.Addr) error {
	if !ip.IsValid() {
		return errors.New("ipset: invalid address")
	}
	ip = ip.Unmap()
	return s.AddPrefix(name, netip.PrefixFrom(ip, ip.BitLen()))
}

// AddPrefix inserts every address of p into the named set.
func (s *Sets) AddPrefix(name string, p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("ipset: invalid prefix %v", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSet, name)
	}
	t.Insert(p.Masked(), struct{}{})
	return nil
}

// ParseEntry parses a set entry: an address, a CIDR prefix, or an
// inclusive range "from-to".
func ParseEntry(s string) ([]netip.Prefix, error) {
	switch {
	case strings.Contains(s, "-"):
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return nil, err
		}
		return r.Prefixes(), nil
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		return []netip.Prefix{p.Masked()}, nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return nil, err
	}
	return []netip.Prefix{netip.PrefixFrom(ip, ip.BitLen())}, nil
}

// Load adds the entries read from r to the named set, one per line.
// Blank lines and text after '#' are ignored. It returns the number of
// entries added.
func (s *Sets) Load(name string, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	n, line := 0, 0
	for sc.Scan() {
		line++
		text, _, _ := strings.Cut(sc.Text(), "#")
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pfxs, err := ParseEntry(text)
		if err != nil {
			return n, fmt.Errorf("ipset: %s line %d: %w", name, line, err)
		}
		for _, p := range pfxs {
			if err := s.AddPrefix(name, p); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, sc.Err()
}

// LoadFile is Load reading from the named file.
func (s *Sets) LoadFile(name, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.Load(name, f)
}
