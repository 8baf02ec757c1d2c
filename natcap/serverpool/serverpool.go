// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package serverpool holds the ranked set of relay servers that new
// flows are redirected to.
//
// Readers (Select, List, All) never block: writers build a complete new
// snapshot and publish it with a single atomic pointer store.
package serverpool

import (
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"natcap.dev/envknob"
	"natcap.dev/tstime"
)

// MaxServers is the pool capacity.
const MaxServers = 256

// DefaultPersist is how long Select keeps returning the same server
// before rotating to the next one.
const DefaultPersist = 6 * time.Second

var serverPersist = envknob.RegisterDuration("NATCAP_SERVER_PERSIST")

var (
	ErrCapacityExceeded = errors.New("server pool is full")
	ErrAlreadyExists    = errors.New("server already in pool")
	ErrNotFound         = errors.New("server not in pool")
)

// Port values with a special meaning in a pool entry.
const (
	// PortPassthrough selects the flow's original destination port.
	PortPassthrough = 0
	// PortRandom selects a pseudo-random port per flow.
	PortRandom = 65535
)

// Tuple is a relay endpoint. The zero Tuple means "no server".
type Tuple struct {
	IP         netip.Addr
	Port       uint16
	Encryption bool
}

// IsZero reports whether t is the zero Tuple.
func (t Tuple) IsZero() bool { return t == Tuple{} }

// AddrPort returns t's address and port.
func (t Tuple) AddrPort() netip.AddrPort { return netip.AddrPortFrom(t.IP, t.Port) }

// Compare orders tuples by address, then port. The encryption flag does
// not take part, so two tuples differing only in it are the same server.
func (t Tuple) Compare(u Tuple) int {
	if c := t.IP.Compare(u.IP); c != 0 {
		return c
	}
	return cmp.Compare(t.Port, u.Port)
}

// String returns t as "ip:port", with an "-e" suffix when encryption is
// requested. It is the form accepted by ParseTuple.
func (t Tuple) String() string {
	s := t.AddrPort().String()
	if t.Encryption {
		s += "-e"
	}
	return s
}

// ParseTuple parses "ip:port" with an optional "-e" suffix.
func ParseTuple(s string) (Tuple, error) {
	var t Tuple
	if rest, ok := strings.CutSuffix(s, "-e"); ok {
		s = rest
		t.Encryption = true
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Tuple{}, fmt.Errorf("serverpool: bad server %q: %w", s, err)
	}
	if !ap.Addr().Is4() {
		return Tuple{}, fmt.Errorf("serverpool: server %q is not IPv4", s)
	}
	t.IP = ap.Addr()
	t.Port = ap.Port()
	return t, nil
}

// Options configures a Pool.
type Options struct {
	// Clock is the time source for rotation. Nil means tstime.StdClock.
	Clock tstime.Clock
	// Persist is the sticky interval. Zero means the
	// NATCAP_SERVER_PERSIST knob, or DefaultPersist if that is unset.
	Persist time.Duration
}

// Pool is a set of servers sorted descending by Tuple.Compare.
// The zero value is not usable; use New.
type Pool struct {
	clock   tstime.Clock
	persist time.Duration

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[[]Tuple]

	rotation   atomic.Uint32
	lastRotate atomic.Int64 // unix nanos of the last rotation
}

// New returns an empty Pool.
func New(opts Options) *Pool {
	p := &Pool{
		clock:   opts.Clock,
		persist: opts.Persist,
	}
	if p.clock == nil {
		p.clock = tstime.StdClock{}
	}
	if p.persist == 0 {
		p.persist = serverPersist()
	}
	if p.persist == 0 {
		p.persist = DefaultPersist
	}
	p.snap.Store(new([]Tuple))
	// The first interval starts now and uses the highest entry.
	p.lastRotate.Store(p.clock.Now().UnixNano())
	return p
}

func (p *Pool) load() []Tuple { return *p.snap.Load() }

func (p *Pool) publish(s []Tuple) { p.snap.Store(&s) }

// Add inserts t keeping the pool sorted descending.
func (p *Pool) Add(t Tuple) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.load()
	if len(cur) >= MaxServers {
		return ErrCapacityExceeded
	}
	// cur is descending, so search with the comparison reversed.
	i, found := slices.BinarySearchFunc(cur, t, func(e, t Tuple) int { return t.Compare(e) })
	if found {
		return ErrAlreadyExists
	}
	next := make([]Tuple, 0, len(cur)+1)
	next = append(next, cur[:i]...)
	next = append(next, t)
	next = append(next, cur[i:]...)
	p.publish(next)
	return nil
}

// Delete removes the entry equal to t.
func (p *Pool) Delete(t Tuple) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.load()
	i, found := slices.BinarySearchFunc(cur, t, func(e, t Tuple) int { return t.Compare(e) })
	if !found {
		return ErrNotFound
	}
	next := make([]Tuple, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	p.publish(next)
	return nil
}

// Reset empties the pool.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish(nil)
}

// Len returns the number of servers.
func (p *Pool) Len() int { return len(p.load()) }

// List returns the i'th server in pool order.
func (p *Pool) List(i int) (Tuple, bool) {
	s := p.load()
	if i < 0 || i >= len(s) {
		return Tuple{}, false
	}
	return s[i], true
}

// All returns a copy of the pool in order.
func (p *Pool) All() []Tuple {
	return slices.Clone(p.load())
}

// Contains reports whether ip is the address of any server.
func (p *Pool) Contains(ip netip.Addr) bool {
	return slices.ContainsFunc(p.load(), func(t Tuple) bool { return t.IP == ip })
}

// Select picks the server for a new flow to dst:dstPort. It returns the
// zero Tuple if the pool is empty.
//
// All calls within one persist interval get the same entry; the next
// call after the interval rotates to the following one. The destination
// address does not influence which entry is picked.
func (p *Pool) Select(dst netip.Addr, dstPort uint16) Tuple {
	s := p.load()
	if len(s) == 0 {
		return Tuple{}
	}

	now := p.clock.Now().UnixNano()
	last := p.lastRotate.Load()
	if now-last > int64(p.persist) && p.lastRotate.CompareAndSwap(last, now) {
		p.rotation.Add(1)
	}
	t := s[p.rotation.Load()%uint32(len(s))]

	switch t.Port {
	case PortPassthrough:
		t.Port = dstPort
	case PortRandom:
		t.Port = randomPort(now, dst)
	}
	if dstPort == 443 || dstPort == 22 {
		t.Encryption = false
	}
	return t
}

// randomPort mixes the clock with the destination address.
func randomPort(now int64, dst netip.Addr) uint16 {
	var ip uint32
	if dst.Is4() {
		a := dst.As4()
		ip = uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	}
	port := uint16((uint32(now>>20) ^ ip) & 0xFFFF)
	if port == PortPassthrough {
		port = PortRandom
	}
	return port
}
