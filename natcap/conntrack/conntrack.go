// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package conntrack tracks flows for the natcap hooks and performs the
// destination NAT they request.
//
// A Flow is found from any packet that belongs to it, in either
// direction, before or after its destination has been rewritten.
package conntrack

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"natcap.dev/natcap/flowstatus"
	"natcap.dev/net/flowtrack"
	"natcap.dev/net/packet"
	"natcap.dev/tstime/mono"
	"natcap.dev/types/ipproto"
	"natcap.dev/types/logger"
)

// ErrSetupFailed reports that NAT could not be installed for a flow.
var ErrSetupFailed = errors.New("conntrack: NAT setup failed")

// Idle timeouts applied by Table.Hook on every packet.
const (
	TCPTimeout  = 10 * time.Minute
	UDPTimeout  = 60 * time.Second
	ICMPTimeout = 30 * time.Second
)

// DefaultMaxFlows bounds a Table created with a zero limit.
const DefaultMaxFlows = 65536

// Dir is the direction of a packet relative to its flow.
type Dir uint8

const (
	// Original is the direction of the packet that created the flow.
	Original Dir = iota
	// Reply is the opposite direction.
	Reply
)

func (d Dir) String() string {
	if d == Reply {
		return "reply"
	}
	return "original"
}

// Tracker finds and creates flows.
type Tracker interface {
	// GetOrCreate returns the flow of q, creating it if q starts a
	// new one. ok is false for packets that cannot be tracked.
	GetOrCreate(q *packet.Parsed) (f *Flow, dir Dir, ok bool)
	// Lookup returns the flow of q without creating one.
	Lookup(q *packet.Parsed) (f *Flow, dir Dir, ok bool)
}

// NATSetup installs address translation for a flow.
type NATSetup interface {
	// InstallDNAT redirects the original direction of f to dst. Errors
	// wrap ErrSetupFailed.
	InstallDNAT(f *Flow, dst netip.AddrPort) error
}

// Flow is a tracked connection.
type Flow struct {
	// Orig is the tuple of the packet that created the flow.
	Orig flowtrack.Tuple

	status    flowstatus.Status
	expires   atomic.Int64 // mono.Time
	confirmed atomic.Bool
	dnat      atomic.Pointer[netip.AddrPort]

	// Guarded by Table.mu.
	keys []flowtrack.Tuple
	dead bool
}

// Status returns the flow's latched status bits.
func (f *Flow) Status() flowstatus.Bit { return f.status.Load() }

// Has reports whether all bits in b are latched.
func (f *Flow) Has(b flowstatus.Bit) bool { return f.status.Has(b) }

// Latch sets b and reports whether this call was the first to set it.
func (f *Flow) Latch(b flowstatus.Bit) (first bool) { return f.status.Latch(b) }

// Touch extends the flow's lifetime to d from now.
func (f *Flow) Touch(d time.Duration) { f.touchAt(mono.Now(), d) }

func (f *Flow) touchAt(now mono.Time, d time.Duration) {
	f.expires.Store(int64(now.Add(d)))
}

func (f *Flow) expired(now mono.Time) bool {
	return now.After(mono.Time(f.expires.Load()))
}

// Confirm marks the flow as committed, as netfilter does when the
// first packet leaves the host.
func (f *Flow) Confirm() { f.confirmed.Store(true) }

// Confirmed reports whether Confirm has been called.
func (f *Flow) Confirmed() bool { return f.confirmed.Load() }

// DNAT returns the destination the original direction is redirected
// to, if any.
func (f *Flow) DNAT() (netip.AddrPort, bool) {
	if p := f.dnat.Load(); p != nil {
		return *p, true
	}
	return netip.AddrPort{}, false
}

func (f *Flow) String() string {
	s := fmt.Sprintf("%v [%v]", f.Orig, f.Status())
	if d, ok := f.DNAT(); ok {
		s += " dnat " + d.String()
	}
	return s
}

type ref struct {
	f   *Flow
	dir Dir
}

// Table is an in-memory Tracker and NATSetup. Flows are kept in an LRU
// and expire after their idle timeout.
type Table struct {
	logf     logger.Logf
	now      func() mono.Time
	maxFlows int

	mu    sync.Mutex
	keys  flowtrack.Cache[ref]
	flows map[*Flow]struct{}
}

// NewTable returns an empty Table holding at most maxFlows flows.
// Zero means DefaultMaxFlows.
func NewTable(logf logger.Logf, maxFlows int) *Table {
	if maxFlows <= 0 {
		maxFlows = DefaultMaxFlows
	}
	t := &Table{
		logf:     logger.WithPrefix(logf, "conntrack: "),
		now:      mono.Now,
		maxFlows: maxFlows,
		flows:    make(map[*Flow]struct{}),
	}
	t.keys.OnEvicted = t.onEvictedLocked
	return t
}

// onEvictedLocked drops every key of a flow once any of its keys is
// evicted or removed.
func (t *Table) onEvictedLocked(_ flowtrack.Tuple, r ref) {
	f := r.f
	if f.dead {
		return
	}
	f.dead = true
	delete(t.flows, f)
	for _, k := range f.keys {
		t.keys.Remove(k)
	}
}

func trackable(q *packet.Parsed) bool {
	if q.IPVersion != 4 {
		return false
	}
	switch q.IPProto {
	case ipproto.TCP, ipproto.UDP, ipproto.ICMPv4:
		return true
	}
	return false
}

// Timeout returns the idle timeout for flows of proto.
func Timeout(proto ipproto.Proto) time.Duration {
	switch proto {
	case ipproto.TCP:
		return TCPTimeout
	case ipproto.UDP:
		return UDPTimeout
	}
	return ICMPTimeout
}

// Lookup implements Tracker.
func (t *Table) Lookup(q *packet.Parsed) (*Flow, Dir, bool) {
	if !trackable(q) {
		return nil, 0, false
	}
	return t.LookupTuple(flowtrack.TupleOf(q))
}

// LookupTuple returns the flow with key k.
func (t *Table) LookupTuple(k flowtrack.Tuple) (*Flow, Dir, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(k)
}

func (t *Table) lookupLocked(k flowtrack.Tuple) (*Flow, Dir, bool) {
	r, ok := t.keys.Get(k)
	if !ok {
		return nil, 0, false
	}
	if r.f.expired(t.now()) {
		t.keys.Remove(k)
		return nil, 0, false
	}
	return r.f, r.dir, true
}

// GetOrCreate implements Tracker.
func (t *Table) GetOrCreate(q *packet.Parsed) (*Flow, Dir, bool) {
	if !trackable(q) {
		return nil, 0, false
	}
	k := flowtrack.TupleOf(q)
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, dir, ok := t.lookupLocked(k); ok {
		return f, dir, true
	}
	for len(t.flows) >= t.maxFlows && t.keys.Len() > 0 {
		// Evicting the least recently used key drops its whole flow.
		t.keys.RemoveOldest()
	}
	f := &Flow{Orig: k}
	f.touchAt(t.now(), Timeout(k.Proto))
	t.flows[f] = struct{}{}
	t.addKeyLocked(f, k, Original)
	if rk := k.Reverse(); rk != k {
		t.addKeyLocked(f, rk, Reply)
	}
	return f, Original, true
}

func (t *Table) addKeyLocked(f *Flow, k flowtrack.Tuple, dir Dir) {
	if r, ok := t.keys.Get(k); ok && r.f != f {
		// A stale flow still owns k; drop it entirely.
		t.keys.Remove(k)
	}
	f.keys = append(f.keys, k)
	t.keys.Add(k, ref{f, dir})
}

// InstallDNAT implements NATSetup. The flow's original direction is
// redirected to dst and replies from dst are mapped back.
func (t *Table) InstallDNAT(f *Flow, dst netip.AddrPort) error {
	if !dst.Addr().Is4() || dst.Port() == 0 {
		return fmt.Errorf("%w: bad destination %v", ErrSetupFailed, dst)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.dead {
		return fmt.Errorf("%w: flow %v is gone", ErrSetupFailed, f.Orig)
	}
	if cur, ok := f.DNAT(); ok {
		if cur == dst {
			return nil
		}
		return fmt.Errorf("%w: flow %v already redirected to %v", ErrSetupFailed, f.Orig, cur)
	}
	if dst == f.Orig.Dst {
		f.dnat.Store(&dst)
		return nil
	}
	orig := flowtrack.MakeTuple(f.Orig.Proto, f.Orig.Src, dst)
	if r, ok := t.keys.Get(orig); ok && r.f != f && !r.f.expired(t.now()) {
		return fmt.Errorf("%w: %v is in use by %v", ErrSetupFailed, orig, r.f)
	}
	f.dnat.Store(&dst)
	t.addKeyLocked(f, orig, Original)
	t.addKeyLocked(f, orig.Reverse(), Reply)
	t.logf("%v: dnat to %v", f.Orig, dst)
	return nil
}

// Remove forgets f.
func (t *Table) Remove(f *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !f.dead && len(f.keys) > 0 {
		t.keys.Remove(f.keys[0])
	}
}

// Prune removes expired flows and returns how many were removed.
func (t *Table) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for f := range t.flows {
		if f.expired(now) {
			t.keys.Remove(f.keys[0])
			n++
		}
	}
	return n
}

// Len returns the number of tracked flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}
