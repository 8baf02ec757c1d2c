// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package hook defines the contract between a packet interceptor and the
// handlers that inspect and rewrite packets at fixed interception points.
//
// An interceptor (see package nfq) delivers each packet to a Chain at one
// Point. The Chain runs the Funcs registered for that Point in priority
// order and returns the first verdict other than Accept.
package hook

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"natcap.dev/net/packet"
	"natcap.dev/types/logger"
)

// Point is a packet interception point.
type Point uint8

const (
	PreRouting Point = iota
	LocalIn
	Forward
	LocalOut
	PostRouting

	numPoints
)

func (p Point) String() string {
	switch p {
	case PreRouting:
		return "PreRouting"
	case LocalIn:
		return "LocalIn"
	case Forward:
		return "Forward"
	case LocalOut:
		return "LocalOut"
	case PostRouting:
		return "PostRouting"
	}
	return fmt.Sprintf("Point(%d)", uint8(p))
}

// Verdict is the result of running a Func on a packet.
type Verdict int

const (
	// Drop discards the packet.
	Drop Verdict = iota
	// Accept lets the packet continue, possibly modified.
	Accept
	// Consumed means the handler already emitted or disposed of the
	// packet; the interceptor must neither forward nor free it again.
	Consumed
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "Drop"
	case Accept:
		return "Accept"
	case Consumed:
		return "Consumed"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// IsDrop reports whether v is Drop.
func (v Verdict) IsDrop() bool { return v == Drop }

// Priorities order Funcs within a Point. Lower runs first. The values
// follow the netfilter IPv4 hook priorities.
const (
	PriorityFirst     = math.MinInt32
	PriorityConntrack = -200
	PriorityNATDst    = -100
	PriorityFilter    = 0
	PriorityNATSrc    = 100
	PriorityLast      = math.MaxInt32

	// PriorityNatcap runs after flow tracking and before destination
	// NAT, so the first packet can pick a server and install the
	// redirect it is about to go through.
	PriorityNatcap = PriorityNATDst - 35
	// PriorityNatcapEncode runs after source NAT so addresses are final.
	PriorityNatcapEncode = PriorityNATSrc + 1
)

// Packet is a packet in flight through a Chain.
type Packet struct {
	// Point is where the packet was intercepted.
	Point Point
	// Buf is the packet, starting at the IPv4 header. Funcs that grow or
	// shrink the packet assign a new slice with Set.
	Buf []byte
	// Parsed is the decode of Buf. It is kept current by Set.
	Parsed packet.Parsed
	// OutIfIndex is the egress interface index, if known.
	OutIfIndex uint32
}

// NewPacket returns a Packet for b intercepted at pt.
func NewPacket(pt Point, b []byte) *Packet {
	p := &Packet{Point: pt, Buf: b}
	p.Parsed.Decode(b)
	return p
}

// Set replaces the packet bytes and re-decodes them.
func (p *Packet) Set(b []byte) {
	p.Buf = b
	p.Parsed.Decode(b)
}

// Reparse re-decodes Buf after an in-place mutation.
func (p *Packet) Reparse() {
	p.Parsed.Decode(p.Buf)
}

// Emitter sends packets that Funcs synthesize or split.
type Emitter interface {
	// Emit sends b as if it had passed the interception point pt.
	Emit(pt Point, b []byte) error
}

// EmitFunc is an Emitter implemented by a func.
type EmitFunc func(pt Point, b []byte) error

// Emit implements Emitter.
func (f EmitFunc) Emit(pt Point, b []byte) error { return f(pt, b) }

// Func is a packet handler. It may mutate p in place (or via p.Set) and
// returns the packet's fate.
type Func func(p *Packet, e Emitter) Verdict

type entry struct {
	id   uint64
	name string
	prio int
	fn   Func
}

// Chain is a set of Funcs per Point. Run is lock-free; Register and
// unregistration publish a new immutable snapshot.
type Chain struct {
	logf   logger.Logf
	debugf logger.Logf

	mu     sync.Mutex // serializes writers
	nextID uint64
	hooks  atomic.Pointer[[numPoints][]entry]
}

// NewChain returns an empty Chain.
func NewChain(logf logger.Logf) *Chain {
	logf = logger.WithPrefix(logf, "hook: ")
	c := &Chain{
		logf:   logger.RateLimitedFn(logf, 10*time.Second, 3, 16),
		debugf: logger.Debug(logf),
	}
	c.hooks.Store(new([numPoints][]entry))
	return c
}

// Register adds fn at pt with the given priority. Funcs with equal
// priority run in registration order. The returned func removes it.
func (c *Chain) Register(name string, pt Point, prio int, fn Func) (unregister func()) {
	if pt >= numPoints {
		panic(fmt.Sprintf("hook: invalid point %v", pt))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID

	next := *c.hooks.Load()
	list := slices.Clone(next[pt])
	// Insert after every entry with the same or a lower priority.
	i, _ := slices.BinarySearchFunc(list, prio, func(e entry, p int) int {
		if e.prio <= p {
			return -1
		}
		return 1
	})
	list = slices.Insert(list, i, entry{id: id, name: name, prio: prio, fn: fn})
	next[pt] = list
	c.hooks.Store(&next)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		next := *c.hooks.Load()
		next[pt] = slices.DeleteFunc(slices.Clone(next[pt]), func(e entry) bool { return e.id == id })
		c.hooks.Store(&next)
	}
}

// Names returns the registered hook names at pt in run order.
func (c *Chain) Names(pt Point) []string {
	var names []string
	for _, e := range c.hooks.Load()[pt] {
		names = append(names, e.name)
	}
	return names
}

// Run runs the Funcs registered at p.Point until one returns a verdict
// other than Accept, and returns that verdict.
func (c *Chain) Run(p *Packet, e Emitter) Verdict {
	if p.Point >= numPoints {
		return Accept
	}
	for _, h := range c.hooks.Load()[p.Point] {
		if v := h.fn(p, e); v != Accept {
			if v == Drop {
				c.logf("%v %s: drop %v", p.Point, h.name, &p.Parsed)
				c.debugf("%v %s: dropped packet:\n%s", p.Point, h.name, packet.Hexdump(p.Buf))
			}
			return v
		}
	}
	return Accept
}
