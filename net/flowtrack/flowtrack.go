// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package flowtrack contains types for tracking TCP/UDP flows by 4-tuples.
package flowtrack

import (
	"fmt"
	"net/netip"

	"github.com/golang/groupcache/lru"
	"natcap.dev/net/packet"
	"natcap.dev/types/ipproto"
)

// Tuple is a 5-tuple of proto, source and destination IP and port.
// It is comparable and so usable as a map key.
type Tuple struct {
	Proto ipproto.Proto
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

// MakeTuple makes a Tuple from its constituent parts.
func MakeTuple(proto ipproto.Proto, src, dst netip.AddrPort) Tuple {
	return Tuple{Proto: proto, Src: src, Dst: dst}
}

// TupleOf returns the Tuple of a decoded packet.
func TupleOf(p *packet.Parsed) Tuple {
	return Tuple{Proto: p.IPProto, Src: p.Src, Dst: p.Dst}
}

// Reverse returns the tuple seen by packets flowing the other way.
func (t Tuple) Reverse() Tuple {
	return Tuple{Proto: t.Proto, Src: t.Dst, Dst: t.Src}
}

func (t Tuple) String() string {
	return fmt.Sprintf("(%v %v => %v)", t.Proto, t.Src, t.Dst)
}

// Cache is an LRU cache keyed by Tuple.
//
// The zero value is valid to use.
//
// It is not safe for concurrent access.
type Cache[Value any] struct {
	// MaxEntries is the maximum number of cache entries before
	// an item is evicted. Zero means no limit.
	MaxEntries int

	// OnEvicted optionally specifies a callback run when an entry
	// is purged from the cache, by eviction or by Remove.
	OnEvicted func(Tuple, Value)

	c *lru.Cache // initialized lazily
}

func (c *Cache[Value]) init() {
	if c.c != nil {
		return
	}
	c.c = lru.New(c.MaxEntries)
	c.c.OnEvicted = func(key lru.Key, value any) {
		if c.OnEvicted != nil {
			c.OnEvicted(key.(Tuple), value.(Value))
		}
	}
}

// Add adds a value to the cache, set or updating its associated
// value.
//
// If MaxEntries is non-zero and the length of the cache is greater
// after any addition, the least recently used value is evicted.
func (c *Cache[Value]) Add(key Tuple, value Value) {
	c.init()
	c.c.Add(key, value)
}

// Get looks up a key's value from the cache, also reporting
// whether it was present.
func (c *Cache[Value]) Get(key Tuple) (value Value, ok bool) {
	if c.c == nil {
		return value, false
	}
	v, ok := c.c.Get(key)
	if !ok {
		return value, false
	}
	return v.(Value), true
}

// Remove removes the provided key from the cache if it was present.
func (c *Cache[Value]) Remove(key Tuple) {
	if c.c == nil {
		return
	}
	c.c.Remove(key)
}

// RemoveOldest removes the oldest item from the cache, if any.
func (c *Cache[Value]) RemoveOldest() {
	if c.c == nil {
		return
	}
	c.c.RemoveOldest()
}

// Len returns the number of items in the cache.
func (c *Cache[Value]) Len() int {
	if c.c == nil {
		return 0
	}
	return c.c.Len()
}
