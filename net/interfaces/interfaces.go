// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package interfaces looks up the local network interfaces: the
// hardware address that identifies this host to peers and the MTU of
// the link towards a destination.
package interfaces

import (
	"errors"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultMTU is assumed when the MTU towards a destination is unknown.
const DefaultMTU = 1500

// preferredLink is picked over any other Ethernet link.
const preferredLink = "eth0"

// ErrNoLink is returned when the host has no Ethernet link.
var ErrNoLink = errors.New("interfaces: no Ethernet link")

// Link is a network interface.
type Link struct {
	Index int
	Name  string
	// MAC is the hardware address; it is 6 bytes long for Ethernet.
	MAC net.HardwareAddr
	MTU int
	// Ether reports whether the link is an Ethernet link.
	Ether bool
	Up    bool
}

// Links returns the host's network interfaces ordered by index.
func Links() ([]Link, error) {
	ls, err := links()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(ls, func(a, b Link) int { return a.Index - b.Index })
	return ls, nil
}

// Primary returns the link whose hardware address identifies this host:
// eth0 if it is an Ethernet link, otherwise the Ethernet link with the
// lowest index.
func Primary() (Link, error) {
	ls, err := Links()
	if err != nil {
		return Link{}, err
	}
	return pickPrimary(ls)
}

func pickPrimary(ls []Link) (Link, error) {
	var first *Link
	for i := range ls {
		l := &ls[i]
		if !l.Ether || len(l.MAC) != 6 || isZero(l.MAC) {
			continue
		}
		if l.Name == preferredLink {
			return *l, nil
		}
		if first == nil {
			first = l
		}
	}
	if first == nil {
		return Link{}, ErrNoLink
	}
	return *first, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// RouteMTU returns the MTU of the route towards dst.
func RouteMTU(dst netip.Addr) (int, error) {
	return routeMTU(dst)
}

// MTUCache remembers route MTUs per destination for a while, so that
// per-packet callers do not query the kernel every time.
type MTUCache struct {
	lookup func(netip.Addr) (int, error)
	cache  *ttlcache.Cache[netip.Addr, int]
}

// NewMTUCache returns an MTUCache whose entries live for ttl.
func NewMTUCache(ttl time.Duration) *MTUCache {
	return newMTUCache(ttl, RouteMTU)
}

func newMTUCache(ttl time.Duration, lookup func(netip.Addr) (int, error)) *MTUCache {
	c := &MTUCache{lookup: lookup}
	loader := ttlcache.LoaderFunc[netip.Addr, int](func(tc *ttlcache.Cache[netip.Addr, int], dst netip.Addr) *ttlcache.Item[netip.Addr, int] {
		mtu, err := c.lookup(dst)
		if err != nil || mtu <= 0 {
			mtu = DefaultMTU
		}
		return tc.Set(dst, mtu, ttlcache.DefaultTTL)
	})
	c.cache = ttlcache.New(
		ttlcache.WithTTL[netip.Addr, int](ttl),
		ttlcache.WithCapacity[netip.Addr, int](4096),
		ttlcache.WithDisableTouchOnHit[netip.Addr, int](),
		ttlcache.WithLoader[netip.Addr, int](loader),
	)
	return c
}

// MTU returns the MTU towards dst, or DefaultMTU if it cannot be
// determined. It has the signature the natcap hooks take.
func (c *MTUCache) MTU(dst netip.Addr) int {
	if it := c.cache.Get(dst); it != nil {
		return it.Value()
	}
	return DefaultMTU
}

// Prune drops expired entries.
func (c *MTUCache) Prune() { c.cache.DeleteExpired() }

// Len returns the number of cached destinations.
func (c *MTUCache) Len() int { return c.cache.Len() }
