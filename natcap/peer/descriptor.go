// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package peer

import (
	"encoding/binary"
	"net/netip"
	"sync/atomic"
)

// Descriptor is a rendezvous server the Client has pinged. It keeps one
// lazily chosen port pair per ping sequence slot, so repeated pings in
// the same slot reuse the same 4-tuple.
type Descriptor struct {
	ip    atomic.Uint32 // big-endian IPv4; zero while free
	ports [MaxPeerServerPort]atomic.Uint32
}

// IP returns the server address, or the zero Addr if d is free.
func (d *Descriptor) IP() netip.Addr {
	v := d.ip.Load()
	if v == 0 {
		return netip.Addr{}
	}
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], v)
	return netip.AddrFrom4(a)
}

// Ports returns the port pair of slot pi, choosing it with rnd on
// first use. rnd returns a port in [FirstMapPort, 65535].
func (d *Descriptor) Ports(pi int, rnd func() uint16) (sport, dport uint16) {
	slot := &d.ports[pi%MaxPeerServerPort]
	v := slot.Load()
	if v == 0 {
		nv := uint32(rnd())<<16 | uint32(rnd())
		if slot.CompareAndSwap(0, nv) {
			v = nv
		} else {
			v = slot.Load()
		}
	}
	return uint16(v >> 16), uint16(v)
}

// Descriptors is the fixed table of rendezvous servers. Slots are
// claimed in order and never freed.
type Descriptors [MaxPeerServer]Descriptor

func ip4key(ip netip.Addr) (uint32, bool) {
	if !ip.Is4() {
		return 0, false
	}
	a := ip.As4()
	v := binary.BigEndian.Uint32(a[:])
	return v, v != 0
}

// Find returns the descriptor for ip, if any.
func (ds *Descriptors) Find(ip netip.Addr) *Descriptor {
	k, ok := ip4key(ip)
	if !ok {
		return nil
	}
	for i := range ds {
		switch ds[i].ip.Load() {
		case k:
			return &ds[i]
		case 0:
			return nil
		}
	}
	return nil
}

// Lookup returns the descriptor for ip, claiming a free one if ip has
// none. It returns nil if the table is full.
func (ds *Descriptors) Lookup(ip netip.Addr) *Descriptor {
	k, ok := ip4key(ip)
	if !ok {
		return nil
	}
	for i := range ds {
		d := &ds[i]
		v := d.ip.Load()
		if v == 0 && d.ip.CompareAndSwap(0, k) {
			return d
		}
		if v == 0 {
			// Lost the race for this slot; see who won.
			v = d.ip.Load()
		}
		if v == k {
			return d
		}
	}
	return nil
}

// Len returns the number of claimed descriptors.
func (ds *Descriptors) Len() int {
	n := 0
	for i := range ds {
		if ds[i].ip.Load() != 0 {
			n++
		}
	}
	return n
}
