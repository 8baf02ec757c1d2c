// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package checksum provides functions for updating checksums in parsed packets.
package checksum

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"natcap.dev/net/packet"
	"natcap.dev/types/ipproto"
)

var errShort = errors.New("checksum: packet shorter than its headers")

// UpdateAll recomputes the IPv4 header checksum and the TCP, UDP or
// ICMP checksum of the IPv4 packet b from scratch. Codecs call it after
// any change that moves bytes or alters lengths.
func UpdateAll(b []byte) error {
	if len(b) < header.IPv4MinimumSize {
		return errShort
	}
	ip := header.IPv4(b)
	ihl := int(ip.HeaderLength())
	tot := int(ip.TotalLength())
	if ihl < header.IPv4MinimumSize || tot < ihl || tot > len(b) {
		return errShort
	}
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	l4 := b[ihl:tot]
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	switch ipproto.Proto(ip.Protocol()) {
	case ipproto.TCP:
		if len(l4) < header.TCPMinimumSize {
			return errShort
		}
		tcp := header.TCP(l4)
		if int(tcp.DataOffset()) < header.TCPMinimumSize || int(tcp.DataOffset()) > len(l4) {
			return errShort
		}
		tcp.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(len(l4)))
		xsum = checksum.Checksum(tcp.Payload(), xsum)
		tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	case ipproto.UDP:
		if len(l4) < header.UDPMinimumSize {
			return errShort
		}
		udp := header.UDP(l4)
		udp.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(len(l4)))
		xsum = checksum.Checksum(udp.Payload(), xsum)
		sum := ^udp.CalculateChecksum(xsum)
		if sum == 0 {
			// RFC 768: a computed zero is transmitted as all ones.
			sum = 0xffff
		}
		udp.SetChecksum(sum)
	case ipproto.ICMPv4:
		if len(l4) < header.ICMPv4MinimumSize {
			return errShort
		}
		icmp := header.ICMPv4(l4)
		icmp.SetChecksum(0)
		icmp.SetChecksum(header.ICMPv4Checksum(icmp[:header.ICMPv4MinimumSize], checksum.Checksum(icmp.Payload(), 0)))
	}
	return nil
}

// UpdateSrcAddr updates the source address in the packet buffer (e.g. during
// SNAT). It also updates the checksum. Only TCP/UDP/ICMP over IPv4 is
// supported; other packets are left untouched.
func UpdateSrcAddr(q *packet.Parsed, src netip.Addr) {
	if q.IPVersion != 4 || !src.Is4() {
		return
	}
	b := q.Buffer()
	old := q.Src.Addr()
	updateV4PacketChecksums(q, old, src)
	v4 := src.As4()
	copy(b[12:16], v4[:])
	q.Src = netip.AddrPortFrom(src, q.Src.Port())
}

// UpdateDstAddr updates the destination address in the packet buffer (e.g. during
// DNAT). It also updates the checksum. Only TCP/UDP/ICMP over IPv4 is
// supported; other packets are left untouched.
func UpdateDstAddr(q *packet.Parsed, dst netip.Addr) {
	if q.IPVersion != 4 || !dst.Is4() {
		return
	}
	b := q.Buffer()
	old := q.Dst.Addr()
	updateV4PacketChecksums(q, old, dst)
	v4 := dst.As4()
	copy(b[16:20], v4[:])
	q.Dst = netip.AddrPortFrom(dst, q.Dst.Port())
}

// UpdateSrcPort rewrites the TCP or UDP source port and fixes the
// transport checksum.
func UpdateSrcPort(q *packet.Parsed, port uint16) {
	if updatePort(q, 0, q.Src.Port(), port) {
		q.Src = netip.AddrPortFrom(q.Src.Addr(), port)
	}
}

// UpdateDstPort rewrites the TCP or UDP destination port and fixes the
// transport checksum.
func UpdateDstPort(q *packet.Parsed, port uint16) {
	if updatePort(q, 2, q.Dst.Port(), port) {
		q.Dst = netip.AddrPortFrom(q.Dst.Addr(), port)
	}
}

func updatePort(q *packet.Parsed, off int, old, new uint16) bool {
	tr := q.Transport()
	var o, n [2]byte
	binary.BigEndian.PutUint16(o[:], old)
	binary.BigEndian.PutUint16(n[:], new)
	switch q.IPProto {
	case ipproto.TCP:
		if len(tr) < headerTCPMinimumSize {
			return false
		}
		Update(tr[16:18], o[:], n[:])
	case ipproto.UDP:
		if len(tr) < headerUDPMinimumSize {
			return false
		}
		if binary.BigEndian.Uint16(tr[6:8]) != 0 {
			Update(tr[6:8], o[:], n[:])
		}
	default:
		return false
	}
	copy(tr[off:off+2], n[:])
	return true
}

const (
	headerUDPMinimumSize = 8  // header.UDPMinimumSize
	headerTCPMinimumSize = 20 // header.TCPMinimumSize
)

// updateV4PacketChecksums updates the checksums in the packet buffer.
// Only TCP/UDP/ICMP over IPv4 is supported.
// p is modified in place.
// If p.IPProto is unknown, only the IP header checksum is updated.
func updateV4PacketChecksums(p *packet.Parsed, old, new netip.Addr) {
	if len(p.Buffer()) < 12 {
		// Not enough space for an IPv4 header.
		return
	}
	o4, n4 := old.As4(), new.As4()

	// First update the checksum in the IP header.
	Update(p.Buffer()[10:12], o4[:], n4[:])

	// Now update the transport layer checksums, where applicable.
	tr := p.Transport()
	switch p.IPProto {
	case ipproto.UDP:
		if len(tr) < headerUDPMinimumSize {
			// Not enough space for a UDP header.
			return
		}
		if binary.BigEndian.Uint16(tr[6:8]) == 0 {
			// Checksum disabled by the sender.
			return
		}
		Update(tr[6:8], o4[:], n4[:])
	case ipproto.TCP:
		if len(tr) < headerTCPMinimumSize {
			// Not enough space for a TCP header.
			return
		}
		Update(tr[16:18], o4[:], n4[:])
	case ipproto.ICMPv4:
		// No pseudo-header; no transport layer update required.
	}
}

// Update calculates and updates the checksum in the packet buffer for
// a change between old and new. The oldSum must point to the 16-bit checksum
// field in the packet buffer that holds the old checksum value, it will be
// updated in place.
//
// The old and new must be the same length, and must be an even number of bytes.
func Update(oldSum, old, new []byte) {
	if len(old) != len(new) {
		panic("old and new must be the same length")
	}
	if len(old)%2 != 0 {
		panic("old and new must be of even length")
	}
	/*
		RFC 1624
		Given the following notation:

		    HC  - old checksum in header
		    C   - one's complement sum of old header
		    HC' - new checksum in header
		    C'  - one's complement sum of new header
		    m   - old value of a 16-bit field
		    m'  - new value of a 16-bit field

		    HC' = ~(C + (-m) + m')  --    [Eqn. 3]
		    HC' = ~(~HC + ~m + m')

		This can be simplified to:
		    HC' = ~(C + ~m + m')    --    [Eqn. 3]
		    HC' = ~C'
		    C'  = C + ~m + m'
	*/

	c := uint32(^binary.BigEndian.Uint16(oldSum))

	cPrime := c
	for len(new) > 0 {
		mNot := uint32(^binary.BigEndian.Uint16(old[:2]))
		mPrime := uint32(binary.BigEndian.Uint16(new[:2]))
		cPrime += mPrime + mNot
		new, old = new[2:], old[2:]
	}

	// Account for overflows by adding the carry bits back into the sum.
	for (cPrime >> 16) > 0 {
		cPrime = cPrime&0xFFFF + cPrime>>16
	}
	hcPrime := ^uint16(cPrime)
	binary.BigEndian.PutUint16(oldSum, hcPrime)
}
