// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package packet contains packet parsing and marshaling utilities.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"natcap.dev/types/ipproto"
)

const unknown = ipproto.Unknown

// RFC1858: prevent overlapping fragment attacks.
const minFragBlks = (60 + 20) / 8 // max IPv4 header + basic TCP header in fragment blocks (8 bytes each)

// TCPFlag is a bitmask of TCP header flags.
type TCPFlag uint8

const (
	TCPFin    TCPFlag = 0x01
	TCPSyn    TCPFlag = 0x02
	TCPRst    TCPFlag = 0x04
	TCPPsh    TCPFlag = 0x08
	TCPAck    TCPFlag = 0x10
	TCPUrg    TCPFlag = 0x20
	TCPSynAck TCPFlag = TCPSyn | TCPAck
)

var (
	get16 = binary.BigEndian.Uint16
	get32 = binary.BigEndian.Uint32

	put16 = binary.BigEndian.PutUint16
	put32 = binary.BigEndian.PutUint32
)

// Parsed is a minimal decoding of an IPv4 packet suitable for the
// interception hooks.
//
// Only IPv4 is decoded. IPv6 packets report IPVersion 6 and an Unknown
// protocol so that callers pass them through untouched.
type Parsed struct {
	// b is the byte buffer that this decodes.
	b []byte
	// subofs is the offset of IP subprotocol.
	subofs int
	// dataofs is the offset of IP subprotocol payload.
	dataofs int
	// length is the total length of the packet.
	// This is not the same as len(b) because b can have trailing zeros.
	length int

	// IPVersion is the IP protocol version of the packet (4 or
	// 6), or 0 if the packet doesn't look like IPv4 or IPv6.
	IPVersion uint8
	// IPProto is the IP subprotocol (UDP, TCP, etc.).
	IPProto ipproto.Proto
	// Src is the source address. Port is zero for ICMP.
	Src netip.AddrPort
	// Dst is the destination address. Port is zero for ICMP.
	Dst netip.AddrPort
	// TTL is the IPv4 time to live.
	TTL uint8
	// TCPFlags is the packet's TCP flag bits. Valid iff IPProto == TCP.
	TCPFlags TCPFlag
}

func (p *Parsed) String() string {
	if p.IPVersion != 4 {
		return fmt.Sprintf("IPv%d{Proto=%d}", p.IPVersion, p.IPProto)
	}
	switch p.IPProto {
	case unknown:
		return "Unknown{???}"
	}
	sb := new(strings.Builder)
	sb.WriteString(p.IPProto.String())
	sb.WriteByte('{')
	sb.WriteString(p.Src.String())
	sb.WriteString(" > ")
	sb.WriteString(p.Dst.String())
	sb.WriteByte('}')
	return sb.String()
}

// Decode extracts data from the packet in b into q.
// It performs extremely simple packet decoding for basic IPv4 packet types.
// It extracts only the subprotocol id, IP addresses, and (if any) ports,
// and shouldn't need any memory allocation.
func (q *Parsed) Decode(b []byte) {
	*q = Parsed{b: b}

	if len(b) < ip4HeaderLength {
		q.IPProto = unknown
		return
	}

	q.IPVersion = b[0] >> 4
	switch q.IPVersion {
	case 4:
	case 6:
		q.IPProto = unknown
		return
	default:
		q.IPVersion = 0
		q.IPProto = unknown
		return
	}

	q.IPProto = ipproto.Proto(b[9])
	q.length = int(get16(b[2:4]))
	if len(b) < q.length {
		// Packet was cut off before full IPv4 length.
		q.IPProto = unknown
		return
	}
	q.subofs = int(b[0]&0x0F) << 2
	if q.subofs < ip4HeaderLength || q.subofs > q.length {
		q.IPProto = unknown
		return
	}
	q.TTL = b[8]
	src := netip.AddrFrom4([4]byte(b[12:16]))
	dst := netip.AddrFrom4([4]byte(b[16:20]))
	q.Src = netip.AddrPortFrom(src, 0)
	q.Dst = netip.AddrPortFrom(dst, 0)

	sub := b[q.subofs:q.length]

	// We don't care much about IP fragmentation, except insofar as it's
	// used for firewall bypass attacks. The trick is make the first
	// fragment of a TCP or UDP packet so short that it doesn't fit
	// the TCP or UDP header, so we can't read the port, in hope that
	// it'll sneak past. Then subsequent fragments fill it in, but we're
	// missing the first part of the header, so we can't read that either.
	//
	// A "perfectly correct" implementation would have to reassemble
	// fragments before deciding what to do. But there's zero reason to
	// send such a short first fragment, so we can treat it as Unknown.
	fragFlags := get16(b[6:8])
	moreFrags := (fragFlags & 0x2000) != 0
	fragOfs := fragFlags & 0x1FFF
	if fragOfs != 0 {
		// This is a fragment other than the first one.
		if fragOfs < minFragBlks {
			// First frag was suspiciously short, so we can't
			// trust the followup either.
			q.IPProto = unknown
			return
		}
		// Second and later fragments don't have sub-headers.
		q.IPProto = ipproto.Fragment
		return
	}
	if moreFrags && len(sub) < minFragBlks*8 {
		// Suspiciously short first fragment, dump it.
		q.IPProto = unknown
		return
	}

	switch q.IPProto {
	case ipproto.ICMPv4:
		if len(sub) < icmp4HeaderLength {
			q.IPProto = unknown
			return
		}
		q.dataofs = q.subofs + icmp4HeaderLength
	case ipproto.TCP:
		if len(sub) < tcpHeaderLength {
			q.IPProto = unknown
			return
		}
		q.Src = netip.AddrPortFrom(src, get16(sub[0:2]))
		q.Dst = netip.AddrPortFrom(dst, get16(sub[2:4]))
		q.TCPFlags = TCPFlag(sub[13]) & 0x3F
		headerLength := int(sub[12]&0xF0) >> 2
		if headerLength < tcpHeaderLength || headerLength > len(sub) {
			q.IPProto = unknown
			return
		}
		q.dataofs = q.subofs + headerLength
	case ipproto.UDP:
		if len(sub) < udpHeaderLength {
			q.IPProto = unknown
			return
		}
		q.Src = netip.AddrPortFrom(src, get16(sub[0:2]))
		q.Dst = netip.AddrPortFrom(dst, get16(sub[2:4]))
		q.dataofs = q.subofs + udpHeaderLength
	default:
		q.dataofs = q.subofs
	}
}

// Buffer returns the entire packet buffer.
// This is a read-only view; that is, q retains the ownership of the buffer.
func (q *Parsed) Buffer() []byte {
	return q.b
}

// Transport returns the IP subprotocol section, header included.
// This is a read-only view; that is, q retains the ownership of the buffer.
func (q *Parsed) Transport() []byte {
	return q.b[q.subofs:q.length]
}

// Payload returns the payload of the IP subprotocol section.
// This is a read-only view; that is, q retains the ownership of the buffer.
func (q *Parsed) Payload() []byte {
	return q.b[q.dataofs:q.length]
}

// Trim trims the buffer to its IPv4 length.
// Sometimes packets arrive from an interface with extra bytes on the end.
// This removes them.
func (q *Parsed) Trim() []byte {
	return q.b[:q.length]
}

// Len returns the IPv4 total length of the packet.
func (q *Parsed) Len() int { return q.length }

// IPHeaderLen returns the length of the IPv4 header, options included.
func (q *Parsed) IPHeaderLen() int { return q.subofs }

// TransportHeaderLen returns the length of the TCP, UDP or ICMP header.
func (q *Parsed) TransportHeaderLen() int { return q.dataofs - q.subofs }

// IPID returns the IPv4 identification field.
func (q *Parsed) IPID() uint16 { return get16(q.b[4:6]) }

// TCPSeq returns the TCP sequence number. q must be TCP.
func (q *Parsed) TCPSeq() uint32 { return get32(q.b[q.subofs+4:]) }

// TCPAckSeq returns the TCP acknowledgment number. q must be TCP.
func (q *Parsed) TCPAckSeq() uint32 { return get32(q.b[q.subofs+8:]) }

// TCPOptions returns the TCP options area, which is empty if the
// header carries no options or q is not TCP.
func (q *Parsed) TCPOptions() []byte {
	if q.IPProto != ipproto.TCP {
		return nil
	}
	return q.b[q.subofs+tcpHeaderLength : q.dataofs]
}

// HasTCPFlags reports whether q is TCP and all of f are set.
func (q *Parsed) HasTCPFlags(f TCPFlag) bool {
	return q.IPProto == ipproto.TCP && q.TCPFlags&f == f
}

// IsTCPSyn reports whether q is a TCP SYN packet
// (i.e. the first packet in a new connection).
func (q *Parsed) IsTCPSyn() bool {
	return q.IPProto == ipproto.TCP && (q.TCPFlags&TCPSynAck) == TCPSyn
}

// IsTCPSynAck reports whether q is a TCP SYN-ACK packet.
func (q *Parsed) IsTCPSynAck() bool {
	return q.IPProto == ipproto.TCP && (q.TCPFlags&TCPSynAck) == TCPSynAck
}

// IsEchoRequest reports whether q is an IPv4 ICMP Echo Request.
func (q *Parsed) IsEchoRequest() bool {
	if q.IPProto == ipproto.ICMPv4 && q.length >= q.subofs+icmp4EchoLength {
		return ICMP4Type(q.b[q.subofs]) == ICMP4EchoRequest &&
			ICMP4Code(q.b[q.subofs+1]) == ICMP4NoCode
	}
	return false
}

// EchoIDSeq returns the identifier and sequence number of an ICMP echo
// message. It reports false if q is not one.
func (q *Parsed) EchoIDSeq() (id, seq uint16, ok bool) {
	if q.IPProto != ipproto.ICMPv4 || q.length < q.subofs+icmp4EchoLength {
		return 0, 0, false
	}
	return get16(q.b[q.subofs+4:]), get16(q.b[q.subofs+6:]), true
}

// Hexdump returns a canonical hex+ASCII dump of b.
func Hexdump(b []byte) string {
	out := new(strings.Builder)
	for i := 0; i < len(b); i += 16 {
		if i > 0 {
			fmt.Fprintf(out, "\n")
		}
		fmt.Fprintf(out, "  %04x  ", i)
		j := 0
		for ; j < 16 && i+j < len(b); j++ {
			if j == 8 {
				fmt.Fprintf(out, " ")
			}
			fmt.Fprintf(out, "%02x ", b[i+j])
		}
		for ; j < 16; j++ {
			if j == 8 {
				fmt.Fprintf(out, " ")
			}
			fmt.Fprintf(out, "   ")
		}
		fmt.Fprintf(out, " ")
		for j = 0; j < 16 && i+j < len(b); j++ {
			if b[i+j] >= 32 && b[i+j] < 128 {
				fmt.Fprintf(out, "%c", b[i+j])
			} else {
				fmt.Fprintf(out, ".")
			}
		}
	}
	return out.String()
}
