// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package wire encodes and decodes the natcap control data carried in
// IPv4 packets: the option block placed after the base TCP header, the
// trailer that disguises a TCP segment as a UDP datagram, and the TCP
// framing that carries a UDP datagram.
//
// All functions take a complete IPv4 packet starting at the IP header.
// Functions that change the packet length return the new packet; the
// input buffer must not be used afterwards. Checksums are always left
// valid.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"natcap.dev/net/packet"
	"natcap.dev/types/ipproto"
)

var (
	// ErrDecode reports malformed natcap control data. Packets that
	// fail to decode are dropped.
	ErrDecode = errors.New("wire: malformed natcap data")
	// ErrNoRoom reports that an option does not fit in the TCP header.
	ErrNoRoom = errors.New("wire: no room for option")
	// ErrNotTCP reports a packet that is not an unfragmented IPv4 TCP
	// segment.
	ErrNotTCP = errors.New("wire: not an IPv4 TCP packet")
	// ErrNotUDP reports a packet that is not an unfragmented IPv4 UDP
	// datagram.
	ErrNotUDP = errors.New("wire: not an IPv4 UDP packet")
)

// Op is the TCP option kind of a natcap option block.
type Op uint8

const (
	OpNatcap Op = 0x99
	OpPeer   Op = 0x9A
	OpUDPEnc Op = 0x9B
)

func (o Op) String() string {
	switch o {
	case OpNatcap:
		return "natcap"
	case OpPeer:
		return "peer"
	case OpUDPEnc:
		return "udpenc"
	}
	return fmt.Sprintf("Op(%#x)", uint8(o))
}

func (o Op) valid() bool { return o == OpNatcap || o == OpPeer || o == OpUDPEnc }

// Type is the payload type of a natcap option block.
type Type uint8

const (
	// TypeDst carries the flow's original destination.
	TypeDst Type = 1
	// TypePeer carries a peer's public address and hardware identity.
	TypePeer Type = 2
	// TypeUDP carries no payload; it marks a UDP datagram framed as TCP.
	TypeUDP Type = 3
)

// Option block sizes by payload type, header included.
const (
	headerSize = 4
	SizeDst    = 12
	SizePeer   = 16
	SizeUDP    = 4
)

func (t Type) size() int {
	switch t {
	case TypeDst:
		return SizeDst
	case TypePeer:
		return SizePeer
	case TypeUDP:
		return SizeUDP
	}
	return 0
}

func (t Type) String() string {
	switch t {
	case TypeDst:
		return "dst"
	case TypePeer:
		return "peer"
	case TypeUDP:
		return "udp"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// MAC is a 6-byte hardware address, usable as a map key.
type MAC [6]byte

// MACFrom returns the MAC for hw, which must be 6 bytes long.
func MACFrom(hw net.HardwareAddr) (MAC, bool) {
	var m MAC
	if len(hw) != len(m) {
		return m, false
	}
	copy(m[:], hw)
	return m, true
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// IsZero reports whether m is all zeros.
func (m MAC) IsZero() bool { return m == MAC{} }

// Option is a decoded natcap option block.
type Option struct {
	Op         Op
	Type       Type
	Encryption bool

	// Dst is set for TypeDst.
	Dst netip.AddrPort
	// PeerIP and PeerMAC are set for TypePeer.
	PeerIP  netip.Addr
	PeerMAC MAC
}

// DstOption returns a TypeDst option for dst.
func DstOption(dst netip.AddrPort, enc bool) Option {
	return Option{Op: OpNatcap, Type: TypeDst, Encryption: enc, Dst: dst}
}

// PeerOption returns a TypePeer option announcing ip and mac.
func PeerOption(ip netip.Addr, mac MAC) Option {
	return Option{Op: OpPeer, Type: TypePeer, PeerIP: ip, PeerMAC: mac}
}

// UDPOption returns the TypeUDP option used by EncodeUDPInTCP.
func UDPOption(enc bool) Option {
	return Option{Op: OpUDPEnc, Type: TypeUDP, Encryption: enc}
}

// Size returns the encoded length of o, a multiple of 4.
func (o Option) Size() int { return o.Type.size() }

func (o Option) String() string {
	s := fmt.Sprintf("%v/%v", o.Op, o.Type)
	switch o.Type {
	case TypeDst:
		s += " " + o.Dst.String()
	case TypePeer:
		s += fmt.Sprintf(" %v %v", o.PeerIP, o.PeerMAC)
	}
	if o.Encryption {
		s += " enc"
	}
	return s
}

// AppendTo appends the encoded option block to b.
func (o Option) AppendTo(b []byte) []byte {
	size := o.Size()
	var enc byte
	if o.Encryption {
		enc = 1
	}
	b = append(b, byte(o.Op), byte(size), byte(o.Type), enc)
	switch o.Type {
	case TypeDst:
		ip := o.Dst.Addr().As4()
		b = append(b, ip[:]...)
		b = binary.BigEndian.AppendUint16(b, o.Dst.Port())
		b = append(b, 0, 0)
	case TypePeer:
		ip := o.PeerIP.As4()
		b = append(b, ip[:]...)
		b = append(b, o.PeerMAC[:]...)
		b = append(b, 0, 0)
	}
	return b
}

// ParseOption decodes the option block at the start of b. It returns
// ErrDecode if the declared size is inconsistent with b or the type.
func ParseOption(b []byte) (Option, error) {
	if len(b) < headerSize {
		return Option{}, fmt.Errorf("option header truncated to %d bytes: %w", len(b), ErrDecode)
	}
	o := Option{
		Op:         Op(b[0]),
		Type:       Type(b[2]),
		Encryption: b[3] != 0,
	}
	size := int(b[1])
	if !o.Op.valid() {
		return Option{}, fmt.Errorf("unknown op %v: %w", o.Op, ErrDecode)
	}
	if size < headerSize || size%4 != 0 || size > len(b) {
		return Option{}, fmt.Errorf("option size %d does not fit %d bytes: %w", size, len(b), ErrDecode)
	}
	want := o.Type.size()
	if want == 0 {
		return Option{}, fmt.Errorf("unknown option type %v: %w", o.Type, ErrDecode)
	}
	if size < want {
		return Option{}, fmt.Errorf("%v option size %d, need %d: %w", o.Type, size, want, ErrDecode)
	}
	switch o.Type {
	case TypeDst:
		ip := netip.AddrFrom4([4]byte(b[4:8]))
		o.Dst = netip.AddrPortFrom(ip, get16(b[8:10]))
	case TypePeer:
		o.PeerIP = netip.AddrFrom4([4]byte(b[4:8]))
		copy(o.PeerMAC[:], b[8:14])
	}
	return o, nil
}

// decodeTCP parses pkt and requires an unfragmented IPv4 TCP segment.
func decodeTCP(q *packet.Parsed, pkt []byte) error {
	q.Decode(pkt)
	if q.IPVersion != 4 || q.IPProto != ipproto.TCP {
		return ErrNotTCP
	}
	return nil
}

// decodeUDP parses pkt and requires an unfragmented IPv4 UDP datagram.
func decodeUDP(q *packet.Parsed, pkt []byte) error {
	q.Decode(pkt)
	if q.IPVersion != 4 || q.IPProto != ipproto.UDP {
		return ErrNotUDP
	}
	return nil
}

var (
	get16 = binary.BigEndian.Uint16
	get32 = binary.BigEndian.Uint32
	put16 = binary.BigEndian.PutUint16
	put32 = binary.BigEndian.PutUint32
)
