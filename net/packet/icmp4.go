// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import "natcap.dev/types/ipproto"

// icmp4HeaderLength is the size of the ICMPv4 packet header, not
// including the outer IP layer or the variable "response data"
// trailer.
const icmp4HeaderLength = 4

// icmp4EchoLength is the size of an echo header: type, code,
// checksum, identifier and sequence number.
const icmp4EchoLength = 8

// ICMP4Type is an ICMPv4 type, as specified in
// https://www.iana.org/assignments/icmp-parameters/icmp-parameters.xhtml
type ICMP4Type uint8

const (
	ICMP4EchoReply    ICMP4Type = 0x00
	ICMP4EchoRequest  ICMP4Type = 0x08
	ICMP4Unreachable  ICMP4Type = 0x03
	ICMP4TimeExceeded ICMP4Type = 0x0b
)

func (t ICMP4Type) String() string {
	switch t {
	case ICMP4EchoReply:
		return "EchoReply"
	case ICMP4EchoRequest:
		return "EchoRequest"
	case ICMP4Unreachable:
		return "Unreachable"
	case ICMP4TimeExceeded:
		return "TimeExceeded"
	default:
		return "Unknown"
	}
}

// ICMP4Code is an ICMPv4 code, as specified in
// https://www.iana.org/assignments/icmp-parameters/icmp-parameters.xhtml
type ICMP4Code uint8

const (
	ICMP4NoCode ICMP4Code = 0
)

// ICMP4EchoHeader is an IPv4+ICMPv4 echo request or reply header.
type ICMP4EchoHeader struct {
	IP4Header
	Type ICMP4Type
	ID   uint16
	Seq  uint16
}

// Len implements Header.
func (h ICMP4EchoHeader) Len() int {
	return h.IP4Header.Len() + icmp4EchoLength
}

// Marshal implements Header.
func (h ICMP4EchoHeader) Marshal(buf []byte) error {
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	if len(buf) > maxPacketLength {
		return errLargePacket
	}
	// The caller does not need to set this.
	h.IPProto = ipproto.ICMPv4

	icmp := buf[ip4HeaderLength:]
	icmp[0] = uint8(h.Type)
	icmp[1] = uint8(ICMP4NoCode)
	put16(icmp[2:4], 0)
	put16(icmp[4:6], h.ID)
	put16(icmp[6:8], h.Seq)
	put16(icmp[2:4], ip4Checksum(icmp))

	return h.IP4Header.Marshal(buf)
}
