// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import "natcap.dev/types/ipproto"

// maxTCPOptionsLength is the room left for options by the 4-bit data
// offset field.
const maxTCPOptionsLength = 60 - tcpHeaderLength

// TCP4Header represents an IPv4+TCP packet header, options included.
type TCP4Header struct {
	IP4Header
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlag
	Window  uint16
	// Options is the raw options area. Its length must be a multiple
	// of 4 and at most 40.
	Options []byte
}

// Len implements Header.
func (h TCP4Header) Len() int {
	return ip4HeaderLength + tcpHeaderLength + len(h.Options)
}

// Marshal implements Header.
func (h TCP4Header) Marshal(buf []byte) error {
	if len(h.Options)%4 != 0 || len(h.Options) > maxTCPOptionsLength {
		return errBadOptions
	}
	if len(buf) < h.Len() {
		return errSmallBuffer
	}
	if len(buf) > maxPacketLength {
		return errLargePacket
	}
	// The caller does not need to set this.
	h.IPProto = ipproto.TCP

	tcp := buf[ip4HeaderLength:]
	doff := tcpHeaderLength + len(h.Options)
	put16(tcp[0:2], h.SrcPort)
	put16(tcp[2:4], h.DstPort)
	put32(tcp[4:8], h.Seq)
	put32(tcp[8:12], h.Ack)
	tcp[12] = byte(doff/4) << 4
	tcp[13] = byte(h.Flags)
	put16(tcp[14:16], h.Window)
	put16(tcp[16:18], 0) // blank checksum
	put16(tcp[18:20], 0) // urgent pointer
	copy(tcp[tcpHeaderLength:doff], h.Options)

	// TCP checksum with IP pseudo header.
	h.IP4Header.marshalPseudo(buf)
	put16(tcp[16:18], ip4Checksum(buf[ip4PseudoHeaderOffset:]))

	h.IP4Header.Marshal(buf)

	return nil
}

// ToResponse implements Header. It swaps addresses and ports; sequence
// numbers and flags are left for the caller.
func (h *TCP4Header) ToResponse() {
	h.SrcPort, h.DstPort = h.DstPort, h.SrcPort
	h.IP4Header.ToResponse()
}
