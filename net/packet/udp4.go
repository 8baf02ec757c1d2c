// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import "natcap.dev/types/ipproto"

// UDP4Header represents an IPv4+UDP packet header.
type UDP4Header struct {
	IP4Header
	SrcPort uint16
	DstPort uint16
}

const (
	udpHeaderLength = 8
	// udpTotalHeaderLength is the length of all headers in a UDP packet.
	udpTotalHeaderLength = ip4HeaderLength + udpHeaderLength
)

// Len implements Header.
func (UDP4Header) Len() int {
	return udpTotalHeaderLength
}

// Marshal implements Header.
func (h UDP4Header) Marshal(buf []byte) error {
	if len(buf) < udpTotalHeaderLength {
		return errSmallBuffer
	}
	if len(buf) > maxPacketLength {
		return errLargePacket
	}
	// The caller does not need to set this.
	h.IPProto = ipproto.UDP

	length := len(buf) - h.IP4Header.Len()
	put16(buf[20:22], h.SrcPort)
	put16(buf[22:24], h.DstPort)
	put16(buf[24:26], uint16(length))
	put16(buf[26:28], 0) // blank checksum

	// UDP checksum with IP pseudo header.
	h.IP4Header.marshalPseudo(buf)
	put16(buf[26:28], ip4Checksum(buf[ip4PseudoHeaderOffset:]))

	h.IP4Header.Marshal(buf)

	return nil
}

// ToResponse implements Header.
func (h *UDP4Header) ToResponse() {
	h.SrcPort, h.DstPort = h.DstPort, h.SrcPort
	h.IP4Header.ToResponse()
}
