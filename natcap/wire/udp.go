// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"natcap.dev/net/packet"
	"natcap.dev/net/packet/checksum"
	"natcap.dev/types/ipproto"
)

// Magic marks a TCP segment disguised as a UDP datagram. It sits right
// after the 8-byte UDP header.
const Magic = 0xFFFF0099

// TrailerLen is the number of bytes EncodeUDP adds to a segment.
const TrailerLen = 8

// portsLen is the length of the source and destination ports shared by
// the TCP and UDP headers.
const portsLen = 4

// EncodeUDP disguises the TCP segment pkt as a UDP datagram. It inserts
// a UDP length, a UDP checksum and Magic after the ports, rewrites the
// IP protocol to UDP and returns the grown packet.
func EncodeUDP(pkt []byte) ([]byte, error) {
	var q packet.Parsed
	if err := decodeTCP(&q, pkt); err != nil {
		return nil, err
	}
	ihl, tot := q.IPHeaderLen(), q.Len()
	if tot+TrailerLen > maxIPv4Len {
		return nil, ErrNoRoom
	}
	at := ihl + portsLen
	out := make([]byte, tot+TrailerLen)
	copy(out, pkt[:at])
	put16(out[at:], uint16(tot-ihl+TrailerLen))
	put16(out[at+2:], 0)
	put32(out[at+4:], Magic)
	copy(out[at+TrailerLen:], pkt[at:tot])

	out[9] = uint8(ipproto.UDP)
	put16(out[2:4], uint16(tot+TrailerLen))
	if err := checksum.UpdateAll(out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsDisguised reports whether pkt is a UDP datagram carrying Magic.
func IsDisguised(pkt []byte) bool {
	var q packet.Parsed
	if decodeUDP(&q, pkt) != nil {
		return false
	}
	tr := q.Transport()
	return len(tr) >= TrailerLen+tcpBaseHeaderLen && get32(tr[8:12]) == Magic
}

// DecodeUDP reverses EncodeUDP in place and returns the shortened
// packet. It returns ErrDecode if pkt is a UDP datagram without Magic
// or too short to hold a TCP header once unwrapped.
func DecodeUDP(pkt []byte) ([]byte, error) {
	var q packet.Parsed
	if err := decodeUDP(&q, pkt); err != nil {
		return nil, err
	}
	if !IsDisguised(pkt) {
		return nil, ErrDecode
	}
	ihl, tot := q.IPHeaderLen(), q.Len()
	at := ihl + portsLen
	copy(pkt[at:], pkt[at+TrailerLen:tot])
	out := pkt[:tot-TrailerLen]

	out[9] = uint8(ipproto.TCP)
	put16(out[2:4], uint16(tot-TrailerLen))
	if err := checksum.UpdateAll(out); err != nil {
		return nil, ErrDecode
	}
	return out, nil
}
