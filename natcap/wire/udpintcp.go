// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"fmt"

	"natcap.dev/net/packet"
	"natcap.dev/net/packet/checksum"
	"natcap.dev/types/ipproto"
)

const (
	udpHeaderLen = 8
	// udpInTCPGrowth is how much EncodeUDPInTCP grows a datagram: a
	// 20-byte TCP header plus a TypeUDP option replace the UDP header.
	udpInTCPGrowth = tcpBaseHeaderLen + SizeUDP - udpHeaderLen
)

// EncodeUDPInTCP frames the UDP datagram pkt as a TCP PSH|ACK segment
// with sequence number zero carrying a TypeUDP option, and returns the
// grown packet.
func EncodeUDPInTCP(pkt []byte, enc bool) ([]byte, error) {
	var q packet.Parsed
	if err := decodeUDP(&q, pkt); err != nil {
		return nil, err
	}
	ihl, tot := q.IPHeaderLen(), q.Len()
	if tot+udpInTCPGrowth > maxIPv4Len {
		return nil, ErrNoRoom
	}
	payload := q.Payload()

	out := make([]byte, 0, tot+udpInTCPGrowth)
	out = append(out, pkt[:ihl]...)
	out = append(out, pkt[ihl:ihl+portsLen]...) // ports
	out = append(out,
		0, 0, 0, 0, // seq
		0, 0, 0, 0, // ack
		byte((tcpBaseHeaderLen+SizeUDP)/4)<<4,
		byte(packet.TCPPsh|packet.TCPAck),
		0xFF, 0xFF, // window
		0, 0, // checksum
		0, 0, // urgent
	)
	out = UDPOption(enc).AppendTo(out)
	out = append(out, payload...)

	out[9] = uint8(ipproto.TCP)
	put16(out[2:4], uint16(len(out)))
	if err := checksum.UpdateAll(out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeUDPInTCP reverses EncodeUDPInTCP in place. It returns ErrDecode
// if the segment does not start its options with a TypeUDP block.
func DecodeUDPInTCP(pkt []byte) ([]byte, Option, error) {
	o, found, err := DecodeTCPOption(pkt)
	if err != nil {
		return nil, Option{}, err
	}
	if !found || o.Op != OpUDPEnc || o.Type != TypeUDP {
		return nil, Option{}, fmt.Errorf("no UDP framing option: %w", ErrDecode)
	}
	var q packet.Parsed
	q.Decode(pkt)
	ihl, tot := q.IPHeaderLen(), q.Len()
	dataofs := ihl + q.TransportHeaderLen()
	plen := tot - dataofs

	at := ihl + udpHeaderLen
	copy(pkt[at:], pkt[dataofs:tot])
	out := pkt[:at+plen]
	put16(out[ihl+4:], uint16(udpHeaderLen+plen))
	put16(out[ihl+6:], 0)

	out[9] = uint8(ipproto.UDP)
	put16(out[2:4], uint16(len(out)))
	if err := checksum.UpdateAll(out); err != nil {
		return nil, Option{}, err
	}
	return out, o, nil
}
