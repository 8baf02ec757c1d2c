// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"fmt"

	"natcap.dev/net/packet"
	"natcap.dev/net/packet/checksum"
)

const (
	tcpBaseHeaderLen = 20
	tcpMaxHeaderLen  = 60
	maxIPv4Len       = 0xFFFF
)

// EncodeTCPOption inserts o directly after the base TCP header of pkt,
// ahead of any existing options, and returns the grown packet. It
// returns ErrNoRoom if the TCP header would exceed 60 bytes.
func EncodeTCPOption(pkt []byte, o Option) ([]byte, error) {
	var q packet.Parsed
	if err := decodeTCP(&q, pkt); err != nil {
		return nil, err
	}
	size := o.Size()
	if size == 0 {
		return nil, fmt.Errorf("encode %v: %w", o.Type, ErrDecode)
	}
	ihl, thl, tot := q.IPHeaderLen(), q.TransportHeaderLen(), q.Len()
	if thl+size > tcpMaxHeaderLen || tot+size > maxIPv4Len {
		return nil, ErrNoRoom
	}

	at := ihl + tcpBaseHeaderLen
	out := make([]byte, 0, tot+size)
	out = append(out, pkt[:at]...)
	out = o.AppendTo(out)
	out = append(out, pkt[at:tot]...)

	out[ihl+12] = byte((thl+size)/4)<<4 | out[ihl+12]&0x0F
	put16(out[2:4], uint16(tot+size))
	if err := checksum.UpdateAll(out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeTCPOption returns the natcap option block that directly follows
// the base TCP header of pkt. A missing block is reported with
// found=false and no error. A block whose declared size does not fit
// the TCP header, or is too small for its type, is an ErrDecode.
func DecodeTCPOption(pkt []byte) (o Option, found bool, err error) {
	var q packet.Parsed
	if err := decodeTCP(&q, pkt); err != nil {
		return Option{}, false, err
	}
	opts := q.TCPOptions()
	if len(opts) < headerSize || !Op(opts[0]).valid() {
		return Option{}, false, nil
	}
	o, err = ParseOption(opts)
	if err != nil {
		return Option{}, true, err
	}
	return o, true, nil
}

// StripTCPOption removes the natcap option block that directly follows
// the base TCP header of pkt, if any, and returns the shortened packet.
// The removal happens in place.
func StripTCPOption(pkt []byte) ([]byte, error) {
	var q packet.Parsed
	if err := decodeTCP(&q, pkt); err != nil {
		return nil, err
	}
	opts := q.TCPOptions()
	if len(opts) < headerSize || !Op(opts[0]).valid() {
		return pkt, nil
	}
	if _, err := ParseOption(opts); err != nil {
		return nil, err
	}
	// Remove the declared size, which may exceed the type's minimum.
	size := int(opts[1])
	ihl, thl, tot := q.IPHeaderLen(), q.TransportHeaderLen(), q.Len()
	at := ihl + tcpBaseHeaderLen
	copy(pkt[at:], pkt[at+size:tot])
	out := pkt[:tot-size]

	out[ihl+12] = byte((thl-size)/4)<<4 | out[ihl+12]&0x0F
	put16(out[2:4], uint16(tot-size))
	if err := checksum.UpdateAll(out); err != nil {
		return nil, err
	}
	return out, nil
}
