// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"errors"

	"natcap.dev/net/packet"
	"natcap.dev/net/packet/checksum"
)

// SegmentTCP splits the TCP segment pkt into segments carrying at most
// mss payload bytes each. Headers and options are copied to every
// segment; sequence numbers and IP IDs advance; FIN and PSH are only
// kept on the last segment. A segment that already fits is returned
// as the only element.
func SegmentTCP(pkt []byte, mss int) ([][]byte, error) {
	if mss <= 0 {
		return nil, errors.New("wire: non-positive mss")
	}
	var q packet.Parsed
	if err := decodeTCP(&q, pkt); err != nil {
		return nil, err
	}
	payload := q.Payload()
	if len(payload) <= mss {
		return [][]byte{q.Trim()}, nil
	}
	ihl := q.IPHeaderLen()
	hdr := pkt[:ihl+q.TransportHeaderLen()]
	seq := q.TCPSeq()
	id := q.IPID()
	flags := pkt[ihl+13]

	segs := make([][]byte, 0, (len(payload)+mss-1)/mss)
	for off := 0; off < len(payload); off += mss {
		end := min(off+mss, len(payload))
		seg := make([]byte, 0, len(hdr)+end-off)
		seg = append(seg, hdr...)
		seg = append(seg, payload[off:end]...)

		put16(seg[2:4], uint16(len(seg)))
		put16(seg[4:6], id+uint16(len(segs)))
		put32(seg[ihl+4:], seq+uint32(off))
		if end < len(payload) {
			seg[ihl+13] = flags &^ byte(packet.TCPFin|packet.TCPPsh)
		}
		if err := checksum.UpdateAll(seg); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
