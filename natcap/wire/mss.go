// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"natcap.dev/net/packet"
	"natcap.dev/net/packet/checksum"
)

// AdjustMSS adds delta to the MSS option of the TCP segment pkt in
// place, clamping at zero and 65535, and patches the TCP checksum
// incrementally. It reports whether an MSS option was found.
func AdjustMSS(pkt []byte, delta int) bool {
	var q packet.Parsed
	if decodeTCP(&q, pkt) != nil {
		return false
	}
	old, ok := q.MSS()
	if !ok {
		return false
	}
	mss := min(max(int(old)+delta, 0), 0xFFFF)
	opts := q.TCPOptions()
	off, _, _ := packet.FindTCPOption(opts, packet.TCPOptMSS)
	field := opts[off+2 : off+4]

	var oldb, newb [2]byte
	put16(oldb[:], old)
	put16(newb[:], uint16(mss))
	copy(field, newb[:])
	if off%2 == 1 {
		// The field straddles two checksum words; its contribution
		// to the sum is byte-swapped.
		oldb[0], oldb[1] = oldb[1], oldb[0]
		newb[0], newb[1] = newb[1], newb[0]
	}
	tr := q.Transport()
	checksum.Update(tr[16:18], oldb[:], newb[:])
	return true
}
