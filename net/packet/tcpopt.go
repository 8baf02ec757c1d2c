// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

// TCP option kinds understood by the packet path.
const (
	TCPOptEOL = 0
	TCPOptNOP = 1
	TCPOptMSS = 2
)

// mssOptionLength is the length of an MSS option.
const mssOptionLength = 4

// FindTCPOption walks the TCP options area opts and returns the offset
// and declared length of the first option of the given kind.
// It stops at the end-of-list option and at any malformed length.
func FindTCPOption(opts []byte, kind uint8) (off, n int, ok bool) {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case TCPOptEOL:
			return 0, 0, false
		case TCPOptNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return 0, 0, false
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return 0, 0, false
		}
		if opts[i] == kind {
			return i, l, true
		}
		i += l
	}
	return 0, 0, false
}

// AppendMSSOption appends an MSS option advertising mss to b.
func AppendMSSOption(b []byte, mss uint16) []byte {
	return append(b, TCPOptMSS, mssOptionLength, byte(mss>>8), byte(mss))
}

// MSS returns the value of the MSS option in q, if any.
func (q *Parsed) MSS() (mss uint16, ok bool) {
	opts := q.TCPOptions()
	off, n, ok := FindTCPOption(opts, TCPOptMSS)
	if !ok || n != mssOptionLength {
		return 0, false
	}
	return get16(opts[off+2:]), true
}
