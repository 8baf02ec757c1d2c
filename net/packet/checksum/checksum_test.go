// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package checksum

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"natcap.dev/net/packet"
	"natcap.dev/types/ipproto"
)

var (
	srcIP = netip.MustParseAddr("192.168.1.10")
	dstIP = netip.MustParseAddr("93.184.216.34")
	natIP = netip.MustParseAddr("10.0.0.1")
)

func tcpPacket(src, dst netip.Addr, sport, dport uint16) []byte {
	return packet.Generate(packet.TCP4Header{
		IP4Header: packet.IP4Header{IPID: 7, Src: src, Dst: dst},
		SrcPort:   sport,
		DstPort:   dport,
		Seq:       1000,
		Ack:       2000,
		Flags:     packet.TCPAck | packet.TCPPsh,
		Window:    512,
	}, []byte("hello, world"))
}

func udpPacket(src, dst netip.Addr, sport, dport uint16) []byte {
	return packet.Generate(packet.UDP4Header{
		IP4Header: packet.IP4Header{IPID: 7, Src: src, Dst: dst},
		SrcPort:   sport,
		DstPort:   dport,
	}, []byte("datagram"))
}

func TestUpdateAddrs(t *testing.T) {
	tests := []struct {
		name   string
		build  func(src, dst netip.Addr, sport, dport uint16) []byte
		mutate func(*packet.Parsed)
		want   []byte
	}{
		{
			name:   "tcp-dst",
			build:  tcpPacket,
			mutate: func(q *packet.Parsed) { UpdateDstAddr(q, natIP) },
			want:   tcpPacket(srcIP, natIP, 40000, 443),
		},
		{
			name:   "tcp-src",
			build:  tcpPacket,
			mutate: func(q *packet.Parsed) { UpdateSrcAddr(q, natIP) },
			want:   tcpPacket(natIP, dstIP, 40000, 443),
		},
		{
			name:  "tcp-dst-addr-port",
			build: tcpPacket,
			mutate: func(q *packet.Parsed) {
				UpdateDstAddr(q, natIP)
				UpdateDstPort(q, 8443)
			},
			want: tcpPacket(srcIP, natIP, 40000, 8443),
		},
		{
			name:   "tcp-src-port",
			build:  tcpPacket,
			mutate: func(q *packet.Parsed) { UpdateSrcPort(q, 1) },
			want:   tcpPacket(srcIP, dstIP, 1, 443),
		},
		{
			name:  "udp-dst-addr-port",
			build: udpPacket,
			mutate: func(q *packet.Parsed) {
				UpdateDstAddr(q, natIP)
				UpdateDstPort(q, 5353)
			},
			want: udpPacket(srcIP, natIP, 40000, 5353),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.build(srcIP, dstIP, 40000, 443)
			var q packet.Parsed
			q.Decode(b)
			tt.mutate(&q)
			if diff := cmp.Diff(tt.want, b); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}

			var got packet.Parsed
			got.Decode(b)
			if got.Src != q.Src || got.Dst != q.Dst {
				t.Errorf("Parsed not kept in sync: have %v > %v, buffer says %v > %v", q.Src, q.Dst, got.Src, got.Dst)
			}
		})
	}
}

func TestUpdateAll(t *testing.T) {
	for _, b := range [][]byte{
		tcpPacket(srcIP, dstIP, 1, 2),
		udpPacket(srcIP, dstIP, 1, 2),
		packet.Generate(packet.ICMP4EchoHeader{
			IP4Header: packet.IP4Header{Src: srcIP, Dst: dstIP},
			Type:      packet.ICMP4EchoRequest,
			ID:        1,
			Seq:       2,
		}, []byte("ping")),
	} {
		want := bytes.Clone(b)
		// Scribble over both checksums.
		b[10], b[11] = 0xAA, 0xBB
		var q packet.Parsed
		q.Decode(b)
		tr := q.Transport()
		switch q.IPProto {
		case ipproto.TCP:
			tr[16], tr[17] = 0xCC, 0xDD
		case ipproto.UDP:
			tr[6], tr[7] = 0xCC, 0xDD
		case ipproto.ICMPv4:
			tr[2], tr[3] = 0xCC, 0xDD
		}
		if err := UpdateAll(b); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, b); diff != "" {
			t.Errorf("%v: mismatch (-want +got):\n%s", q.IPProto, diff)
		}
	}
}

// onesSum folds b into a 16-bit ones' complement sum.
func onesSum(b []byte) uint16 {
	var s uint32
	for i := 0; i+1 < len(b); i += 2 {
		s += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		s += uint32(b[len(b)-1]) << 8
	}
	for s > 0xffff {
		s = s>>16 + s&0xffff
	}
	return uint16(s)
}

func TestUpdateAllICMPPayload(t *testing.T) {
	for _, payload := range []string{"", "ping", "odd", "a longer echo payload of some bytes"} {
		b := packet.Generate(packet.ICMP4EchoHeader{
			IP4Header: packet.IP4Header{Src: srcIP, Dst: dstIP},
			Type:      packet.ICMP4EchoRequest,
			ID:        7,
			Seq:       9,
		}, []byte(payload))
		var q packet.Parsed
		q.Decode(b)
		tr := q.Transport()
		tr[2], tr[3] = 0, 0
		if err := UpdateAll(b); err != nil {
			t.Fatal(err)
		}
		if got := onesSum(q.Transport()); got != 0xffff {
			t.Errorf("payload %q: ICMP sum = %#04x; want 0xffff", payload, got)
		}
	}
}

func TestUpdateAllShort(t *testing.T) {
	b := tcpPacket(srcIP, dstIP, 1, 2)
	if err := UpdateAll(b[:10]); err == nil {
		t.Error("UpdateAll on 10 bytes succeeded")
	}
	if err := UpdateAll(b[:30]); err == nil {
		t.Error("UpdateAll on truncated packet succeeded")
	}
}

func TestUpdate(t *testing.T) {
	// Changing a field and back must round-trip the checksum.
	sum := []byte{0x12, 0x34}
	Update(sum, []byte{0, 1, 2, 3}, []byte{4, 5, 6, 7})
	Update(sum, []byte{4, 5, 6, 7}, []byte{0, 1, 2, 3})
	if !bytes.Equal(sum, []byte{0x12, 0x34}) {
		t.Errorf("sum = %x; want 1234", sum)
	}
}
