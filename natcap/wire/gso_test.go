// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wire

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func mustAP(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestSegmentTCP(t *testing.T) {
	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i)
	}
	ip := ip4Layer(layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 80,
		Seq:     0xFFFFFF00, // wraps
		Ack:     7,
		ACK:     true,
		PSH:     true,
		FIN:     true,
		Window:  1000,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindNop}, {OptionType: layers.TCPOptionKindNop}, {
			OptionType:   layers.TCPOptionKindTimestamps,
			OptionLength: 10,
			OptionData:   []byte{0, 0, 0, 1, 0, 0, 0, 2},
		}},
	}
	tcp.SetNetworkLayerForChecksum(ip)
	orig := serialize(t, ip, tcp, gopacket.Payload(bytes.Clone(payload)))

	segs, err := SegmentTCP(orig, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments; want 3", len(segs))
	}
	var got []byte
	for i, seg := range segs {
		checkSums(t, seg)
		l := decodeTCPLayer(t, seg)
		if want := tcp.Seq + uint32(i*1000); l.Seq != want {
			t.Errorf("seg %d: seq %#x; want %#x", i, l.Seq, want)
		}
		if l.Ack != 7 || !l.ACK {
			t.Errorf("seg %d: ack %d/%v", i, l.Ack, l.ACK)
		}
		last := i == len(segs)-1
		if l.FIN != last || l.PSH != last {
			t.Errorf("seg %d: FIN=%v PSH=%v", i, l.FIN, l.PSH)
		}
		if len(l.Options) != 3 {
			t.Errorf("seg %d: %d options", i, len(l.Options))
		}
		if id := uint16(seg[4])<<8 | uint16(seg[5]); id != 0x1000+uint16(i) {
			t.Errorf("seg %d: IP ID %#x", i, id)
		}
		got = append(got, l.Payload...)
	}
	if !bytes.Equal(got, payload) {
		t.Error("reassembled payload differs")
	}

	one, err := SegmentTCP(orig, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || !bytes.Equal(one[0], orig) {
		t.Errorf("segment that fits was changed")
	}
	if _, err := SegmentTCP(orig, 0); err == nil {
		t.Error("mss 0 accepted")
	}
}

func TestAdjustMSS(t *testing.T) {
	tests := []struct {
		name string
		opts []layers.TCPOption
	}{
		{"even-offset", []layers.TCPOption{mssOpt}},
		{"odd-offset", []layers.TCPOption{{OptionType: layers.TCPOptionKindNop}, mssOpt, {OptionType: layers.TCPOptionKindNop}, {OptionType: layers.TCPOptionKindNop}, {OptionType: layers.TCPOptionKindNop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tcpPacket(t, true, nil, tt.opts...)
			if !AdjustMSS(b, -8) {
				t.Fatal("AdjustMSS = false")
			}
			checkSums(t, b)
			l := decodeTCPLayer(t, b)
			for _, o := range l.Options {
				if o.OptionType == layers.TCPOptionKindMSS {
					if got := uint16(o.OptionData[0])<<8 | uint16(o.OptionData[1]); got != 1452 {
						t.Errorf("MSS = %d; want 1452", got)
					}
					return
				}
			}
			t.Error("MSS option vanished")
		})
	}
	if AdjustMSS(tcpPacket(t, false, nil), -8) {
		t.Error("AdjustMSS without MSS option = true")
	}
}
