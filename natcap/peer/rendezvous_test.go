// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package peer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"natcap.dev/natcap/flowstatus"
	"natcap.dev/natcap/wire"
	"natcap.dev/net/flowtrack"
	"natcap.dev/net/hook"
	"natcap.dev/net/packet"
	"natcap.dev/net/packet/checksum"
	"natcap.dev/types/ipproto"
	"natcap.dev/types/logger"
)

var (
	clientIP  = netip.MustParseAddr("192.168.7.2")
	serverIP  = netip.MustParseAddr("203.0.113.50")
	clientMAC = wire.MAC{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0x01}
	serverMAC = wire.MAC{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0x02}
)

// capture is an Emitter recording what it is asked to send.
type capture struct {
	pts  []hook.Point
	pkts [][]byte
	err  error
}

func (c *capture) Emit(pt hook.Point, b []byte) error {
	if c.err != nil {
		return c.err
	}
	c.pts = append(c.pts, pt)
	c.pkts = append(c.pkts, b)
	return nil
}

func ping(ttl uint8, seq uint16) []byte {
	return packet.Generate(packet.ICMP4EchoHeader{
		IP4Header: packet.IP4Header{
			IPID: 0x4242,
			TTL:  ttl,
			Src:  clientIP,
			Dst:  serverIP,
		},
		Type: packet.ICMP4EchoRequest,
		ID:   77,
		Seq:  seq,
	}, []byte("abcdefgh"))
}

func segment(src, dst netip.Addr, sport, dport uint16, seq uint32, flags packet.TCPFlag, opts []byte) []byte {
	return packet.Generate(packet.TCP4Header{
		IP4Header: packet.IP4Header{
			IPProto: ipproto.TCP,
			Src:     src,
			Dst:     dst,
		},
		SrcPort: sport,
		DstPort: dport,
		Seq:     seq,
		Flags:   flags,
		Window:  1024,
		Options: opts,
	}, nil)
}

type decoded struct {
	ip   *layers.IPv4
	tcp  *layers.TCP
	opts map[layers.TCPOptionKind][]byte
}

func decode(t *testing.T, b []byte) decoded {
	t.Helper()
	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	if el := pkt.ErrorLayer(); el != nil {
		t.Fatalf("decode: %v", el.Error())
	}
	ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if ip == nil || tcp == nil {
		t.Fatalf("not IPv4/TCP: %v", pkt)
	}
	d := decoded{ip: ip, tcp: tcp, opts: map[layers.TCPOptionKind][]byte{}}
	for _, o := range tcp.Options {
		d.opts[o.OptionType] = o.OptionData
	}
	// Verify checksums independently of the code under test.
	tcp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	sopts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, sopts, ip, tcp, gopacket.Payload(tcp.Payload)); err != nil {
		t.Fatal(err)
	}
	if got, want := b, buf.Bytes(); string(got) != string(want) {
		t.Fatalf("checksums differ from a fresh serialization:\n got %x\nwant %x", got, want)
	}
	return d
}

func newPair(t *testing.T) (*Client, *Server) {
	cl := NewClient(ClientOptions{
		Logf:    logger.Discard,
		MAC:     clientMAC,
		PathMTU: func(netip.Addr) int { return 1400 },
	})
	srv := NewServer(ServerOptions{Logf: logger.Discard, MAC: serverMAC})
	return cl, srv
}

func TestRendezvous(t *testing.T) {
	c := qt.New(t)
	cl, srv := newPair(t)
	pingsBefore := metricPingSent.Value()

	// Ping: the echo becomes a SYN towards the server.
	var out capture
	p := hook.NewPacket(hook.PostRouting, ping(1, 130))
	c.Assert(cl.PingHook(p, &out), qt.Equals, hook.Consumed)
	c.Assert(out.pkts, qt.HasLen, 1)
	c.Assert(out.pts[0], qt.Equals, hook.PostRouting)
	c.Assert(metricPingSent.Value()-pingsBefore, qt.Equals, int64(1))

	syn := decode(t, out.pkts[0])
	c.Check(syn.ip.TTL, qt.Equals, uint8(255))
	c.Check(syn.ip.Id, qt.Equals, uint16(0x4242))
	c.Check(syn.ip.SrcIP.String(), qt.Equals, clientIP.String())
	c.Check(syn.ip.DstIP.String(), qt.Equals, serverIP.String())
	c.Check(syn.tcp.SYN && !syn.tcp.ACK, qt.IsTrue)
	c.Check(syn.tcp.Window, qt.Equals, uint16(65535))
	c.Check(syn.tcp.SrcPort >= FirstMapPort && syn.tcp.DstPort >= FirstMapPort, qt.IsTrue)
	c.Check(binary.BigEndian.Uint16(syn.opts[layers.TCPOptionKindMSS]), qt.Equals, uint16(1360))
	peerOpt := syn.opts[layers.TCPOptionKind(wire.OpPeer)]
	c.Assert(peerOpt, qt.HasLen, wire.SizePeer-2)
	c.Check(peerOpt[0], qt.Equals, byte(wire.TypePeer))
	c.Check(net.IP(peerOpt[2:6]).String(), qt.Equals, clientIP.String())
	c.Check(wire.MAC(peerOpt[6:12]), qt.Equals, clientMAC)

	synTuple := flowtrack.MakeTuple(ipproto.TCP,
		netip.AddrPortFrom(clientIP, uint16(syn.tcp.SrcPort)),
		netip.AddrPortFrom(serverIP, uint16(syn.tcp.DstPort)))
	x, ok := cl.Expectation(synTuple)
	c.Assert(ok, qt.IsTrue)
	c.Check(x.PI, qt.Equals, 130%MaxPeerServerPort)
	c.Check(x.LocalSeq, qt.Equals, syn.tcp.Seq)
	c.Check(x.Status().Has(flowstatus.IsPeer), qt.IsTrue)
	_, done := x.Pong()
	c.Check(done, qt.IsFalse)

	// Pong: the server answers the SYN straight back.
	var back capture
	p = hook.NewPacket(hook.PreRouting, out.pkts[0])
	c.Assert(srv.PongHook(p, &back), qt.Equals, hook.Consumed)
	c.Assert(back.pkts, qt.HasLen, 1)

	pong := decode(t, back.pkts[0])
	c.Check(pong.ip.TTL, qt.Equals, uint8(255))
	c.Check(pong.ip.Id, qt.Equals, uint16(0xDEAD))
	c.Check(pong.ip.SrcIP.String(), qt.Equals, serverIP.String())
	c.Check(pong.ip.DstIP.String(), qt.Equals, clientIP.String())
	c.Check(pong.tcp.SrcPort, qt.Equals, syn.tcp.DstPort)
	c.Check(pong.tcp.DstPort, qt.Equals, syn.tcp.SrcPort)
	c.Check(pong.tcp.SYN && pong.tcp.ACK, qt.IsTrue)
	c.Check(pong.tcp.Ack, qt.Equals, syn.tcp.Seq+1)
	c.Check(pong.tcp.Window, qt.Equals, uint16(65535))
	c.Check(binary.BigEndian.Uint16(pong.opts[layers.TCPOptionKindMSS]), qt.Equals, uint16(536))
	pongOpt := pong.opts[layers.TCPOptionKind(wire.OpPeer)]
	c.Assert(pongOpt, qt.HasLen, wire.SizePeer-2)
	c.Check(net.IP(pongOpt[2:6]).String(), qt.Equals, serverIP.String())
	c.Check(wire.MAC(pongOpt[6:12]), qt.Equals, serverMAC)

	u, ok := srv.Users().Get(clientMAC)
	c.Assert(ok, qt.IsTrue)
	c.Check(u.MapPort(), qt.Not(qt.Equals), uint16(0))
	c.Check(u.IP(), qt.Equals, clientIP)
	c.Check(u.DeclaredIP(), qt.Equals, clientIP)
	c.Check(u.SubFlows(), qt.HasLen, 1)

	// Pong receipt: the client records the server's sequence.
	p = hook.NewPacket(hook.PreRouting, back.pkts[0])
	c.Assert(cl.PongReceiptHook(p, nil), qt.Equals, hook.Consumed)
	got, done := x.Pong()
	c.Assert(done, qt.IsTrue)
	c.Check(got, qt.Equals, Pong{Seq: pong.tcp.Seq, IP: serverIP, MAC: serverMAC})

	// The same sequence slot reuses the tuple and local sequence.
	var again capture
	c.Assert(cl.PingHook(hook.NewPacket(hook.PostRouting, ping(1, 130+MaxPeerServerPort)), &again), qt.Equals, hook.Consumed)
	syn2 := decode(t, again.pkts[0])
	c.Check(syn2.tcp.SrcPort, qt.Equals, syn.tcp.SrcPort)
	c.Check(syn2.tcp.DstPort, qt.Equals, syn.tcp.DstPort)
	c.Check(syn2.tcp.Seq, qt.Equals, syn.tcp.Seq)
}

func TestPingIgnored(t *testing.T) {
	c := qt.New(t)
	cl, _ := newPair(t)
	var out capture
	c.Assert(cl.PingHook(hook.NewPacket(hook.PostRouting, ping(64, 1)), &out), qt.Equals, hook.Accept)

	syn := segment(clientIP, serverIP, 1, 2, 0, packet.TCPSyn, nil)
	syn[8] = 1 // TTL
	c.Assert(cl.PingHook(hook.NewPacket(hook.PostRouting, syn), &out), qt.Equals, hook.Accept)
	c.Assert(out.pkts, qt.HasLen, 0)
}

func TestPingNoDescriptor(t *testing.T) {
	c := qt.New(t)
	cl, _ := newPair(t)
	for i := range MaxPeerServer {
		cl.Descriptors().Lookup(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}))
	}
	var out capture
	c.Assert(cl.PingHook(hook.NewPacket(hook.PostRouting, ping(1, 1)), &out), qt.Equals, hook.Consumed)
	c.Assert(out.pkts, qt.HasLen, 0)
}

func TestPingEmitError(t *testing.T) {
	c := qt.New(t)
	cl, _ := newPair(t)
	out := capture{err: errors.New("no route")}
	c.Assert(cl.PingHook(hook.NewPacket(hook.PostRouting, ping(1, 1)), &out), qt.Equals, hook.Consumed)
}

func TestPongHookIgnores(t *testing.T) {
	c := qt.New(t)
	cl, srv := newPair(t)
	var out capture

	// A plain SYN has no peer option.
	plain := segment(clientIP, serverIP, 1000, 80, 0, packet.TCPSyn, nil)
	c.Assert(srv.PongHook(hook.NewPacket(hook.PreRouting, plain), &out), qt.Equals, hook.Accept)

	// A SYN-ACK with a peer option nobody expects.
	stray := segment(serverIP, clientIP, 4000, 5000, 0, packet.TCPSynAck,
		wire.PeerOption(serverIP, serverMAC).AppendTo(nil))
	c.Assert(srv.PongHook(hook.NewPacket(hook.PreRouting, stray), &out), qt.Equals, hook.Accept)
	c.Assert(cl.PongReceiptHook(hook.NewPacket(hook.PreRouting, stray), nil), qt.Equals, hook.Accept)
	c.Assert(out.pkts, qt.HasLen, 0)
}

func TestPongOnPortExhaustion(t *testing.T) {
	c := qt.New(t)
	ports := new(PortMap)
	filler := &User{}
	for p := FirstMapPort; p <= lastMapPort; p++ {
		ports.slots[p].Store(filler)
	}
	srv := NewServer(ServerOptions{Logf: logger.Discard, MAC: serverMAC, Ports: ports})
	before := metricPortExhausted.Value()

	syn := segment(clientIP, serverIP, 3000, 4000, 99, packet.TCPSyn,
		wire.PeerOption(clientIP, clientMAC).AppendTo(nil))
	var out capture
	c.Assert(srv.PongHook(hook.NewPacket(hook.PreRouting, syn), &out), qt.Equals, hook.Consumed)
	c.Assert(out.pkts, qt.HasLen, 1)
	c.Assert(metricPortExhausted.Value()-before, qt.Equals, int64(1))
	c.Assert(decode(t, out.pkts[0]).tcp.Ack, qt.Equals, uint32(100))
}

func TestRegister(t *testing.T) {
	c := qt.New(t)
	cl, srv := newPair(t)
	ch := hook.NewChain(logger.Discard)
	undo := cl.Register(ch)
	undo2 := srv.Register(ch)
	c.Assert(ch.Names(hook.PostRouting), qt.DeepEquals, []string{"peer-ping"})
	c.Assert(ch.Names(hook.PreRouting), qt.DeepEquals, []string{"peer-pong-receipt", "peer-pong"})
	undo()
	undo2()
	c.Assert(ch.Names(hook.PreRouting), qt.HasLen, 0)
}

func TestPrune(t *testing.T) {
	c := qt.New(t)
	cl, _ := newPair(t)
	fn := &fakeNow{t: 1 << 40}
	cl.now = fn.now
	var out capture
	cl.PingHook(hook.NewPacket(hook.PostRouting, ping(1, 1)), &out)
	c.Assert(cl.Prune(), qt.Equals, 0)
	c.Assert(cl.Pending(), qt.Equals, 1)
	fn.advance(ExpectTimeout + 1)
	c.Assert(cl.Prune(), qt.Equals, 1)
	c.Assert(cl.Pending(), qt.Equals, 0)
}

func TestPongMSSFollowsPathMTU(t *testing.T) {
	c := qt.New(t)
	var asked netip.Addr
	srv := NewServer(ServerOptions{
		Logf: logger.Discard,
		MAC:  serverMAC,
		PathMTU: func(dst netip.Addr) int {
			asked = dst
			return 1400
		},
	})
	syn := segment(clientIP, serverIP, 4000, 5000, 77, packet.TCPSyn,
		wire.PeerOption(clientIP, clientMAC).AppendTo(nil))
	var out capture
	c.Assert(srv.PongHook(hook.NewPacket(hook.PreRouting, syn), &out), qt.Equals, hook.Consumed)
	c.Assert(out.pkts, qt.HasLen, 1)
	c.Check(asked, qt.Equals, clientIP)
	pong := decode(t, out.pkts[0])
	c.Check(binary.BigEndian.Uint16(pong.opts[layers.TCPOptionKindMSS]), qt.Equals, uint16(1360))
}

func TestPongReceiptWrongAck(t *testing.T) {
	c := qt.New(t)
	cl, srv := newPair(t)
	var out, back capture
	c.Assert(cl.PingHook(hook.NewPacket(hook.PostRouting, ping(1, 3)), &out), qt.Equals, hook.Consumed)
	c.Assert(srv.PongHook(hook.NewPacket(hook.PreRouting, out.pkts[0]), &back), qt.Equals, hook.Consumed)
	syn := decode(t, out.pkts[0])

	// An answer to some other SYN on the same tuple is not ours.
	stale := bytes.Clone(back.pkts[0])
	binary.BigEndian.PutUint32(stale[28:32], syn.tcp.Seq+100)
	c.Assert(checksum.UpdateAll(stale), qt.IsNil)
	c.Assert(cl.PongReceiptHook(hook.NewPacket(hook.PreRouting, stale), nil), qt.Equals, hook.Accept)

	x, ok := cl.Expectation(flowtrack.MakeTuple(ipproto.TCP,
		netip.AddrPortFrom(clientIP, uint16(syn.tcp.SrcPort)),
		netip.AddrPortFrom(serverIP, uint16(syn.tcp.DstPort))))
	c.Assert(ok, qt.IsTrue)
	_, done := x.Pong()
	c.Check(done, qt.IsFalse)

	c.Assert(cl.PongReceiptHook(hook.NewPacket(hook.PreRouting, back.pkts[0]), nil), qt.Equals, hook.Consumed)
	_, done = x.Pong()
	c.Check(done, qt.IsTrue)
}
