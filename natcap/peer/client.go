// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package peer

import (
	"hash/maphash"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"natcap.dev/natcap/flowstatus"
	"natcap.dev/natcap/wire"
	"natcap.dev/net/flowtrack"
	"natcap.dev/net/hook"
	"natcap.dev/net/packet"
	"natcap.dev/syncs"
	"natcap.dev/tstime/mono"
	"natcap.dev/types/ipproto"
	"natcap.dev/types/logger"
)

// Pong is what a Client learned from a rendezvous server's SYN-ACK.
type Pong struct {
	// Seq is the server's initial sequence number.
	Seq uint32
	// IP and MAC are the server's announced identity.
	IP  netip.Addr
	MAC wire.MAC
}

// Expectation is the Client's state for one synthetic SYN 4-tuple,
// awaiting or holding the matching pong.
type Expectation struct {
	// Tuple is the SYN's tuple.
	Tuple flowtrack.Tuple
	// PI is the descriptor port slot the tuple came from.
	PI int
	// LocalSeq is the sequence number every SYN on Tuple carries.
	LocalSeq uint32

	status  flowstatus.Status
	created mono.Time

	mu   sync.Mutex
	pong Pong
	done bool
}

// Pong returns the recorded pong, if one has arrived.
func (x *Expectation) Pong() (Pong, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pong, x.done
}

// Status returns the expectation's status bits.
func (x *Expectation) Status() flowstatus.Bit { return x.status.Load() }

// ClientOptions configures a Client.
type ClientOptions struct {
	Logf logger.Logf
	// MAC is announced in every ping.
	MAC wire.MAC
	// PathMTU returns the MTU towards dst. Nil means 1500.
	PathMTU func(dst netip.Addr) int
	// Servers are claimed as descriptors up front, in order.
	Servers []netip.Addr
}

// Client is the initiating side of the rendezvous.
type Client struct {
	logf    logger.Logf
	debugf  logger.Logf
	limited logger.Logf
	mac     wire.MAC
	pathMTU func(netip.Addr) int
	now     func() mono.Time
	rndPort func() uint16
	rndSeq  func() uint32

	descs   Descriptors
	seed    maphash.Seed
	expects *syncs.ShardedMap[flowtrack.Tuple, *Expectation]
}

const expectShards = 16

// NewClient returns a Client.
func NewClient(opts ClientOptions) *Client {
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}
	logf = logger.WithPrefix(logf, "peer: ")
	c := &Client{
		logf:    logf,
		debugf:  logger.Debug(logf),
		limited: logger.RateLimitedFn(logf, 10*time.Second, 3, 64),
		mac:     opts.MAC,
		pathMTU: opts.PathMTU,
		now:     mono.Now,
		rndPort: func() uint16 { return uint16(FirstMapPort + rand.N(numPorts-FirstMapPort)) },
		rndSeq:  rand.Uint32,
		seed:    maphash.MakeSeed(),
	}
	if c.pathMTU == nil {
		c.pathMTU = func(netip.Addr) int { return 1500 }
	}
	c.expects = syncs.NewShardedMap[flowtrack.Tuple, *Expectation](expectShards, func(t flowtrack.Tuple) int {
		return int(maphash.Comparable(c.seed, t) % expectShards)
	})
	for _, ip := range opts.Servers {
		if c.descs.Lookup(ip) == nil {
			c.logf("ignoring rendezvous server %v", ip)
		}
	}
	return c
}

// Descriptors returns the Client's server table.
func (c *Client) Descriptors() *Descriptors { return &c.descs }

// Expectation returns the state for the SYN tuple t.
func (c *Client) Expectation(t flowtrack.Tuple) (*Expectation, bool) {
	return c.expects.GetOk(t)
}

// expect returns the expectation for t, creating it with a fresh local
// sequence number.
func (c *Client) expect(t flowtrack.Tuple, pi int) *Expectation {
	x, _ := c.expects.LoadOrStore(t, func() *Expectation {
		x := &Expectation{Tuple: t, PI: pi, LocalSeq: c.rndSeq(), created: c.now()}
		x.status.Latch(flowstatus.IsPeer)
		return x
	})
	return x
}

// Prune drops expectations older than ExpectTimeout and returns how
// many it dropped.
func (c *Client) Prune() int {
	now := c.now()
	return c.expects.DeleteFunc(func(_ flowtrack.Tuple, x *Expectation) bool {
		return now.Sub(x.created) > ExpectTimeout
	})
}

// Pending returns the number of live expectations.
func (c *Client) Pending() int { return c.expects.Len() }

// Register installs the Client's hooks on ch.
func (c *Client) Register(ch *hook.Chain) (unregister func()) {
	u1 := ch.Register("peer-ping", hook.PostRouting, hook.PriorityLast-5, c.PingHook)
	u2 := ch.Register("peer-pong-receipt", hook.PreRouting, hook.PriorityConntrack-5, c.PongReceiptHook)
	return func() { u1(); u2() }
}

// PingHook turns an outgoing ICMP echo request with TTL 1 into a SYN
// towards the rendezvous server it is addressed to. The echo is always
// consumed.
func (c *Client) PingHook(p *hook.Packet, e hook.Emitter) hook.Verdict {
	q := &p.Parsed
	if q.IPVersion != 4 || q.IPProto != ipproto.ICMPv4 || q.TTL != 1 || !q.IsEchoRequest() {
		return hook.Accept
	}
	_, seq, _ := q.EchoIDSeq()
	d := c.descs.Lookup(q.Dst.Addr())
	if d == nil {
		c.limited("ping to %v: no free server descriptor", q.Dst.Addr())
		return hook.Consumed
	}
	pi := int(seq) % MaxPeerServerPort
	sport, dport := d.Ports(pi, c.rndPort)
	src := netip.AddrPortFrom(q.Src.Addr(), sport)
	dst := netip.AddrPortFrom(d.IP(), dport)
	x := c.expect(flowtrack.MakeTuple(ipproto.TCP, src, dst), pi)

	mss := max(c.pathMTU(dst.Addr()), minMTU) - tcpipLen
	opts := wire.PeerOption(src.Addr(), c.mac).AppendTo(nil)
	opts = packet.AppendMSSOption(opts, uint16(min(mss, 0xffff)))
	syn := packet.Generate(packet.TCP4Header{
		IP4Header: packet.IP4Header{
			IPProto: ipproto.TCP,
			IPID:    q.IPID(),
			TTL:     synTTL,
			Src:     src.Addr(),
			Dst:     dst.Addr(),
		},
		SrcPort: sport,
		DstPort: dport,
		Seq:     x.LocalSeq,
		Flags:   packet.TCPSyn,
		Window:  synWindow,
		Options: opts,
	}, nil)
	if syn == nil {
		c.limited("ping to %v: building SYN failed", dst)
		return hook.Consumed
	}
	if err := e.Emit(hook.PostRouting, syn); err != nil {
		c.limited("ping to %v: %v", dst, err)
		return hook.Consumed
	}
	metricPingSent.Add(1)
	c.debugf("ping out %v -> %v pi=%d seq=%d", src, dst, pi, x.LocalSeq)
	return hook.Consumed
}

// PongReceiptHook records a rendezvous server's SYN-ACK answering one
// of the Client's SYNs and consumes it. Other packets are accepted.
func (c *Client) PongReceiptHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	q := &p.Parsed
	if q.IPVersion != 4 || !q.IsTCPSynAck() {
		return hook.Accept
	}
	o, found, err := wire.DecodeTCPOption(p.Buf)
	if err != nil || !found || o.Type != wire.TypePeer || o.Op != wire.OpPeer {
		return hook.Accept
	}
	x, ok := c.expects.GetOk(flowtrack.TupleOf(q).Reverse())
	if !ok || !x.status.Has(flowstatus.IsPeer) {
		return hook.Accept
	}
	if ack := q.TCPAckSeq(); ack != x.LocalSeq+1 {
		c.debugf("pong in %v -> %v: ack %d, want %d", q.Src, q.Dst, ack, x.LocalSeq+1)
		return hook.Accept
	}
	x.mu.Lock()
	x.pong = Pong{Seq: q.TCPSeq(), IP: o.PeerIP, MAC: o.PeerMAC}
	x.done = true
	x.mu.Unlock()
	metricPongReceived.Add(1)
	c.logf("pong in %v -> %v seq=%d", q.Src, q.Dst, q.TCPSeq())
	return hook.Consumed
}
