// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package peer

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"time"

	"natcap.dev/natcap/wire"
	"natcap.dev/net/hook"
	"natcap.dev/net/packet"
	"natcap.dev/types/ipproto"
	"natcap.dev/types/logger"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Logf logger.Logf
	// MAC is announced in every pong.
	MAC wire.MAC
	// Ports is the mapping port table. Nil means a private one.
	Ports *PortMap
	// PathMTU returns the MTU towards dst, used to size the pong's MSS.
	// Nil means the minimum IPv4 MTU.
	PathMTU func(dst netip.Addr) int
	// UserTimeout is the idle lifetime of a User. Zero means the
	// NATCAP_PEER_USER_TIMEOUT knob, or DefaultUserTimeout.
	UserTimeout time.Duration
}

// Server is the rendezvous side: it answers pings with pongs and keeps
// the User table.
type Server struct {
	logf    logger.Logf
	limited logger.Logf
	mac     wire.MAC
	pathMTU func(netip.Addr) int
	users   *Users
	rndSeq  func() uint32
}

// NewServer returns a Server.
func NewServer(opts ServerOptions) *Server {
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}
	logf = logger.WithPrefix(logf, "peer: ")
	ports := opts.Ports
	if ports == nil {
		ports = new(PortMap)
	}
	pathMTU := opts.PathMTU
	if pathMTU == nil {
		pathMTU = func(netip.Addr) int { return minMTU }
	}
	return &Server{
		logf:    logf,
		limited: logger.RateLimitedFn(logf, 10*time.Second, 3, 64),
		mac:     opts.MAC,
		pathMTU: pathMTU,
		users:   NewUsers(logf, ports, opts.UserTimeout),
		rndSeq:  rand.Uint32,
	}
}

// Users returns the Server's User table.
func (s *Server) Users() *Users { return s.users }

// Register installs the Server's hook on ch.
func (s *Server) Register(ch *hook.Chain) (unregister func()) {
	return ch.Register("peer-pong", hook.PreRouting, hook.PriorityConntrack-5, s.PongHook)
}

// PongHook answers a ping SYN (a SYN without ACK carrying a peer
// option) with a SYN-ACK pong sent straight back to its source. The
// SYN is always consumed, even if the User could not get a port.
func (s *Server) PongHook(p *hook.Packet, e hook.Emitter) hook.Verdict {
	q := &p.Parsed
	if q.IPVersion != 4 || !q.IsTCPSyn() {
		return hook.Accept
	}
	o, found, err := wire.DecodeTCPOption(p.Buf)
	if err != nil || !found || o.Type != wire.TypePeer || o.Op != wire.OpPeer {
		return hook.Accept
	}

	u, err := s.users.Expect(q.Src, q.Dst, o.PeerMAC, o.PeerIP)
	if errors.Is(err, ErrAllocationExhausted) {
		metricPortExhausted.Add(1)
		s.limited("ping from %v: %v", q.Src, err)
	}

	opts := wire.PeerOption(q.Dst.Addr(), s.mac).AppendTo(nil)
	mss := max(s.pathMTU(q.Src.Addr()), minMTU) - tcpipLen
	opts = packet.AppendMSSOption(opts, uint16(min(mss, 0xffff)))
	pong := packet.Generate(packet.TCP4Header{
		IP4Header: packet.IP4Header{
			IPProto: ipproto.TCP,
			IPID:    pongIPID,
			TTL:     synTTL,
			Src:     q.Dst.Addr(),
			Dst:     q.Src.Addr(),
		},
		SrcPort: q.Dst.Port(),
		DstPort: q.Src.Port(),
		Seq:     s.rndSeq(),
		Ack:     q.TCPSeq() + uint32(len(q.Payload())) + 1,
		Flags:   packet.TCPSynAck,
		Window:  synWindow,
		Options: opts,
	}, nil)
	if pong == nil {
		s.limited("pong to %v: building SYN-ACK failed", q.Src)
		return hook.Consumed
	}
	if err := e.Emit(hook.PostRouting, pong); err != nil {
		s.limited("pong to %v: %v", q.Src, err)
		return hook.Consumed
	}
	metricPongSent.Add(1)
	s.logf("pong out %v -> %v for %v", q.Dst, q.Src, u)
	return hook.Consumed
}
