// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"natcap.dev/natcap/conntrack"
	"natcap.dev/natcap/flowstatus"
	"natcap.dev/natcap/ipset"
	"natcap.dev/natcap/wire"
	"natcap.dev/net/hook"
	"natcap.dev/net/packet"
	"natcap.dev/types/ipproto"
)

// flowOf returns the tracked flow of a TCP packet.
func (c *Client) flowOf(q *packet.Parsed) (*conntrack.Flow, conntrack.Dir, bool) {
	if q.IPVersion != 4 || q.IPProto != ipproto.TCP {
		return nil, 0, false
	}
	return c.tracker.Lookup(q)
}

// OutHook classifies TCP flows on their first packet. A SYN towards a
// gfwlist destination is redirected to a server picked from the pool;
// every other flow is latched Bypass and left alone. Reply-direction
// packets of unclassified flows are accepted untouched.
func (c *Client) OutHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	q := &p.Parsed
	f, dir, ok := c.flowOf(q)
	if !ok {
		return hook.Accept
	}
	st := f.Status()
	switch {
	case st.Has(flowstatus.Bypass):
		return hook.Accept
	case st.Has(flowstatus.NatcapActive), st.Has(flowstatus.UDPVariant):
		return hook.Accept
	}

	if dir != conntrack.Original {
		return hook.Accept
	}
	if !q.IsTCPSyn() || !c.sets.Test(ipset.GFWList, q.Dst.Addr()) {
		f.Latch(flowstatus.Bypass)
		return hook.Accept
	}
	t := c.servers.Select(q.Dst.Addr(), q.Dst.Port())
	if t.IsZero() {
		f.Latch(flowstatus.Bypass)
		return hook.Accept
	}
	if f.Latch(flowstatus.NatcapActive) {
		if err := c.nat.InstallDNAT(f, t.AddrPort()); err != nil {
			metricSetupFailures.Add(1)
			c.limited("%v: redirect to %v: %v", f.Orig, t, err)
			f.Latch(flowstatus.Bypass)
			return hook.Drop
		}
		if t.Encryption {
			f.Latch(flowstatus.Encryption)
		}
		if c.encode == EncodeUDP {
			f.Latch(flowstatus.UDPEncapsulated)
		}
		metricFlows.Add(1)
		c.debugf("%v: via %v", f.Orig, t)
	}
	return hook.Accept
}

// EncodeHook inserts the original destination into the SYN of every
// NatcapActive flow once NAT has redirected it to the server.
func (c *Client) EncodeHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	q := &p.Parsed
	if !q.IsTCPSyn() {
		return hook.Accept
	}
	f, dir, ok := c.flowOf(q)
	if !ok || dir != conntrack.Original {
		return hook.Accept
	}
	st := f.Status()
	if !st.Has(flowstatus.NatcapActive) || st.Has(flowstatus.Bypass) || st.Has(flowstatus.UDPVariant) {
		return hook.Accept
	}
	out, err := wire.EncodeTCPOption(p.Buf, wire.DstOption(f.Orig.Dst, st.Has(flowstatus.Encryption)))
	if err != nil {
		metricEncodeErrors.Add(1)
		c.limited("%v: encode: %v", f.Orig, err)
		return hook.Drop
	}
	p.Set(out)
	return hook.Accept
}

// InHook counts NatcapActive traffic and strips the option block from
// server replies. On Bypass flows it learns gfwlist entries from the
// resets that HTTP interception leaves behind.
func (c *Client) InHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	q := &p.Parsed
	f, dir, ok := c.flowOf(q)
	if !ok {
		return hook.Accept
	}
	st := f.Status()
	if dir == conntrack.Original {
		if st.Has(flowstatus.NatcapActive) {
			metricTxBytes.Add(int64(q.Len()))
		}
		return hook.Accept
	}
	switch {
	case st.Has(flowstatus.UDPVariant):
		return hook.Accept
	case st.Has(flowstatus.Bypass):
		c.learnReset(q)
		return hook.Accept
	case !st.Has(flowstatus.NatcapActive):
		return hook.Accept
	}
	metricRxBytes.Add(int64(q.Len()))
	out, err := wire.StripTCPOption(p.Buf)
	if err != nil {
		metricDecodeErrors.Add(1)
		c.limited("%v: decode reply: %v", f.Orig, err)
		return hook.Drop
	}
	if len(out) != len(p.Buf) {
		p.Set(out)
	}
	return hook.Accept
}

// learnReset adds the source of an RST from port 80 to gfwlist, unless
// it is a cniplist address.
func (c *Client) learnReset(q *packet.Parsed) {
	if !q.HasTCPFlags(packet.TCPRst) || q.Src.Port() != 80 {
		return
	}
	src := q.Src.Addr()
	if c.sets.Test(ipset.CNIPList, src) || c.sets.Test(ipset.GFWList, src) {
		return
	}
	if err := c.sets.Add(ipset.GFWList, src); err != nil {
		c.limited("learn %v: %v", src, err)
		return
	}
	metricLearned.Add(1)
	c.logf("added %v to %s", src, ipset.GFWList)
}
