// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"natcap.dev/natcap/conntrack"
	"natcap.dev/natcap/flowstatus"
	"natcap.dev/natcap/ipset"
	"natcap.dev/natcap/wire"
	"natcap.dev/net/hook"
	"natcap.dev/types/ipproto"
)

// UDPProxyOutHook frames datagrams to udproxylist destinations as TCP
// segments and redirects their flow to a server. It runs before
// connection tracking so that the flow is created for the framed
// packet.
func (c *Client) UDPProxyOutHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	q := &p.Parsed
	if q.IPVersion != 4 || q.IPProto != ipproto.UDP || !c.sets.Test(ipset.UDProxyList, q.Dst.Addr()) {
		return hook.Accept
	}
	t := c.servers.Select(q.Dst.Addr(), q.Dst.Port())
	if t.IsZero() {
		return hook.Accept
	}
	out, err := wire.EncodeUDPInTCP(p.Buf, t.Encryption)
	if err != nil {
		c.limited("frame %v: %v", q, err)
		return hook.Accept
	}
	p.Set(out)

	f, dir, ok := c.tracker.GetOrCreate(&p.Parsed)
	if !ok {
		return hook.Drop
	}
	if dir != conntrack.Original {
		return hook.Accept
	}
	if f.Latch(flowstatus.UDPVariant) {
		if err := c.nat.InstallDNAT(f, t.AddrPort()); err != nil {
			metricSetupFailures.Add(1)
			c.limited("%v: redirect to %v: %v", f.Orig, t, err)
			return hook.Drop
		}
		metricFlows.Add(1)
		c.debugf("%v: udp via %v", f.Orig, t)
	}
	if _, ok := f.DNAT(); !ok {
		// Another packet latched the flow and is still installing NAT.
		return hook.Drop
	}
	return hook.Accept
}

// UDPProxyInHook turns framed replies of UDPVariant flows back into
// datagrams.
func (c *Client) UDPProxyInHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	f, dir, ok := c.flowOf(&p.Parsed)
	if !ok || dir != conntrack.Reply || !f.Has(flowstatus.UDPVariant) {
		return hook.Accept
	}
	out, _, err := wire.DecodeUDPInTCP(p.Buf)
	if err != nil {
		metricDecodeErrors.Add(1)
		c.limited("%v: unframe reply: %v", f.Orig, err)
		return hook.Drop
	}
	p.Set(out)
	return hook.Accept
}
