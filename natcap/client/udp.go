// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"natcap.dev/natcap/conntrack"
	"natcap.dev/natcap/flowstatus"
	"natcap.dev/natcap/wire"
	"natcap.dev/net/hook"
	"natcap.dev/net/packet"
	"natcap.dev/types/ipproto"
)

// PreInUDPHook turns disguised datagrams back into TCP segments before
// they are tracked.
func (c *Client) PreInUDPHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	q := &p.Parsed
	if q.IPVersion != 4 || q.IPProto != ipproto.UDP || !wire.IsDisguised(p.Buf) {
		return hook.Accept
	}
	out, err := wire.DecodeUDP(p.Buf)
	if err != nil {
		metricDecodeErrors.Add(1)
		c.limited("undisguise %v: %v", q, err)
		return hook.Drop
	}
	p.Set(out)
	return hook.Accept
}

// PostOutUDPHook disguises the segments of UDPEncapsulated flows as UDP
// on their way to the server. Segments that would no longer fit the
// link MTU are split first. In the reply direction it lowers the
// advertised MSS so that the peer leaves room for the trailer.
func (c *Client) PostOutUDPHook(p *hook.Packet, e hook.Emitter) hook.Verdict {
	q := &p.Parsed
	f, dir, ok := c.flowOf(q)
	if !ok {
		return hook.Accept
	}
	st := f.Status()
	if !st.Has(flowstatus.NatcapActive) || !st.Has(flowstatus.UDPEncapsulated) || st.Has(flowstatus.Bypass) {
		return hook.Accept
	}
	if dir == conntrack.Reply {
		if q.HasTCPFlags(packet.TCPSyn) {
			wire.AdjustMSS(p.Buf, -wire.TrailerLen)
		}
		return hook.Accept
	}

	f.Confirm()
	mtu := c.mtu(q.Dst.Addr())
	if q.Len()+wire.TrailerLen <= mtu {
		out, err := wire.EncodeUDP(p.Buf)
		if err != nil {
			metricEncodeErrors.Add(1)
			c.limited("%v: disguise: %v", f.Orig, err)
			return hook.Drop
		}
		p.Set(out)
		return hook.Accept
	}

	mss := mtu - q.IPHeaderLen() - q.TransportHeaderLen() - wire.TrailerLen
	segs, err := wire.SegmentTCP(p.Buf, mss)
	if err != nil {
		metricEncodeErrors.Add(1)
		c.limited("%v: segment for mtu %d: %v", f.Orig, mtu, err)
		return hook.Drop
	}
	for _, seg := range segs {
		out, err := wire.EncodeUDP(seg)
		if err != nil {
			metricEncodeErrors.Add(1)
			c.limited("%v: disguise: %v", f.Orig, err)
			return hook.Consumed
		}
		if err := e.Emit(hook.PostRouting, out); err != nil {
			c.limited("%v: emit: %v", f.Orig, err)
			return hook.Consumed
		}
	}
	return hook.Consumed
}
