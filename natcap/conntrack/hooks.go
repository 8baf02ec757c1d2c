// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package conntrack

import (
	"natcap.dev/net/hook"
	"natcap.dev/net/packet/checksum"
)

// Register installs the tracking and NAT hooks of t on c and returns a
// func that removes them.
func (t *Table) Register(c *hook.Chain) (unregister func()) {
	var undo []func()
	add := func(name string, pt hook.Point, prio int, fn hook.Func) {
		undo = append(undo, c.Register(name, pt, prio, fn))
	}
	add("conntrack", hook.PreRouting, hook.PriorityConntrack, t.Hook)
	add("conntrack", hook.LocalOut, hook.PriorityConntrack, t.Hook)
	add("dnat", hook.PreRouting, hook.PriorityNATDst, t.DNATHook)
	add("dnat", hook.LocalOut, hook.PriorityNATDst, t.DNATHook)
	add("snat", hook.LocalIn, hook.PriorityNATSrc, t.SNATHook)
	add("snat", hook.PostRouting, hook.PriorityNATSrc, t.SNATHook)
	return func() {
		for _, f := range undo {
			f()
		}
	}
}

// Hook creates or refreshes the flow of every trackable packet.
func (t *Table) Hook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	if f, _, ok := t.GetOrCreate(&p.Parsed); ok {
		f.touchAt(t.now(), Timeout(f.Orig.Proto))
	}
	return hook.Accept
}

// DNATHook rewrites the destination of original-direction packets of
// flows with a DNAT installed.
func (t *Table) DNATHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	f, dir, ok := t.Lookup(&p.Parsed)
	if !ok || dir != Original {
		return hook.Accept
	}
	dst, ok := f.DNAT()
	if !ok || p.Parsed.Dst == dst {
		return hook.Accept
	}
	checksum.UpdateDstAddr(&p.Parsed, dst.Addr())
	checksum.UpdateDstPort(&p.Parsed, dst.Port())
	return hook.Accept
}

// SNATHook maps the source of reply packets from a DNAT target back to
// the flow's original destination.
func (t *Table) SNATHook(p *hook.Packet, _ hook.Emitter) hook.Verdict {
	f, dir, ok := t.Lookup(&p.Parsed)
	if !ok || dir != Reply {
		return hook.Accept
	}
	dst, ok := f.DNAT()
	if !ok || p.Parsed.Src != dst {
		return hook.Accept
	}
	checksum.UpdateSrcAddr(&p.Parsed, f.Orig.Dst.Addr())
	checksum.UpdateSrcPort(&p.Parsed, f.Orig.Dst.Port())
	return hook.Accept
}
