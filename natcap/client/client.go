// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package client implements the natcap client: it picks a server for
// new TCP flows to listed destinations, redirects them there, tags
// their first packet with the original destination and optionally
// disguises them as UDP on the wire.
package client

import (
	"fmt"
	"net/netip"
	"time"

	"natcap.dev/natcap/conntrack"
	"natcap.dev/natcap/ipset"
	"natcap.dev/natcap/serverpool"
	"natcap.dev/net/hook"
	"natcap.dev/types/logger"
	"natcap.dev/util/clientmetric"
)

// EncodeMode is how NatcapActive TCP flows travel to the server.
type EncodeMode uint8

const (
	// EncodeTCP sends flows as plain TCP carrying the option block.
	EncodeTCP EncodeMode = iota
	// EncodeUDP additionally disguises every segment as UDP.
	EncodeUDP
)

func (m EncodeMode) String() string {
	if m == EncodeUDP {
		return "udp"
	}
	return "tcp"
}

// ParseEncodeMode parses "tcp" or "udp".
func ParseEncodeMode(s string) (EncodeMode, error) {
	switch s {
	case "tcp", "":
		return EncodeTCP, nil
	case "udp":
		return EncodeUDP, nil
	}
	return 0, fmt.Errorf("unknown encode mode %q", s)
}

var (
	metricTxBytes       = clientmetric.NewCounter("natcap_tx_bytes")
	metricRxBytes       = clientmetric.NewCounter("natcap_rx_bytes")
	metricDecodeErrors  = clientmetric.NewCounter("natcap_decode_errors")
	metricEncodeErrors  = clientmetric.NewCounter("natcap_encode_errors")
	metricSetupFailures = clientmetric.NewCounter("natcap_setup_failures")
	metricFlows         = clientmetric.NewCounter("natcap_flows")
	metricLearned       = clientmetric.NewCounter("natcap_gfwlist_learned")
)

// Options configures a Client.
type Options struct {
	Logf logger.Logf
	// Servers is the pool new flows pick their server from.
	Servers *serverpool.Pool
	// Sets holds gfwlist, cniplist and udproxylist.
	Sets *ipset.Sets
	// Tracker finds the flow of each packet. Its own hooks must be
	// registered on the same Chain.
	Tracker conntrack.Tracker
	// NAT redirects flows to their server.
	NAT conntrack.NATSetup
	// Encode is the transport to the server.
	Encode EncodeMode
	// MTU returns the link MTU towards dst, used to split segments
	// that would not fit once disguised. Nil means 1500.
	MTU func(dst netip.Addr) int
}

// Client holds the natcap client hooks.
type Client struct {
	logf    logger.Logf
	debugf  logger.Logf
	limited logger.Logf

	servers *serverpool.Pool
	sets    *ipset.Sets
	tracker conntrack.Tracker
	nat     conntrack.NATSetup
	encode  EncodeMode
	mtu     func(netip.Addr) int
}

// New returns a Client. Servers, Sets, Tracker and NAT are required.
func New(opts Options) *Client {
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}
	logf = logger.WithPrefix(logf, "natcap/client: ")
	c := &Client{
		logf:    logf,
		debugf:  logger.Debug(logf),
		limited: logger.RateLimitedFn(logf, 10*time.Second, 3, 64),
		servers: opts.Servers,
		sets:    opts.Sets,
		tracker: opts.Tracker,
		nat:     opts.NAT,
		encode:  opts.Encode,
		mtu:     opts.MTU,
	}
	if c.mtu == nil {
		c.mtu = func(netip.Addr) int { return 1500 }
	}
	return c
}

// Register installs every client hook on ch and returns a func that
// removes them.
func (c *Client) Register(ch *hook.Chain) (unregister func()) {
	var undo []func()
	add := func(name string, prio int, fn hook.Func, pts ...hook.Point) {
		for _, pt := range pts {
			undo = append(undo, ch.Register(name, pt, prio, fn))
		}
	}
	add("natcap-udp-pre-in", hook.PriorityConntrack-5, c.PreInUDPHook, hook.PreRouting)
	add("natcap-out", hook.PriorityNatcap, c.OutHook, hook.PreRouting, hook.LocalOut)
	add("natcap-in", hook.PriorityLast, c.InHook, hook.PostRouting, hook.LocalIn)
	add("natcap-udp-post-out", hook.PriorityLast, c.PostOutUDPHook, hook.PostRouting)
	add("natcap-udp-proxy-out", hook.PriorityConntrack-1, c.UDPProxyOutHook, hook.PreRouting, hook.LocalOut)
	add("natcap-udp-proxy-in", hook.PriorityLast, c.UDPProxyInHook, hook.PostRouting, hook.LocalIn)
	add("natcap-encode", hook.PriorityNatcapEncode, c.EncodeHook, hook.PostRouting)
	return func() {
		for _, f := range undo {
			f()
		}
	}
}
