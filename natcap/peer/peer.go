// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package peer implements the natcap peer rendezvous: a ping/pong
// handshake carried on hijacked ICMP echo and TCP SYN packets that lets
// two NAT-ed hosts learn each other's external tuple and initial
// sequence numbers.
//
// A Client turns TTL-1 pings into synthetic SYNs towards a rendezvous
// server and records the SYN-ACK that comes back. A Server answers those
// SYNs, keeps a User record per client hardware address and assigns
// each User a mapping port from a PortMap.
package peer

import (
	"errors"
	"time"

	"natcap.dev/envknob"
	"natcap.dev/util/clientmetric"
)

// ErrAllocationExhausted reports that no mapping port was free.
var ErrAllocationExhausted = errors.New("peer: mapping ports exhausted")

const (
	// MaxPeerTuple is the number of sub-flows remembered per User.
	MaxPeerTuple = 8
	// MaxPeerServer is the number of rendezvous server descriptors.
	MaxPeerServer = 8
	// MaxPeerServerPort is the number of port pairs per descriptor.
	MaxPeerServerPort = 64

	// DefaultUserTimeout is how long an idle User is kept.
	DefaultUserTimeout = 180 * time.Second
	// ExpectTimeout is how long a ping's expectation waits for its pong.
	ExpectTimeout = 60 * time.Second

	// minMTU is the smallest IPv4 MTU every link must carry.
	minMTU = 576
	// tcpipLen is the length of base IPv4 and TCP headers.
	tcpipLen = 40
	// pongIPID marks pongs on the wire.
	pongIPID = 0xDEAD
	// synWindow is the receive window of synthetic SYNs and SYN-ACKs.
	synWindow = 65535
	// synTTL is the TTL of synthetic SYNs and SYN-ACKs.
	synTTL = 255
)

var userTimeout = envknob.RegisterDuration("NATCAP_PEER_USER_TIMEOUT")

var (
	metricPingSent      = clientmetric.NewCounter("peer_ping_sent")
	metricPongSent      = clientmetric.NewCounter("peer_pong_sent")
	metricPongReceived  = clientmetric.NewCounter("peer_pong_received")
	metricPortExhausted = clientmetric.NewCounter("peer_port_exhausted")
	metricUsers         = clientmetric.NewGauge("peer_users")
)
