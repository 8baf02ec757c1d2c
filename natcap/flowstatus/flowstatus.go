// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package flowstatus defines the per-flow status bits that gate every
// packet decision. Bits are one-way latches: once set they stay set for
// the life of the flow.
package flowstatus

import (
	"strings"
	"sync/atomic"
)

// Bit is a flow status bit.
type Bit uint32

const (
	// Bypass marks a flow that is passed through untouched.
	Bypass Bit = 1 << iota
	// NatcapActive marks a flow redirected to a relay server.
	NatcapActive
	// Encryption marks a flow whose server requested encryption.
	Encryption
	// UDPEncapsulated marks a TCP flow carried as UDP on the wire.
	UDPEncapsulated
	// UDPVariant marks a UDP flow carried as TCP on the wire.
	UDPVariant
	// IsPeer marks a flow created by the peer rendezvous protocol.
	IsPeer
)

var bitNames = []struct {
	b    Bit
	name string
}{
	{Bypass, "Bypass"},
	{NatcapActive, "NatcapActive"},
	{Encryption, "Encryption"},
	{UDPEncapsulated, "UDPEncapsulated"},
	{UDPVariant, "UDPVariant"},
	{IsPeer, "IsPeer"},
}

func (b Bit) String() string {
	if b == 0 {
		return "0"
	}
	var sb strings.Builder
	for _, bn := range bitNames {
		if b&bn.b != 0 {
			if sb.Len() > 0 {
				sb.WriteByte('|')
			}
			sb.WriteString(bn.name)
		}
	}
	if sb.Len() == 0 {
		return "?"
	}
	return sb.String()
}

// Has reports whether all bits in want are set in b.
func (b Bit) Has(want Bit) bool { return b&want == want }

// Status is a set of latched bits. It is safe for concurrent use.
// The zero value has no bits set.
type Status struct {
	v atomic.Uint32
}

// Load returns the current bits.
func (s *Status) Load() Bit { return Bit(s.v.Load()) }

// Has reports whether all bits in b are set.
func (s *Status) Has(b Bit) bool { return s.Load().Has(b) }

// Latch sets the bits in b. It reports whether this call set all of
// them; a false result means at least one was already set by someone
// else. Use it to run one-time work on the first transition.
func (s *Status) Latch(b Bit) (first bool) {
	for {
		old := s.v.Load()
		if Bit(old)&b != 0 {
			s.v.Or(uint32(b))
			return false
		}
		if s.v.CompareAndSwap(old, old|uint32(b)) {
			return true
		}
	}
}

func (s *Status) String() string { return s.Load().String() }
