// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package peer

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"natcap.dev/natcap/wire"
)

const (
	// FirstMapPort is the lowest mapping port handed out.
	FirstMapPort = 1024
	// numPorts is the size of the port space.
	numPorts = 1 << 16
	// lastMapPort is the highest mapping port handed out.
	lastMapPort = numPorts - 2
)

// PortMap binds mapping ports to Users. Each port is owned by at most
// one User; claims and releases are compare-and-swap on the port's slot.
//
// The zero value is ready to use.
type PortMap struct {
	seedOnce sync.Once
	seed     maphash.Seed

	slots [numPorts]atomic.Pointer[User]
}

func (m *PortMap) start(mac wire.MAC) int {
	m.seedOnce.Do(func() { m.seed = maphash.MakeSeed() })
	h := maphash.Bytes(m.seed, mac[:])
	return FirstMapPort + int(h%(numPorts-FirstMapPort))
}

// Allocate claims a free port for u. The search starts at a point
// derived from mac so a returning client tends to get its old port
// back. It returns 0 if every port is taken.
func (m *PortMap) Allocate(u *User, mac wire.MAC) uint16 {
	start := m.start(mac)
	for p := start; p <= lastMapPort; p++ {
		if m.slots[p].CompareAndSwap(nil, u) {
			return uint16(p)
		}
	}
	for p := FirstMapPort; p < start; p++ {
		if m.slots[p].CompareAndSwap(nil, u) {
			return uint16(p)
		}
	}
	return 0
}

// Release frees port if u still owns it and reports whether it did.
func (m *PortMap) Release(port uint16, u *User) bool {
	if port == 0 || u == nil {
		return false
	}
	return m.slots[port].CompareAndSwap(u, nil)
}

// Owner returns the User bound to port, or nil.
func (m *PortMap) Owner(port uint16) *User {
	return m.slots[port].Load()
}
