// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package peer

import (
	"cmp"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"natcap.dev/natcap/wire"
	"natcap.dev/tstime/mono"
	"natcap.dev/types/logger"
)

// SubFlow is a recently seen rendezvous flow of a User, as observed by
// the server.
type SubFlow struct {
	Src, Dst   netip.AddrPort
	LastActive mono.Time
}

// User is the server's record of one rendezvous client, identified by
// its hardware address.
type User struct {
	MAC wire.MAC

	mu         sync.Mutex
	ip         netip.Addr // observed source address
	declaredIP netip.Addr // address the client claims in its option
	mapPort    uint16
	lastActive mono.Time
	flows      [MaxPeerTuple]SubFlow
}

// IP returns the source address the User was first seen from.
func (u *User) IP() netip.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ip
}

// DeclaredIP returns the address the User last announced.
func (u *User) DeclaredIP() netip.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.declaredIP
}

// MapPort returns the User's mapping port, or 0 if it has none.
func (u *User) MapPort() uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mapPort
}

// LastActive returns when the User was last seen.
func (u *User) LastActive() mono.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastActive
}

// SubFlows returns the User's remembered sub-flows, most recent first.
func (u *User) SubFlows() []SubFlow {
	u.mu.Lock()
	defer u.mu.Unlock()
	var ret []SubFlow
	for _, f := range u.flows {
		if f.Src.IsValid() {
			ret = append(ret, f)
		}
	}
	slices.SortFunc(ret, func(a, b SubFlow) int {
		return cmp.Compare(b.LastActive, a.LastActive)
	})
	return ret
}

func (u *User) String() string {
	return fmt.Sprintf("user %v port %d", u.MAC, u.MapPort())
}

// touchFlowLocked refreshes the sub-flow src->dst, replacing the least
// recently active one if it is new.
func (u *User) touchFlowLocked(src, dst netip.AddrPort, now mono.Time) (added bool) {
	for i := range u.flows {
		f := &u.flows[i]
		if f.Src == src && f.Dst == dst {
			f.LastActive = now
			return false
		}
	}
	oldest := 0
	for i := 1; i < len(u.flows); i++ {
		if u.flows[i].LastActive.Before(u.flows[oldest].LastActive) {
			oldest = i
		}
	}
	u.flows[oldest] = SubFlow{Src: src, Dst: dst, LastActive: now}
	return true
}

// Users is the server's table of User records keyed by MAC. Records
// expire after an idle timeout and give their port back when they do.
type Users struct {
	logf  logger.Logf
	ports *PortMap
	now   func() mono.Time

	mu    sync.Mutex // serializes get-or-create
	cache *ttlcache.Cache[wire.MAC, *User]
}

// NewUsers returns an empty table allocating from ports. A zero timeout
// means the NATCAP_PEER_USER_TIMEOUT knob, or DefaultUserTimeout.
func NewUsers(logf logger.Logf, ports *PortMap, timeout time.Duration) *Users {
	if timeout == 0 {
		timeout = userTimeout()
	}
	if timeout == 0 {
		timeout = DefaultUserTimeout
	}
	us := &Users{
		logf:  logf,
		ports: ports,
		now:   mono.Now,
		cache: ttlcache.New(ttlcache.WithTTL[wire.MAC, *User](timeout)),
	}
	us.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, it *ttlcache.Item[wire.MAC, *User]) {
		u := it.Value()
		port := u.MapPort()
		if us.ports.Release(port, u) {
			us.logf("%v: released (reason %d)", u, reason)
		}
		metricUsers.Add(-1)
	})
	return us
}

// Expect records contact from a client with hardware address mac over
// the flow src->dst, creating its User on first contact. The User's
// lifetime is extended on every call.
//
// If the User has no port and none can be allocated, the User is still
// returned along with ErrAllocationExhausted.
func (us *Users) Expect(src, dst netip.AddrPort, mac wire.MAC, declared netip.Addr) (*User, error) {
	now := us.now()

	us.mu.Lock()
	defer us.mu.Unlock()
	us.cache.DeleteExpired()

	var u *User
	if it := us.cache.Get(mac); it != nil {
		u = it.Value()
	} else {
		u = &User{MAC: mac, ip: src.Addr()}
		u.mapPort = us.ports.Allocate(u, mac)
		us.cache.Set(mac, u, ttlcache.DefaultTTL)
		metricUsers.Add(1)
		us.logf("%v: new from %v", u.MAC, src)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.declaredIP = declared
	u.lastActive = now
	if u.touchFlowLocked(src, dst, now) {
		us.logf("%v: new session %v -> %v, map port %d", u.MAC, src, dst, u.mapPort)
	}
	if us.ports.Owner(u.mapPort) != u {
		old := u.mapPort
		u.mapPort = us.ports.Allocate(u, mac)
		if old != 0 {
			us.logf("%v: map port %d lost, remapped to %d", u.MAC, old, u.mapPort)
		}
	}
	if u.mapPort == 0 {
		return u, fmt.Errorf("user %v: %w", mac, ErrAllocationExhausted)
	}
	return u, nil
}

// Get returns the User for mac without extending its lifetime.
func (us *Users) Get(mac wire.MAC) (*User, bool) {
	it := us.cache.Get(mac, ttlcache.WithDisableTouchOnHit[wire.MAC, *User]())
	if it == nil || it.IsExpired() {
		return nil, false
	}
	return it.Value(), true
}

// ByPort returns the User owning mapping port, if any.
func (us *Users) ByPort(port uint16) (*User, bool) {
	u := us.ports.Owner(port)
	return u, u != nil
}

// Delete forgets the User for mac and frees its port.
func (us *Users) Delete(mac wire.MAC) {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.cache.Delete(mac)
}

// Prune removes expired Users.
func (us *Users) Prune() {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.cache.DeleteExpired()
}

// Len returns the number of Users, including expired ones not yet
// pruned.
func (us *Users) Len() int { return us.cache.Len() }
