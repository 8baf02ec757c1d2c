// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package interfaces

import (
	"net"
	"net/netip"
)

func links() ([]Link, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	ls := make([]Link, 0, len(ifs))
	for _, ifc := range ifs {
		ls = append(ls, Link{
			Index: ifc.Index,
			Name:  ifc.Name,
			MAC:   ifc.HardwareAddr,
			MTU:   ifc.MTU,
			Ether: len(ifc.HardwareAddr) == 6 && ifc.Flags&net.FlagLoopback == 0,
			Up:    ifc.Flags&net.FlagUp != 0,
		})
	}
	return ls, nil
}

// routeMTU has no route lookup here; it reports the primary link's MTU.
func routeMTU(netip.Addr) (int, error) {
	l, err := Primary()
	if err != nil {
		return 0, err
	}
	return l.MTU, nil
}
