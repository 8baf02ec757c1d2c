// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package interfaces

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

func links() ([]Link, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("dialing rtnetlink: %w", err)
	}
	defer conn.Close()

	msgs, err := conn.Link.List()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	ls := make([]Link, 0, len(msgs))
	for _, m := range msgs {
		ls = append(ls, linkFromMessage(m))
	}
	return ls, nil
}

func linkFromMessage(m rtnetlink.LinkMessage) Link {
	l := Link{
		Index: int(m.Index),
		Ether: m.Type == unix.ARPHRD_ETHER,
		Up:    m.Flags&unix.IFF_UP != 0,
	}
	if a := m.Attributes; a != nil {
		l.Name = a.Name
		l.MAC = net.HardwareAddr(append([]byte(nil), a.Address...))
		l.MTU = int(a.MTU)
	}
	return l
}

func routeMTU(dst netip.Addr) (int, error) {
	if !dst.Is4() {
		return 0, fmt.Errorf("route lookup for %v: not IPv4", dst)
	}
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return 0, fmt.Errorf("dialing rtnetlink: %w", err)
	}
	defer conn.Close()

	routes, err := conn.Route.Get(&rtnetlink.RouteMessage{
		Family:    unix.AF_INET,
		DstLength: 32,
		Attributes: rtnetlink.RouteAttributes{
			Dst: net.IP(dst.AsSlice()),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("route lookup for %v: %w", dst, err)
	}
	if len(routes) == 0 {
		return 0, fmt.Errorf("route lookup for %v: no route", dst)
	}
	r := routes[0].Attributes
	if r.Metrics != nil && r.Metrics.MTU != 0 {
		return int(r.Metrics.MTU), nil
	}
	link, err := conn.Link.Get(r.OutIface)
	if err != nil {
		return 0, fmt.Errorf("link %d: %w", r.OutIface, err)
	}
	return linkFromMessage(link).MTU, nil
}
