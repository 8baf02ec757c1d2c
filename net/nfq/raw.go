// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package nfq

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"natcap.dev/net/hook"
)

// RawSender writes complete IPv4 packets to the network through a raw
// socket. Every packet carries the sender's mark so that queue rules
// can let it through.
type RawSender struct {
	fd int
}

// NewRawSender opens a raw IPv4 socket that marks its packets with
// mark.
func NewRawSender(mark uint32) (*RawSender, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("raw socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("IP_HDRINCL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_MARK: %w", err)
	}
	return &RawSender{fd: fd}, nil
}

var errShortPacket = errors.New("nfq: packet shorter than an IPv4 header")

// Emit implements hook.Emitter. The kernel routes b by its destination
// address, so the packet leaves through the output path regardless of
// pt.
func (s *RawSender) Emit(pt hook.Point, b []byte) error {
	if len(b) < 20 || b[0]>>4 != 4 {
		return errShortPacket
	}
	sa := &unix.SockaddrInet4{Addr: [4]byte(b[16:20])}
	if err := unix.Sendto(s.fd, b, 0, sa); err != nil {
		return fmt.Errorf("send at %v: %w", pt, err)
	}
	return nil
}

// Close closes the socket.
func (s *RawSender) Close() error {
	return unix.Close(s.fd)
}
