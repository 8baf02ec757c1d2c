// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"net/netip"
	"strings"

	"natcap.dev/natcap/ipset"
	"natcap.dev/natcap/serverpool"
	"natcap.dev/types/logger"
)

// runMode selects which roles natcapd plays.
type runMode uint8

const (
	modeClient runMode = 1 << iota
	modePeer
	modeBoth = modeClient | modePeer
)

func (m runMode) has(r runMode) bool { return m&r != 0 }

func (m runMode) String() string {
	switch m {
	case modeClient:
		return "client"
	case modePeer:
		return "peer"
	case modeBoth:
		return "both"
	}
	return fmt.Sprintf("runMode(%d)", uint8(m))
}

func parseMode(s string) (runMode, error) {
	switch s {
	case "", "client":
		return modeClient, nil
	case "peer":
		return modePeer, nil
	case "both":
		return modeBoth, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// splitList splits a comma separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseServers parses the -servers flag: "ip:port" entries, each
// optionally suffixed with "-e" to enable encryption.
func parseServers(s string) ([]serverpool.Tuple, error) {
	var out []serverpool.Tuple
	for _, f := range splitList(s) {
		t, err := serverpool.ParseTuple(f)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// parseAddrs parses the -peer-servers flag.
func parseAddrs(s string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, f := range splitList(s) {
		ip, err := netip.ParseAddr(f)
		if err != nil {
			return nil, fmt.Errorf("bad address %q: %w", f, err)
		}
		if !ip.Is4() {
			return nil, fmt.Errorf("bad address %q: not IPv4", f)
		}
		out = append(out, ip)
	}
	return out, nil
}

// loadSets fills the well-known sets from the named files. Empty paths
// are skipped.
func loadSets(logf logger.Logf, files map[string]string) (*ipset.Sets, error) {
	sets := ipset.New()
	for _, name := range []string{ipset.GFWList, ipset.CNIPList, ipset.UDProxyList} {
		path := files[name]
		if path == "" {
			continue
		}
		n, err := sets.LoadFile(name, path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		logf("loaded %d %s entries from %s", n, name, path)
	}
	return sets, nil
}
