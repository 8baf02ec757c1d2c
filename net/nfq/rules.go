// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package nfq

import (
	"fmt"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"natcap.dev/types/logger"
)

// iptablesInterface is the part of *iptables.IPTables that Rules uses.
type iptablesInterface interface {
	Insert(table, chain string, pos int, args ...string) error
	Append(table, chain string, args ...string) error
	Exists(table, chain string, args ...string) (bool, error)
	Delete(table, chain string, args ...string) error
	ChainExists(table, chain string) (bool, error)
	ClearChain(table, chain string) error
	NewChain(table, chain string) error
	DeleteChain(table, chain string) error
}

const (
	table = "mangle"
	chain = "natcap"
)

// hookedChains are the built-in mangle chains that jump to chain. They
// cover every point the hooks are registered at.
var hookedChains = []string{"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"}

// Rules installs the iptables rules that send IPv4 traffic to a queue.
type Rules struct {
	logf  logger.Logf
	ipt   iptablesInterface
	queue uint16
	mark  uint32
}

// NewRules returns Rules that queue traffic to queue, skipping packets
// marked with mark (zero means DefaultMark).
func NewRules(logf logger.Logf, queue uint16, mark uint32) (*Rules, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, err
	}
	return newRules(logf, ipt, queue, mark), nil
}

func newRules(logf logger.Logf, ipt iptablesInterface, queue uint16, mark uint32) *Rules {
	if logf == nil {
		logf = logger.Discard
	}
	if mark == 0 {
		mark = DefaultMark
	}
	return &Rules{logf: logger.WithPrefix(logf, "nfq: "), ipt: ipt, queue: queue, mark: mark}
}

func (r *Rules) ruleArgs() [][]string {
	m := "0x" + strconv.FormatUint(uint64(r.mark), 16)
	return [][]string{
		{"-m", "mark", "--mark", m + "/" + m, "-j", "RETURN"},
		{"-p", "tcp", "-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(r.queue)), "--queue-bypass"},
		{"-p", "udp", "-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(r.queue)), "--queue-bypass"},
		{"-p", "icmp", "-j", "NFQUEUE", "--queue-num", strconv.Itoa(int(r.queue)), "--queue-bypass"},
	}
}

// Install creates (or flushes and refills) the natcap chain and makes
// the built-in chains jump to it. It is idempotent.
func (r *Rules) Install() error {
	exists, err := r.ipt.ChainExists(table, chain)
	if err != nil {
		return fmt.Errorf("checking %s/%s: %w", table, chain, err)
	}
	if exists {
		err = r.ipt.ClearChain(table, chain)
	} else {
		err = r.ipt.NewChain(table, chain)
	}
	if err != nil {
		return fmt.Errorf("setting up %s/%s: %w", table, chain, err)
	}
	for _, args := range r.ruleArgs() {
		if err := r.ipt.Append(table, chain, args...); err != nil {
			return fmt.Errorf("adding %v to %s/%s: %w", args, table, chain, err)
		}
	}

	jump := []string{"-j", chain}
	for _, hc := range hookedChains {
		exists, err := r.ipt.Exists(table, hc, jump...)
		if err != nil {
			return fmt.Errorf("checking for %v in %s/%s: %w", jump, table, hc, err)
		}
		if exists {
			continue
		}
		if err := r.ipt.Insert(table, hc, 1, jump...); err != nil {
			return fmt.Errorf("adding %v in %s/%s: %w", jump, table, hc, err)
		}
	}
	r.logf("queueing to %d, mark %#x", r.queue, r.mark)
	return nil
}

// Uninstall removes the jumps and the natcap chain. Missing rules are
// not an error.
func (r *Rules) Uninstall() error {
	jump := []string{"-j", chain}
	for _, hc := range hookedChains {
		if err := r.ipt.Delete(table, hc, jump...); err != nil {
			// The error code from the iptables module resists
			// unwrapping; assume the jump was not there.
			r.logf("deleting %v in %s/%s: %v", jump, table, hc, err)
		}
	}
	exists, err := r.ipt.ChainExists(table, chain)
	if err != nil || !exists {
		return err
	}
	if err := r.ipt.ClearChain(table, chain); err != nil {
		return fmt.Errorf("flushing %s/%s: %w", table, chain, err)
	}
	if err := r.ipt.DeleteChain(table, chain); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", table, chain, err)
	}
	return nil
}
