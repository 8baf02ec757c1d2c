// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

package nfq

import (
	"fmt"
	"strings"
)

// fakeIPTables keeps rules as joined argument strings per table/chain.
type fakeIPTables struct {
	n map[string][]string
}

func newFakeIPTables() *fakeIPTables {
	return &fakeIPTables{
		n: map[string][]string{
			"mangle/PREROUTING":  nil,
			"mangle/INPUT":       nil,
			"mangle/FORWARD":     nil,
			"mangle/OUTPUT":      nil,
			"mangle/POSTROUTING": nil,
		},
	}
}

func (n *fakeIPTables) Insert(table, chain string, pos int, args ...string) error {
	k := table + "/" + chain
	rules, ok := n.n[k]
	if !ok {
		return fmt.Errorf("unknown table/chain %s", k)
	}
	if pos > len(rules)+1 {
		return fmt.Errorf("bad position %d in %s", pos, k)
	}
	rules = append(rules, "")
	copy(rules[pos:], rules[pos-1:])
	rules[pos-1] = strings.Join(args, " ")
	n.n[k] = rules
	return nil
}

func (n *fakeIPTables) Append(table, chain string, args ...string) error {
	k := table + "/" + chain
	return n.Insert(table, chain, len(n.n[k])+1, args...)
}

func (n *fakeIPTables) Exists(table, chain string, args ...string) (bool, error) {
	k := table + "/" + chain
	rules, ok := n.n[k]
	if !ok {
		return false, fmt.Errorf("unknown table/chain %s", k)
	}
	for _, rule := range rules {
		if rule == strings.Join(args, " ") {
			return true, nil
		}
	}
	return false, nil
}

func (n *fakeIPTables) Delete(table, chain string, args ...string) error {
	k := table + "/" + chain
	rules, ok := n.n[k]
	if !ok {
		return fmt.Errorf("unknown table/chain %s", k)
	}
	for i, rule := range rules {
		if rule == strings.Join(args, " ") {
			n.n[k] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete of unknown rule %q from %s", strings.Join(args, " "), k)
}

func (n *fakeIPTables) ChainExists(table, chain string) (bool, error) {
	_, ok := n.n[table+"/"+chain]
	return ok, nil
}

func (n *fakeIPTables) ClearChain(table, chain string) error {
	k := table + "/" + chain
	if _, ok := n.n[k]; !ok {
		return fmt.Errorf("unknown table/chain %s", k)
	}
	n.n[k] = nil
	return nil
}

func (n *fakeIPTables) NewChain(table, chain string) error {
	k := table + "/" + chain
	if _, ok := n.n[k]; ok {
		return fmt.Errorf("table/chain %s already exists", k)
	}
	n.n[k] = nil
	return nil
}

func (n *fakeIPTables) DeleteChain(table, chain string) error {
	k := table + "/" + chain
	rules, ok := n.n[k]
	if !ok {
		return fmt.Errorf("unknown table/chain %s", k)
	}
	if len(rules) != 0 {
		return fmt.Errorf("table/chain %s is not empty", k)
	}
	delete(n.n, k)
	return nil
}
