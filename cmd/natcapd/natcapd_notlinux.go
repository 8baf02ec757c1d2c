// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package main

import "log"

func main() {
	log.Fatal("natcapd requires Linux netfilter queues")
}
