// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

// The natcapd daemon intercepts forwarded and local traffic through
// NFQUEUE and runs the natcap client and peer hooks on it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"natcap.dev/envknob"
	"natcap.dev/natcap/client"
	"natcap.dev/natcap/conntrack"
	"natcap.dev/natcap/ipset"
	"natcap.dev/natcap/peer"
	"natcap.dev/natcap/serverpool"
	"natcap.dev/natcap/wire"
	"natcap.dev/net/hook"
	"natcap.dev/net/interfaces"
	"natcap.dev/net/nfq"
	"natcap.dev/types/logger"
	"natcap.dev/util/clientmetric"
)

const (
	pruneInterval  = 10 * time.Second
	statusInterval = 5 * time.Minute
)

func main() {
	if err := envknob.ApplyDiskConfig(); err != nil {
		log.Fatal(err)
	}
	fs := flag.NewFlagSet("natcapd", flag.ExitOnError)
	var (
		queue        = fs.Uint("queue", 0, "NFQUEUE number")
		mode         = fs.String("mode", "client", "roles to run: client, peer or both")
		encode       = fs.String("encode", "tcp", "transport to natcap servers: tcp or udp")
		servers      = fs.String("servers", "", "comma separated natcap servers, ip:port with an optional -e suffix for encryption")
		gfwlist      = fs.String("gfwlist", "", "file of gfwlist addresses, prefixes or ranges")
		cniplist     = fs.String("cniplist", "", "file of cniplist addresses, prefixes or ranges")
		udproxylist  = fs.String("udproxylist", "", "file of udproxylist addresses, prefixes or ranges")
		peerServers  = fs.String("peer-servers", "", "comma separated rendezvous server addresses")
		metricsAddr  = fs.String("metrics", "", "address to serve Prometheus metrics on, empty to disable")
		installRules = fs.Bool("install-rules", true, "install the iptables rules steering traffic into the queue")
		maxFlows     = fs.Int("max-flows", 65536, "maximum number of tracked flows")
		mtuTTL       = fs.Duration("mtu-ttl", 5*time.Minute, "lifetime of cached path MTUs")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("NATCAPD")); err != nil {
		log.Fatal(err)
	}
	if *queue > 0xFFFF {
		log.Fatalf("-queue %d out of range", *queue)
	}
	envknob.LogCurrent(log.Printf)

	m, err := parseMode(*mode)
	if err != nil {
		log.Fatal(err)
	}
	enc, err := client.ParseEncodeMode(*encode)
	if err != nil {
		log.Fatal(err)
	}
	srvs, err := parseServers(*servers)
	if err != nil {
		log.Fatal(err)
	}
	peers, err := parseAddrs(*peerServers)
	if err != nil {
		log.Fatal(err)
	}
	sets, err := loadSets(log.Printf, map[string]string{
		ipset.GFWList:     *gfwlist,
		ipset.CNIPList:    *cniplist,
		ipset.UDProxyList: *udproxylist,
	})
	if err != nil {
		log.Fatal(err)
	}

	chain := hook.NewChain(log.Printf)
	table := conntrack.NewTable(log.Printf, *maxFlows)
	table.Register(chain)
	mtus := interfaces.NewMTUCache(*mtuTTL)

	var prune []func()
	prune = append(prune, func() { table.Prune() }, mtus.Prune)
	var status []func() string
	status = append(status,
		func() string { return fmt.Sprintf("flows=%d", table.Len()) },
		func() string { return fmt.Sprintf("mtus=%d", mtus.Len()) })

	if m.has(modeClient) {
		pool := serverpool.New(serverpool.Options{})
		for _, t := range srvs {
			if err := pool.Add(t); err != nil {
				log.Fatal(err)
			}
		}
		if pool.Len() == 0 {
			log.Printf("no -servers given; all flows bypass")
		}
		c := client.New(client.Options{
			Logf:    log.Printf,
			Servers: pool,
			Sets:    sets,
			Tracker: table,
			NAT:     table,
			Encode:  enc,
			MTU:     mtus.MTU,
		})
		c.Register(chain)
		log.Printf("client: %d servers, encode %v", pool.Len(), enc)
	}
	if m.has(modePeer) {
		mac := localMAC()
		ps := peer.NewServer(peer.ServerOptions{Logf: log.Printf, MAC: mac, PathMTU: mtus.MTU})
		ps.Register(chain)
		prune = append(prune, ps.Users().Prune)
		status = append(status, func() string { return fmt.Sprintf("users=%d", ps.Users().Len()) })
		if len(peers) > 0 {
			pc := peer.NewClient(peer.ClientOptions{
				Logf:    log.Printf,
				MAC:     mac,
				PathMTU: mtus.MTU,
				Servers: peers,
			})
			pc.Register(chain)
			prune = append(prune, func() { pc.Prune() })
			status = append(status, func() string { return fmt.Sprintf("pending=%d", pc.Pending()) })
		}
		log.Printf("peer: mac %v, %d rendezvous servers", mac, len(peers))
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	if *installRules {
		rules, err := nfq.NewRules(log.Printf, uint16(*queue), nfq.DefaultMark)
		if err != nil {
			log.Fatal(err)
		}
		if err := rules.Install(); err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := rules.Uninstall(); err != nil {
				log.Printf("removing rules: %v", err)
			}
		}()
	}

	q, err := nfq.Open(nfq.Config{
		Logf: log.Printf,
		Num:  uint16(*queue),
		Mark: nfq.DefaultMark,
	}, chain)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go pruneLoop(ctx, prune, status)

	log.Printf("natcapd: mode %v, queue %d", m, *queue)
	if err := q.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("queue: %v", err)
	}
	log.Printf("natcapd: shutting down")
}

// localMAC returns the MAC of the primary Ethernet link, or the zero MAC.
func localMAC() wire.MAC {
	l, err := interfaces.Primary()
	if err != nil {
		log.Printf("no primary link: %v", err)
		return wire.MAC{}
	}
	mac, ok := wire.MACFrom(l.MAC)
	if !ok {
		log.Printf("link %s has no usable MAC", l.Name)
	}
	return mac
}

// pruneLoop runs the prune funcs every pruneInterval and logs the
// table sizes when they change.
func pruneLoop(ctx context.Context, fns []func(), status []func() string) {
	logf := logger.LogOnChange(log.Printf, statusInterval, time.Now)
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, f := range fns {
				f()
			}
			parts := make([]string, len(status))
			for i, f := range status {
				parts[i] = f()
			}
			logf("status: %s", strings.Join(parts, " "))
		}
	}
}

func serveMetrics(addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(clientmetric.Collector{}, collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: logger.StdLogger(logger.WithPrefix(log.Printf, "metrics: ")),
	}
	log.Printf("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Printf("metrics: %v", err)
	}
}
