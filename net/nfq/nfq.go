// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

// Package nfq runs a hook.Chain on packets that netfilter delivers
// through NFQUEUE, and sends the packets the chain synthesizes through
// a raw IPv4 socket.
package nfq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
	"natcap.dev/net/hook"
	"natcap.dev/types/logger"
	"natcap.dev/util/clientmetric"
)

var (
	metricPackets      = clientmetric.NewCounter("nfq_packets")
	metricModified     = clientmetric.NewCounter("nfq_modified")
	metricDropped      = clientmetric.NewCounter("nfq_dropped")
	metricConsumed     = clientmetric.NewCounter("nfq_consumed")
	metricVerdictError = clientmetric.NewCounter("nfq_verdict_errors")
	metricOverruns     = clientmetric.NewCounter("nfq_overruns")
)

// DefaultMark is the packet mark of emitted packets. Rules installed by
// Rules let packets carrying it bypass the queue.
const DefaultMark = 0x99

// Config configures a Queue.
type Config struct {
	Logf logger.Logf
	// Num is the NFQUEUE number.
	Num uint16
	// Mark is set on every emitted packet. Queued packets carrying it
	// are accepted untouched. Zero means DefaultMark.
	Mark uint32
	// MaxQueueLen bounds the kernel queue. Zero means 4096.
	MaxQueueLen uint32
}

// Queue delivers queued packets to a hook.Chain.
type Queue struct {
	logf    logger.Logf
	limited logger.Logf
	mark    uint32
	chain   *hook.Chain

	nf *nfqueue.Nfqueue
	tx *RawSender
}

// Open opens queue cfg.Num and a raw socket for emitted packets.
func Open(cfg Config, chain *hook.Chain) (*Queue, error) {
	logf := cfg.Logf
	if logf == nil {
		logf = logger.Discard
	}
	logf = logger.WithPrefix(logf, "nfq: ")
	if cfg.Mark == 0 {
		cfg.Mark = DefaultMark
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = 4096
	}

	tx, err := NewRawSender(cfg.Mark)
	if err != nil {
		return nil, err
	}
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.Num,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        nfqueue.NfQaCfgFlagFailOpen,
		ReadTimeout:  time.Second,
	})
	if err != nil {
		tx.Close()
		return nil, fmt.Errorf("opening queue %d: %w", cfg.Num, err)
	}
	return &Queue{
		logf:    logf,
		limited: logger.RateLimitedFn(logf, 10*time.Second, 3, 16),
		mark:    cfg.Mark,
		chain:   chain,
		nf:      nf,
		tx:      tx,
	}, nil
}

// Run handles packets until ctx is done, then closes q.
func (q *Queue) Run(ctx context.Context) error {
	defer q.Close()
	if err := q.nf.RegisterWithErrorFunc(ctx, q.handle, q.handleErr); err != nil {
		return fmt.Errorf("registering queue handler: %w", err)
	}
	<-ctx.Done()
	return nil
}

// Close releases the queue and the raw socket.
func (q *Queue) Close() error {
	return errors.Join(q.nf.Close(), q.tx.Close())
}

func (q *Queue) handleErr(err error) int {
	if isTimeout(err) {
		return 0
	}
	if isOverrun(err) {
		// The kernel dropped messages; the queue keeps working.
		metricOverruns.Add(1)
		q.limited("receive buffer overrun")
		return 0
	}
	q.limited("receive: %v", err)
	return 0
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func isOverrun(err error) bool {
	var oe *netlink.OpError
	return errors.As(err, &oe) && errors.Is(oe.Err, unix.ENOBUFS)
}

func (q *Queue) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	if a.Payload == nil || a.Hook == nil || (a.Mark != nil && *a.Mark == q.mark) {
		q.verdict(id, nfqueue.NfAccept, nil)
		return 0
	}
	pt, ok := pointOf(*a.Hook)
	if !ok {
		q.verdict(id, nfqueue.NfAccept, nil)
		return 0
	}
	var out uint32
	if a.OutDev != nil {
		out = *a.OutDev
	}
	v, b := process(q.chain, q.tx, pt, *a.Payload, out)
	q.verdict(id, v, b)
	return 0
}

func (q *Queue) verdict(id uint32, v int, modified []byte) {
	var err error
	if modified != nil {
		err = q.nf.SetVerdictModPacket(id, v, modified)
	} else {
		err = q.nf.SetVerdict(id, v)
	}
	if err != nil {
		metricVerdictError.Add(1)
		q.limited("verdict for packet %d: %v", id, err)
	}
}

// pointOf maps a netfilter hook number to a hook.Point.
func pointOf(nfHook uint8) (hook.Point, bool) {
	switch nfHook {
	case 0:
		return hook.PreRouting, true
	case 1:
		return hook.LocalIn, true
	case 2:
		return hook.Forward, true
	case 3:
		return hook.LocalOut, true
	case 4:
		return hook.PostRouting, true
	}
	return 0, false
}

// process runs chain on b at pt and returns the netfilter verdict,
// plus the packet bytes if the chain changed them.
func process(chain *hook.Chain, e hook.Emitter, pt hook.Point, b []byte, outIf uint32) (verdict int, modified []byte) {
	metricPackets.Add(1)
	orig := bytes.Clone(b)
	p := hook.NewPacket(pt, b)
	p.OutIfIndex = outIf
	switch chain.Run(p, e) {
	case hook.Drop:
		metricDropped.Add(1)
		return nfqueue.NfDrop, nil
	case hook.Consumed:
		metricConsumed.Add(1)
		return nfqueue.NfDrop, nil
	}
	if bytes.Equal(p.Buf, orig) {
		return nfqueue.NfAccept, nil
	}
	metricModified.Add(1)
	return nfqueue.NfAccept, p.Buf
}
