// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package clientmetric provides process-wide counters and gauges that
// are cheap to update from the packet path and exported to Prometheus.
package clientmetric

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu      sync.Mutex // guards vars below
	metrics = map[string]*Metric{}
	sorted  []*Metric
)

// Type is a metric type: counter or gauge.
type Type uint8

const (
	TypeGauge Type = iota
	TypeCounter
)

func (t Type) String() string {
	if t == TypeCounter {
		return "counter"
	}
	return "gauge"
}

// Metric is an integer metric value that's tracked over time.
//
// It's safe for concurrent use.
type Metric struct {
	v    atomic.Int64
	name string
	typ  Type
}

func (m *Metric) Name() string { return m.name }
func (m *Metric) Type() Type   { return m.typ }

// Value returns the current value.
func (m *Metric) Value() int64 { return m.v.Load() }

// Add increments m's value by n.
//
// If m is of type counter, n should not be negative.
func (m *Metric) Add(n int64) { m.v.Add(n) }

// Set sets m's value to v.
//
// If m is of type counter, Set should not be used.
func (m *Metric) Set(v int64) { m.v.Store(v) }

// Publish registers a metric in the global map.
// It panics if the name is a duplicate anywhere in the process.
func (m *Metric) Publish() {
	mu.Lock()
	defer mu.Unlock()
	if m.name == "" {
		panic("unnamed Metric")
	}
	if _, dup := metrics[m.name]; dup {
		panic("duplicate metric " + m.name)
	}
	metrics[m.name] = m
	sorted = append(sorted, m)
	slices.SortFunc(sorted, func(a, b *Metric) int { return cmp.Compare(a.name, b.name) })
}

// Metrics returns a sorted copy of the list of metrics.
func Metrics() []*Metric {
	mu.Lock()
	defer mu.Unlock()
	return slices.Clone(sorted)
}

// NewUnpublished initializes a new Metric without calling Publish on
// it.
func NewUnpublished(name string, typ Type) *Metric {
	return &Metric{name: name, typ: typ}
}

// NewCounter returns a new metric that can only increment.
func NewCounter(name string) *Metric {
	m := NewUnpublished(name, TypeCounter)
	m.Publish()
	return m
}

// NewGauge returns a new metric that can both increment and decrement.
func NewGauge(name string) *Metric {
	m := NewUnpublished(name, TypeGauge)
	m.Publish()
	return m
}

// Collector is a prometheus.Collector exporting every published metric.
// Metrics published after registration are picked up on the next
// scrape.
type Collector struct{}

// Describe implements prometheus.Collector.
func (c Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range Metrics() {
		vt := prometheus.GaugeValue
		if m.typ == TypeCounter {
			vt = prometheus.CounterValue
		}
		desc := prometheus.NewDesc(m.name, m.name+" "+m.typ.String(), nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, vt, float64(m.Value()))
	}
}
