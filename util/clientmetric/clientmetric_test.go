// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package clientmetric

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	c := NewCounter("test_widgets")
	g := NewGauge("test_queue_depth")
	c.Add(3)
	c.Add(2)
	g.Set(7)
	g.Add(-2)
	if got := c.Value(); got != 5 {
		t.Errorf("counter = %d; want 5", got)
	}
	if got := g.Value(); got != 5 {
		t.Errorf("gauge = %d; want 5", got)
	}

	var names []string
	for _, m := range Metrics() {
		names = append(names, m.Name())
	}
	if got, want := strings.Join(names, ","), "test_queue_depth,test_widgets"; !strings.Contains(got, want) {
		t.Errorf("Metrics names = %q; want sorted, containing %q", got, want)
	}
}

func TestDuplicatePanics(t *testing.T) {
	NewCounter("test_dup")
	defer func() {
		if recover() == nil {
			t.Error("duplicate publish did not panic")
		}
	}()
	NewCounter("test_dup")
}

func TestCollector(t *testing.T) {
	m := NewCounter("test_collected_total")
	m.Add(42)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(Collector{}); err != nil {
		t.Fatal(err)
	}
	const want = `
# HELP test_collected_total test_collected_total counter
# TYPE test_collected_total counter
test_collected_total 42
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "test_collected_total"); err != nil {
		t.Error(err)
	}
}
