// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package logger

import (
	"fmt"
	"log"
	"testing"
	"time"

	"natcap.dev/envknob"
)

func TestFuncWriter(t *testing.T) {
	w := FuncWriter(t.Logf)
	lg := log.New(w, "prefix: ", 0)
	lg.Printf("plumbed through")
}

func TestStdLogger(t *testing.T) {
	lg := StdLogger(t.Logf)
	lg.Printf("plumbed through")
}

func logTester(t *testing.T, want []string) (Logf, func() int) {
	i := 0
	return func(format string, args ...any) {
		got := fmt.Sprintf(format, args...)
		if i >= len(want) {
			t.Fatalf("Logging continued past end of expected input: %s", got)
		}
		if got != want[i] {
			t.Fatalf("wanted: %s \n got: %s", want[i], got)
		}
		i++
	}, func() int { return i }
}

func TestRateLimiter(t *testing.T) {
	want := []string{
		"boring string with constant formatting (constant)",
		"templated format string no. 0",
		"boring string with constant formatting (constant)",
		"templated format string no. 1",
		"Repeated messages were suppressed by rate limiting. Original message: boring string with constant formatting (constant)",
		"Repeated messages were suppressed by rate limiting. Original message: templated format string no. 2",
		"Make sure this string makes it through the rest (that are blocked) 4",
		"4 shouldn't get filtered.",
	}

	logf, n := logTester(t, want)
	lg := RateLimitedFn(logf, 1*time.Minute, 2, 50)
	for i := 0; i < 10; i++ {
		lg("boring string with constant formatting %s", "(constant)")
		lg("templated format string no. %d", i)
		if i == 4 {
			lg("Make sure this string makes it through the rest (that are blocked) %d", i)
			prefixed := WithPrefix(lg, string(rune('0'+i)))
			prefixed(" shouldn't get filtered.")
		}
	}
	if got := n(); got != len(want) {
		t.Errorf("logged %d lines; want %d", got, len(want))
	}
}

func TestLogOnChange(t *testing.T) {
	now := time.Unix(1000, 0)
	timeNow := func() time.Time { return now }

	want := []string{"a", "b", "b"}
	logf, n := logTester(t, want)
	lg := LogOnChange(logf, 5*time.Second, timeNow)

	lg("a")
	lg("a")
	lg("b")
	lg("b")
	now = now.Add(6 * time.Second)
	lg("b")
	if got := n(); got != len(want) {
		t.Errorf("logged %d lines; want %d", got, len(want))
	}
}

func TestDebug(t *testing.T) {
	var got []string
	logf := Debug(func(format string, args ...any) {
		got = append(got, fmt.Sprintf(format, args...))
	})

	envknob.Setenv("NATCAP_DEBUG", "")
	logf("hidden")
	envknob.Setenv("NATCAP_DEBUG", "true")
	t.Cleanup(func() { envknob.Setenv("NATCAP_DEBUG", "") })
	logf("shown %d", 1)

	if len(got) != 1 || got[0] != "shown 1" {
		t.Errorf("got %q; want [\"shown 1\"]", got)
	}
}
