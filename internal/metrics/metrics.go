// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for priorq. It deliberately avoids the prometheus/client_golang
// package so the server binary stays small with no additional dependencies.
//
// # Counters
//
// Broker counters (Pushed, Popped, Acked, Requeued, Erased) are plain atomic
// counters; Pushed is additionally labelled by priority through a
// labelCounter. HTTP counters use a tab-separated string as the label key so
// a single sync.Map can hold every label combination:
//
//	HTTPReqs              →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt →  key = "method\tpath"
//
// # Gauges
//
// Queue-side state (queued, running, failed, free, plus the monitor's
// cumulative activity) is registered as GaugeFuncs sampled on each scrape.
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders everything in the
// Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── counters ─────────────────────────────────────────────────────────────────

// Counter is a simple atomic counter.
type Counter struct {
	v atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.v.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.v.Load() }

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// GaugeFunc is a named metric whose value is sampled on each scrape.
type GaugeFunc struct {
	Name  string
	Help  string
	Type  string // "gauge" or "counter"
	Value func() int64
}

// Registry holds all priorq application metrics. The zero value is usable.
type Registry struct {
	// Broker-level counters.
	Pushed     labelCounter // key = priority ("0", "1", …)
	Popped     Counter
	Acked      Counter
	Requeued   Counter
	Erased     Counter
	Subscribed Counter

	// HTTP-level counters. key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*).
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	mu     sync.Mutex
	gauges []GaugeFunc
}

// RegisterGauge adds a sampled metric rendered on each scrape.
func (r *Registry) RegisterGauge(name, help, typ string, value func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, GaugeFunc{Name: name, Help: help, Type: typ, Value: value})
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── broker counters ───────────────────────────────────────────────────
		writeFamily(&b, "priorq_messages_pushed_total",
			"Total messages pushed, by priority", "counter",
			func(fn func(labels, val string)) {
				r.Pushed.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`priority=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeSingle(&b, "priorq_messages_popped_total",
			"Total messages dispensed to consumers", "counter", r.Popped.Value())
		writeSingle(&b, "priorq_messages_acked_total",
			"Total messages completed and removed", "counter", r.Acked.Value())
		writeSingle(&b, "priorq_messages_requeued_total",
			"Total messages requeued or re-delayed by consumers", "counter", r.Requeued.Value())
		writeSingle(&b, "priorq_messages_erased_total",
			"Total failed messages erased", "counter", r.Erased.Value())
		writeSingle(&b, "priorq_subscriptions_registered_total",
			"Total webhook subscriptions registered", "counter", r.Subscribed.Value())

		// ── sampled gauges ────────────────────────────────────────────────────
		r.mu.Lock()
		gauges := make([]GaugeFunc, len(r.gauges))
		copy(gauges, r.gauges)
		r.mu.Unlock()
		for _, g := range gauges {
			writeSingle(&b, g.Name, g.Help, g.Type, g.Value())
		}

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "priorq_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "priorq_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "priorq_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// writeSingle writes an unlabelled metric with its family header.
func writeSingle(b *strings.Builder, name, help, typ string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(b, "%s %d\n", name, val)
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// PriorityKey builds the label key used by Pushed.
func PriorityKey(priority int) string {
	return fmt.Sprintf("%d", priority)
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
