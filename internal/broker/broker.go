// Package broker is the central orchestrator for priorq.
//
// All transport code (HTTP handlers, WebSocket push, webhook delivery) talks
// to the Broker — never directly to the queue engine. The broker generates
// message IDs when the producer omits one, keeps the metrics registry in
// step with every operation, and exposes the queue's introspection surface.
//
// Data flow:
//
//	Producer → Broker.Push   → queue.Queue.Push
//	Consumer → Broker.Pop    → queue.Queue.Pop
//	         → Broker.Ack    → queue.Queue.Ack
//	         → Broker.PopAck → queue.Queue.PopAck
package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarel/priorq/internal/metrics"
	"github.com/mkarel/priorq/internal/queue"
	"github.com/mkarel/priorq/internal/token"
	"github.com/mkarel/priorq/internal/types"
)

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry so that every broker operation
// increments the relevant counter and the queue's depth gauges are sampled
// on each scrape.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// ─── Broker ──────────────────────────────────────────────────────────────────

// Broker wraps a single queue engine behind the API every transport consumes.
// All methods are safe for concurrent use.
type Broker struct {
	q   *queue.Queue
	ids *token.Source

	metrics *metrics.Registry
}

// New creates a Broker and starts its queue engine.
// Internal queue invariant reports are routed to slog unless cfg.OnError is
// already set.
func New(cfg queue.Config, opts ...Option) (*Broker, error) {
	if cfg.OnError == nil {
		cfg.OnError = func(msg string) {
			slog.Warn("queue internal error", "report", msg)
		}
	}

	q, err := queue.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("broker: create queue: %w", err)
	}

	b := &Broker{q: q, ids: token.NewSource()}
	for _, o := range opts {
		o(b)
	}

	if b.metrics != nil {
		b.registerGauges()
	}
	return b, nil
}

// Close shuts the queue engine down, waking any blocked consumers.
func (b *Broker) Close() error {
	return b.q.Close()
}

// registerGauges exposes queue depth and background-task activity to the
// metrics registry, sampled on each scrape.
func (b *Broker) registerGauges() {
	reg, q := b.metrics, b.q

	reg.RegisterGauge("priorq_messages_queued",
		"Messages waiting in the priority FIFOs", "gauge",
		func() int64 { return int64(q.QueuedCount()) })
	reg.RegisterGauge("priorq_messages_running",
		"Messages currently held by consumers", "gauge",
		func() int64 { return int64(q.RunningCount()) })
	reg.RegisterGauge("priorq_messages_failed",
		"Messages that exhausted retries and await erasure", "gauge",
		func() int64 { _, failed, _ := q.Counts(); return int64(failed) })
	reg.RegisterGauge("priorq_capacity_free",
		"Remaining message capacity", "gauge",
		func() int64 { _, _, free := q.Counts(); return int64(free) })

	reg.RegisterGauge("priorq_monitor_retries_total",
		"Timeout retries re-queued by the monitor", "counter",
		func() int64 { return int64(q.Stats().Retried) })
	reg.RegisterGauge("priorq_monitor_failures_total",
		"Messages failed by the monitor after exhausting retries", "counter",
		func() int64 { return int64(q.Stats().Failed) })
	reg.RegisterGauge("priorq_monitor_boosts_total",
		"Messages promoted to priority 0 by the monitor", "counter",
		func() int64 { return int64(q.Stats().Boosted) })
	reg.RegisterGauge("priorq_delay_releases_total",
		"Delayed messages made visible by the delay task", "counter",
		func() int64 { return int64(q.Stats().Released) })
}

// ─── Producer API ────────────────────────────────────────────────────────────

// Push enqueues a message and returns the ID it was stored under. An empty id
// asks the broker to generate one.
func (b *Broker) Push(id string, payload []byte, priority int, delay time.Duration) (string, error) {
	if id == "" {
		generated, err := b.ids.New()
		if err != nil {
			return "", fmt.Errorf("broker: generate message ID: %w", err)
		}
		id = generated
	}

	if err := b.q.Push(id, payload, priority, delay); err != nil {
		return "", err
	}
	if b.metrics != nil {
		b.metrics.Pushed.Inc(metrics.PriorityKey(priority))
	}
	return id, nil
}

// ─── Consumer API ────────────────────────────────────────────────────────────

// Pop blocks until a message is available. Returns queue.ErrClosed after
// shutdown.
func (b *Broker) Pop() (types.Message, error) {
	msg, err := b.q.Pop()
	if err != nil {
		return types.Message{}, err
	}
	if b.metrics != nil {
		b.metrics.Popped.Inc()
	}
	return msg, nil
}

// TryPop is the non-blocking variant of Pop used by polling transports.
func (b *Broker) TryPop() (types.Message, bool) {
	msg, ok := b.q.TryPop()
	if ok && b.metrics != nil {
		b.metrics.Popped.Inc()
	}
	return msg, ok
}

// Ack completes (or requeues) a handoff.
func (b *Broker) Ack(id, tok string, requeue bool, delay time.Duration) error {
	if err := b.q.Ack(id, tok, requeue, delay); err != nil {
		return err
	}
	if b.metrics != nil {
		if requeue {
			b.metrics.Requeued.Inc()
		} else {
			b.metrics.Acked.Inc()
		}
	}
	return nil
}

// PopAck atomically acks one message and blocks for the next.
func (b *Broker) PopAck(id, tok string, requeue bool, delay time.Duration) (types.Message, error) {
	msg, err := b.q.PopAck(id, tok, requeue, delay)
	if err != nil {
		return types.Message{}, err
	}
	if b.metrics != nil {
		if requeue {
			b.metrics.Requeued.Inc()
		} else {
			b.metrics.Acked.Inc()
		}
		b.metrics.Popped.Inc()
	}
	return msg, nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Counts returns (active, failed, free).
func (b *Broker) Counts() (active, failed, free int) { return b.q.Counts() }

// Capacity returns the configured maximum number of live messages.
func (b *Broker) Capacity() int { return b.q.Capacity() }

// QueuedCount returns the number of messages waiting to be dispensed.
func (b *Broker) QueuedCount() int { return b.q.QueuedCount() }

// RunningCount returns the number of messages held by consumers.
func (b *Broker) RunningCount() int { return b.q.RunningCount() }

// Failed returns the IDs of all failed messages.
func (b *Broker) Failed() []string { return b.q.Failed() }

// EraseFailed removes failed messages, returning the IDs actually erased.
func (b *Broker) EraseFailed(ids []string) []string {
	erased := b.q.EraseFailed(ids)
	if b.metrics != nil && len(erased) > 0 {
		b.metrics.Erased.Add(int64(len(erased)))
	}
	return erased
}

// SetErrorCallback replaces the queue's internal-error callback.
func (b *Broker) SetErrorCallback(fn func(msg string)) { b.q.SetErrorCallback(fn) }
