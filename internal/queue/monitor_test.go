package queue_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkarel/priorq/internal/queue"
)

func TestMonitor_RetryThenFail(t *testing.T) {
	cfg := queue.Config{
		Priorities:   1,
		Capacity:     5,
		AckTimeout:   200 * time.Millisecond,
		MaxRetries:   2,
		PollInterval: 50 * time.Millisecond,
	}
	q := newQueue(t, cfg)

	if err := q.Push("x", nil, 0, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}

	first, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}

	// Never ack. The monitor re-queues the message after the ack timeout and
	// the next pop hands it out under a fresh token.
	waitFor(t, 2*time.Second, func() bool { return q.QueuedCount() == 1 })

	second, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop after retry: %v", err)
	}
	if second.ID != "x" {
		t.Fatalf("retry dispensed %q, want %q", second.ID, "x")
	}
	if second.Token == first.Token {
		t.Fatal("retry re-used the previous token")
	}

	// Let the second handoff time out too — with MaxRetries=2 the message now
	// fails instead of retrying.
	waitFor(t, 2*time.Second, func() bool {
		_, failed, _ := q.Counts()
		return failed == 1
	})
	checkCounts(t, q, 0, 1, 4)

	got := q.Failed()
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("Failed = %v, want [x]", got)
	}
	if s := q.Stats(); s.Retried != 1 || s.Failed != 1 {
		t.Errorf("Stats = %+v, want Retried=1 Failed=1", s)
	}
}

func TestMonitor_RetryOrdering(t *testing.T) {
	cfg := queue.Config{
		Priorities:   1,
		Capacity:     10,
		AckTimeout:   100 * time.Millisecond,
		MaxRetries:   5,
		PollInterval: 25 * time.Millisecond,
	}
	q := newQueue(t, cfg)

	if err := q.Push("slow", nil, 0, 0); err != nil {
		t.Fatalf("Push slow: %v", err)
	}
	if _, err := q.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if err := q.Push("waiting", nil, 0, 0); err != nil {
		t.Fatalf("Push waiting: %v", err)
	}

	// The retry re-enters at the insertion end of the FIFO, so the message
	// that was already waiting dispenses first.
	waitFor(t, 2*time.Second, func() bool { return q.QueuedCount() == 2 })

	for i, want := range []string{"waiting", "slow"} {
		msg, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop[%d]: %v", i, err)
		}
		if msg.ID != want {
			t.Fatalf("Pop[%d] = %q, want %q", i, msg.ID, want)
		}
	}
}

func TestMonitor_StaleAckRejected(t *testing.T) {
	cfg := queue.Config{
		Priorities:   1,
		Capacity:     5,
		AckTimeout:   150 * time.Millisecond,
		MaxRetries:   3,
		PollInterval: 25 * time.Millisecond,
	}
	q := newQueue(t, cfg)

	if err := q.Push("y", nil, 0, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	first, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}

	// Overrun the ack timeout so the monitor re-dispenses the message.
	waitFor(t, 2*time.Second, func() bool { return q.QueuedCount() == 1 })
	second, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop after retry: %v", err)
	}

	// The first consumer's token is now stale.
	if err := q.Ack("y", first.Token, false, 0); !errors.Is(err, queue.ErrInvalidToken) {
		t.Fatalf("stale ack: err = %v, want ErrInvalidToken", err)
	}
	// The current owner completes normally.
	if err := q.Ack("y", second.Token, false, 0); err != nil {
		t.Fatalf("current ack: %v", err)
	}
	checkCounts(t, q, 0, 0, 5)
}

func TestMonitor_ZeroAckTimeoutDisablesRetries(t *testing.T) {
	cfg := queue.Config{
		Priorities:   1,
		Capacity:     5,
		AckTimeout:   0,
		MaxRetries:   1,
		PollInterval: 10 * time.Millisecond,
	}
	q := newQueue(t, cfg)

	if err := q.Push("x", nil, 0, 0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	msg, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}

	// Give the monitor several poll intervals: the message must stay running.
	time.Sleep(150 * time.Millisecond)
	if n := q.RunningCount(); n != 1 {
		t.Fatalf("RunningCount = %d, want 1 (retries disabled)", n)
	}
	if err := q.Ack(msg.ID, msg.Token, false, 0); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestMonitor_PriorityBoost(t *testing.T) {
	cfg := queue.Config{
		Priorities:   2,
		Capacity:     10,
		AckTimeout:   0,
		BoostTimeout: 300 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}
	q := newQueue(t, cfg)

	if err := q.Push("hi", nil, 0, 0); err != nil {
		t.Fatalf("Push hi: %v", err)
	}
	if err := q.Push("lo", nil, 1, 0); err != nil {
		t.Fatalf("Push lo: %v", err)
	}

	msg, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if msg.ID != "hi" {
		t.Fatalf("Pop = %q, want %q", msg.ID, "hi")
	}

	// Leave "lo" starving at priority 1 past the boost timeout.
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Boosted == 1 })

	// A fresh high-priority message must still lose to the boosted one,
	// which now sits at the head of priority 0.
	if err := q.Push("hi2", nil, 0, 0); err != nil {
		t.Fatalf("Push hi2: %v", err)
	}
	next, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if next.ID != "lo" {
		t.Fatalf("Pop = %q, want boosted %q before %q", next.ID, "lo", "hi2")
	}
}

func TestMonitor_LongBoostTimeoutNeverBoosts(t *testing.T) {
	cfg := queue.Config{
		Priorities:   2,
		Capacity:     10,
		AckTimeout:   0,
		BoostTimeout: time.Hour,
		PollInterval: 10 * time.Millisecond,
	}
	q := newQueue(t, cfg)

	if err := q.Push("lo", nil, 1, 0); err != nil {
		t.Fatalf("Push lo: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := q.Push("hi", nil, 0, 0); err != nil {
		t.Fatalf("Push hi: %v", err)
	}

	msg, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if msg.ID != "hi" {
		t.Fatalf("Pop = %q, want %q (no boost within test duration)", msg.ID, "hi")
	}
	if b := q.Stats().Boosted; b != 0 {
		t.Errorf("Boosted = %d, want 0", b)
	}
}

// TestQueue_ConcurrentWorkers drives the queue the way the broker is used in
// production: several workers looping on PopAck while a producer keeps the
// queue topped up, with the monitor recovering deliberately stalled handoffs.
func TestQueue_ConcurrentWorkers(t *testing.T) {
	const (
		workerCount = 4
		msgCount    = 60
	)

	cfg := queue.Config{
		Priorities:   3,
		Capacity:     100,
		AckTimeout:   250 * time.Millisecond,
		MaxRetries:   0, // retry forever — a stalled handoff must never fail the message
		PollInterval: 25 * time.Millisecond,
	}
	q := newQueue(t, cfg)

	var processed atomic.Int64
	var staleAcks atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			msg, err := q.Pop()
			if err != nil {
				return
			}
			for {
				if msg.ID == "exit" {
					// Requeue the sentinel so the other workers see it too.
					_ = q.Ack(msg.ID, msg.Token, true, 0)
					return
				}

				// Messages whose ID ends in 3 overrun the ack timeout when
				// worker 0 holds them, so the monitor has to re-dispense them
				// to another worker.
				if id == 0 && msg.ID[len(msg.ID)-1] == '3' {
					time.Sleep(400 * time.Millisecond)
				} else {
					time.Sleep(5 * time.Millisecond)
				}

				next, ackErr := q.PopAck(msg.ID, msg.Token, false, 0)
				if ackErr != nil {
					if errors.Is(ackErr, queue.ErrClosed) {
						return
					}
					// Stale token after a monitor retry: discard the work and
					// pop a fresh message.
					staleAcks.Add(1)
					next, ackErr = q.Pop()
					if ackErr != nil {
						return
					}
				} else {
					processed.Add(1)
				}
				msg = next
			}
		}(w)
	}

	for i := 0; i < msgCount; i++ {
		id := "m" + string(rune('0'+i/10)) + string(rune('0'+i%10))
		if err := q.Push(id, nil, i%3, 0); err != nil {
			t.Fatalf("Push %s: %v", id, err)
		}
	}

	// Wait until everything has been processed, then release the workers.
	waitFor(t, 15*time.Second, func() bool {
		active, failed, _ := q.Counts()
		return active == 0 && failed == 0
	})
	if err := q.Push("exit", nil, 0, 0); err != nil {
		t.Fatalf("Push exit: %v", err)
	}
	wg.Wait()

	if got := processed.Load(); got != msgCount {
		t.Errorf("processed = %d, want %d", got, msgCount)
	}
}
