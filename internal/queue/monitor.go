package queue

// monitor.go — the periodic scan that enforces ack timeouts and prevents
// low-priority starvation.
//
// Every PollInterval the monitor walks the ID index once:
//
//   - A running record whose dispense time is older than AckTimeout is either
//     re-queued at the front (the insertion end) of its own priority FIFO, so
//     messages already waiting there are dispensed before the retry, or, once
//     its fail count reaches MaxRetries, moved to the failed state where it is
//     retained until erased.
//
//   - A queued record at priority > 0 that has waited longer than
//     BoostTimeout is moved to the front of priority 0. The boost is
//     transient: the record keeps its stored priority and the flag clears on
//     any re-queue.
//
// The scan is O(N) in the index. At the scales this broker targets
// (thousands of in-flight messages) that is acceptable.

import (
	"fmt"
	"time"

	"github.com/mkarel/priorq/internal/types"
)

// monitorLoop runs the periodic sweep until Close.
func (q *Queue) monitorLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

// sweep performs one monitor pass: timeout retry/fail, then priority boost.
func (q *Queue) sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	failBoundary := now.Add(-q.cfg.AckTimeout)
	boostBoundary := now.Add(-q.cfg.BoostTimeout)
	requeued := 0

	for id, rec := range q.index {
		switch {
		case rec.state == types.StateRunning && q.cfg.AckTimeout > 0 && rec.stateTS.Before(failBoundary):
			rec.failCount++
			rec.token = ""
			q.countRunning--

			if q.cfg.MaxRetries > 0 && rec.failCount == q.cfg.MaxRetries {
				rec.state = types.StateFailed
				q.countFailed++
				q.failedTotal++
			} else {
				rec.state = types.StateQueued
				rec.stateTS = now
				rec.boosted = false
				rec.elem = q.ring[rec.priority].PushFront(rec)
				q.countQueued++
				q.retriedTotal++
				requeued++
			}

		case rec.state == types.StateQueued && q.cfg.BoostTimeout > 0 && rec.priority > 0 &&
			!rec.boosted && rec.stateTS.Before(boostBoundary):
			if rec.elem == nil {
				q.report(fmt.Sprintf("monitor: queued message %s not found in expected FIFO", id))
				continue
			}
			q.ring[rec.priority].Remove(rec.elem)
			rec.boosted = true
			rec.elem = q.ring[0].PushFront(rec)
			q.boostedTotal++
		}
	}

	if requeued == 1 {
		q.popCond.Signal()
	} else if requeued > 1 {
		q.popCond.Broadcast()
	}
}
