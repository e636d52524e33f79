package queue

// delay.go — the delay set and the goroutine that drains it.
//
// The delay set is a min-heap of records ordered by release time:
//   - peek-min  → O(1), so the goroutine always knows how long to sleep
//   - insert    → O(log N)
//
// The goroutine sleeps until the heap root is due, then migrates every due
// record onto the back of its priority FIFO. A capacity-1 wake channel lets
// Push and Ack interrupt the sleep when a newly parked record is due sooner
// than the current root.

import (
	"container/heap"
	"time"

	"github.com/mkarel/priorq/internal/types"
)

// ─── delayHeap ───────────────────────────────────────────────────────────────

// delayHeap is a slice of *record that satisfies heap.Interface. The record
// with the earliest release time (stateTS) sits at index 0.
type delayHeap []*record

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	return h[i].stateTS.Before(h[j].stateTS)
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *delayHeap) Push(x any) {
	rec := x.(*record)
	rec.heapIdx = len(*h)
	*h = append(*h, rec)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil // allow GC
	rec.heapIdx = -1
	*h = old[:n-1]
	return rec
}

// ─── Queue integration ───────────────────────────────────────────────────────

// insertDelayed parks rec in the delay set until due. If rec becomes the new
// heap root, the delay goroutine is woken to re-evaluate its sleep.
// Must be called with q.mu held.
func (q *Queue) insertDelayed(rec *record, due time.Time) {
	rec.state = types.StateDelayed
	rec.stateTS = due
	heap.Push(&q.delay, rec)

	if q.delay[0] == rec {
		// Non-blocking: a pending signal already covers this change.
		select {
		case q.delayWake <- struct{}{}:
		default:
		}
	}
}

// delayLoop sleeps until the earliest delayed record is due and releases it.
// Runs on its own goroutine until Close.
func (q *Queue) delayLoop() {
	defer q.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		q.mu.Lock()
		var wait time.Duration
		pending := len(q.delay) > 0
		if pending {
			wait = time.Until(q.delay[0].stateTS)
		}
		q.mu.Unlock()

		if !pending {
			// Delay set is empty — wait for a new record or shutdown.
			select {
			case <-q.done:
				return
			case <-q.delayWake:
			}
			continue
		}

		if wait <= 0 {
			// Already due — release without sleeping.
			q.releaseDue()
			continue
		}

		if t == nil {
			t = time.NewTimer(wait)
		} else {
			t.Reset(wait)
		}

		select {
		case <-q.done:
			return
		case <-q.delayWake:
			// A new record may be due sooner — re-evaluate from the top.
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			q.releaseDue()
		}
	}
}

// releaseDue migrates every record whose release time has arrived from the
// delay set to the back of its priority FIFO, signalling one waiter per
// released message.
func (q *Queue) releaseDue() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.delay) > 0 && !q.delay[0].stateTS.After(now) {
		rec := heap.Pop(&q.delay).(*record)
		rec.state = types.StateQueued
		rec.stateTS = now
		rec.elem = q.ring[rec.priority].PushBack(rec)
		q.countQueued++
		q.releasedTotal++
		q.popCond.Signal()
	}
}
