package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/mkarel/priorq/internal/token"
	"github.com/mkarel/priorq/internal/types"
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds the tunable parameters of a Queue. All values are fixed at
// construction.
type Config struct {
	// Priorities is the number of priority levels. Level 0 is the highest.
	Priorities int

	// Capacity is the maximum number of live records. Failed records count
	// against capacity until erased.
	Capacity int

	// AckTimeout is how long a consumer may hold a message before the monitor
	// retries or fails it. 0 disables timeout-driven retries entirely: a
	// running message then transitions only by ack.
	AckTimeout time.Duration

	// MaxRetries is the number of timeouts after which a message is failed
	// rather than retried. 0 means retry forever.
	MaxRetries int

	// BoostTimeout is how long a message may wait at priority > 0 before the
	// monitor promotes it to the head of priority 0. 0 disables boosting.
	BoostTimeout time.Duration

	// PollInterval is the monitor's scan period.
	PollInterval time.Duration

	// OnError receives human-readable reports of non-fatal internal
	// consistency violations. It is invoked with the queue lock held and must
	// not call back into the queue. May be nil.
	OnError func(msg string)
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Priorities:   3,
		Capacity:     10_000,
		AckTimeout:   30 * time.Second,
		MaxRetries:   3,
		BoostTimeout: 5 * time.Minute,
		PollInterval: 500 * time.Millisecond,
	}
}

// ─── Record ──────────────────────────────────────────────────────────────────

// record is the broker-owned per-message entry. A record lives in exactly one
// of: a priority FIFO (queued), the delay heap (delayed), or nowhere but the
// ID index (running, failed). The index holds every live record.
type record struct {
	id       string
	payload  []byte
	priority int

	state   types.State
	stateTS time.Time // queued: last enqueue; running: dispense time; delayed: release time

	failCount int
	boosted   bool
	token     string // non-empty only while running

	elem    *list.Element // position in its FIFO; nil unless queued
	heapIdx int           // position in the delay heap; -1 unless delayed
}

func (r *record) reset(id string, payload []byte, priority int) {
	r.id = id
	r.payload = payload
	r.priority = priority
	r.state = types.StateQueued
	r.stateTS = time.Time{}
	r.failCount = 0
	r.boosted = false
	r.token = ""
	r.elem = nil
	r.heapIdx = -1
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Queue is the heart of priorq: an in-memory multi-priority message broker
// with monitored at-least-once delivery.
//
// Architecture:
//   - "ring" is one FIFO per priority level. Insertion pushes to the front,
//     dispensing pops the back, so arrival order is preserved within a level.
//   - "index" maps message ID → record for O(1) ack and uniqueness.
//   - "delay" is a min-heap of records ordered by release time.
//   - "pool" recycles records removed by ack or erasure.
//   - The monitor goroutine scans the index every PollInterval, retrying or
//     failing overdue running messages and boosting starved queued ones.
//   - The delay goroutine sleeps until the earliest delayed record is due,
//     then migrates it onto its priority FIFO.
//
// One mutex guards all of the above. Consumers block on popCond; the delay
// goroutine is woken through delayWake (capacity 1) when the heap's head
// changes; both background goroutines exit when done is closed.
//
// All public methods are safe for concurrent use.
type Queue struct {
	cfg    Config
	tokens *token.Source

	mu      sync.Mutex
	popCond *sync.Cond
	ring    []*list.List // elements are *record
	index   map[string]*record
	delay   delayHeap
	pool    []*record

	countQueued  int
	countRunning int
	countFailed  int
	closed       bool

	// Cumulative monitor/delay activity, reported by Stats.
	retriedTotal  uint64
	failedTotal   uint64
	boostedTotal  uint64
	releasedTotal uint64

	onError func(msg string)

	delayWake chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Queue and starts its monitor and delay goroutines.
// Call Close when the queue is no longer needed.
func New(cfg Config) (*Queue, error) {
	if cfg.Priorities < 1 {
		return nil, ErrInvalidPriority
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	q := &Queue{
		cfg:       cfg,
		tokens:    token.NewSource(),
		ring:      make([]*list.List, cfg.Priorities),
		index:     make(map[string]*record),
		onError:   cfg.OnError,
		delayWake: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for i := range q.ring {
		q.ring[i] = list.New()
	}
	q.popCond = sync.NewCond(&q.mu)

	q.wg.Add(2)
	go q.monitorLoop()
	go q.delayLoop()
	return q, nil
}

// Close stops the background goroutines and wakes every consumer blocked in
// Pop or PopAck; they return ErrClosed. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.popCond.Broadcast()
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
	return nil
}

// SetErrorCallback replaces the internal-error callback. The callback is
// invoked with the queue lock held and must not call back into the queue.
func (q *Queue) SetErrorCallback(fn func(msg string)) {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
}

// report forwards an internal consistency report to the error callback.
// Must be called with q.mu held.
func (q *Queue) report(msg string) {
	if q.onError != nil {
		q.onError(msg)
	}
}

// ─── Push ────────────────────────────────────────────────────────────────────

// Push enqueues a new message. With delay == 0 the message becomes visible
// immediately; otherwise it is parked until the delay elapses.
func (q *Queue) Push(id string, payload []byte, priority int, delay time.Duration) error {
	if priority < 0 || priority >= q.cfg.Priorities {
		return ErrInvalidPriority
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.index[id]; ok {
		return ErrDuplicateID
	}
	if len(q.index) == q.cfg.Capacity {
		return ErrCapacity
	}

	rec := q.getRecord(id, payload, priority)
	q.index[id] = rec

	if delay > 0 {
		q.insertDelayed(rec, time.Now().Add(delay))
	} else {
		rec.state = types.StateQueued
		rec.stateTS = time.Now()
		rec.elem = q.ring[priority].PushFront(rec)
		q.countQueued++
		q.popCond.Signal()
	}
	return nil
}

// ─── Pop ─────────────────────────────────────────────────────────────────────

// Pop blocks until a message is available, then dispenses the oldest message
// of the highest non-empty priority. The returned view carries a fresh token
// that the consumer must present on ack. Returns ErrClosed after Close.
func (q *Queue) Pop() (types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// TryPop is the non-blocking variant of Pop. The second return is false when
// no message is queued (or the queue is closed).
func (q *Queue) TryPop() (types.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.countQueued == 0 {
		return types.Message{}, false
	}
	return q.dispenseLocked()
}

// popLocked blocks on popCond until a message is queued, dispenses it, and
// transitions it to running. Must be called with q.mu held.
func (q *Queue) popLocked() (types.Message, error) {
	for {
		for q.countQueued == 0 && !q.closed {
			q.popCond.Wait()
		}
		if q.closed {
			return types.Message{}, ErrClosed
		}
		if msg, ok := q.dispenseLocked(); ok {
			return msg, nil
		}
		// dispenseLocked repaired an inconsistent counter; wait again.
	}
}

// dispenseLocked removes the oldest message of the highest non-empty priority
// and hands it out under a fresh token. It never waits. The false return
// means the queued counter disagreed with the ring contents; the counter has
// been repaired and the violation reported. Must be called with q.mu held and
// countQueued > 0.
func (q *Queue) dispenseLocked() (types.Message, bool) {
	var rec *record
	for _, fifo := range q.ring {
		if fifo.Len() > 0 {
			back := fifo.Back()
			fifo.Remove(back)
			rec = back.Value.(*record)
			rec.elem = nil
			break
		}
	}
	if rec == nil {
		q.report("pop: all FIFOs empty while queued count > 0")
		q.countQueued = 0
		return types.Message{}, false
	}

	rec.state = types.StateRunning
	rec.stateTS = time.Now()
	rec.token = q.tokens.MustNew()
	q.countQueued--
	q.countRunning++

	return types.Message{ID: rec.id, Token: rec.token, Payload: rec.payload}, true
}

// ─── Ack ─────────────────────────────────────────────────────────────────────

// Ack completes a handoff. With requeue false the message is removed; with
// requeue true it re-enters its priority FIFO (immediately, or after delay).
//
// The token must match the record's current token: a consumer whose handoff
// was already timed out and re-dispensed receives ErrInvalidToken and must
// discard its work.
func (q *Queue) Ack(id, tok string, requeue bool, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	return q.ackLocked(id, tok, requeue, delay)
}

// PopAck atomically acks one message and dispenses the next under a single
// lock acquisition. On ack error the pop is not performed. Blocks like Pop.
func (q *Queue) PopAck(id, tok string, requeue bool, delay time.Duration) (types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.Message{}, ErrClosed
	}
	if err := q.ackLocked(id, tok, requeue, delay); err != nil {
		return types.Message{}, err
	}
	return q.popLocked()
}

// ackLocked validates and applies an ack. Must be called with q.mu held.
func (q *Queue) ackLocked(id, tok string, requeue bool, delay time.Duration) error {
	rec, ok := q.index[id]
	if !ok {
		return ErrNoSuchMessage
	}
	if rec.token != tok {
		return ErrInvalidToken
	}
	if rec.state != types.StateRunning {
		return ErrInvalidState
	}

	q.countRunning--

	if !requeue {
		delete(q.index, id)
		q.release(rec)
		return nil
	}

	rec.boosted = false
	rec.token = ""

	if delay > 0 {
		q.insertDelayed(rec, time.Now().Add(delay))
	} else {
		rec.state = types.StateQueued
		rec.stateTS = time.Now()
		rec.elem = q.ring[rec.priority].PushFront(rec)
		q.countQueued++
		q.popCond.Signal()
	}
	return nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Capacity returns the configured maximum number of live records.
func (q *Queue) Capacity() int { return q.cfg.Capacity }

// Counts returns the number of active records (live minus failed), failed
// records, and free capacity.
func (q *Queue) Counts() (active, failed, free int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index) - q.countFailed, q.countFailed, q.cfg.Capacity - len(q.index)
}

// QueuedCount returns the number of messages waiting in the priority FIFOs.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countQueued
}

// RunningCount returns the number of messages currently held by consumers.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countRunning
}

// Stats is a snapshot of cumulative monitor and delay-task activity.
type Stats struct {
	Retried  uint64 // timeout retries re-queued by the monitor
	Failed   uint64 // messages failed after exhausting retries
	Boosted  uint64 // messages promoted to priority 0
	Released uint64 // delayed messages made visible
}

// Stats returns cumulative background-task counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Retried:  q.retriedTotal,
		Failed:   q.failedTotal,
		Boosted:  q.boostedTotal,
		Released: q.releasedTotal,
	}
}

// Failed returns the IDs of all failed records.
func (q *Queue) Failed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, q.countFailed)
	for id, rec := range q.index {
		if rec.state == types.StateFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// EraseFailed removes the given records and returns the subset of ids that
// actually was failed. IDs that are absent or in another state are silently
// skipped, so a second call with the same ids returns an empty slice.
func (q *Queue) EraseFailed(ids []string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	erased := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, ok := q.index[id]
		if !ok || rec.state != types.StateFailed {
			continue
		}
		erased = append(erased, id)
		delete(q.index, id)
		q.release(rec)
	}
	q.countFailed -= len(erased)
	return erased
}

// ─── Record pool ─────────────────────────────────────────────────────────────

// getRecord returns a recycled record, or allocates one when the pool is
// empty. Must be called with q.mu held.
func (q *Queue) getRecord(id string, payload []byte, priority int) *record {
	if n := len(q.pool); n > 0 {
		rec := q.pool[n-1]
		q.pool[n-1] = nil
		q.pool = q.pool[:n-1]
		rec.reset(id, payload, priority)
		return rec
	}
	rec := &record{heapIdx: -1}
	rec.reset(id, payload, priority)
	return rec
}

// release returns a record to the pool. Must be called with q.mu held.
func (q *Queue) release(rec *record) {
	rec.reset("", nil, 0)
	q.pool = append(q.pool, rec)
}
