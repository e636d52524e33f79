package queue

// statemachine.go — message lifecycle state transition rules.
//
// State diagram:
//
//	DELAYED ──────────────────────────────► QUEUED
//	                          ┌───────────────┤
//	                          ▼               │
//	                       RUNNING ───────────┘ (ack-requeue, timeout retry)
//	                          │
//	             ┌────────────┼────────────┐
//	             ▼            ▼            ▼
//	         (removed)     DELAYED       FAILED
//	          (ack)    (ack w/ delay) (retries exhausted)
//
// FAILED records leave the queue only via EraseFailed; QUEUED records leave
// only by being dispensed.

import "github.com/mkarel/priorq/internal/types"

// ValidTransition reports whether the transition from → to is a legal state
// change for a message record.
//
// Used defensively in tests; production code drives transitions through the
// Queue methods, which already enforce the rules.
func ValidTransition(from, to types.State) bool {
	switch from {
	case types.StateQueued:
		// QUEUED can only move to RUNNING (via Pop).
		return to == types.StateRunning
	case types.StateRunning:
		// RUNNING can:
		//   → QUEUED  — ack-requeue or monitor timeout retry
		//   → DELAYED — ack-requeue with a delay
		//   → FAILED  — monitor timeout with retries exhausted
		return to == types.StateQueued || to == types.StateDelayed || to == types.StateFailed
	case types.StateDelayed:
		// DELAYED can only move to QUEUED (via the delay task).
		return to == types.StateQueued
	case types.StateFailed:
		// FAILED is terminal; erasure removes the record, it is not a
		// transition.
		return false
	}
	return false
}
