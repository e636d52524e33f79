package queue

import "errors"

// Errors surfaced synchronously to callers. The three ack errors are checked
// and reported in the order listed: no-such-message, then invalid-token, then
// invalid-state.
var (
	// ErrInvalidPriority is returned by Push when the priority is outside
	// [0, Priorities-1].
	ErrInvalidPriority = errors.New("queue: invalid priority")

	// ErrDuplicateID is returned by Push when a live record already carries
	// the given ID.
	ErrDuplicateID = errors.New("queue: duplicate message ID")

	// ErrCapacity is returned by Push when the queue holds capacity live
	// records. Failed records count against capacity until erased.
	ErrCapacity = errors.New("queue: capacity exceeded")

	// ErrNoSuchMessage is returned by Ack when no live record carries the ID.
	ErrNoSuchMessage = errors.New("queue: no message matching ID")

	// ErrInvalidToken is returned by Ack when the presented token does not
	// match the record's current token — the caller's handoff is stale.
	ErrInvalidToken = errors.New("queue: invalid message token")

	// ErrInvalidState is returned by Ack when the record is not running.
	ErrInvalidState = errors.New("queue: invalid message state")

	// ErrClosed is returned by Push, Pop, Ack and PopAck after Close.
	ErrClosed = errors.New("queue: closed")
)
