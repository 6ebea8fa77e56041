package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned synchronously when an action is not
	// valid from the current phase. It is a caller bug, never a published
	// state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMachineClosed is returned once the machine has been deleted or
	// closed.
	ErrMachineClosed = errors.New("state machine closed")

	// ErrTimedOut marks an ambiguous outcome: the peer-acceptance await
	// expired before an authoritative answer arrived. Routed to the error
	// phase, not join_failed, and always retryable.
	ErrTimedOut = errors.New("timed out awaiting peer acceptance")

	// ErrStateMachine marks an internal fault caught at a workflow
	// boundary. Retryable.
	ErrStateMachine = errors.New("state machine fault")
)

// Retryable reports whether an error published in the error phase should be
// offered a retry by the controller layer.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimedOut) || errors.Is(err, ErrStateMachine)
}

type JoinErrorCode string

const (
	JoinErrorGeneric  JoinErrorCode = "generic_failure"
	JoinErrorRejected JoinErrorCode = "rejected"
	JoinErrorExpired  JoinErrorCode = "conversation_expired"
)

// JoinError is an authoritative protocol-level answer to a join attempt.
// conversation_expired is terminal: the target no longer exists, so no
// retry can succeed.
type JoinError struct {
	Code    JoinErrorCode
	Message string
}

func (e JoinError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("join failed: %s", e.Code)
	}
	return fmt.Sprintf("join failed: %s: %s", e.Code, e.Message)
}

func (e JoinError) Retryable() bool {
	return e.Code != JoinErrorExpired
}
