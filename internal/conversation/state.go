package conversation

import (
	"meshtalk-core/internal/invite"
)

// Phase identifies which variant of the lifecycle state is active. Exactly
// one phase is active at a time; payload fields on State are populated per
// phase and zero otherwise.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseCreating      Phase = "creating"
	PhaseValidating    Phase = "validating"
	PhaseValidated     Phase = "validated"
	PhaseJoining       Phase = "joining"
	PhaseReady         Phase = "ready"
	PhaseDeleting      Phase = "deleting"
	PhaseJoinFailed    Phase = "join_failed"
	PhaseError         Phase = "error"
)

func (p Phase) String() string { return string(p) }

// Terminal reports whether the machine accepts no further transitions from
// this phase. Deleting is the only machine-terminal phase; join_failed and
// error are terminal for the attempt but allow retry or reset.
func (p Phase) Terminal() bool { return p == PhaseDeleting }

// Origin tags a ready conversation with how it became usable. Downstream
// consumers use it to decide whether to run onboarding.
type Origin string

const (
	OriginCreated  Origin = "created"
	OriginJoined   Origin = "joined"
	OriginExisting Origin = "existing"
)

type Result struct {
	ConversationID string
	Origin         Origin
}

// State is the authoritative lifecycle snapshot published to observers.
//
// InviteCode is retained from validating onwards so a retry can replay the
// exact user input; Invite is retained once resolved for the same reason.
type State struct {
	Phase Phase

	InviteCode     string
	Invite         *invite.Invite
	ConversationID string
	CreatorID      string
	ValidatedAtMs  int64

	Result  *Result
	JoinErr *JoinError
	Err     error
}

func Uninitialized() State {
	return State{Phase: PhaseUninitialized}
}

func Creating() State {
	return State{Phase: PhaseCreating}
}

func Validating(inviteCode string) State {
	return State{Phase: PhaseValidating, InviteCode: inviteCode}
}

func Validated(inv invite.Invite, inviteCode string, nowMs int64) State {
	return State{
		Phase:          PhaseValidated,
		InviteCode:     inviteCode,
		Invite:         &inv,
		ConversationID: inv.ConversationID,
		CreatorID:      inv.CreatorID,
		ValidatedAtMs:  nowMs,
	}
}

func Joining(inv invite.Invite, inviteCode string) State {
	return State{
		Phase:          PhaseJoining,
		InviteCode:     inviteCode,
		Invite:         &inv,
		ConversationID: inv.ConversationID,
	}
}

func Ready(conversationID string, origin Origin) State {
	return State{
		Phase:          PhaseReady,
		ConversationID: conversationID,
		Result:         &Result{ConversationID: conversationID, Origin: origin},
	}
}

func Deleting() State {
	return State{Phase: PhaseDeleting}
}

func JoinFailed(inv *invite.Invite, inviteCode string, joinErr JoinError) State {
	s := State{Phase: PhaseJoinFailed, InviteCode: inviteCode, JoinErr: &joinErr}
	if inv != nil {
		cp := *inv
		s.Invite = &cp
		s.ConversationID = cp.ConversationID
	}
	return s
}

func Failed(err error) State {
	return State{Phase: PhaseError, Err: err}
}

// allowed is the transition relation as a pure function. Workflow code never
// publishes a state the relation forbids; a forbidden request at the public
// API surfaces as ErrInvalidTransition.
func allowed(from, to Phase) bool {
	switch from {
	case PhaseUninitialized:
		switch to {
		case PhaseCreating, PhaseValidating, PhaseReady, PhaseDeleting:
			return true
		}
	case PhaseCreating:
		switch to {
		case PhaseReady, PhaseError, PhaseDeleting:
			return true
		}
	case PhaseValidating:
		switch to {
		case PhaseValidated, PhaseReady, PhaseError, PhaseJoinFailed, PhaseDeleting, PhaseValidating:
			return true
		}
	case PhaseValidated:
		switch to {
		case PhaseJoining, PhaseReady, PhaseError, PhaseDeleting, PhaseValidating:
			return true
		}
	case PhaseJoining:
		switch to {
		case PhaseReady, PhaseJoinFailed, PhaseError, PhaseDeleting, PhaseValidating:
			return true
		}
	case PhaseReady:
		return to == PhaseDeleting
	case PhaseError:
		switch to {
		case PhaseUninitialized, PhaseCreating, PhaseValidating, PhaseDeleting:
			return true
		}
	case PhaseJoinFailed:
		switch to {
		case PhaseUninitialized, PhaseCreating, PhaseValidating, PhaseDeleting:
			return true
		}
	case PhaseDeleting:
		return false
	}
	return false
}
