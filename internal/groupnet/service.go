// Package groupnet is the group-protocol boundary the conversation state
// machine drives: creating a group, resolving a shared invite slug, sending
// a join request and awaiting the creator's decision, and tearing a
// conversation down. The transport behind it is deliberately opaque; the
// in-process implementation in this package backs it with the local store
// and a decision hub.
package groupnet

import (
	"context"

	"meshtalk-core/internal/invite"
)

type JoinResult string

const (
	JoinAccepted JoinResult = "accepted"
	JoinRejected JoinResult = "rejected"
	JoinExpired  JoinResult = "expired"
)

type JoinOutcome struct {
	Result JoinResult
	Reason string
}

type Service interface {
	// CreateGroup provisions a new group and returns its conversation id.
	CreateGroup(ctx context.Context) (string, error)

	// ResolveInvite decodes and resolves a slug synchronously. It fails
	// with invite.ErrInvalidFormat for malformed slugs, and
	// invite.ErrNotFound / invite.ErrExpired for slugs that decode but no
	// longer resolve. On ErrExpired the decoded invite is still returned
	// so callers can surface which conversation went away.
	ResolveInvite(slug string) (invite.Invite, error)

	// RequestJoin sends a join request and suspends until the peer decides
	// or ctx ends. A context error is returned as-is.
	RequestJoin(ctx context.Context, inv invite.Invite) (JoinOutcome, error)

	// Teardown removes a conversation. Idempotent: tearing down an already
	// gone conversation is not an error.
	Teardown(ctx context.Context, conversationID string) error
}
