// Package conversation owns the lifecycle of one draft conversation slot:
// from nothing, through create-or-join, to a usable conversation. All
// transitions for a machine are computed inside a single mutex-serialized
// section and published to observers in the order they occurred; the only
// long-running suspensions are the create call and the join-and-await-
// acceptance call, which run against a per-attempt context. Starting a new
// attempt cancels the previous one, and a stale attempt's completion is
// discarded by a generation check before it can touch state.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"meshtalk-core/internal/groupnet"
	"meshtalk-core/internal/invite"
	"meshtalk-core/internal/observe"
)

const teardownTimeout = 15 * time.Second

// Memberships is the repository lookup used for the origin=existing
// shortcut: re-opening a conversation the user already belongs to skips the
// join request entirely.
type Memberships interface {
	IsMember(ctx context.Context, conversationID string) (bool, error)
}

type Options struct {
	Service     groupnet.Service
	Memberships Memberships // optional
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

type Machine struct {
	svc         groupnet.Service
	memberships Memberships
	joinTimeout time.Duration
	logger      *slog.Logger

	bus *observe.Bus[State]

	mu            sync.Mutex
	state         State
	gen           uint64
	attemptCancel context.CancelFunc
	closed        bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	createFlight singleflight.Group
}

func New(opts Options) (*Machine, error) {
	if opts.Service == nil {
		return nil, errors.New("conversation: Service is required")
	}
	if opts.JoinTimeout <= 0 {
		return nil, errors.New("conversation: JoinTimeout must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	m := &Machine{
		svc:         opts.Service,
		memberships: opts.Memberships,
		joinTimeout: opts.JoinTimeout,
		logger:      logger.With("component", "conversation"),
		bus:         observe.NewBus[State](),
		state:       Uninitialized(),
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
	}
	m.bus.Publish(m.state)
	return m, nil
}

// ObserveState registers a subscriber. The current state is delivered
// immediately, then every transition in order. Cancelling the handle stops
// delivery without affecting the machine.
func (m *Machine) ObserveState(fn func(State), opts ...observe.Option) *observe.Handle {
	return m.bus.Subscribe(fn, opts...)
}

// CurrentState returns a snapshot of the authoritative state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CreateConversation runs the create workflow and blocks until this
// attempt reaches a terminal outcome. Network failure is not returned: it
// is published as an error state so every subscriber observes it. The
// returned error is reserved for calls that are invalid from the current
// phase.
//
// A concurrent call while already creating joins the in-flight attempt;
// the network create runs at most once per attempt.
func (m *Machine) CreateConversation() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMachineClosed
	}

	var (
		ctx context.Context
		gen uint64
	)
	switch m.state.Phase {
	case PhaseCreating:
		// Rejoin the in-flight attempt below.
		gen = m.gen
	case PhaseUninitialized, PhaseError:
		ctx, gen = m.beginAttemptLocked()
		m.publishLocked(Creating())
	case PhaseJoinFailed:
		if m.state.Invite != nil || m.state.InviteCode != "" {
			m.mu.Unlock()
			return fmt.Errorf("%w: join_failed slot has an invite; retry the join instead", ErrInvalidTransition)
		}
		ctx, gen = m.beginAttemptLocked()
		m.publishLocked(Creating())
	default:
		phase := m.state.Phase
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot create from %s", ErrInvalidTransition, phase)
	}
	if ctx == nil {
		ctx = m.attemptCtxLocked()
	}
	m.mu.Unlock()

	defer m.recoverToError(gen)

	_, _, _ = m.createFlight.Do(fmt.Sprintf("create-%d", gen), func() (any, error) {
		// A duplicate caller can land here after the original flight
		// already finished; only the live creating attempt may proceed to
		// the network.
		m.mu.Lock()
		live := m.gen == gen && !m.closed && m.state.Phase == PhaseCreating
		m.mu.Unlock()
		if !live {
			return nil, nil
		}

		conversationID, err := m.svc.CreateGroup(ctx)
		if ctx.Err() != nil {
			// Cancelled attempt: unwind without touching state.
			return nil, ctx.Err()
		}
		if err != nil {
			m.applyIfCurrent(gen, Failed(err))
			return nil, err
		}
		m.applyIfCurrent(gen, Ready(conversationID, OriginCreated))
		return conversationID, nil
	})
	return nil
}

// JoinConversation runs the join workflow for the given invite code and
// blocks until this attempt reaches a terminal outcome. Valid from
// uninitialized, error, and join_failed; calling it while a join is in
// flight with a different code cancels that attempt first. All failures
// (decode, rejection, timeout) are published, not returned.
func (m *Machine) JoinConversation(inviteCode string) error {
	inviteCode = strings.TrimSpace(inviteCode)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMachineClosed
	}
	switch m.state.Phase {
	case PhaseUninitialized, PhaseError, PhaseJoinFailed:
	case PhaseValidating, PhaseValidated, PhaseJoining:
		if m.state.InviteCode == inviteCode {
			// Same code already in flight; the existing attempt stands.
			m.mu.Unlock()
			return nil
		}
		// Different code supersedes the in-flight attempt.
	default:
		phase := m.state.Phase
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot join from %s", ErrInvalidTransition, phase)
	}

	ctx, gen := m.beginAttemptLocked()
	m.publishLocked(Validating(inviteCode))
	m.mu.Unlock()

	defer m.recoverToError(gen)

	inv, err := m.svc.ResolveInvite(inviteCode)
	if err != nil {
		m.resolveFailed(gen, inv, inviteCode, err)
		return nil
	}

	if m.memberships != nil {
		member, err := m.memberships.IsMember(ctx, inv.ConversationID)
		if err != nil {
			m.logger.Warn("membership lookup failed", "error", err, "conversationId", inv.ConversationID)
		} else if member {
			m.applyIfCurrent(gen, Ready(inv.ConversationID, OriginExisting))
			return nil
		}
	}

	if !m.applyIfCurrent(gen, Validated(inv, inviteCode, time.Now().UnixMilli())) {
		return nil
	}
	if !m.applyIfCurrent(gen, Joining(inv, inviteCode)) {
		return nil
	}

	joinCtx, cancel := context.WithTimeout(ctx, m.joinTimeout)
	defer cancel()

	outcome, err := m.svc.RequestJoin(joinCtx, inv)
	if ctx.Err() != nil {
		// Superseded or torn down mid-await; the stale completion is
		// discarded.
		return nil
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.applyIfCurrent(gen, Failed(ErrTimedOut))
			return nil
		}
		// Transport failure mid-join is an ambiguous outcome, not an
		// authoritative rejection.
		m.applyIfCurrent(gen, Failed(fmt.Errorf("%w: %w", ErrStateMachine, err)))
		return nil
	}

	switch outcome.Result {
	case groupnet.JoinAccepted:
		m.applyIfCurrent(gen, Ready(inv.ConversationID, OriginJoined))
	case groupnet.JoinRejected:
		m.applyIfCurrent(gen, JoinFailed(&inv, inviteCode, JoinError{
			Code:    JoinErrorRejected,
			Message: outcome.Reason,
		}))
	case groupnet.JoinExpired:
		m.applyIfCurrent(gen, JoinFailed(&inv, inviteCode, JoinError{
			Code:    JoinErrorExpired,
			Message: "this conversation no longer exists",
		}))
	default:
		m.applyIfCurrent(gen, Failed(fmt.Errorf("%w: unknown join outcome %q", ErrStateMachine, outcome.Result)))
	}
	return nil
}

func (m *Machine) resolveFailed(gen uint64, inv invite.Invite, inviteCode string, err error) {
	switch {
	case errors.Is(err, invite.ErrInvalidFormat):
		// Input error, distinct from protocol rejection: the caller must
		// re-acquire a code.
		m.applyIfCurrent(gen, Failed(err))
	case errors.Is(err, invite.ErrExpired), errors.Is(err, invite.ErrNotFound):
		var invPtr *invite.Invite
		if inv.ConversationID != "" {
			invPtr = &inv
		}
		m.applyIfCurrent(gen, JoinFailed(invPtr, inviteCode, JoinError{
			Code:    JoinErrorExpired,
			Message: "this conversation no longer exists",
		}))
	default:
		m.applyIfCurrent(gen, Failed(err))
	}
}

// DeleteConversation cancels any in-flight workflow, publishes the deleting
// state, tears the conversation down, and closes the machine. No state is
// published after teardown completes.
func (m *Machine) DeleteConversation() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMachineClosed
	}
	if m.state.Phase.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot delete from %s", ErrInvalidTransition, m.state.Phase)
	}

	conversationID := m.state.ConversationID
	m.gen++
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.publishLocked(Deleting())
	m.closed = true
	m.mu.Unlock()

	var teardownErr error
	if conversationID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := m.svc.Teardown(ctx, conversationID); err != nil {
			teardownErr = fmt.Errorf("teardown %s: %w", conversationID, err)
			m.logger.Error("teardown failed", "error", err, "conversationId", conversationID)
		}
	}

	m.bus.Close()
	m.rootCancel()
	return teardownErr
}

// Close releases the machine without tearing down the conversation: used
// when the owning context is dismissed after the conversation became
// usable. In-flight work is cancelled and no further states are delivered.
// Idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.mu.Unlock()

	m.bus.Close()
	m.rootCancel()
}

// ResetFromError returns the machine to uninitialized from a failed
// attempt, with no network side effects. Any cached invite is cleared; the
// caller preserves the code itself if it wants a retry.
func (m *Machine) ResetFromError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMachineClosed
	}
	switch m.state.Phase {
	case PhaseError, PhaseJoinFailed:
	default:
		return fmt.Errorf("%w: cannot reset from %s", ErrInvalidTransition, m.state.Phase)
	}

	m.gen++
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.publishLocked(Uninitialized())
	return nil
}

// beginAttemptLocked supersedes the current attempt: the previous context
// is cancelled and the generation is bumped so its completion can never
// mutate state.
func (m *Machine) beginAttemptLocked() (context.Context, uint64) {
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	m.gen++
	ctx, cancel := context.WithCancel(m.rootCtx)
	m.attemptCancel = cancel
	return ctx, m.gen
}

func (m *Machine) attemptCtxLocked() context.Context {
	// Rejoining callers share the live attempt's cancellation via rootCtx;
	// the flight function re-checks liveness before any network call.
	return m.rootCtx
}

// applyIfCurrent publishes the state if gen is still the active attempt.
// Reports whether the state was applied.
func (m *Machine) applyIfCurrent(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.gen != gen {
		return false
	}
	if !allowed(m.state.Phase, s.Phase) {
		m.logger.Error("transition not allowed", "from", m.state.Phase, "to", s.Phase)
		m.publishLocked(Failed(fmt.Errorf("%w: %s -> %s", ErrStateMachine, m.state.Phase, s.Phase)))
		return false
	}
	m.publishLocked(s)
	return true
}

func (m *Machine) publishLocked(s State) {
	m.state = s
	m.bus.Publish(s)
}

// recoverToError converts a workflow panic into a published error state so
// the machine never crashes or goes silent mid-attempt.
func (m *Machine) recoverToError(gen uint64) {
	if v := recover(); v != nil {
		m.logger.Error("workflow panic", "panic", v)
		m.applyIfCurrent(gen, Failed(fmt.Errorf("%w: panic: %v", ErrStateMachine, v)))
	}
}
