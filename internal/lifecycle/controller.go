// Package lifecycle is the single point through which user intent reaches a
// conversation state machine, and through which machine states become
// user-facing decisions: which spinner or banner shows, whether compose is
// enabled, and which failure surface with which retry action appears.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"meshtalk-core/internal/conversation"
	"meshtalk-core/internal/invite"
	"meshtalk-core/internal/observe"
)

type RetryKind string

const (
	RetryCreate RetryKind = "create"
	RetryJoin   RetryKind = "join"
)

// RetryAction replays the minimal input of a failed attempt. A join retry
// carries the exact invite code the user last entered; nothing is
// re-prompted.
type RetryAction struct {
	Kind       RetryKind
	InviteCode string
}

type FailureSurface struct {
	Title   string
	Message string
	Retry   *RetryAction
}

// ViewState is the controller's projection of the machine state for UI
// surfaces.
type ViewState struct {
	Phase          conversation.Phase
	ConversationID string
	Origin         conversation.Origin

	ShowCreateSpinner bool
	ComposeEnabled    bool
	ShowWaitingBanner bool
	Failure           *FailureSurface
}

// ConversationChanged announces that the draft's active conversation
// changed: a non-empty ConversationID when it became usable, empty when the
// slot was dismissed. This replaces the source system's app-wide
// notification broadcast with an explicit event to the one registered
// listener.
type ConversationChanged struct {
	DraftID        string
	ConversationID string
	Origin         conversation.Origin
}

type Controller struct {
	id      string
	machine *conversation.Machine
	logger  *slog.Logger

	onChanged func(ConversationChanged)
	viewBus   *observe.Bus[ViewState]
	stateSub  *observe.Handle

	mu             sync.Mutex
	view           ViewState
	lastInviteCode string
	everReady      bool
	dismissed      bool

	opMu     sync.Mutex
	opCancel context.CancelFunc
}

// NewController wires a controller to a machine. onChanged may be nil.
func NewController(id string, m *conversation.Machine, logger *slog.Logger, onChanged func(ConversationChanged)) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		id:        id,
		machine:   m,
		logger:    logger.With("component", "lifecycle", "draftId", id),
		onChanged: onChanged,
		viewBus:   observe.NewBus[ViewState](),
	}
	c.stateSub = m.ObserveState(c.onState)
	return c
}

func (c *Controller) ID() string { return c.id }

// View returns the current UI projection.
func (c *Controller) View() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// ObserveView subscribes to view updates; most UI consumers want
// observe.Latest() here.
func (c *Controller) ObserveView(fn func(ViewState), opts ...observe.Option) *observe.Handle {
	return c.viewBus.Subscribe(fn, opts...)
}

// Create starts the create workflow. Any previously started action is
// cancelled first.
func (c *Controller) Create() {
	c.start(func(ctx context.Context) {
		if err := c.machine.CreateConversation(); err != nil {
			c.logger.Warn("create rejected", "error", err)
		}
	})
}

// Join starts the join workflow for an invite code.
func (c *Controller) Join(inviteCode string) {
	c.start(func(ctx context.Context) {
		if err := c.machine.JoinConversation(inviteCode); err != nil {
			c.logger.Warn("join rejected", "error", err)
		}
	})
}

// Retry replays the retry action currently on the failure surface. A
// second tap while the first retry is underway does not start a parallel
// attempt: join retries reuse the in-flight attempt for the same code and
// create retries share the in-flight network create.
func (c *Controller) Retry() {
	c.mu.Lock()
	var action *RetryAction
	if c.view.Failure != nil {
		action = c.view.Failure.Retry
	}
	c.mu.Unlock()

	if action == nil {
		return
	}
	switch action.Kind {
	case RetryJoin:
		c.Join(action.InviteCode)
	default:
		c.Create()
	}
}

// Reset returns a failed slot to its initial state without network side
// effects.
func (c *Controller) Reset() {
	c.start(func(ctx context.Context) {
		if err := c.machine.ResetFromError(); err != nil {
			c.logger.Warn("reset rejected", "error", err)
		}
	})
}

// Dismiss releases the slot. A draft that never became ready is deleted so
// it does not persist; a ready conversation is left intact and the machine
// is merely closed. Idempotent.
func (c *Controller) Dismiss() {
	c.mu.Lock()
	if c.dismissed {
		c.mu.Unlock()
		return
	}
	c.dismissed = true
	everReady := c.everReady
	c.mu.Unlock()

	c.opMu.Lock()
	if c.opCancel != nil {
		c.opCancel()
		c.opCancel = nil
	}
	c.opMu.Unlock()

	if everReady {
		c.machine.Close()
	} else if err := c.machine.DeleteConversation(); err != nil && !errors.Is(err, conversation.ErrMachineClosed) {
		c.logger.Error("delete on dismiss failed", "error", err)
	}

	if c.onChanged != nil && everReady {
		c.onChanged(ConversationChanged{DraftID: c.id})
	}

	c.stateSub.Cancel()
	c.viewBus.Close()
}

// start cancels the previous action handle and launches fn on its own
// goroutine. The machine's own attempt supersession unblocks whatever the
// previous action was still waiting on.
func (c *Controller) start(fn func(ctx context.Context)) {
	c.opMu.Lock()
	if c.opCancel != nil {
		c.opCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.opCancel = cancel
	c.opMu.Unlock()

	go func() {
		defer cancel()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}()
}

func (c *Controller) onState(s conversation.State) {
	c.mu.Lock()
	if s.InviteCode != "" {
		c.lastInviteCode = s.InviteCode
	}
	becameReady := s.Phase == conversation.PhaseReady && !c.everReady
	if s.Phase == conversation.PhaseReady {
		c.everReady = true
	}
	view := deriveView(s, c.lastInviteCode)
	c.view = view
	c.mu.Unlock()

	c.viewBus.Publish(view)

	if becameReady && c.onChanged != nil && s.Result != nil {
		c.onChanged(ConversationChanged{
			DraftID:        c.id,
			ConversationID: s.Result.ConversationID,
			Origin:         s.Result.Origin,
		})
	}
}

func deriveView(s conversation.State, lastInviteCode string) ViewState {
	view := ViewState{
		Phase:          s.Phase,
		ConversationID: s.ConversationID,
	}

	switch s.Phase {
	case conversation.PhaseCreating:
		view.ShowCreateSpinner = true
	case conversation.PhaseJoining:
		view.ShowWaitingBanner = true
	case conversation.PhaseReady:
		view.ComposeEnabled = true
		if s.Result != nil {
			view.Origin = s.Result.Origin
		}
	case conversation.PhaseJoinFailed:
		view.Failure = joinFailureSurface(s)
	case conversation.PhaseError:
		view.Failure = errorSurface(s.Err, lastInviteCode)
	}
	return view
}

func joinFailureSurface(s conversation.State) *FailureSurface {
	joinErr := s.JoinErr
	if joinErr == nil {
		return &FailureSurface{Title: "Couldn't join conversation", Message: "Something went wrong."}
	}

	if joinErr.Code == conversation.JoinErrorExpired {
		return &FailureSurface{
			Title:   "Conversation unavailable",
			Message: "This conversation no longer exists.",
		}
	}

	surface := &FailureSurface{
		Title:   "Couldn't join conversation",
		Message: joinErr.Message,
	}
	if surface.Message == "" {
		surface.Message = "The join request was not accepted."
	}
	if joinErr.Retryable() && s.InviteCode != "" {
		surface.Retry = &RetryAction{Kind: RetryJoin, InviteCode: s.InviteCode}
	}
	return surface
}

func errorSurface(err error, lastInviteCode string) *FailureSurface {
	if errors.Is(err, invite.ErrInvalidFormat) {
		// Input error: the code itself is unusable, so no retry can help.
		return &FailureSurface{
			Title:   "Invalid invite code",
			Message: "That invite code isn't valid. Scan or paste a new one.",
		}
	}

	surface := &FailureSurface{
		Title:   "Something went wrong",
		Message: "The conversation could not be set up.",
	}
	if errors.Is(err, conversation.ErrTimedOut) {
		surface.Message = "No response arrived in time."
	}

	if conversation.Retryable(err) && lastInviteCode != "" {
		surface.Retry = &RetryAction{Kind: RetryJoin, InviteCode: lastInviteCode}
	} else {
		surface.Retry = &RetryAction{Kind: RetryCreate}
	}
	return surface
}
