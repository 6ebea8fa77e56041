package groupnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meshtalk-core/internal/invite"
	"meshtalk-core/internal/storage"
)

const resolveTimeout = 5 * time.Second

// LocalService implements Service against the local store and a decision
// hub, acting as one user. Join requests are persisted and then awaited on
// the hub until the conversation creator decides.
type LocalService struct {
	store  *storage.Store
	codec  *invite.Codec
	hub    *Hub
	userID string
	logger *slog.Logger

	// notify, when set, is called after a join request is persisted so the
	// creator can be pushed the pending request.
	notify func(storage.JoinRequestRow)
}

func NewLocalService(store *storage.Store, codec *invite.Codec, hub *Hub, userID string, logger *slog.Logger, notify func(storage.JoinRequestRow)) *LocalService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalService{
		store:  store,
		codec:  codec,
		hub:    hub,
		userID: userID,
		logger: logger.With("component", "groupnet", "userId", userID),
		notify: notify,
	}
}

func (s *LocalService) CreateGroup(ctx context.Context) (string, error) {
	conv, err := s.store.CreateConversation(ctx, s.userID, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("conversation created", "conversationId", conv.ID)
	return conv.ID, nil
}

func (s *LocalService) ResolveInvite(slug string) (invite.Invite, error) {
	inv, err := s.codec.Decode(slug)
	if err != nil {
		return invite.Invite{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	if _, err := s.store.GetConversation(ctx, inv.ConversationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return inv, invite.ErrNotFound
		}
		return invite.Invite{}, err
	}
	if inv.Expired(time.Now().UnixMilli()) {
		return inv, invite.ErrExpired
	}
	return inv, nil
}

func (s *LocalService) RequestJoin(ctx context.Context, inv invite.Invite) (JoinOutcome, error) {
	nowMs := time.Now().UnixMilli()

	req, created, err := s.store.CreateJoinRequest(ctx, inv.ConversationID, s.userID, nowMs)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyMember):
			return JoinOutcome{Result: JoinAccepted}, nil
		case errors.Is(err, storage.ErrNotFound):
			// Conversation vanished between resolve and join.
			return JoinOutcome{Result: JoinExpired}, nil
		}
		return JoinOutcome{}, fmt.Errorf("create join request: %w", err)
	}

	if created && s.notify != nil {
		s.notify(req)
	}
	s.logger.Info("awaiting join decision", "requestId", req.ID, "conversationId", inv.ConversationID)

	outcome, err := s.hub.Await(ctx, req.ID)
	if err != nil {
		// The request stays pending in the store; a later accept still adds
		// the membership even though nobody is waiting on it here.
		return JoinOutcome{}, err
	}
	return outcome, nil
}

// IsMember reports whether the bound user already belongs to the
// conversation. Satisfies the membership lookup the state machine uses for
// its existing-membership shortcut.
func (s *LocalService) IsMember(ctx context.Context, conversationID string) (bool, error) {
	return s.store.IsMember(ctx, conversationID, s.userID)
}

func (s *LocalService) Teardown(ctx context.Context, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	nowMs := time.Now().UnixMilli()
	if conv.CreatorID == s.userID {
		if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		s.logger.Info("conversation deleted", "conversationId", conversationID)
		return nil
	}

	// Not the creator: leave and withdraw anything still pending.
	if err := s.store.RemoveMember(ctx, conversationID, s.userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if _, err := s.store.CancelPendingJoinRequests(ctx, conversationID, s.userID, nowMs); err != nil {
		return fmt.Errorf("cancel join requests: %w", err)
	}
	return nil
}
