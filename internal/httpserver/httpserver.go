package httpserver

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"meshtalk-core/internal/groupnet"
	"meshtalk-core/internal/invite"
	"meshtalk-core/internal/lifecycle"
	"meshtalk-core/internal/storage"
	"meshtalk-core/internal/ws"
)

type Store interface {
	Ready(ctx context.Context) error

	CreateUser(ctx context.Context, username, passwordHash, displayName string, nowMs int64) (storage.UserRow, error)
	GetUserByID(ctx context.Context, userID string) (storage.UserRow, error)
	GetUserByUsername(ctx context.Context, username string) (storage.UserRow, error)

	CreateAuthToken(ctx context.Context, userID string, deviceInfo *string, nowMs, expiresAtMs int64) (storage.AuthTokenRow, error)
	ValidateToken(ctx context.Context, token string, nowMs int64) (storage.AuthTokenRow, error)
	DeleteToken(ctx context.Context, token string) error

	GetConversation(ctx context.Context, conversationID string) (storage.ConversationRow, error)
	ListMembers(ctx context.Context, conversationID string) ([]storage.MemberRow, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]storage.ConversationRow, error)

	GetOrCreateInvite(ctx context.Context, conversationID, creatorID, slug string, expiresAtMs, nowMs int64) (storage.InviteRow, bool, error)

	GetJoinRequest(ctx context.Context, requestID string) (storage.JoinRequestRow, error)
	ListPendingJoinRequests(ctx context.Context, conversationID string) ([]storage.JoinRequestRow, error)
	AcceptJoinRequest(ctx context.Context, requestID, deciderID string, nowMs int64) (storage.JoinRequestRow, error)
	RejectJoinRequest(ctx context.Context, requestID, deciderID string, reason *string, nowMs int64) (storage.JoinRequestRow, error)
}

type HandlerOptions struct {
	InviteCodec *invite.Codec
	InviteTTL   time.Duration
}

func NewHandler(logger *slog.Logger, store Store, drafts *lifecycle.Manager, hub *groupnet.Hub, wsManager *ws.Manager, opts HandlerOptions) http.Handler {
	mux := http.NewServeMux()
	api := newV1API(logger, store, drafts, hub, wsManager, opts)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := store.Ready(r.Context()); err != nil {
			logger.Warn("ready check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("/v1/ws", wsManager.Handler())
	mux.HandleFunc("/v1/auth/", api.handleAuth)
	mux.HandleFunc("/v1/drafts", api.handleDrafts)
	mux.HandleFunc("/v1/drafts/", api.handleDraftSubroutes)
	mux.HandleFunc("/v1/conversations", api.handleConversations)
	mux.HandleFunc("/v1/conversations/", api.handleConversationSubroutes)
	mux.HandleFunc("/v1/join-requests/", api.handleJoinRequestSubroutes)

	return chain(
		mux,
		recoverMiddleware(logger),
		requestLogMiddleware(logger),
		corsMiddleware(),
		authMiddleware(store),
	)
}
