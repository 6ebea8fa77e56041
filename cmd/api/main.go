package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"meshtalk-core/internal/config"
	"meshtalk-core/internal/conversation"
	"meshtalk-core/internal/groupnet"
	"meshtalk-core/internal/httpserver"
	"meshtalk-core/internal/invite"
	"meshtalk-core/internal/lifecycle"
	"meshtalk-core/internal/logging"
	"meshtalk-core/internal/observe"
	"meshtalk-core/internal/storage"
	"meshtalk-core/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("log init error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Info("starting", "httpAddr", cfg.HTTPAddr, "database", storage.RedactedDatabaseURL(cfg.DatabaseURL))

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	tokenValidator := &storeTokenValidator{store: store}
	wsManager := ws.NewManager(logger, tokenValidator)

	codec := invite.NewCodec(cfg.InviteSecret)
	hub := groupnet.NewHub()

	drafts := lifecycle.NewManager(newDraftFactory(store, codec, hub, wsManager, logger, cfg.JoinTimeout), logger)

	handler := httpserver.NewHandler(logger, store, drafts, hub, wsManager, httpserver.HandlerOptions{
		InviteCodec: codec,
		InviteTTL:   cfg.InviteTTL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logging.StdLogger(logger),
	}

	go tokenJanitor(ctx, store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("listening", "httpAddr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	drafts.CloseAll()
	wsManager.CloseAll()

	if err := store.Close(); err != nil {
		logger.Error("db close error", "error", err)
	}

	logger.Info("stopped")
}

// newDraftFactory binds each opened draft to a conversation machine acting
// as its owner, and pushes every view change and join-request event to the
// affected users over the websocket stream.
func newDraftFactory(store *storage.Store, codec *invite.Codec, hub *groupnet.Hub, wsManager *ws.Manager, logger *slog.Logger, joinTimeout time.Duration) lifecycle.Factory {
	return func(ctx context.Context, draftID, ownerID string) (*lifecycle.Controller, error) {
		notify := func(req storage.JoinRequestRow) {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conv, err := store.GetConversation(notifyCtx, req.ConversationID)
			if err != nil {
				logger.Warn("join request notify skipped", "error", err, "requestId", req.ID)
				return
			}
			wsManager.SendToUser(conv.CreatorID, ws.Envelope{
				Type:           "join_request.created",
				ConversationID: req.ConversationID,
				Payload: map[string]any{
					"requestId":   req.ID,
					"requesterId": req.RequesterID,
					"createdAtMs": req.CreatedAtMs,
				},
			})
		}

		svc := groupnet.NewLocalService(store, codec, hub, ownerID, logger, notify)
		machine, err := conversation.New(conversation.Options{
			Service:     svc,
			Memberships: svc,
			JoinTimeout: joinTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}

		onChanged := func(ev lifecycle.ConversationChanged) {
			wsManager.SendToUser(ownerID, ws.Envelope{
				Type:           "draft.conversation_changed",
				DraftID:        ev.DraftID,
				ConversationID: ev.ConversationID,
				Payload:        map[string]any{"origin": string(ev.Origin)},
			})
		}

		ctrl := lifecycle.NewController(draftID, machine, logger, onChanged)
		ctrl.ObserveView(func(v lifecycle.ViewState) {
			wsManager.SendToUser(ownerID, ws.Envelope{
				Type:    "draft.updated",
				DraftID: draftID,
				Payload: draftViewPayload(v),
			})
		}, observe.Latest())

		return ctrl, nil
	}
}

func draftViewPayload(v lifecycle.ViewState) map[string]any {
	payload := map[string]any{
		"phase":             string(v.Phase),
		"showCreateSpinner": v.ShowCreateSpinner,
		"composeEnabled":    v.ComposeEnabled,
		"showWaitingBanner": v.ShowWaitingBanner,
	}
	if v.ConversationID != "" {
		payload["conversationId"] = v.ConversationID
	}
	if v.Origin != "" {
		payload["origin"] = string(v.Origin)
	}
	if v.Failure != nil {
		failure := map[string]any{
			"title":   v.Failure.Title,
			"message": v.Failure.Message,
		}
		if v.Failure.Retry != nil {
			retry := map[string]any{"kind": string(v.Failure.Retry.Kind)}
			if v.Failure.Retry.InviteCode != "" {
				retry["inviteCode"] = v.Failure.Retry.InviteCode
			}
			failure["retry"] = retry
		}
		payload["failure"] = failure
	}
	return payload
}

// tokenJanitor deletes expired auth tokens on an hourly sweep until ctx is
// cancelled.
func tokenJanitor(ctx context.Context, store *storage.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := store.CleanExpiredTokens(sweepCtx, time.Now().UnixMilli())
			cancel()
			if err != nil {
				logger.Warn("token sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired tokens removed", "count", n)
			}
		}
	}
}

type storeTokenValidator struct {
	store *storage.Store
}

func (v *storeTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	nowMs := time.Now().UnixMilli()
	authToken, err := v.store.ValidateToken(ctx, token, nowMs)
	if err != nil {
		return "", err
	}
	return authToken.UserID, nil
}
