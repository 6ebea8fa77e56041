package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"meshtalk-core/internal/invite"
	"meshtalk-core/internal/storage"
)

type conversationItem struct {
	ID          string `json:"id"`
	CreatorID   string `json:"creatorId"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

type listConversationsResponse struct {
	Conversations []conversationItem `json:"conversations"`
}

type memberItem struct {
	UserID     string `json:"userId"`
	Role       string `json:"role"`
	JoinedAtMs int64  `json:"joinedAtMs"`
}

type listMembersResponse struct {
	Members []memberItem `json:"members"`
}

type inviteResponse struct {
	InviteCode  string `json:"inviteCode"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

func (api *v1API) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "authentication required")
		return
	}

	convs, err := api.store.ListConversationsForUser(r.Context(), userID)
	if err != nil {
		api.logger.Error("list conversations failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	items := make([]conversationItem, 0, len(convs))
	for _, c := range convs {
		items = append(items, conversationItem{
			ID:          c.ID,
			CreatorID:   c.CreatorID,
			CreatedAtMs: c.CreatedAtMs,
			UpdatedAtMs: c.UpdatedAtMs,
		})
	}
	writeJSON(w, http.StatusOK, listConversationsResponse{Conversations: items})
}

func (api *v1API) handleConversationSubroutes(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "authentication required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	parts := splitPath(rest)
	if len(parts) < 1 || len(parts) > 2 {
		writeAPIError(w, ErrCodeNotFound, "not found")
		return
	}

	conversationID := parts[0]
	conv, members, ok := api.loadConversation(w, r, conversationID)
	if !ok {
		return
	}

	isMember := false
	for _, m := range members {
		if m.UserID == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		writeAPIError(w, ErrCodeConversationAccessDenied, "access denied")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]conversationItem{"conversation": {
			ID:          conv.ID,
			CreatorID:   conv.CreatorID,
			CreatedAtMs: conv.CreatedAtMs,
			UpdatedAtMs: conv.UpdatedAtMs,
		}})
		return
	}

	switch parts[1] {
	case "members":
		if r.Method != http.MethodGet {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		items := make([]memberItem, 0, len(members))
		for _, m := range members {
			items = append(items, memberItem{UserID: m.UserID, Role: m.Role, JoinedAtMs: m.JoinedAtMs})
		}
		writeJSON(w, http.StatusOK, listMembersResponse{Members: items})
	case "invite":
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		api.handleConversationInvite(w, r, conv, userID)
	case "join-requests":
		if r.Method != http.MethodGet {
			writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
			return
		}
		api.handleListJoinRequests(w, r, conv, userID)
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
	}
}

// handleConversationInvite mints the conversation's invite slug, or returns
// the stored one so a shared code stays stable. Creator only.
func (api *v1API) handleConversationInvite(w http.ResponseWriter, r *http.Request, conv storage.ConversationRow, userID string) {
	if conv.CreatorID != userID {
		writeAPIError(w, ErrCodeConversationAccessDenied, "only the creator can share invites")
		return
	}

	nowMs := time.Now().UnixMilli()
	expiresAtMs := nowMs + api.opts.InviteTTL.Milliseconds()

	slug, err := api.opts.InviteCodec.Encode(invite.Invite{
		ConversationID: conv.ID,
		CreatorID:      conv.CreatorID,
		ExpiresAtMs:    expiresAtMs,
	})
	if err != nil {
		api.logger.Error("encode invite failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	row, _, err := api.store.GetOrCreateInvite(r.Context(), conv.ID, conv.CreatorID, slug, expiresAtMs, nowMs)
	if err != nil {
		api.logger.Error("store invite failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, inviteResponse{
		InviteCode:  row.Slug,
		ExpiresAtMs: row.ExpiresAtMs,
	})
}

func (api *v1API) loadConversation(w http.ResponseWriter, r *http.Request, conversationID string) (storage.ConversationRow, []storage.MemberRow, bool) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		writeAPIError(w, ErrCodeValidation, "invalid conversationId")
		return storage.ConversationRow{}, nil, false
	}

	conv, err := api.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAPIError(w, ErrCodeConversationNotFound, "conversation not found")
			return storage.ConversationRow{}, nil, false
		}
		api.logger.Error("get conversation failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return storage.ConversationRow{}, nil, false
	}

	members, err := api.store.ListMembers(r.Context(), conversationID)
	if err != nil {
		api.logger.Error("list members failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return storage.ConversationRow{}, nil, false
	}
	return conv, members, true
}
