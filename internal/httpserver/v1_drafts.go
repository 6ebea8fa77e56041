package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"meshtalk-core/internal/lifecycle"
)

type draftItem struct {
	ID                string       `json:"id"`
	Phase             string       `json:"phase"`
	ConversationID    string       `json:"conversationId,omitempty"`
	Origin            string       `json:"origin,omitempty"`
	ShowCreateSpinner bool         `json:"showCreateSpinner"`
	ComposeEnabled    bool         `json:"composeEnabled"`
	ShowWaitingBanner bool         `json:"showWaitingBanner"`
	Failure           *failureItem `json:"failure,omitempty"`
}

type failureItem struct {
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Retry   *retryItem `json:"retry,omitempty"`
}

type retryItem struct {
	Kind       string `json:"kind"`
	InviteCode string `json:"inviteCode,omitempty"`
}

type draftResponse struct {
	Draft draftItem `json:"draft"`
}

func draftItemFromView(id string, v lifecycle.ViewState) draftItem {
	item := draftItem{
		ID:                id,
		Phase:             string(v.Phase),
		ConversationID:    v.ConversationID,
		Origin:            string(v.Origin),
		ShowCreateSpinner: v.ShowCreateSpinner,
		ComposeEnabled:    v.ComposeEnabled,
		ShowWaitingBanner: v.ShowWaitingBanner,
	}
	if v.Failure != nil {
		f := &failureItem{
			Title:   v.Failure.Title,
			Message: v.Failure.Message,
		}
		if v.Failure.Retry != nil {
			f.Retry = &retryItem{
				Kind:       string(v.Failure.Retry.Kind),
				InviteCode: v.Failure.Retry.InviteCode,
			}
		}
		item.Failure = f
	}
	return item
}

func (api *v1API) handleDrafts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "authentication required")
		return
	}

	ctrl, err := api.drafts.Open(r.Context(), userID)
	if err != nil {
		api.logger.Error("open draft failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, draftResponse{Draft: draftItemFromView(ctrl.ID(), ctrl.View())})
}

func (api *v1API) handleDraftSubroutes(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "authentication required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/drafts/")
	parts := splitPath(rest)

	switch len(parts) {
	case 1:
		api.handleDraft(w, r, parts[0], userID)
	case 2:
		api.handleDraftAction(w, r, parts[0], parts[1], userID)
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
	}
}

func (api *v1API) handleDraft(w http.ResponseWriter, r *http.Request, draftID, userID string) {
	switch r.Method {
	case http.MethodGet:
		ctrl, ok := api.lookupDraft(w, draftID, userID)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, draftResponse{Draft: draftItemFromView(ctrl.ID(), ctrl.View())})
	case http.MethodDelete:
		if err := api.drafts.Dismiss(draftID, userID); err != nil {
			api.writeDraftError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
	}
}

type joinDraftRequest struct {
	InviteCode string `json:"inviteCode"`
}

func (api *v1API) handleDraftAction(w http.ResponseWriter, r *http.Request, draftID, action, userID string) {
	if r.Method != http.MethodPost {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	ctrl, ok := api.lookupDraft(w, draftID, userID)
	if !ok {
		return
	}

	switch action {
	case "create":
		ctrl.Create()
	case "join":
		var req joinDraftRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeAPIError(w, ErrCodeValidation, "invalid JSON body")
			return
		}
		req.InviteCode = strings.TrimSpace(req.InviteCode)
		if req.InviteCode == "" {
			writeAPIError(w, ErrCodeValidation, "inviteCode is required")
			return
		}
		ctrl.Join(req.InviteCode)
	case "retry":
		ctrl.Retry()
	case "reset":
		ctrl.Reset()
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
		return
	}

	// Actions run asynchronously; the snapshot shows the state at accept
	// time and the websocket stream carries the rest.
	writeJSON(w, http.StatusAccepted, draftResponse{Draft: draftItemFromView(ctrl.ID(), ctrl.View())})
}

func (api *v1API) lookupDraft(w http.ResponseWriter, draftID, userID string) (*lifecycle.Controller, bool) {
	ctrl, err := api.drafts.Get(draftID, userID)
	if err != nil {
		api.writeDraftError(w, err)
		return nil, false
	}
	return ctrl, true
}

func (api *v1API) writeDraftError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrDraftNotFound):
		writeAPIError(w, ErrCodeDraftNotFound, "draft not found")
	case errors.Is(err, lifecycle.ErrDraftAccessDenied):
		writeAPIError(w, ErrCodeDraftAccessDenied, "access denied")
	default:
		api.logger.Error("draft operation failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
	}
}
