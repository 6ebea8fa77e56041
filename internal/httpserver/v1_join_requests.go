package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"meshtalk-core/internal/groupnet"
	"meshtalk-core/internal/storage"
	"meshtalk-core/internal/ws"
)

type joinRequestItem struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	RequesterID    string  `json:"requesterId"`
	Status         string  `json:"status"`
	Reason         *string `json:"reason,omitempty"`
	CreatedAtMs    int64   `json:"createdAtMs"`
	UpdatedAtMs    int64   `json:"updatedAtMs"`
}

type listJoinRequestsResponse struct {
	JoinRequests []joinRequestItem `json:"joinRequests"`
}

type joinRequestResponse struct {
	JoinRequest joinRequestItem `json:"joinRequest"`
}

type rejectJoinRequestBody struct {
	Reason string `json:"reason,omitempty"`
}

func joinRequestItemFromRow(r storage.JoinRequestRow) joinRequestItem {
	return joinRequestItem{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		RequesterID:    r.RequesterID,
		Status:         r.Status,
		Reason:         r.Reason,
		CreatedAtMs:    r.CreatedAtMs,
		UpdatedAtMs:    r.UpdatedAtMs,
	}
}

func (api *v1API) handleListJoinRequests(w http.ResponseWriter, r *http.Request, conv storage.ConversationRow, userID string) {
	if conv.CreatorID != userID {
		writeAPIError(w, ErrCodeConversationAccessDenied, "only the creator can review join requests")
		return
	}

	reqs, err := api.store.ListPendingJoinRequests(r.Context(), conv.ID)
	if err != nil {
		api.logger.Error("list join requests failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	items := make([]joinRequestItem, 0, len(reqs))
	for _, req := range reqs {
		items = append(items, joinRequestItemFromRow(req))
	}
	writeJSON(w, http.StatusOK, listJoinRequestsResponse{JoinRequests: items})
}

func (api *v1API) handleJoinRequestSubroutes(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "authentication required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/join-requests/")
	parts := splitPath(rest)
	if len(parts) != 2 {
		writeAPIError(w, ErrCodeNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	requestID := parts[0]
	switch parts[1] {
	case "accept":
		api.handleAcceptJoinRequest(w, r, requestID, userID)
	case "reject":
		api.handleRejectJoinRequest(w, r, requestID, userID)
	default:
		writeAPIError(w, ErrCodeNotFound, "not found")
	}
}

func (api *v1API) handleAcceptJoinRequest(w http.ResponseWriter, r *http.Request, requestID, userID string) {
	nowMs := time.Now().UnixMilli()
	req, err := api.store.AcceptJoinRequest(r.Context(), requestID, userID, nowMs)
	if err != nil {
		api.writeJoinRequestError(w, err)
		return
	}

	// Wake the joiner's workflow if it is still awaiting the decision; a
	// false return means it timed out or went away, which is fine since
	// the membership is already recorded.
	api.hub.Resolve(req.ID, groupnet.JoinOutcome{Result: groupnet.JoinAccepted})

	writeJSON(w, http.StatusOK, joinRequestResponse{JoinRequest: joinRequestItemFromRow(req)})

	api.sendToUser(req.RequesterID, ws.Envelope{
		Type:           "join_request.accepted",
		ConversationID: req.ConversationID,
		Payload:        map[string]any{"joinRequest": joinRequestItemFromRow(req)},
	})
}

func (api *v1API) handleRejectJoinRequest(w http.ResponseWriter, r *http.Request, requestID, userID string) {
	var body rejectJoinRequestBody
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeAPIError(w, ErrCodeValidation, "invalid JSON body")
			return
		}
	}

	var reason *string
	if trimmed := strings.TrimSpace(body.Reason); trimmed != "" {
		reason = &trimmed
	}

	nowMs := time.Now().UnixMilli()
	req, err := api.store.RejectJoinRequest(r.Context(), requestID, userID, reason, nowMs)
	if err != nil {
		api.writeJoinRequestError(w, err)
		return
	}

	outcome := groupnet.JoinOutcome{Result: groupnet.JoinRejected}
	if reason != nil {
		outcome.Reason = *reason
	}
	api.hub.Resolve(req.ID, outcome)

	writeJSON(w, http.StatusOK, joinRequestResponse{JoinRequest: joinRequestItemFromRow(req)})

	api.sendToUser(req.RequesterID, ws.Envelope{
		Type:           "join_request.rejected",
		ConversationID: req.ConversationID,
		Payload:        map[string]any{"joinRequest": joinRequestItemFromRow(req)},
	})
}

func (api *v1API) writeJoinRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeAPIError(w, ErrCodeJoinRequestNotFound, "join request not found")
	case errors.Is(err, storage.ErrAccessDenied):
		writeAPIError(w, ErrCodeJoinRequestAccessDenied, "access denied")
	case errors.Is(err, storage.ErrInvalidState):
		writeAPIError(w, ErrCodeJoinRequestInvalidState, "join request already decided")
	default:
		api.logger.Error("join request mutation failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
	}
}
