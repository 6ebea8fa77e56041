package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"log/slog"

	"meshtalk-core/internal/groupnet"
	"meshtalk-core/internal/lifecycle"
	"meshtalk-core/internal/ws"
)

type v1API struct {
	logger    *slog.Logger
	store     Store
	drafts    *lifecycle.Manager
	hub       *groupnet.Hub
	wsManager *ws.Manager
	opts      HandlerOptions
}

func newV1API(logger *slog.Logger, store Store, drafts *lifecycle.Manager, hub *groupnet.Hub, wsManager *ws.Manager, opts HandlerOptions) *v1API {
	return &v1API{
		logger:    logger.With("component", "v1"),
		store:     store,
		drafts:    drafts,
		hub:       hub,
		wsManager: wsManager,
		opts:      opts,
	}
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeAPIError(w http.ResponseWriter, code ErrorCode, message string) {
	writeJSON(w, httpStatusForCode(code), apiErrorEnvelope{
		Error: apiError{
			Code:    string(code),
			Message: message,
		},
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected extra JSON input")
	}
	return nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (api *v1API) sendToUser(userID string, env ws.Envelope) {
	if api.wsManager == nil {
		return
	}
	api.wsManager.SendToUser(userID, env)
}
