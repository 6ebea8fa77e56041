package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meshtalk-core/internal/conversation"
	"meshtalk-core/internal/groupnet"
	"meshtalk-core/internal/invite"
	"meshtalk-core/internal/lifecycle"
	"meshtalk-core/internal/storage"
	"meshtalk-core/internal/ws"
)

type wsTokenValidator struct {
	store *storage.Store
}

func (v wsTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	row, err := v.store.ValidateToken(ctx, token, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return row.UserID, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *storage.Store
	hub   *groupnet.Hub
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store, err := storage.Open(context.Background(), "sqlite::memory:", logger)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}

	codec := invite.NewCodec("test-secret")
	hub := groupnet.NewHub()
	wsManager := ws.NewManager(logger, wsTokenValidator{store: store})

	factory := func(ctx context.Context, draftID, ownerID string) (*lifecycle.Controller, error) {
		svc := groupnet.NewLocalService(store, codec, hub, ownerID, logger, nil)
		machine, err := conversation.New(conversation.Options{
			Service:     svc,
			Memberships: svc,
			JoinTimeout: 5 * time.Second,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return lifecycle.NewController(draftID, machine, logger, nil), nil
	}
	drafts := lifecycle.NewManager(factory, logger)

	handler := NewHandler(logger, store, drafts, hub, wsManager, HandlerOptions{
		InviteCodec: codec,
		InviteTTL:   time.Hour,
	})
	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		srv.Close()
		drafts.CloseAll()
		wsManager.CloseAll()
		_ = store.Close()
	})
	return &testEnv{srv: srv, store: store, hub: hub}
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any, out any) (int, apiErrorEnvelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body error = %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest(%s %s) error = %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}

	var apiErr apiErrorEnvelope
	if res.StatusCode >= 400 {
		_ = json.Unmarshal(raw, &apiErr)
		return res.StatusCode, apiErr
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %q error = %v", method, path, raw, err)
		}
	}
	return res.StatusCode, apiErr
}

func (e *testEnv) register(t *testing.T, username string) (userID, token string) {
	t.Helper()

	var res authResponse
	status, apiErr := e.doJSON(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"username":    username,
		"password":    "Sup3rSecret",
		"displayName": username,
	}, &res)
	if status != http.StatusOK {
		t.Fatalf("register %s status = %d, error = %+v", username, status, apiErr)
	}
	return res.User.ID, res.Token
}

// waitDraftPhase polls the draft view until it reaches the wanted phase.
func (e *testEnv) waitDraftPhase(t *testing.T, token, draftID, phase string) draftItem {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	var last draftItem
	for time.Now().Before(deadline) {
		var res draftResponse
		status, apiErr := e.doJSON(t, http.MethodGet, "/v1/drafts/"+draftID, token, nil, &res)
		if status != http.StatusOK {
			t.Fatalf("GET draft status = %d, error = %+v", status, apiErr)
		}
		last = res.Draft
		if last.Phase == phase {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("draft never reached phase %q, last = %+v", phase, last)
	return draftItem{}
}

// waitPendingJoinRequests polls the creator's pending list until it is
// non-empty. The joining phase is published just before the request row is
// persisted, so a single immediate read can race it.
func (e *testEnv) waitPendingJoinRequests(t *testing.T, token, conversationID string) []joinRequestItem {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var res listJoinRequestsResponse
		status, apiErr := e.doJSON(t, http.MethodGet, "/v1/conversations/"+conversationID+"/join-requests", token, nil, &res)
		if status != http.StatusOK {
			t.Fatalf("GET join-requests status = %d, error = %+v", status, apiErr)
		}
		if len(res.JoinRequests) > 0 && e.hub.Pending(res.JoinRequests[0].ID) {
			// The joiner's workflow is registered on the hub, so a decision
			// made now wakes it instead of racing its registration.
			return res.JoinRequests
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no pending join requests appeared")
	return nil
}

// createReadyConversation drives a draft through create and mints an invite.
func (e *testEnv) createReadyConversation(t *testing.T, token string) (conversationID, inviteCode string) {
	t.Helper()

	var opened draftResponse
	status, apiErr := e.doJSON(t, http.MethodPost, "/v1/drafts", token, nil, &opened)
	if status != http.StatusOK {
		t.Fatalf("POST /v1/drafts status = %d, error = %+v", status, apiErr)
	}

	status, apiErr = e.doJSON(t, http.MethodPost, "/v1/drafts/"+opened.Draft.ID+"/create", token, nil, nil)
	if status != http.StatusAccepted {
		t.Fatalf("POST create status = %d, error = %+v", status, apiErr)
	}

	ready := e.waitDraftPhase(t, token, opened.Draft.ID, "ready")
	if ready.ConversationID == "" {
		t.Fatalf("ready draft has no conversationId: %+v", ready)
	}

	var inv inviteResponse
	status, apiErr = e.doJSON(t, http.MethodPost, "/v1/conversations/"+ready.ConversationID+"/invite", token, nil, &inv)
	if status != http.StatusOK {
		t.Fatalf("POST invite status = %d, error = %+v", status, apiErr)
	}
	return ready.ConversationID, inv.InviteCode
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)

	res, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	env := setupTestServer(t)
	_ = env.store.Close()

	res, err := http.Get(env.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestAuthFlow(t *testing.T) {
	env := setupTestServer(t)

	_, token := env.register(t, "alice_one")

	var me meResponse
	status, apiErr := env.doJSON(t, http.MethodGet, "/v1/auth/me", token, nil, &me)
	if status != http.StatusOK {
		t.Fatalf("GET /v1/auth/me status = %d, error = %+v", status, apiErr)
	}
	if me.User.Username != "alice_one" {
		t.Fatalf("me.username = %q, want %q", me.User.Username, "alice_one")
	}

	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"username":    "alice_one",
		"password":    "Sup3rSecret",
		"displayName": "dup",
	}, nil)
	if status != http.StatusConflict || apiErr.Error.Code != string(ErrCodeUsernameExists) {
		t.Fatalf("duplicate register status = %d code = %q", status, apiErr.Error.Code)
	}

	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": "alice_one",
		"password": "WrongPassw0rd",
	}, nil)
	if status != http.StatusUnauthorized || apiErr.Error.Code != string(ErrCodeInvalidCredentials) {
		t.Fatalf("bad login status = %d code = %q", status, apiErr.Error.Code)
	}

	status, _ = env.doJSON(t, http.MethodPost, "/v1/auth/logout", token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("logout status = %d", status)
	}

	status, apiErr = env.doJSON(t, http.MethodGet, "/v1/auth/me", token, nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d, error = %+v", status, apiErr)
	}
}

func TestDraftCreateFlow(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.register(t, "alice_two")

	var opened draftResponse
	status, apiErr := env.doJSON(t, http.MethodPost, "/v1/drafts", token, nil, &opened)
	if status != http.StatusOK {
		t.Fatalf("POST /v1/drafts status = %d, error = %+v", status, apiErr)
	}
	if opened.Draft.Phase != "uninitialized" {
		t.Fatalf("opened phase = %q, want %q", opened.Draft.Phase, "uninitialized")
	}

	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/drafts/"+opened.Draft.ID+"/create", token, nil, nil)
	if status != http.StatusAccepted {
		t.Fatalf("POST create status = %d, error = %+v", status, apiErr)
	}

	ready := env.waitDraftPhase(t, token, opened.Draft.ID, "ready")
	if !ready.ComposeEnabled || ready.ShowCreateSpinner || ready.ShowWaitingBanner {
		t.Fatalf("ready flags = %+v", ready)
	}
	if ready.Origin != "created" {
		t.Fatalf("origin = %q, want %q", ready.Origin, "created")
	}

	var convs listConversationsResponse
	status, _ = env.doJSON(t, http.MethodGet, "/v1/conversations", token, nil, &convs)
	if status != http.StatusOK || len(convs.Conversations) != 1 {
		t.Fatalf("conversations status = %d len = %d, want 1", status, len(convs.Conversations))
	}
	if convs.Conversations[0].ID != ready.ConversationID {
		t.Fatalf("listed conversation = %q, want %q", convs.Conversations[0].ID, ready.ConversationID)
	}
}

func TestInvite_StablePerConversation(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.register(t, "alice_inv")

	conversationID, first := env.createReadyConversation(t, token)

	var second inviteResponse
	status, apiErr := env.doJSON(t, http.MethodGet, "/v1/conversations/"+conversationID+"/invite", token, nil, &second)
	if status != http.StatusOK {
		t.Fatalf("GET invite status = %d, error = %+v", status, apiErr)
	}
	if second.InviteCode != first {
		t.Fatalf("invite code changed between requests: %q vs %q", first, second.InviteCode)
	}
}

func TestJoinFlow_AcceptOverHTTP(t *testing.T) {
	env := setupTestServer(t)
	_, aliceToken := env.register(t, "alice_join")
	bobID, bobToken := env.register(t, "bob_join")

	conversationID, inviteCode := env.createReadyConversation(t, aliceToken)

	// Bob listens for the acceptance push.
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/ws?token=" + bobToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	var opened draftResponse
	status, apiErr := env.doJSON(t, http.MethodPost, "/v1/drafts", bobToken, nil, &opened)
	if status != http.StatusOK {
		t.Fatalf("POST /v1/drafts status = %d, error = %+v", status, apiErr)
	}

	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/drafts/"+opened.Draft.ID+"/join", bobToken, map[string]string{
		"inviteCode": inviteCode,
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("POST join status = %d, error = %+v", status, apiErr)
	}

	joining := env.waitDraftPhase(t, bobToken, opened.Draft.ID, "joining")
	if !joining.ShowWaitingBanner || joining.ComposeEnabled {
		t.Fatalf("joining flags = %+v", joining)
	}

	// Alice reviews the pending request and accepts it.
	pending := env.waitPendingJoinRequests(t, aliceToken, conversationID)
	if len(pending) != 1 || pending[0].RequesterID != bobID {
		t.Fatalf("pending requests = %+v", pending)
	}

	var decided joinRequestResponse
	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/join-requests/"+pending[0].ID+"/accept", aliceToken, nil, &decided)
	if status != http.StatusOK {
		t.Fatalf("POST accept status = %d, error = %+v", status, apiErr)
	}
	if decided.JoinRequest.Status != storage.JoinRequestStatusAccepted {
		t.Fatalf("decided status = %q", decided.JoinRequest.Status)
	}

	ready := env.waitDraftPhase(t, bobToken, opened.Draft.ID, "ready")
	if ready.Origin != "joined" || ready.ConversationID != conversationID {
		t.Fatalf("ready draft = %+v", ready)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var env2 ws.Envelope
	if err := json.Unmarshal(raw, &env2); err != nil {
		t.Fatalf("unmarshal envelope %q error = %v", raw, err)
	}
	if env2.Type != "join_request.accepted" {
		t.Fatalf("envelope type = %q, want %q", env2.Type, "join_request.accepted")
	}

	var members listMembersResponse
	status, _ = env.doJSON(t, http.MethodGet, "/v1/conversations/"+conversationID+"/members", aliceToken, nil, &members)
	if status != http.StatusOK || len(members.Members) != 2 {
		t.Fatalf("members status = %d len = %d, want 2", status, len(members.Members))
	}
}

func TestJoinFlow_RejectBindsRetry(t *testing.T) {
	env := setupTestServer(t)
	_, aliceToken := env.register(t, "alice_rej")
	_, bobToken := env.register(t, "bob_rej")

	conversationID, inviteCode := env.createReadyConversation(t, aliceToken)

	var opened draftResponse
	status, apiErr := env.doJSON(t, http.MethodPost, "/v1/drafts", bobToken, nil, &opened)
	if status != http.StatusOK {
		t.Fatalf("POST /v1/drafts status = %d, error = %+v", status, apiErr)
	}
	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/drafts/"+opened.Draft.ID+"/join", bobToken, map[string]string{
		"inviteCode": inviteCode,
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("POST join status = %d, error = %+v", status, apiErr)
	}
	env.waitDraftPhase(t, bobToken, opened.Draft.ID, "joining")

	pending := env.waitPendingJoinRequests(t, aliceToken, conversationID)
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}

	var decided joinRequestResponse
	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/join-requests/"+pending[0].ID+"/reject", aliceToken, map[string]string{
		"reason": "not this time",
	}, &decided)
	if status != http.StatusOK {
		t.Fatalf("POST reject status = %d, error = %+v", status, apiErr)
	}
	if decided.JoinRequest.Reason == nil || *decided.JoinRequest.Reason != "not this time" {
		t.Fatalf("decided reason = %v", decided.JoinRequest.Reason)
	}

	failed := env.waitDraftPhase(t, bobToken, opened.Draft.ID, "join_failed")
	if failed.Failure == nil || failed.Failure.Retry == nil {
		t.Fatalf("failed draft = %+v", failed)
	}
	if failed.Failure.Retry.Kind != "join" || failed.Failure.Retry.InviteCode != inviteCode {
		t.Fatalf("retry = %+v", failed.Failure.Retry)
	}
}

func TestJoin_InvalidCodeHasNoRetry(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.register(t, "bob_bad")

	var opened draftResponse
	status, apiErr := env.doJSON(t, http.MethodPost, "/v1/drafts", token, nil, &opened)
	if status != http.StatusOK {
		t.Fatalf("POST /v1/drafts status = %d, error = %+v", status, apiErr)
	}
	status, apiErr = env.doJSON(t, http.MethodPost, "/v1/drafts/"+opened.Draft.ID+"/join", token, map[string]string{
		"inviteCode": "not-a-real-code",
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("POST join status = %d, error = %+v", status, apiErr)
	}

	failed := env.waitDraftPhase(t, token, opened.Draft.ID, "error")
	if failed.Failure == nil {
		t.Fatalf("error draft has no failure: %+v", failed)
	}
	if failed.Failure.Retry != nil {
		t.Fatalf("invalid code must not offer retry, got %+v", failed.Failure.Retry)
	}
}

func TestDraftAccessControl(t *testing.T) {
	env := setupTestServer(t)
	_, aliceToken := env.register(t, "alice_acl")
	_, bobToken := env.register(t, "bob_acl")

	var opened draftResponse
	status, _ := env.doJSON(t, http.MethodPost, "/v1/drafts", aliceToken, nil, &opened)
	if status != http.StatusOK {
		t.Fatalf("POST /v1/drafts status = %d", status)
	}

	status, apiErr := env.doJSON(t, http.MethodGet, "/v1/drafts/"+opened.Draft.ID, bobToken, nil, nil)
	if status != http.StatusForbidden || apiErr.Error.Code != string(ErrCodeDraftAccessDenied) {
		t.Fatalf("foreign draft status = %d code = %q", status, apiErr.Error.Code)
	}

	status, apiErr = env.doJSON(t, http.MethodGet, "/v1/drafts/no-such-draft", aliceToken, nil, nil)
	if status != http.StatusNotFound || apiErr.Error.Code != string(ErrCodeDraftNotFound) {
		t.Fatalf("unknown draft status = %d code = %q", status, apiErr.Error.Code)
	}
}

func TestDismissDraft(t *testing.T) {
	env := setupTestServer(t)
	_, token := env.register(t, "alice_dis")

	var opened draftResponse
	status, _ := env.doJSON(t, http.MethodPost, "/v1/drafts", token, nil, &opened)
	if status != http.StatusOK {
		t.Fatalf("POST /v1/drafts status = %d", status)
	}

	status, apiErr := env.doJSON(t, http.MethodDelete, "/v1/drafts/"+opened.Draft.ID, token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("DELETE draft status = %d, error = %+v", status, apiErr)
	}

	status, apiErr = env.doJSON(t, http.MethodGet, "/v1/drafts/"+opened.Draft.ID, token, nil, nil)
	if status != http.StatusNotFound || apiErr.Error.Code != string(ErrCodeDraftNotFound) {
		t.Fatalf("dismissed draft status = %d code = %q", status, apiErr.Error.Code)
	}
}

func TestConversationAccess_NonMemberDenied(t *testing.T) {
	env := setupTestServer(t)
	_, aliceToken := env.register(t, "alice_mem")
	_, bobToken := env.register(t, "bob_mem")

	conversationID, _ := env.createReadyConversation(t, aliceToken)

	status, apiErr := env.doJSON(t, http.MethodGet, "/v1/conversations/"+conversationID, bobToken, nil, nil)
	if status != http.StatusForbidden || apiErr.Error.Code != string(ErrCodeConversationAccessDenied) {
		t.Fatalf("non-member status = %d code = %q", status, apiErr.Error.Code)
	}

	status, apiErr = env.doJSON(t, http.MethodGet, "/v1/conversations/5b0f6a2e-0000-4000-8000-000000000000", aliceToken, nil, nil)
	if status != http.StatusNotFound || apiErr.Error.Code != string(ErrCodeConversationNotFound) {
		t.Fatalf("missing conversation status = %d code = %q", status, apiErr.Error.Code)
	}
}
