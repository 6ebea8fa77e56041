package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type mockTokenValidator struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *mockTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID, ok := m.tokens[token]; ok {
		return userID, nil
	}
	return "", errors.New("invalid token")
}

func setupTestManager() (*Manager, *mockTokenValidator) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tv := &mockTokenValidator{tokens: make(map[string]string)}
	return NewManager(logger, tv), tv
}

func connectWS(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestManager_SendToUser(t *testing.T) {
	m, tv := setupTestManager()
	tv.tokens["tokenA"] = "userA"
	tv.tokens["tokenB"] = "userB"

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	connA := connectWS(t, server, "tokenA")
	defer connA.Close()
	connB := connectWS(t, server, "tokenB")
	defer connB.Close()

	time.Sleep(50 * time.Millisecond)

	m.SendToUser("userA", Envelope{
		Type:    "draft.state",
		DraftID: "draft-1",
		Payload: map[string]any{"phase": "ready"},
	})

	_ = connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("msgType = %d, want %d", msgType, websocket.TextMessage)
	}

	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if env.Type != "draft.state" || env.DraftID != "draft-1" {
		t.Fatalf("envelope = %+v", env)
	}

	// userB must not receive userA's draft state.
	_ = connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatal("expected timeout, got message addressed to another user")
	}
}

func TestManager_SendToUsers(t *testing.T) {
	m, tv := setupTestManager()
	tv.tokens["tokenA"] = "userA"
	tv.tokens["tokenB"] = "userB"

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	connA := connectWS(t, server, "tokenA")
	defer connA.Close()
	connB := connectWS(t, server, "tokenB")
	defer connB.Close()

	time.Sleep(50 * time.Millisecond)

	m.SendToUsers([]string{"userA", "userB"}, Envelope{
		Type:           "join_request.created",
		ConversationID: "conv-1",
	})

	for _, conn := range []*websocket.Conn{connA, connB} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("json.Unmarshal() error = %v", err)
		}
		if env.Type != "join_request.created" || env.ConversationID != "conv-1" {
			t.Fatalf("envelope = %+v", env)
		}
	}
}

func TestManager_RejectsBadToken(t *testing.T) {
	m, _ := setupTestManager()

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() with a bad token must fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestManager_ConnectedUserIDs(t *testing.T) {
	m, tv := setupTestManager()
	tv.tokens["tokenA"] = "userA"

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	connA := connectWS(t, server, "tokenA")
	defer connA.Close()
	connA2 := connectWS(t, server, "tokenA")
	defer connA2.Close()

	time.Sleep(50 * time.Millisecond)

	ids := m.ConnectedUserIDs()
	if len(ids) != 1 || ids[0] != "userA" {
		t.Fatalf("ConnectedUserIDs() = %v, want [userA]", ids)
	}
}
