package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gestix/livechat/internal/auth"
	"github.com/gestix/livechat/internal/chat"
	"github.com/gestix/livechat/internal/lobby"
	"github.com/gestix/livechat/internal/messaging"
)

// fakeBus records published lifecycle events.
type fakeBus struct {
	mu       sync.Mutex
	created  []messaging.RequestEvent
	accepted []messaging.SessionEvent
	messages []messaging.MessageEvent
}

func (b *fakeBus) PublishRequestCreated(ev messaging.RequestEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, ev)
	return nil
}

func (b *fakeBus) PublishRequestAccepted(ev messaging.SessionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepted = append(b.accepted, ev)
	return nil
}

func (b *fakeBus) PublishMessage(ev messaging.MessageEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, ev)
	return nil
}

func (b *fakeBus) acceptedEvents() []messaging.SessionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]messaging.SessionEvent, len(b.accepted))
	copy(out, b.accepted)
	return out
}

// memQueueStore is an in-memory lobby store for handler tests.
type memQueueStore struct {
	mu    sync.Mutex
	queue []lobby.QueueEntry
}

func (s *memQueueStore) Load(ctx context.Context) ([]lobby.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lobby.QueueEntry, len(s.queue))
	copy(out, s.queue)
	return out, nil
}

func (s *memQueueStore) Save(ctx context.Context, queue []lobby.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = make([]lobby.QueueEntry, len(queue))
	copy(s.queue, queue)
	return nil
}

// memLogStore is an in-memory chat log store for handler tests.
type memLogStore struct {
	mu   sync.Mutex
	logs map[string][]chat.Message
}

func (s *memLogStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs == nil {
		s.logs = make(map[string][]chat.Message)
	}
	s.logs[sessionID] = append(s.logs[sessionID], msg)
	return nil
}

func (s *memLogStore) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.logs[sessionID]))
	copy(out, s.logs[sessionID])
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *lobby.Actor, *fakeBus) {
	t.Helper()

	policy, err := auth.ParsePolicy("Ventas,Soporte,Interno", "Interno=admin|maria")
	if err != nil {
		t.Fatalf("parse policy failed: %v", err)
	}

	lobbyActor := lobby.NewActor(&memQueueStore{}, lobby.DefaultConfig())
	if err := lobbyActor.Start(context.Background()); err != nil {
		t.Fatalf("start lobby failed: %v", err)
	}
	t.Cleanup(lobbyActor.Stop)

	registry := chat.NewRegistry(&memLogStore{}, nil)
	t.Cleanup(registry.StopAll)

	bus := &fakeBus{}
	server := NewServer(DefaultConfig(), Deps{
		Lobby:    lobbyActor,
		Sessions: registry,
		Policy:   policy,
		Gate:     policy,
		Bus:      bus,
	})
	return server, lobbyActor, bus
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatRequestQueuesAndReturnsSessionID(t *testing.T) {
	server, lobbyActor, _ := newTestServer(t)
	handler := server.Handler()

	rec := postJSON(t, handler, "/chat/request", `{"userName":"Ana","department":"Ventas"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a session id in the response")
	}

	snap, err := lobbyActor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap) != 1 || snap[0].SessionID != resp.SessionID {
		t.Errorf("expected queue [%s], got %+v", resp.SessionID, snap)
	}
	if snap[0].UserName != "Ana" || snap[0].Department != "Ventas" {
		t.Errorf("queue entry fields wrong: %+v", snap[0])
	}
}

func TestChatRequestRejectsBadInput(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"empty user name", `{"userName":"","department":"Ventas"}`, http.StatusBadRequest},
		{"unknown department", `{"userName":"Ana","department":"Facturacion"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, handler, "/chat/request", tt.body)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestChatRequestRestrictedDepartment(t *testing.T) {
	server, lobbyActor, _ := newTestServer(t)
	handler := server.Handler()

	// Not on the Interno allowlist: a distinct 403, and nothing queued.
	rec := postJSON(t, handler, "/chat/request", `{"userName":"Ana","department":"Interno"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if resp.Error != "not_authorized" {
		t.Errorf("expected error code not_authorized, got %q", resp.Error)
	}

	snap, err := lobbyActor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("rejected request must not be queued, got %+v", snap)
	}

	// Allowlisted identity goes through.
	rec = postJSON(t, handler, "/chat/request", `{"userName":"maria","department":"Interno"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for allowlisted identity, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatAcceptIsIdempotent(t *testing.T) {
	server, lobbyActor, bus := newTestServer(t)
	handler := server.Handler()

	rec := postJSON(t, handler, "/chat/request", `{"userName":"Ana","department":"Ventas"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("request failed: %d", rec.Code)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}

	// First accept removes the entry.
	rec = postJSON(t, handler, "/chat/accept/"+resp.SessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on accept, got %d: %s", rec.Code, rec.Body.String())
	}
	snap, err := lobbyActor.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("expected empty queue after accept, got %+v", snap)
	}

	// Second accept of the same id is a success no-op.
	rec = postJSON(t, handler, "/chat/accept/"+resp.SessionID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on repeated accept, got %d: %s", rec.Code, rec.Body.String())
	}

	// Accepting an id that never existed is also 200.
	rec = postJSON(t, handler, "/chat/accept/never-queued", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for unknown id, got %d: %s", rec.Code, rec.Body.String())
	}

	// Only the accept that actually removed an entry was announced; the
	// repeated accept and the unknown id produced no events.
	accepted := bus.acceptedEvents()
	if len(accepted) != 1 {
		t.Fatalf("expected exactly one accepted event, got %d: %+v", len(accepted), accepted)
	}
	if accepted[0].SessionID != resp.SessionID {
		t.Errorf("accepted event for wrong session: %+v", accepted[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
}
