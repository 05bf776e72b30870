package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"threadsync/internal/config"
	"threadsync/internal/conversation"
	"threadsync/internal/models"
	"threadsync/internal/realtime"
	"threadsync/internal/session"
	"threadsync/internal/storage"
)

type mockStream struct {
	chunks []string
}

func (s *mockStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *mockStream) Close() {}

type mockGenerator struct{}

func (mockGenerator) StreamReply(_ context.Context, history []models.Message) (conversation.ChunkStream, error) {
	last := history[len(history)-1].Content
	return &mockStream{chunks: []string{"Mock response to ", last}}, nil
}

func (mockGenerator) GenerateTitle(context.Context, []models.Message) (string, error) {
	return "Mock Title", nil
}

func newTestServer(t *testing.T) (*gin.Engine, *session.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hub := realtime.NewMemoryHub(16)
	store := storage.NewNotifyingStore(storage.NewStore(db), hub)
	ctrl := session.NewController(session.Deps{Store: store, Generator: mockGenerator{}, Realtime: hub}, session.Options{})
	t.Cleanup(func() {
		ctrl.Logout()
		hub.Close()
		db.Close()
	})

	router := gin.New()
	NewHandler(ctrl).RegisterRoutes(router)
	return router, ctrl
}

type conversationBody struct {
	Conversation conversation.Snapshot `json:"conversation"`
}

func TestHandlersEndToEndFlow(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodGet, "/api/threads", nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/session/login", map[string]string{"email": "bob@example.com", "display_name": "Bob"})
	assertStatus(t, resp, http.StatusOK)
	var loginBody struct {
		User models.User `json:"user"`
	}
	decodeJSON(t, resp.Body.Bytes(), &loginBody)
	if loginBody.User.Email != "bob@example.com" {
		t.Fatalf("unexpected user %+v", loginBody.User)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/threads", nil)
	assertStatus(t, resp, http.StatusCreated)
	var created struct {
		Thread models.Thread `json:"thread"`
	}
	decodeJSON(t, resp.Body.Bytes(), &created)
	if created.Thread.Title != models.DefaultThreadTitle {
		t.Fatalf("new thread should have the default title, got %q", created.Thread.Title)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/conversation/messages", map[string]string{"content": "Hello, my name is Bob."})
	assertStatus(t, resp, http.StatusAccepted)

	snap := waitForSnapshot(t, router, func(s conversation.Snapshot) bool {
		return !s.IsStreaming && len(s.Messages) == 2 && s.Messages[1].Status == models.StatusSent
	})
	if snap.Messages[1].Content != "Mock response to Hello, my name is Bob." {
		t.Fatalf("unexpected reply %q", snap.Messages[1].Content)
	}

	waitFor(t, "generated title", func() bool {
		resp := doJSONRequest(t, router, http.MethodGet, "/api/threads", nil)
		var body struct {
			Threads []models.Thread `json:"threads"`
		}
		decodeJSON(t, resp.Body.Bytes(), &body)
		return len(body.Threads) == 1 && body.Threads[0].Title == "Mock Title"
	})

	resp = doJSONRequest(t, router, http.MethodPut, "/api/conversation/draft", map[string]string{"text": "What was my name?"})
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, router, http.MethodPost, "/api/conversation/messages", map[string]any{})
	assertStatus(t, resp, http.StatusAccepted)
	snap = waitForSnapshot(t, router, func(s conversation.Snapshot) bool {
		return !s.IsStreaming && len(s.Messages) == 4 && s.Messages[3].Status == models.StatusSent
	})
	if snap.Draft != "" || snap.Messages[2].Content != "What was my name?" {
		t.Fatalf("draft should have been sent: %+v", snap)
	}

	resp = doJSONRequest(t, router, http.MethodDelete, "/api/conversation/messages/"+snap.Messages[0].ID.String(), nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/conversation", nil)
	var after conversationBody
	decodeJSON(t, resp.Body.Bytes(), &after)
	if len(after.Conversation.Messages) != 3 {
		t.Fatalf("expected 3 messages after delete, got %d", len(after.Conversation.Messages))
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/threads?search=nothing-matches", nil)
	var filtered struct {
		Threads []models.Thread `json:"threads"`
		Search  string          `json:"search"`
	}
	decodeJSON(t, resp.Body.Bytes(), &filtered)
	if len(filtered.Threads) != 0 || filtered.Search != "nothing-matches" {
		t.Fatalf("search should filter threads: %+v", filtered)
	}

	resp = doJSONRequest(t, router, http.MethodDelete, "/api/threads/"+created.Thread.ID.String(), nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/conversation", nil)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/session/logout", nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/session", nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestHandlersRejectBadInput(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodPost, "/api/session/login", map[string]string{"email": " "})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/session/login", map[string]string{"email": "bob@example.com"})
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/threads/not-a-uuid/select", nil)
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, router, http.MethodPost, "/api/threads/6f1c2b1e-8a4d-4c55-9d57-0d6a1b7f2a10/select", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp = doJSONRequest(t, router, http.MethodPost, "/api/conversation/messages", map[string]string{"content": "hi"})
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/threads", nil)
	assertStatus(t, resp, http.StatusCreated)
	resp = doJSONRequest(t, router, http.MethodDelete, "/api/conversation/messages/not-a-uuid", nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

// flushRecorder signals the first flush so tests know the stream started.
type flushRecorder struct {
	*httptest.ResponseRecorder
	mu      sync.Mutex
	flushed chan struct{}
	once    sync.Once
}

func (r *flushRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *flushRecorder) Flush() {
	r.mu.Lock()
	r.ResponseRecorder.Flush()
	r.mu.Unlock()
	r.once.Do(func() { close(r.flushed) })
}

func TestSnapshotStreamEndsWhenThreadDeselected(t *testing.T) {
	router, ctrl := newTestServer(t)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/session/login", map[string]string{"email": "bob@example.com"}), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/threads", nil), http.StatusCreated)

	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder(), flushed: make(chan struct{})}
	req := httptest.NewRequest(http.MethodGet, "/api/conversation/events", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(rec, req)
	}()

	select {
	case <-rec.flushed:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not start")
	}
	ctrl.Deselect()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not end after deselect")
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	if events[0].Name != "snapshot" {
		t.Fatalf("first event should be a snapshot, got %s", events[0].Name)
	}
	if events[len(events)-1].Name != "closed" {
		t.Fatalf("last event should be closed, got %s", events[len(events)-1].Name)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/metrics", nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "threadsync_active_engines") {
		t.Fatalf("metrics output missing engine gauge")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForSnapshot(t *testing.T, router *gin.Engine, cond func(conversation.Snapshot) bool) conversation.Snapshot {
	t.Helper()
	var last conversation.Snapshot
	waitFor(t, "conversation snapshot", func() bool {
		resp := doJSONRequest(t, router, http.MethodGet, "/api/conversation", nil)
		assertStatus(t, resp, http.StatusOK)
		var body conversationBody
		decodeJSON(t, resp.Body.Bytes(), &body)
		last = body.Conversation
		return cond(last)
	})
	return last
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		events = append(events, ev)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
