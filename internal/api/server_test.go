package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hldeng/parley/internal/agent"
	"github.com/hldeng/parley/internal/auth"
	"github.com/hldeng/parley/internal/connwatch"
	"github.com/hldeng/parley/internal/memory"
	"github.com/hldeng/parley/internal/sentiment"
	"github.com/hldeng/parley/internal/usage"

	_ "modernc.org/sqlite"
)

// fakeChatter returns canned responses and records requests.
type fakeChatter struct {
	mu   sync.Mutex
	reqs []agent.Request
	resp *agent.Response
	err  error
}

func (f *fakeChatter) Run(_ context.Context, req *agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, *req)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	if resp.ConversationID == "" {
		resp.ConversationID = req.ConversationID
	}
	return &resp, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, chat Chatter) (*Server, *memory.Store) {
	t.Helper()
	store, err := memory.New(openDB(t), 20, quietLogger())
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return NewServer("127.0.0.1", 0, chat, store, quietLogger()), store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func seed(t *testing.T, store *memory.Store, id, title string) {
	t.Helper()
	_, err := store.Commit(context.Background(), id, title, []memory.Message{
		{Role: memory.RoleUser, Content: "hello"},
		{Role: memory.RoleAssistant, Content: "hi there"},
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestChat(t *testing.T) {
	chat := &fakeChatter{resp: &agent.Response{
		Reply:      "It is sunny in Paris.",
		Sentiment:  sentiment.Neutral,
		Confidence: 0.6,
		Tool:       "get_current_weather",
	}}
	srv, _ := newTestServer(t, chat)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", `{"message":"What's the weather in Paris?","chat_id":"t1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	got := decode[ChatResponse](t, rec)
	if got.Reply != "It is sunny in Paris." {
		t.Errorf("reply = %q", got.Reply)
	}
	if got.ChatID != "t1" {
		t.Errorf("chat_id = %q, want t1", got.ChatID)
	}
	if got.Sentiment != string(sentiment.Neutral) || got.Confidence != 0.6 {
		t.Errorf("sentiment = %q/%v", got.Sentiment, got.Confidence)
	}
	if got.Tool != "get_current_weather" {
		t.Errorf("tool = %q", got.Tool)
	}
	if len(chat.reqs) != 1 || chat.reqs[0].ConversationID != "t1" {
		t.Errorf("agent requests = %+v", chat.reqs)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{
			name:   "malformed body",
			body:   `{"message":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "empty message",
			body:   `{"message":"   "}`,
			err:    &agent.TurnError{Kind: agent.KindEmptyMessage, Message: "message is empty"},
			status: http.StatusBadRequest,
		},
		{
			name:   "provider failure",
			body:   `{"message":"hi"}`,
			err:    &agent.TurnError{Kind: agent.KindProviderFailure, Message: "completion failed", Err: errors.New("503")},
			status: http.StatusInternalServerError,
		},
		{
			name:   "storage failure",
			body:   `{"message":"hi"}`,
			err:    &agent.TurnError{Kind: agent.KindStorage, Message: "commit failed", Err: errors.New("disk full")},
			status: http.StatusInternalServerError,
		},
		{
			name:   "untyped failure",
			body:   `{"message":"hi"}`,
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeChatter{err: tt.err})
			rec := do(t, srv.Handler(), http.MethodPost, "/api/chat", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			body := decode[map[string]string](t, rec)
			if body["error"] == "" {
				t.Error("expected an error message in the body")
			}
		})
	}
}

func TestListAndGetChats(t *testing.T) {
	srv, store := newTestServer(t, &fakeChatter{})
	seed(t, store, "a", "First")
	seed(t, store, "b", "Second")
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/get_chats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get_chats status = %d", rec.Code)
	}
	list := decode[[]chatListEntry](t, rec)
	if len(list) != 2 {
		t.Fatalf("got %d chats, want 2", len(list))
	}
	titles := map[string]string{}
	for _, c := range list {
		titles[c.ID] = c.Title
	}
	if titles["a"] != "First" || titles["b"] != "Second" {
		t.Errorf("titles = %v", titles)
	}

	rec = do(t, h, http.MethodGet, "/api/get_chat/a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get_chat status = %d", rec.Code)
	}
	conv := decode[struct {
		Messages []memory.Message `json:"messages"`
	}](t, rec)
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv.Messages))
	}
	if conv.Messages[0].Role != memory.RoleUser || conv.Messages[1].Role != memory.RoleAssistant {
		t.Errorf("roles = %s, %s", conv.Messages[0].Role, conv.Messages[1].Role)
	}

	rec = do(t, h, http.MethodGet, "/api/get_chat/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing chat status = %d, want 404", rec.Code)
	}
}

func TestListChats_Empty(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})
	rec := do(t, srv.Handler(), http.MethodGet, "/api/get_chats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestDeleteChat(t *testing.T) {
	srv, store := newTestServer(t, &fakeChatter{})
	seed(t, store, "a", "First")
	h := srv.Handler()

	rec := do(t, h, http.MethodDelete, "/api/delete_chat/a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := store.Get(context.Background(), "a"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("after delete Get error = %v, want ErrNotFound", err)
	}

	rec = do(t, h, http.MethodDelete, "/api/delete_chat/a", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestRenameChat(t *testing.T) {
	srv, store := newTestServer(t, &fakeChatter{})
	seed(t, store, "a", "First")
	h := srv.Handler()

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"renamed", "/api/rename_chat/a", `{"title":"Trip planning"}`, http.StatusOK},
		{"empty title", "/api/rename_chat/a", `{"title":""}`, http.StatusBadRequest},
		{"blank title", "/api/rename_chat/a", `{"title":"   "}`, http.StatusBadRequest},
		{"malformed", "/api/rename_chat/a", `nope`, http.StatusBadRequest},
		{"missing chat", "/api/rename_chat/zzz", `{"title":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	conv, err := store.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Title != "Trip planning" {
		t.Errorf("title = %q, want Trip planning", conv.Title)
	}
}

func TestToolCallsEndpoint(t *testing.T) {
	srv, store := newTestServer(t, &fakeChatter{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := store.Commit(ctx, id, "Weather",
			[]memory.Message{{Role: memory.RoleUser, Content: "weather?"}, {Role: memory.RoleAssistant, Content: "Sunny"}},
			memory.ToolCallRecord{
				ToolName:  "get_current_weather",
				Arguments: `{"location":"Paris"}`,
				Result:    "Sunny",
				StartedAt: time.Now(),
			})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/tool_calls?chat_id=a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[struct {
		Count int                     `json:"count"`
		Calls []memory.ToolCallRecord `json:"tool_calls"`
	}](t, rec)
	if got.Count != 1 || got.Calls[0].ConversationID != "a" {
		t.Errorf("tool calls = %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/api/tool_stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	stats := decode[memory.ToolCallStats](t, rec)
	if stats.Total != 2 || stats.ByTool["get_current_weather"] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/usage", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without ledger status = %d, want 503", rec.Code)
	}

	ledger, err := usage.New(openDB(t))
	if err != nil {
		t.Fatalf("usage.New: %v", err)
	}
	ctx := context.Background()
	recent := time.Now().Add(-time.Hour)
	for _, r := range []usage.Record{
		{Timestamp: recent, Model: "gpt-4o-mini", InputTokens: 100, OutputTokens: 20, Phase: usage.PhaseFirst},
		{Timestamp: recent, Model: "gpt-4o-mini", InputTokens: 150, OutputTokens: 40, Phase: usage.PhaseSecond},
		{Timestamp: time.Now().Add(-72 * time.Hour), Model: "llama3", InputTokens: 999, OutputTokens: 999, Phase: usage.PhaseFirst},
	} {
		if err := ledger.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	srv.SetUsageStore(ledger)
	h = srv.Handler()

	rec = do(t, h, http.MethodGet, "/api/usage?since=24h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decode[struct {
		Total   usage.Summary            `json:"total"`
		ByModel map[string]usage.Summary `json:"by_model"`
		ByPhase map[string]usage.Summary `json:"by_phase"`
	}](t, rec)
	if got.Total.TotalRecords != 2 || got.Total.TotalInputTokens != 250 || got.Total.TotalOutputTokens != 60 {
		t.Errorf("total = %+v", got.Total)
	}
	if _, ok := got.ByModel["llama3"]; ok {
		t.Error("record outside the window was counted")
	}
	if got.ByPhase[usage.PhaseSecond].TotalInputTokens != 150 {
		t.Errorf("by_phase = %+v", got.ByPhase)
	}

	rec = do(t, h, http.MethodGet, "/api/usage?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rec.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("version status = %d", rec.Code)
	}
	info := decode[map[string]string](t, rec)
	if info["version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

type fakeHealth struct {
	statuses map[string]connwatch.Status
}

func (f fakeHealth) Status() map[string]connwatch.Status { return f.statuses }

func (f fakeHealth) Healthy() bool {
	for _, st := range f.statuses {
		if st.Checked && !st.Ready {
			return false
		}
	}
	return true
}

func TestHealth_ReportsProviders(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	srv.SetHealth(fakeHealth{statuses: map[string]connwatch.Status{
		"llm": {Name: "llm", Ready: true, Checked: true},
	}})
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[struct {
		Status   string                      `json:"status"`
		Services map[string]connwatch.Status `json:"services"`
	}](t, rec)
	if body.Status != "healthy" || !body.Services["llm"].Ready {
		t.Errorf("body = %+v", body)
	}

	srv.SetHealth(fakeHealth{statuses: map[string]connwatch.Status{
		"llm": {Name: "llm", Checked: true, LastError: "connection refused"},
	}})
	rec = do(t, srv.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuthGate(t *testing.T) {
	chat := &fakeChatter{resp: &agent.Response{Reply: "hi", Sentiment: sentiment.Positive, Confidence: 0.9}}
	srv, _ := newTestServer(t, chat)
	gate, err := auth.NewGate(auth.Config{
		Password: "hunter2",
		Secret:   "test-secret-at-least-16-bytes",
		TTL:      time.Hour,
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	srv.SetGate(gate)
	h := srv.Handler()

	// Locked out before login.
	rec := do(t, h, http.MethodPost, "/api/chat", `{"message":"hello"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	if len(chat.reqs) != 0 {
		t.Fatal("agent ran for an unauthenticated request")
	}

	// Health and version stay open.
	for _, path := range []string{"/health", "/api/version"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}

	rec = do(t, h, http.MethodPost, "/login", `{"password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/login", `{"password":"hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{"message":"hello"}`)))
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated chat status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/logout", "")
	if rec.Code != http.StatusOK {
		t.Errorf("logout status = %d", rec.Code)
	}
}

func TestWithLogging_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	srv := NewServer("", 0, &fakeChatter{}, nil, slog.New(slog.NewTextHandler(&buf, nil)))
	h := srv.withLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if !strings.Contains(buf.String(), "status=418") {
		t.Errorf("log line missing status: %s", buf.String())
	}
}

func TestStartShutdown(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(context.Background()) }()

	// Shutdown may land before or after ListenAndServe; Start must
	// report ErrServerClosed either way.
	time.Sleep(10 * time.Millisecond)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start returned %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}

	if err := srv.Start(context.Background()); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrServerClosed", err)
	}
}
