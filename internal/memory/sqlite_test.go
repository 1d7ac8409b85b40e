package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Each :memory: connection is its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, limit, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func userMsg(content string) Message      { return Message{Role: RoleUser, Content: content} }
func assistantMsg(content string) Message { return Message{Role: RoleAssistant, Content: content} }

func TestCreateGet(t *testing.T) {
	s := setupTestStore(t, 20)
	ctx := context.Background()

	conv, err := s.Create(ctx, "c1", "Greeting")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conv.Title != "Greeting" || len(conv.Messages) != 0 {
		t.Errorf("created = %+v", conv)
	}

	if _, err := s.Create(ctx, "c1", "Again"); !errors.Is(err, ErrExists) {
		t.Errorf("second Create error = %v, want ErrExists", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Greeting" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.Messages == nil {
		t.Error("Messages should be an empty slice, not nil")
	}
}

func TestNotFound(t *testing.T) {
	s := setupTestStore(t, 20)
	ctx := context.Background()

	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if err := s.Append(ctx, "ghost", userMsg("hi")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Append error = %v, want ErrNotFound", err)
	}
	if err := s.Rename(ctx, "ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete error = %v, want ErrNotFound", err)
	}
}

func TestAppend_RoundTripOrder(t *testing.T) {
	s := setupTestStore(t, 50)
	ctx := context.Background()

	if _, err := s.Create(ctx, "c1", "t"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	frozen := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	want := []Message{
		{Role: RoleUser, Content: "weather in Paris?", Sentiment: &Sentiment{Label: "NEUTRAL", Confidence: 1}},
		{Role: RoleAssistant, ToolCall: &ToolCall{ID: "call_1", Name: "get_current_weather", Arguments: `{"location":"Paris"}`}},
		{Role: RoleTool, Content: "Paris: 18°C", ToolName: "get_current_weather", ToolCallID: "call_1"},
		{Role: RoleAssistant, Content: "It is 18°C in Paris."},
	}
	if err := s.Append(ctx, "c1", want[:2]...); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "c1", want[2:]...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	conv, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(conv.Messages) != len(want) {
		t.Fatalf("got %d messages, want %d", len(conv.Messages), len(want))
	}
	for i, m := range conv.Messages {
		w := want[i]
		if m.Role != w.Role || m.Content != w.Content || m.ToolName != w.ToolName || m.ToolCallID != w.ToolCallID {
			t.Errorf("message %d = %+v, want %+v", i, m, w)
		}
		if m.ID == "" {
			t.Errorf("message %d has no ID", i)
		}
		if !m.CreatedAt.Equal(frozen) {
			t.Errorf("message %d CreatedAt = %v, want %v", i, m.CreatedAt, frozen)
		}
	}
	if tc := conv.Messages[1].ToolCall; tc == nil || tc.Name != "get_current_weather" || tc.Arguments != `{"location":"Paris"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if sent := conv.Messages[0].Sentiment; sent == nil || sent.Label != "NEUTRAL" || sent.Confidence != 1 {
		t.Errorf("sentiment = %+v", sent)
	}
}

func TestHistoryCap(t *testing.T) {
	const limit = 6
	s := setupTestStore(t, limit)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.Commit(ctx, "c1", "t", []Message{
			userMsg(fmt.Sprintf("u%d", i)),
			assistantMsg(fmt.Sprintf("a%d", i)),
		}); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}

		conv, err := s.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(conv.Messages) > limit {
			t.Fatalf("after turn %d: %d messages exceed cap %d", i, len(conv.Messages), limit)
		}
	}

	conv, _ := s.Get(ctx, "c1")
	wantContents := []string{"u7", "a7", "u8", "a8", "u9", "a9"}
	for i, m := range conv.Messages {
		if m.Content != wantContents[i] {
			t.Errorf("message %d = %q, want %q (oldest dropped first)", i, m.Content, wantContents[i])
		}
	}
}

func TestHistoryCap_KeepsLeadingSystem(t *testing.T) {
	s := setupTestStore(t, 4)
	ctx := context.Background()

	if _, err := s.Commit(ctx, "c1", "t", []Message{{Role: RoleSystem, Content: "be terse"}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Commit(ctx, "c1", "t", []Message{userMsg(fmt.Sprintf("u%d", i)), assistantMsg(fmt.Sprintf("a%d", i))}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	conv, _ := s.Get(ctx, "c1")
	if len(conv.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(conv.Messages))
	}
	if conv.Messages[0].Role != RoleSystem {
		t.Errorf("leading system message was trimmed: %+v", conv.Messages[0])
	}
	if conv.Messages[1].Content != "a1" {
		t.Errorf("messages[1] = %q, want a1", conv.Messages[1].Content)
	}
}

func TestHistoryCap_DropsOrphanedToolResult(t *testing.T) {
	s := setupTestStore(t, 4)
	ctx := context.Background()

	turn := []Message{
		userMsg("weather?"),
		{Role: RoleAssistant, ToolCall: &ToolCall{ID: "call_1", Name: "get_current_weather", Arguments: `{}`}},
		{Role: RoleTool, Content: "sunny", ToolName: "get_current_weather", ToolCallID: "call_1"},
		assistantMsg("It is sunny."),
	}
	if _, err := s.Commit(ctx, "c1", "t", turn); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Two more messages push out the user message and the tool call,
	// which would leave the tool result first.
	if _, err := s.Commit(ctx, "c1", "t", []Message{userMsg("thanks"), assistantMsg("welcome")}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	conv, _ := s.Get(ctx, "c1")
	for _, m := range conv.Messages {
		if m.Role == RoleTool {
			t.Errorf("orphaned tool result kept: %+v", m)
		}
	}
	if conv.Messages[0].Content != "It is sunny." {
		t.Errorf("first message = %+v", conv.Messages[0])
	}
}

func TestCommit_CreatesOnceAndKeepsTitle(t *testing.T) {
	s := setupTestStore(t, 20)
	ctx := context.Background()

	created, err := s.Commit(ctx, "c1", "First title", []Message{userMsg("hi"), assistantMsg("hello")})
	if err != nil || !created {
		t.Fatalf("first Commit created=%v err=%v", created, err)
	}
	created, err = s.Commit(ctx, "c1", "Second title", []Message{userMsg("again"), assistantMsg("yes")})
	if err != nil || created {
		t.Fatalf("second Commit created=%v err=%v", created, err)
	}

	conv, _ := s.Get(ctx, "c1")
	if conv.Title != "First title" {
		t.Errorf("Title = %q, want the title from creation", conv.Title)
	}
	if len(conv.Messages) != 4 {
		t.Errorf("got %d messages, want 4", len(conv.Messages))
	}
}

func TestCommit_CanceledContextLeavesNothing(t *testing.T) {
	s := setupTestStore(t, 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Commit(ctx, "c1", "t", []Message{userMsg("hi")}); err == nil {
		t.Fatal("Commit with canceled context should fail")
	}
	if _, err := s.Get(context.Background(), "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failed commit = %v, want ErrNotFound", err)
	}
}

func TestRenameDeleteList(t *testing.T) {
	s := setupTestStore(t, 20)
	ctx := context.Background()

	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Commit(ctx, id, "title "+id, []Message{userMsg("hi")}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	if err := s.Rename(ctx, "a", "renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d, want 2", len(list))
	}
	if list[0].ID != "a" || list[0].Title != "renamed" {
		t.Errorf("list[0] = %+v, want renamed a (most recently updated)", list[0])
	}
	if list[1].ID != "c" {
		t.Errorf("list[1] = %+v, want c", list[1])
	}

	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted conversation still readable: %v", err)
	}
}

func TestConcurrentCommits_SameID(t *testing.T) {
	s := setupTestStore(t, 1000)
	ctx := context.Background()

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Commit(ctx, "shared", "t", []Message{
				userMsg(fmt.Sprintf("u%d", i)),
				assistantMsg(fmt.Sprintf("a%d", i)),
			}); err != nil {
				t.Errorf("Commit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	conv, err := s.Get(ctx, "shared")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(conv.Messages) != 2*turns {
		t.Fatalf("got %d messages, want %d", len(conv.Messages), 2*turns)
	}
	// Each turn's pair must be adjacent: turns never interleave.
	for i := 0; i < len(conv.Messages); i += 2 {
		u, a := conv.Messages[i], conv.Messages[i+1]
		if u.Role != RoleUser || a.Role != RoleAssistant || u.Content[1:] != a.Content[1:] {
			t.Errorf("interleaved turn at %d: %q then %q", i, u.Content, a.Content)
		}
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	if len(k.locks) != 0 {
		t.Errorf("lock entry not released: %d left", len(k.locks))
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
