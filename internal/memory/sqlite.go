package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultHistoryLimit is the default number of messages kept per
// conversation.
const DefaultHistoryLimit = 20

// Timestamps are stored as fixed-width UTC text so that they sort
// lexically and read back identically under every driver.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// Store is a SQLite-backed conversation store. Every operation on a
// conversation id holds that id's lock; distinct ids never contend.
type Store struct {
	db           *sql.DB
	historyLimit int
	locks        *keyedMutex
	logger       *slog.Logger
	now          func() time.Time
}

// Open opens (or creates) the SQLite database at path.
func Open(path string, historyLimit int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db, historyLimit, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a store on an existing database handle and applies the
// schema.
func New(db *sql.DB, historyLimit int, logger *slog.Logger) (*Store, error) {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:           db,
		historyLimit: historyLimit,
		locks:        newKeyedMutex(),
		logger:       logger,
		now:          time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	-- seq fixes insertion order independently of clock resolution
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call TEXT,
		tool_name TEXT,
		tool_call_id TEXT,
		sentiment_label TEXT,
		sentiment_confidence REAL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		duration_ms INTEGER,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a conversation with its messages in chronological order.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, err := s.getConversation(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	conv.Messages, err = s.getMessages(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// List returns all conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var created, updated string
		if err := rows.Scan(&sum.ID, &sum.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.CreatedAt = parseTime(created)
		sum.UpdatedAt = parseTime(updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Create makes an empty conversation. It returns ErrExists if id is
// already in use.
func (s *Store) Create(ctx context.Context, id, title string) (*Conversation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id, title, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrExists
	}
	return &Conversation{
		ID:        id,
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}, nil
}

// Append adds messages to an existing conversation and enforces the
// history cap, all in one transaction.
func (s *Store) Append(ctx context.Context, id string, msgs ...Message) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getConversation(ctx, tx, id); err != nil {
			return err
		}
		return s.appendTx(ctx, tx, id, msgs)
	})
}

// Commit applies one completed turn: it creates the conversation with
// title if it does not exist, appends msgs, records tool calls and
// trims history, atomically. It reports whether the conversation was
// created.
func (s *Store) Commit(ctx context.Context, id, title string, msgs []Message, calls ...ToolCallRecord) (created bool, err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversations (id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?)
		`, id, title, now, now)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = true
		}

		if err := s.appendTx(ctx, tx, id, msgs); err != nil {
			return err
		}
		for _, c := range calls {
			c.ConversationID = id
			if err := insertToolCall(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// Rename sets a conversation's title.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`, title, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a conversation, its messages and its tool call records.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_calls WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete tool calls: %w", err)
		}
		return nil
	})
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	var conv Conversation
	var created, updated string
	err := q.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	return &conv, nil
}

func (s *Store) getMessages(ctx context.Context, q queryer, id string) ([]Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, role, content, tool_call, tool_name, tool_call_id,
		       sentiment_label, sentiment_confidence, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		var toolCall, toolName, toolCallID, label sql.NullString
		var confidence sql.NullFloat64
		var created string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCall, &toolName, &toolCallID,
			&label, &confidence, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCall.Valid && toolCall.String != "" {
			var tc ToolCall
			if err := json.Unmarshal([]byte(toolCall.String), &tc); err != nil {
				return nil, fmt.Errorf("decode tool call of message %s: %w", m.ID, err)
			}
			m.ToolCall = &tc
		}
		m.ToolName = toolName.String
		m.ToolCallID = toolCallID.String
		if label.Valid {
			m.Sentiment = &Sentiment{Label: label.String, Confidence: confidence.Float64}
		}
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, id string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := s.now()
	for _, m := range msgs {
		if m.ID == "" {
			msgID, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("message id: %w", err)
			}
			m.ID = msgID.String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}

		var toolCall, label any
		var confidence any
		if m.ToolCall != nil {
			raw, err := json.Marshal(m.ToolCall)
			if err != nil {
				return fmt.Errorf("encode tool call: %w", err)
			}
			toolCall = string(raw)
		}
		if m.Sentiment != nil {
			label = m.Sentiment.Label
			confidence = m.Sentiment.Confidence
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, tool_call, tool_name,
				tool_call_id, sentiment_label, sentiment_confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, id, m.Role, m.Content, toolCall, nullString(m.ToolName),
			nullString(m.ToolCallID), label, confidence, formatTime(m.CreatedAt)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, formatTime(now), id); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	return s.trimTx(ctx, tx, id)
}

// trimTx enforces the history cap. The oldest messages go first, except
// a leading system message, which is kept. A tool result left at the
// front without the assistant message that requested it is dropped too.
func (s *Store) trimTx(ctx context.Context, tx *sql.Tx, id string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, role FROM messages WHERE conversation_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	type entry struct {
		seq  int64
		role string
	}
	var all []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.seq, &e.role); err != nil {
			rows.Close()
			return fmt.Errorf("trim: scan: %w", err)
		}
		all = append(all, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("trim: %w", err)
	}

	start := 0
	if len(all) > 0 && all[0].role == RoleSystem {
		start = 1
	}
	body := all[start:]
	drop := 0
	for drop < len(body) && (start+len(body)-drop > s.historyLimit || body[drop].role == RoleTool) {
		drop++
	}
	if drop == 0 {
		return nil
	}

	cutoff := body[drop-1].seq
	lower := int64(-1)
	if start == 1 {
		lower = all[0].seq
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND seq > ? AND seq <= ?
	`, id, lower, cutoff)
	if err != nil {
		return fmt.Errorf("trim: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("trimmed conversation history", "conversation", id, "dropped", n, "limit", s.historyLimit)
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
