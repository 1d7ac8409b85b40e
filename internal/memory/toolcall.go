package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolCallRecord is a recorded tool invocation. Arguments never hold
// credentials; the executor injects those after recording.
type ToolCallRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ToolName       string        `json:"tool_name"`
	Arguments      string        `json:"arguments"`
	Result         string        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"-"`
	DurationMs     int64         `json:"duration_ms"`
}

const insertToolCallSQL = `
	INSERT INTO tool_calls (id, conversation_id, tool_name, arguments, result, error, started_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

func insertToolCall(ctx context.Context, tx *sql.Tx, rec ToolCallRecord) error {
	if _, err := tx.ExecContext(ctx, insertToolCallSQL, toolCallArgs(rec)...); err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

func toolCallArgs(rec ToolCallRecord) []any {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	return []any{
		rec.ID, rec.ConversationID, rec.ToolName, rec.Arguments,
		nullString(rec.Result), nullString(rec.Error),
		formatTime(rec.StartedAt), rec.Duration.Milliseconds(),
	}
}

// ToolCalls returns recent tool calls, newest first. An empty
// conversationID returns calls across all conversations.
func (s *Store) ToolCalls(ctx context.Context, conversationID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000 // Cap to prevent memory exhaustion
	}

	var rows *sql.Rows
	var err error
	if conversationID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, tool_name, arguments, result, error, started_at, duration_ms
			FROM tool_calls
			WHERE conversation_id = ?
			ORDER BY started_at DESC
			LIMIT ?
		`, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, tool_name, arguments, result, error, started_at, duration_ms
			FROM tool_calls
			ORDER BY started_at DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	calls := []ToolCallRecord{}
	for rows.Next() {
		var tc ToolCallRecord
		var result, errMsg sql.NullString
		var started string
		var durationMs sql.NullInt64

		if err := rows.Scan(&tc.ID, &tc.ConversationID, &tc.ToolName, &tc.Arguments,
			&result, &errMsg, &started, &durationMs); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Result = result.String
		tc.Error = errMsg.String
		tc.StartedAt = parseTime(started)
		tc.DurationMs = durationMs.Int64
		tc.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// ToolCallStats summarizes tool usage across all conversations.
type ToolCallStats struct {
	Total         int            `json:"total_calls"`
	ByTool        map[string]int `json:"by_tool"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	ErrorRate     float64        `json:"error_rate"`
}

// Stats returns tool usage statistics.
func (s *Store) Stats(ctx context.Context) (*ToolCallStats, error) {
	stats := &ToolCallStats{ByTool: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_calls`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tool calls: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tool_name, COUNT(*) FROM tool_calls GROUP BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("group tool calls: %w", err)
	}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tool stats: %w", err)
		}
		stats.ByTool[name] = count
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(duration_ms), 0) FROM tool_calls`).Scan(&stats.AvgDurationMs); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}

	var failed int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_calls WHERE error IS NOT NULL AND error != ''`).Scan(&failed); err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}
	if stats.Total > 0 {
		stats.ErrorRate = float64(failed) / float64(stats.Total)
	}
	return stats, nil
}
