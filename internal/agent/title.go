package agent

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/hldeng/parley/internal/llm"
	"github.com/hldeng/parley/internal/prompts"
	"github.com/hldeng/parley/internal/usage"
)

// title derives a new conversation's title from its first message.
// Summarize mode asks the model; any failure falls back to truncation.
func (l *Loop) title(ctx context.Context, t *turn, text string) string {
	if l.cfg.TitleMode != TitleSummarize {
		return truncateTitle(text, l.cfg.TitleMaxChars)
	}

	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompts.TitlePrompt(l.cfg.TitleMaxChars, text)}}
	resp, err := l.complete(ctx, t, usage.PhaseTitle, msgs, nil)
	if err != nil {
		t.log.Warn("title summary failed, truncating instead", "error", err)
		return truncateTitle(text, l.cfg.TitleMaxChars)
	}

	title := strings.Trim(strings.TrimSpace(resp.Message.Content), "\"'`.")
	if title == "" {
		return truncateTitle(text, l.cfg.TitleMaxChars)
	}
	return truncateTitle(title, l.cfg.TitleMaxChars)
}

// truncateTitle collapses whitespace and cuts s to max runes, marking
// the cut with an ellipsis.
func truncateTitle(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
