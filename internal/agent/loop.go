// Package agent implements the conversation orchestrator: one user
// utterance in, one assistant reply out, with at most one tool call in
// between and a single atomic store commit at the end.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hldeng/parley/internal/llm"
	"github.com/hldeng/parley/internal/memory"
	"github.com/hldeng/parley/internal/prompts"
	"github.com/hldeng/parley/internal/sentiment"
	"github.com/hldeng/parley/internal/tools"
	"github.com/hldeng/parley/internal/usage"
)

// ConversationStore is the subset of the memory store the loop needs.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*memory.Conversation, error)
	Commit(ctx context.Context, id, title string, msgs []memory.Message, calls ...memory.ToolCallRecord) (bool, error)
}

// UsageRecorder persists token usage. Failures are logged, never fatal.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Title modes.
const (
	TitleTruncate  = "truncate"
	TitleSummarize = "summarize"
)

// Config tunes a Loop. Zero values select defaults.
type Config struct {
	Model              string
	SentimentThreshold float64
	TitleMode          string
	TitleMaxChars      int
	// CompletionTimeout bounds each completion call.
	CompletionTimeout time.Duration
}

// Request is one user utterance.
type Request struct {
	ConversationID string `json:"chat_id"`
	Message        string `json:"message"`
}

// Response is the outcome of a successful turn.
type Response struct {
	Reply          string          `json:"reply"`
	Sentiment      sentiment.Label `json:"sentiment"`
	Confidence     float64         `json:"confidence"`
	ConversationID string          `json:"chat_id"`
	Tool           string          `json:"tool,omitempty"` // tool the model called, if any
	RequestID      string          `json:"request_id"`
	Created        bool            `json:"-"`
}

// Loop is the conversation orchestrator.
type Loop struct {
	logger     *slog.Logger
	store      ConversationStore
	llm        llm.Client
	registry   *tools.Registry
	executor   *tools.Executor
	classifier *sentiment.Classifier
	usage      UsageRecorder
	cfg        Config
}

// NewLoop creates a new orchestrator.
func NewLoop(logger *slog.Logger, store ConversationStore, client llm.Client, registry *tools.Registry, executor *tools.Executor, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SentimentThreshold == 0 {
		cfg.SentimentThreshold = sentiment.DefaultThreshold
	}
	if cfg.TitleMode == "" {
		cfg.TitleMode = TitleTruncate
	}
	if cfg.TitleMaxChars <= 0 {
		cfg.TitleMaxChars = 40
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 30 * time.Second
	}
	return &Loop{
		logger:     logger,
		store:      store,
		llm:        client,
		registry:   registry,
		executor:   executor,
		classifier: sentiment.NewClassifier(),
		cfg:        cfg,
	}
}

// SetUsageRecorder enables token usage recording.
func (l *Loop) SetUsageRecorder(u UsageRecorder) {
	l.usage = u
}

// turn carries per-turn identifiers through the helpers.
type turn struct {
	requestID string
	convID    string
	log       *slog.Logger
}

// Run executes one turn. Errors are *TurnError; on error nothing was
// persisted. Tool failures caused by the model's own request are not
// errors: the reply is an apology and the turn is persisted.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	// Received
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, &TurnError{Kind: KindEmptyMessage, Message: "message is empty"}
	}

	t := &turn{requestID: uuid.Must(uuid.NewV7()).String(), convID: req.ConversationID}
	if t.convID == "" {
		t.convID = uuid.NewString()
	}
	t.log = l.logger.With("request_id", t.requestID, "conversation", t.convID)
	started := time.Now()

	// Prepared
	var history []memory.Message
	fresh := false
	conv, err := l.store.Get(ctx, t.convID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		fresh = true
	case err != nil:
		return nil, &TurnError{Kind: KindStorage, Message: "load conversation", Err: err}
	default:
		history = conv.Messages
	}

	sent := l.classifier.Classify(text)
	messages := l.assemble(history, text, sent)
	defs := l.registry.Definitions()

	t.log.Info("turn started",
		"history", len(history),
		"sentiment", sent.Label,
		"confidence", sent.Confidence,
		"tools", len(defs),
	)

	// AwaitingFirstCompletion
	first, err := l.complete(ctx, t, usage.PhaseFirst, messages, defs)
	if err != nil {
		return nil, err
	}

	userMsg := memory.Message{
		Role:      memory.RoleUser,
		Content:   text,
		Sentiment: &memory.Sentiment{Label: string(sent.Label), Confidence: sent.Confidence},
	}
	appended := []memory.Message{userMsg}
	var records []memory.ToolCallRecord
	var reply, toolName string

	if !first.HasToolCalls() {
		reply = first.Message.Content
	} else {
		// ToolRequested
		call := first.Message.ToolCalls[0]
		if n := len(first.Message.ToolCalls); n > 1 {
			t.log.Warn("model requested several tools, using the first", "count", n, "tool", call.Function.Name)
		}
		toolName = call.Function.Name

		res, err := l.runTool(ctx, t, call)
		if err != nil {
			return nil, err
		}
		if res.record != nil {
			records = append(records, *res.record)
		}

		if res.apology != "" {
			reply = res.apology
		} else {
			// AwaitingSecondCompletion
			assistantCall := llm.Message{
				Role:      llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{ID: res.callID, Function: llm.FunctionCall{Name: call.Function.Name, Arguments: res.arguments}}},
			}
			toolResult := llm.Message{
				Role:       llm.RoleTool,
				Content:    res.output,
				ToolCallID: res.callID,
				Name:       call.Function.Name,
			}
			followUp := append(slices.Clone(messages), assistantCall, toolResult)

			second, err := l.complete(ctx, t, usage.PhaseSecond, followUp, nil)
			if err != nil {
				return nil, err
			}
			reply = second.Message.Content

			appended = append(appended,
				memory.Message{
					Role:     memory.RoleAssistant,
					ToolCall: &memory.ToolCall{ID: res.callID, Name: call.Function.Name, Arguments: res.arguments},
				},
				memory.Message{
					Role:       memory.RoleTool,
					Content:    res.output,
					ToolName:   call.Function.Name,
					ToolCallID: res.callID,
				},
			)
		}
	}

	if strings.TrimSpace(reply) == "" {
		t.log.Warn("model returned empty reply, using fallback")
		reply = prompts.EmptyResponseFallback
	}
	reply = strings.TrimSpace(reply)
	appended = append(appended, memory.Message{Role: memory.RoleAssistant, Content: reply})

	// Finalizing
	// Commit only uses the title when the row is missing. A conversation
	// deleted while this turn was waiting on the model is recreated
	// titled after this turn's message.
	title := truncateTitle(text, l.cfg.TitleMaxChars)
	if fresh {
		title = l.title(ctx, t, text)
	}

	// A turn whose completions finished is committed even if the caller
	// has gone away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	created, err := l.store.Commit(commitCtx, t.convID, title, appended, records...)
	if err != nil {
		return nil, &TurnError{Kind: KindStorage, Message: "commit turn", Err: err}
	}

	t.log.Info("turn completed",
		"appended", len(appended),
		"tool", toolName,
		"created", created,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)

	return &Response{
		Reply:          reply,
		Sentiment:      sent.Label,
		Confidence:     sent.Confidence,
		ConversationID: t.convID,
		Tool:           toolName,
		RequestID:      t.requestID,
		Created:        created,
	}, nil
}

// assemble builds the completion context: system prompt, stored
// history, the transient comfort instruction and the user message.
func (l *Loop) assemble(history []memory.Message, text string, sent sentiment.Result) []llm.Message {
	system := prompts.BaseSystemPrompt()
	if len(history) > 0 && history[0].Role == memory.RoleSystem {
		system = history[0].Content
		history = history[1:]
	}

	out := make([]llm.Message, 0, len(history)+3)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		out = append(out, toLLMMessage(m))
	}
	if sent.NeedsComfort(l.cfg.SentimentThreshold) {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompts.ComfortInstruction})
	}
	out = append(out, llm.Message{Role: llm.RoleUser, Content: text})
	return out
}

func toLLMMessage(m memory.Message) llm.Message {
	out := llm.Message{Role: m.Role, Content: m.Content}
	switch m.Role {
	case memory.RoleAssistant:
		if m.ToolCall != nil {
			out.ToolCalls = []llm.ToolCall{{
				ID:       m.ToolCall.ID,
				Function: llm.FunctionCall{Name: m.ToolCall.Name, Arguments: m.ToolCall.Arguments},
			}}
		}
	case memory.RoleTool:
		out.ToolCallID = m.ToolCallID
		out.Name = m.ToolName
	}
	return out
}

// complete runs one completion under the configured timeout and
// records its token usage.
func (l *Loop) complete(ctx context.Context, t *turn, phase string, messages []llm.Message, defs []llm.ToolDefinition) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	resp, err := l.llm.Chat(ctx, l.cfg.Model, messages, defs)
	if err != nil {
		t.log.Error("completion failed", "phase", phase, "error", err)
		return nil, &TurnError{Kind: KindProviderFailure, Message: "completion failed", Err: err}
	}

	t.log.Debug("completion finished",
		"phase", phase,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	l.recordUsage(ctx, t, phase, resp)
	return resp, nil
}

func (l *Loop) recordUsage(ctx context.Context, t *turn, phase string, resp *llm.ChatResponse) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.cfg.Model
	}
	err := l.usage.Record(context.WithoutCancel(ctx), usage.Record{
		RequestID:      t.requestID,
		ConversationID: t.convID,
		Model:          model,
		Provider:       l.llm.Provider(),
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		Phase:          phase,
	})
	if err != nil {
		t.log.Warn("failed to record usage", "phase", phase, "error", err)
	}
}

// toolOutcome is the result of handling one tool call. Exactly one of
// output and apology is set.
type toolOutcome struct {
	callID    string
	arguments string // credential-free JSON
	output    string
	apology   string
	record    *memory.ToolCallRecord
}

// runTool parses and executes a tool call. Errors caused by the
// model's request become an apology; provider failures abort the turn.
func (l *Loop) runTool(ctx context.Context, t *turn, call llm.ToolCall) (*toolOutcome, error) {
	name := call.Function.Name
	out := &toolOutcome{callID: call.ID}
	if out.callID == "" {
		out.callID = "call_" + uuid.NewString()
	}

	args, err := parseArguments(call.Function.Arguments)
	if err != nil {
		t.log.Warn("tool call arguments unusable", "tool", name, "error", err)
		out.apology = prompts.ToolApology(name)
		return out, nil
	}

	public, redacted := l.registry.Redact(name, args)
	out.arguments = call.Function.Arguments
	if redacted || strings.TrimSpace(out.arguments) == "" {
		b, _ := json.Marshal(public)
		out.arguments = string(b)
	}

	ctx = tools.WithConversationID(ctx, t.convID)
	ctx = tools.WithRequestID(ctx, t.requestID)

	start := time.Now()
	result, err := l.executor.Execute(ctx, name, args)
	rec := &memory.ToolCallRecord{
		ToolName:  name,
		Arguments: out.arguments,
		StartedAt: start,
		Duration:  time.Since(start),
	}

	if err == nil {
		rec.Result = result
		out.output = result
		out.record = rec
		return out, nil
	}

	var execErr *tools.ExecutionError
	if errors.As(err, &execErr) && execErr.Kind != tools.KindProviderFailure {
		rec.Error = err.Error()
		out.record = rec
		if execErr.Kind == tools.KindUnknownTool {
			out.apology = prompts.ToolApology("")
		} else {
			out.apology = prompts.ToolApology(name)
		}
		t.log.Warn("tool call rejected", "tool", name, "kind", execErr.Kind.String(), "error", err)
		return out, nil
	}

	return nil, &TurnError{Kind: KindProviderFailure, Message: fmt.Sprintf("tool %s failed", name), Err: err}
}

// parseArguments decodes the model's argument text. Blank text is an
// empty object; anything else must be a JSON object.
func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolArgumentParse, err)
	}
	if args == nil {
		return nil, fmt.Errorf("%w: null", ErrToolArgumentParse)
	}
	return args, nil
}
