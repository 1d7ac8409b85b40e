package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hldeng/parley/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. A nil httpClient gets
// the shared httpkit client with its default timeout.
func NewOllamaClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("provider", "ollama"),
	}
}

// Provider implements Client.
func (c *OllamaClient) Provider() string { return "ollama" }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

// Ollama returns tool arguments as an object, not a string.
type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: make([]ollamaMessage, 0, len(messages)),
	}
	for _, m := range messages {
		om, err := toOllamaMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, om)
	}
	validTools := make(map[string]bool, len(tools))
	for _, t := range tools {
		req.Tools = append(req.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
		validTools[t.Name] = true
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "completion request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Message: "request failed", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    httpkit.ReadErrorBody(resp.Body, 1024),
		}
	}

	var chatResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &ProviderError{Provider: "ollama", Message: "decode response", Err: err}
	}

	out := &ChatResponse{
		Model:        chatResp.Model,
		FinishReason: chatResp.DoneReason,
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
		Message: Message{
			Role:    RoleAssistant,
			Content: chatResp.Message.Content,
		},
	}

	calls := chatResp.Message.ToolCalls
	// Some models emit tool calls as JSON in the content instead of the
	// native field.
	if len(calls) == 0 && len(validTools) > 0 && chatResp.Message.Content != "" {
		if parsed := parseTextToolCalls(chatResp.Message.Content, validTools); len(parsed) > 0 {
			calls = parsed
			out.Message.Content = ""
		}
	}
	for _, tc := range calls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return nil, &ProviderError{Provider: "ollama", Message: "encode tool arguments", Err: err}
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID: "call_" + uuid.NewString(),
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(args),
			},
		})
	}

	c.logger.Log(ctx, LevelTrace, "completion response",
		"model", out.Model,
		"content", out.Message.Content,
		"tool_calls", len(out.Message.ToolCalls),
	)

	return out, nil
}

func toOllamaMessage(m Message) (ollamaMessage, error) {
	om := ollamaMessage{Role: m.Role, Content: m.Content}
	if m.Role == RoleTool {
		om.ToolName = m.Name
	}
	for _, tc := range m.ToolCalls {
		var call ollamaToolCall
		call.Function.Name = tc.Function.Name
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Function.Arguments); err != nil {
				return ollamaMessage{}, fmt.Errorf("tool call %s: arguments are not a JSON object: %w", tc.Function.Name, err)
			}
		}
		om.ToolCalls = append(om.ToolCalls, call)
	}
	return om, nil
}

// parseTextToolCalls attempts to extract tool calls from content text.
// It handles:
// - Raw JSON object: {"name": "...", "arguments": {...}}
// - JSON array: [{"name": "...", "arguments": {...}}]
// - Tagged: <tool_call>...</tool_call>
//
// Calls naming a tool outside validTools are dropped so that ordinary
// JSON answers are not mistaken for tool calls.
func parseTextToolCalls(content string, validTools map[string]bool) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var candidates []textCall
	var many []textCall
	var single textCall
	if err := json.Unmarshal([]byte(content), &many); err == nil {
		candidates = many
	} else if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		candidates = []textCall{single}
	}

	var result []ollamaToolCall
	for _, tc := range candidates {
		if !validTools[tc.Name] {
			continue
		}
		var call ollamaToolCall
		call.Function.Name = tc.Name
		call.Function.Arguments = tc.Arguments
		result = append(result, call)
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ProviderError{Provider: "ollama", Message: "request failed", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Provider: "ollama", StatusCode: resp.StatusCode, Message: "ping failed"}
	}
	return nil
}
