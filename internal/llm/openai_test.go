package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newOpenAITestServer(t *testing.T, handler func(body map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		status, resp := handler(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIChat_Text(t *testing.T) {
	srv := newOpenAITestServer(t, func(body map[string]any) (int, string) {
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		if _, hasTools := body["tools"]; hasTools {
			t.Error("tools sent when none are offered")
		}
		return http.StatusOK, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Hello there."}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", srv.Client(), nil)
	resp, err := c.Chat(context.Background(), "gpt-4o-mini",
		[]Message{{Role: RoleSystem, Content: "be nice"}, {Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "Hello there." || resp.Message.Role != RoleAssistant {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 12/3", resp.InputTokens, resp.OutputTokens)
	}
	if resp.HasToolCalls() {
		t.Error("unexpected tool calls")
	}
}

func TestOpenAIChat_ToolCall(t *testing.T) {
	srv := newOpenAITestServer(t, func(body map[string]any) (int, string) {
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("tools = %v, want one definition", body["tools"])
		} else {
			fn, _ := tools[0].(map[string]any)["function"].(map[string]any)
			if fn["name"] != "get_current_weather" {
				t.Errorf("function = %v", fn)
			}
		}
		if body["tool_choice"] != "auto" {
			t.Errorf("tool_choice = %v, want auto", body["tool_choice"])
		}
		return http.StatusOK, `{
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"id": "call_abc", "type": "function", "function": {"name": "get_current_weather", "arguments": "{\"location\":\"Paris\"}"}}]
			}}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 9}
		}`
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", srv.Client(), nil)
	resp, err := c.Chat(context.Background(), "gpt-4o-mini",
		[]Message{{Role: RoleUser, Content: "weather in Paris?"}},
		[]ToolDefinition{{
			Name:        "get_current_weather",
			Description: "Current weather for a location",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"location": map[string]any{"type": "string"}}},
		}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected a tool call")
	}

	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Function.Name != "get_current_weather" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"location":"Paris"}` {
		t.Errorf("arguments = %s", tc.Function.Arguments)
	}
}

func TestOpenAIChat_ToolResultMessages(t *testing.T) {
	srv := newOpenAITestServer(t, func(body map[string]any) (int, string) {
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 3 {
			t.Errorf("got %d messages, want 3", len(msgs))
			return http.StatusBadRequest, `{"error":{"message":"bad request"}}`
		}

		assistant, _ := msgs[1].(map[string]any)
		calls, _ := assistant["tool_calls"].([]any)
		if len(calls) != 1 || calls[0].(map[string]any)["id"] != "call_abc" {
			t.Errorf("assistant tool_calls = %v", assistant["tool_calls"])
		}

		toolMsg, _ := msgs[2].(map[string]any)
		if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_abc" {
			t.Errorf("tool message = %v", toolMsg)
		}
		return http.StatusOK, `{"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"It is 18°C."}}]}`
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", srv.Client(), nil)
	resp, err := c.Chat(context.Background(), "m", []Message{
		{Role: RoleUser, Content: "weather?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_abc", Function: FunctionCall{Name: "get_current_weather", Arguments: `{"location":"Paris"}`}}}},
		{Role: RoleTool, Name: "get_current_weather", ToolCallID: "call_abc", Content: "Paris: 18°C"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "It is 18°C." {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestOpenAIChat_APIError(t *testing.T) {
	srv := newOpenAITestServer(t, func(map[string]any) (int, string) {
		return http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", srv.Client(), nil)
	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T %v, want *ProviderError", err, err)
	}
	if pe.Provider != "openai" || pe.StatusCode != http.StatusTooManyRequests {
		t.Errorf("ProviderError = %+v", pe)
	}
	if !strings.Contains(pe.Error(), "Rate limit reached") {
		t.Errorf("Error() = %q", pe.Error())
	}
}

func TestOpenAIChat_NoChoices(t *testing.T) {
	srv := newOpenAITestServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"model":"m","choices":[]}`
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", srv.Client(), nil)
	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Errorf("error = %v, want *ProviderError", err)
	}
}

func TestProviderError(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ProviderError{Provider: "ollama", Message: "request failed", Err: inner}

	if got := err.Error(); got != "ollama: request failed" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("ProviderError does not unwrap to its cause")
	}

	withStatus := &ProviderError{Provider: "openai", StatusCode: 500, Message: "boom"}
	if got := withStatus.Error(); got != "openai: HTTP 500: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestChatResponse_HasToolCalls(t *testing.T) {
	var nilResp *ChatResponse
	if nilResp.HasToolCalls() {
		t.Error("nil response has tool calls")
	}
	if (&ChatResponse{}).HasToolCalls() {
		t.Error("empty response has tool calls")
	}
	if !(&ChatResponse{Message: Message{ToolCalls: []ToolCall{{ID: "x"}}}}).HasToolCalls() {
		t.Error("tool call not detected")
	}
}
