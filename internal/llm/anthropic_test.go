package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type anthropicMock struct {
	mu sync.Mutex

	sawMessages      bool
	requestToolNames []string
	systemText       string

	respond func(w io.Writer, f http.Flusher)
}

func (m *anthropicMock) handle(w http.ResponseWriter, r *http.Request) {
	if r == nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(r.Header.Get("x-api-key")) != "sk-ant-test" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !strings.HasSuffix(strings.TrimSpace(r.URL.Path), "/messages") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	toolNames := make([]string, 0, 8)
	if rawTools, ok := req["tools"].([]any); ok {
		for _, item := range rawTools {
			tm, ok := item.(map[string]any)
			if !ok || tm == nil {
				continue
			}
			name, _ := tm["name"].(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			toolNames = append(toolNames, name)
		}
	}
	systemText := ""
	if rawSystem, ok := req["system"].([]any); ok {
		for _, item := range rawSystem {
			sm, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if txt, _ := sm["text"].(string); txt != "" {
				systemText += txt
			}
		}
	}

	m.mu.Lock()
	m.sawMessages = true
	m.requestToolNames = toolNames
	m.systemText = systemText
	m.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	m.respond(w, f)
}

func (m *anthropicMock) snapshot() (sawMessages bool, toolNames []string, systemText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.requestToolNames))
	names = append(names, m.requestToolNames...)
	return m.sawMessages, names, m.systemText
}

func writeAnthropicSSEJSON(w io.Writer, f http.Flusher, v any) {
	if m, ok := v.(map[string]any); ok {
		if t, ok := m["type"].(string); ok {
			t = strings.TrimSpace(t)
			if t != "" {
				_, _ = io.WriteString(w, "event: ")
				_, _ = io.WriteString(w, t)
				_, _ = io.WriteString(w, "\n")
			}
		}
	}
	b, _ := json.Marshal(v)
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(b)
	_, _ = io.WriteString(w, "\n\n")
	f.Flush()
}

func newAnthropicTestProvider(t *testing.T, mock *anthropicMock) Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)
	provider, err := NewProvider("anthropic", strings.TrimSuffix(srv.URL, "/")+"/v1", "sk-ant-test")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return provider
}

func TestAnthropicProvider_StreamsTextTurn(t *testing.T) {
	t.Parallel()

	mock := &anthropicMock{respond: func(w io.Writer, f http.Flusher) {
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":    "message_start",
			"message": map[string]any{},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": "Bonds held steady "},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": "while equities rallied."},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": 9},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type": "message_stop",
		})
	}}
	provider := newAnthropicTestProvider(t, mock)

	var deltas strings.Builder
	var finish string
	res, err := provider.StreamTurn(context.Background(), TurnRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			TextMessage("system", "You are a portfolio advisor."),
			TextMessage("user", "How did fixed income do this week?"),
		},
	}, func(ev StreamEvent) {
		switch ev.Type {
		case StreamEventTextDelta:
			deltas.WriteString(ev.Text)
		case StreamEventFinishReason:
			finish = ev.FinishHint
		}
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	want := "Bonds held steady while equities rallied."
	if deltas.String() != want {
		t.Fatalf("streamed deltas=%q, want %q", deltas.String(), want)
	}
	if res.Text != want {
		t.Fatalf("Text=%q, want %q", res.Text, want)
	}
	if res.FinishReason != "stop" || finish != "stop" {
		t.Fatalf("finish=%q/%q, want stop", res.FinishReason, finish)
	}
	if res.Usage.OutputTokens != 9 {
		t.Fatalf("usage=%+v", res.Usage)
	}

	sawMessages, _, systemText := mock.snapshot()
	if !sawMessages {
		t.Fatalf("expected Anthropic Messages API call (/messages)")
	}
	if !strings.Contains(systemText, "portfolio advisor") {
		t.Fatalf("system message not carried as system prompt: %q", systemText)
	}
}

func TestAnthropicProvider_StreamsToolUseTurn(t *testing.T) {
	t.Parallel()

	mock := &anthropicMock{respond: func(w io.Writer, f http.Flusher) {
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":    "message_start",
			"message": map[string]any{},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "content_block_start",
			"index": 0,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    "toolu_holdings_1",
				"name":  "get_portfolio_holdings",
				"input": map[string]any{},
			},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": `{"valuation_date":`},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": `"today"}`},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "tool_use", "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": 4},
		})
		writeAnthropicSSEJSON(w, f, map[string]any{
			"type": "message_stop",
		})
	}}
	provider := newAnthropicTestProvider(t, mock)

	var starts, ends []PartialToolCall
	res, err := provider.StreamTurn(context.Background(), TurnRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{TextMessage("user", "How is my portfolio performing today?")},
		Tools: []ToolDef{{
			Name:        "get_portfolio_holdings",
			Description: "List the account's current holdings.",
			InputSchema: []byte(`{"type":"object","properties":{"valuation_date":{"type":"string"}}}`),
		}},
	}, func(ev StreamEvent) {
		switch ev.Type {
		case StreamEventToolCallStart:
			if ev.ToolCall != nil {
				starts = append(starts, *ev.ToolCall)
			}
		case StreamEventToolCallEnd:
			if ev.ToolCall != nil {
				ends = append(ends, *ev.ToolCall)
			}
		}
	})
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}

	if res.FinishReason != "tool_calls" {
		t.Fatalf("FinishReason=%q, want tool_calls", res.FinishReason)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("ToolCalls=%+v, want exactly one", res.ToolCalls)
	}
	call := res.ToolCalls[0]
	if call.ID != "toolu_holdings_1" || call.Name != "get_portfolio_holdings" {
		t.Fatalf("call=%+v", call)
	}
	if got, _ := call.Args["valuation_date"].(string); got != "today" {
		t.Fatalf("args=%v, want valuation_date today", call.Args)
	}
	if len(starts) != 1 || len(ends) != 1 {
		t.Fatalf("tool events: starts=%d ends=%d, want one each", len(starts), len(ends))
	}
	if got, _ := ends[0].Arguments["valuation_date"].(string); got != "today" {
		t.Fatalf("end event args=%v", ends[0].Arguments)
	}

	_, toolNames, _ := mock.snapshot()
	if len(toolNames) != 1 || toolNames[0] != "get_portfolio_holdings" {
		t.Fatalf("request tool names=%v", toolNames)
	}
}
