package llm

import "context"

// StreamEventType is the normalized stream event kind produced by provider adapters.
type StreamEventType string

const (
	StreamEventTextDelta     StreamEventType = "text_delta"
	StreamEventToolCallStart StreamEventType = "tool_call_start"
	StreamEventToolCallDelta StreamEventType = "tool_call_delta"
	StreamEventToolCallEnd   StreamEventType = "tool_call_end"
	StreamEventUsage         StreamEventType = "usage"
	StreamEventFinishReason  StreamEventType = "finish_reason"
)

type PartialToolCall struct {
	ID            string         `json:"id,omitempty"`
	Name          string         `json:"name,omitempty"`
	ArgumentsJSON string         `json:"arguments_json,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
}

type PartialUsage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

type StreamEvent struct {
	Type       StreamEventType  `json:"type"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *PartialToolCall `json:"tool_call,omitempty"`
	Usage      *PartialUsage    `json:"usage,omitempty"`
	FinishHint string           `json:"finish_hint,omitempty"`
}

// ContentPart is one piece of a conversation message. Supported types are
// "text", "tool_call" (assistant-issued invocation) and "tool_result".
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ArgsJSON   string `json:"args_json,omitempty"`
	JSON       []byte `json:"json,omitempty"`
}

type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// TextMessage builds a plain text message for the given role.
func TextMessage(role string, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: "text", Text: text}}}
}

// ToolResultMessage builds a tool-role message carrying one tool result payload.
func ToolResultMessage(callID string, payloadJSON []byte) Message {
	return Message{Role: "tool", Content: []ContentPart{{Type: "tool_result", ToolCallID: callID, JSON: payloadJSON}}}
}

// AssistantToolCallsMessage rebuilds the assistant message that carried the
// given tool invocations, so the follow-up request replays them verbatim.
func AssistantToolCallsMessage(text string, calls []ToolCall) Message {
	parts := make([]ContentPart, 0, len(calls)+1)
	if text != "" {
		parts = append(parts, ContentPart{Type: "text", Text: text})
	}
	for _, call := range calls {
		parts = append(parts, ContentPart{
			Type:       "tool_call",
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ArgsJSON:   marshalArgs(call.Args),
		})
	}
	return Message{Role: "assistant", Content: parts}
}

// ToolDef describes one tool exposed to the model. InputSchema is a JSON
// Schema object serialized as raw JSON.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema []byte `json:"input_schema,omitempty"`
}

type TurnRequest struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Tools           []ToolDef `json:"tools,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	Temperature     *float64  `json:"temperature,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type TurnUsage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

type TurnResult struct {
	FinishReason string     `json:"finish_reason"`
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        TurnUsage  `json:"usage,omitempty"`
}

// Provider is the model capability: it sends one conversation turn and streams
// normalized events back while the provider responds.
type Provider interface {
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)
}
