package core

import "encoding/json"

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of an earlier tool call back to the model.
	RoleTool Role = "tool"
)

// Message represents a chat message. A conversation is an ordered []Message;
// once a slice is handed to an adapter or the compactor it is not mutated.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
// ArgumentsJSON is opaque to this layer; the caller parses and executes it.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
}

// ToolSpec describes a tool available to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// ToolChoice controls whether the model may or must call a tool.
type ToolChoice string

const (
	ToolChoiceDefault  ToolChoice = ""
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// GenerationParams are provider-agnostic sampling settings. Nil Temperature
// and TopP mean "provider default"; MaxTokens 0 means the same.
type GenerationParams struct {
	Temperature *float64   `json:"temperature,omitempty"`
	TopP        *float64   `json:"top_p,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Stop        []string   `json:"stop,omitempty"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	ToolChoice  ToolChoice `json:"tool_choice,omitempty"`
}

// Usage is token accounting for one call, provider-reported when available
// and estimated otherwise.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// CanonicalResponse is the normalized result of one successful generation.
type CanonicalResponse struct {
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// HasContent reports whether the response carries usable text or at least one tool call.
func (r *CanonicalResponse) HasContent() bool {
	if r == nil {
		return false
	}
	if len(r.ToolCalls) > 0 {
		return true
	}
	for _, c := range r.Text {
		if c != ' ' && c != '\n' && c != '\t' && c != '\r' {
			return true
		}
	}
	return false
}

// Float64 is a convenience for building GenerationParams literals.
func Float64(v float64) *float64 { return &v }
