package openai

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ChatMessage is one turn in the OpenAI chat format. Content is a pointer
// because assistant turns that only carry tool calls send null.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// WireToolCall is a tool call as sent in assistant echoes.
type WireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

type WireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is a function tool for the API.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes a callable function.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is the request body for /chat/completions.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  any              `json:"tool_choice,omitempty"` // "auto", "none", "required"
}

// ChatResponse is the response from /chat/completions. Some gateways reply
// 200 with an error object instead of choices.
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content   json.RawMessage    `json:"content"`
			Role      string             `json:"role"`
			ToolCalls []responseToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// responseToolCall tolerates arguments sent as an object instead of a string.
type responseToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (c responseToolCall) arguments() string {
	raw := c.Function.Arguments
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// APIError is the error object OpenAI-compatible backends return. Code is a
// number on some gateways and a string on others.
type APIError struct {
	Message  string          `json:"message"`
	Type     string          `json:"type"`
	Code     json.RawMessage `json:"code,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// CodeString renders Code without JSON quoting.
func (e *APIError) CodeString() string {
	if e == nil || len(e.Code) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Code))
}

// StatusCode returns Code as an HTTP status when it is numeric.
func (e *APIError) StatusCode() int {
	n, err := strconv.Atoi(e.CodeString())
	if err != nil {
		return 0
	}
	return n
}

// Text joins the fields useful for classification.
func (e *APIError) Text() string {
	if e == nil {
		return ""
	}
	parts := []string{e.Message, e.Type, e.CodeString()}
	if len(e.Metadata) > 0 {
		parts = append(parts, string(e.Metadata))
	}
	return strings.Join(parts, " ")
}

// errorEnvelope decodes error replies; some backends put a bare string in error.
type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func decodeError(body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if len(env.Error) > 0 {
		var e APIError
		if err := json.Unmarshal(env.Error, &e); err == nil && (e.Message != "" || len(e.Code) > 0) {
			return &e
		}
		var s string
		if err := json.Unmarshal(env.Error, &s); err == nil && s != "" {
			return &APIError{Message: s}
		}
	}
	if env.Message != "" {
		return &APIError{Message: env.Message}
	}
	return nil
}

// parseContent parses API content that may be string, null, or array of parts (e.g. [{"type":"text","text":"..."}]).
func parseContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return parseContentArrayGeneric(raw)
}

// parseContentArrayGeneric extracts text from an array of objects that may have "text" key (e.g. OpenRouter/Kimi).
func parseContentArrayGeneric(raw json.RawMessage) string {
	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if t, ok := p["text"].(string); ok {
			b.WriteString(t)
		}
	}
	return b.String()
}
