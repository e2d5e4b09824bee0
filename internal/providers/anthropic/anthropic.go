// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
)

const (
	Name             = "anthropic"
	BaseURL          = "https://api.anthropic.com"
	MaxTokensCeiling = 8192
	// DefaultMaxTokens applies when the request leaves max_tokens unset; the API requires it.
	DefaultMaxTokens = 1024

	// ContinuationPlaceholder opens conversations that would otherwise start with an assistant turn.
	ContinuationPlaceholder = "[conversation continues]"
)

// Adapter calls /v1/messages.
type Adapter struct {
	opts providers.Options
}

var _ core.Adapter = (*Adapter)(nil)

// New returns the anthropic adapter.
func New(opts providers.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults(BaseURL)}
}

func (a *Adapter) Name() string     { return Name }
func (a *Adapter) Endpoint() string { return a.opts.BaseURL }

// Send performs one Messages API call.
func (a *Adapter) Send(ctx context.Context, model, apiKey string, messages []core.Message, params core.GenerationParams) (*core.CanonicalResponse, error) {
	if apiKey == "" {
		return nil, &core.ProviderError{Kind: core.KindAuthInvalid, Provider: Name, Model: model, Message: "API key not set"}
	}
	if model == "" {
		return nil, &core.ProviderError{Kind: core.KindModelUnavailable, Provider: Name, Message: "model not set"}
	}

	req := BuildRequest(model, messages, params)
	req.MaxTokens = providers.ClampMaxTokens(params.MaxTokens, MaxTokensCeiling, a.opts.MaxOutputTokens, DefaultMaxTokens)

	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
	start := time.Now()
	resp, err := providers.PostJSON(ctx, a.opts.HTTPClient, strings.TrimRight(a.opts.BaseURL, "/")+messagesPath, headers, req)
	if err != nil {
		return nil, providers.TransportError(Name, model, err, apiKey)
	}
	a.opts.Logger.Debug("messages", "component", Name, "model", model, "status", resp.Status, "elapsed", providers.Elapsed(start))

	if !resp.OK() {
		var env ErrorResponse
		_ = json.Unmarshal(resp.Body, &env)
		kind := ClassifyError(resp.Status, env.Error)
		return nil, providers.HTTPError(Name, model, kind, resp, env.Error.Message, 0, a.opts.Now(), apiKey)
	}

	var out MessageResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, providers.MalformedError(Name, model, "decode: "+err.Error(), resp.Body, apiKey)
	}
	result := &core.CanonicalResponse{Provider: Name, Model: model, FinishReason: mapStopReason(out.StopReason)}
	var text strings.Builder
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := string(b.Input)
			if args == "" || args == "null" {
				args = "{}"
			}
			result.ToolCalls = append(result.ToolCalls, core.ToolCall{ID: b.ID, Name: b.Name, ArgumentsJSON: args})
		}
	}
	result.Text = text.String()
	if !result.HasContent() {
		return nil, providers.MalformedError(Name, model, "response has neither text nor tool calls", resp.Body, apiKey)
	}
	if out.Usage != nil && (out.Usage.InputTokens > 0 || out.Usage.OutputTokens > 0) {
		result.Usage = core.Usage{PromptTokens: out.Usage.InputTokens, CompletionTokens: out.Usage.OutputTokens}
	} else {
		result.Usage = providers.EstimateUsage(messages, result)
	}
	return result, nil
}

// ClassifyError maps an Anthropic error reply.
func ClassifyError(status int, body ErrorBody) core.ErrorKind {
	msg := strings.ToLower(body.Message)
	switch body.Type {
	case "rate_limit_error":
		return core.KindRateLimited
	case "authentication_error", "permission_error":
		return core.KindAuthInvalid
	case "not_found_error", "overloaded_error":
		return core.KindModelUnavailable
	case "request_too_large":
		return core.KindContextTooLong
	case "invalid_request_error":
		if strings.Contains(msg, "prompt is too long") || strings.Contains(msg, "too many tokens") {
			return core.KindContextTooLong
		}
	case "api_error":
		return core.KindTransport
	}
	if status == http.StatusBadRequest && strings.Contains(msg, "credit balance") {
		return core.KindRateLimited
	}
	return providers.ClassifyStatus(status, body.Type+" "+body.Message)
}

// BuildRequest maps canonical messages onto the Messages API. System turns go
// to the top-level system field; same-role turns are merged because the API
// requires alternation.
func BuildRequest(model string, messages []core.Message, params core.GenerationParams) MessageRequest {
	req := MessageRequest{
		Model:         model,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		StopSequences: params.Stop,
	}
	var system []string
	for _, m := range messages {
		var p MessageParam
		switch m.Role {
		case core.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		case core.RoleAssistant:
			p.Role = "assistant"
			if m.Content != "" {
				p.Content = append(p.Content, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				p.Content = append(p.Content, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: inputObject(tc.ArgumentsJSON)})
			}
		case core.RoleTool:
			p.Role = "user"
			p.Content = []ContentBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}}
		default:
			p.Role = "user"
			if m.Content != "" {
				p.Content = []ContentBlock{{Type: "text", Text: m.Content}}
			}
		}
		if len(p.Content) == 0 {
			continue
		}
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == p.Role {
			req.Messages[n-1].Content = append(req.Messages[n-1].Content, p.Content...)
			continue
		}
		req.Messages = append(req.Messages, p)
	}
	if len(req.Messages) > 0 && req.Messages[0].Role != "user" {
		req.Messages = append([]MessageParam{{Role: "user", Content: []ContentBlock{{Type: "text", Text: ContinuationPlaceholder}}}}, req.Messages...)
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range params.Tools {
		schema := t.Parameters
		if len(schema) == 0 || string(schema) == "null" {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if len(req.Tools) > 0 {
		choice := "auto"
		switch params.ToolChoice {
		case core.ToolChoiceRequired:
			choice = "any"
		case core.ToolChoiceNone:
			choice = "none"
		}
		req.ToolChoice = &ToolChoice{Type: choice}
	}
	return req
}

func inputObject(args string) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal([]byte(args), &obj); err != nil || obj == nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

func mapStopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return r
	}
}
