// Package openai implements the OpenAI-compatible chat completions wire
// format shared by the together and openrouter adapters.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
)

// Classifier maps a failed reply onto an error kind and an optional
// retry-after hint. apiErr is nil when the body had no error object.
type Classifier func(status int, header http.Header, apiErr *APIError, body string) (core.ErrorKind, time.Duration)

// DefaultClassifier uses the shared status and body heuristics.
func DefaultClassifier(status int, _ http.Header, apiErr *APIError, body string) (core.ErrorKind, time.Duration) {
	if apiErr != nil {
		body = apiErr.Text() + " " + body
	}
	return providers.ClassifyStatus(status, body), 0
}

// Config describes one OpenAI-compatible backend.
type Config struct {
	Name           string
	DefaultBaseURL string
	// MaxTokensCeiling is the largest max_tokens the backend accepts.
	MaxTokensCeiling int
	// Headers are sent on every request in addition to Authorization.
	Headers  map[string]string
	Classify Classifier
}

// Client calls a /chat/completions endpoint. It is safe for concurrent use.
type Client struct {
	cfg  Config
	opts providers.Options
}

var _ core.Adapter = (*Client)(nil)

// NewClient creates a client for cfg.
func NewClient(cfg Config, opts providers.Options) *Client {
	if cfg.Classify == nil {
		cfg.Classify = DefaultClassifier
	}
	return &Client{cfg: cfg, opts: opts.WithDefaults(cfg.DefaultBaseURL)}
}

func (c *Client) Name() string     { return c.cfg.Name }
func (c *Client) Endpoint() string { return c.opts.BaseURL }

// Send performs one chat completion.
func (c *Client) Send(ctx context.Context, model, apiKey string, messages []core.Message, params core.GenerationParams) (*core.CanonicalResponse, error) {
	if apiKey == "" {
		return nil, &core.ProviderError{Kind: core.KindAuthInvalid, Provider: c.cfg.Name, Model: model, Message: "API key not set"}
	}
	if model == "" {
		return nil, &core.ProviderError{Kind: core.KindModelUnavailable, Provider: c.cfg.Name, Message: "model not set"}
	}

	body := BuildRequest(model, messages, params)
	body.MaxTokens = providers.ClampMaxTokens(params.MaxTokens, c.cfg.MaxTokensCeiling, c.opts.MaxOutputTokens, 0)

	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	for k, v := range c.cfg.Headers {
		headers[k] = v
	}

	start := time.Now()
	resp, err := providers.PostJSON(ctx, c.opts.HTTPClient, strings.TrimRight(c.opts.BaseURL, "/")+"/chat/completions", headers, body)
	if err != nil {
		return nil, providers.TransportError(c.cfg.Name, model, err, apiKey)
	}
	c.opts.Logger.Debug("chat completion", "component", c.cfg.Name, "model", model, "status", resp.Status, "elapsed", providers.Elapsed(start))

	if !resp.OK() {
		apiErr := decodeError(resp.Body)
		kind, hint := c.cfg.Classify(resp.Status, resp.Header, apiErr, string(resp.Body))
		msg := ""
		if apiErr != nil {
			msg = apiErr.Message
		}
		return nil, providers.HTTPError(c.cfg.Name, model, kind, resp, msg, hint, c.opts.Now(), apiKey)
	}

	var out ChatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, providers.MalformedError(c.cfg.Name, model, "decode: "+err.Error(), resp.Body, apiKey)
	}
	if out.Error != nil && len(out.Choices) == 0 {
		status := out.Error.StatusCode()
		if status == 0 {
			status = resp.Status
		}
		kind, hint := c.cfg.Classify(status, resp.Header, out.Error, string(resp.Body))
		if status >= 200 && status < 300 && kind == core.KindTransport {
			kind = core.KindMalformedResponse
		}
		return nil, providers.HTTPError(c.cfg.Name, model, kind, &providers.Response{Status: status, Header: resp.Header, Body: resp.Body}, out.Error.Message, hint, c.opts.Now(), apiKey)
	}
	if len(out.Choices) == 0 {
		return nil, providers.MalformedError(c.cfg.Name, model, "no choices in response", resp.Body, apiKey)
	}

	choice := out.Choices[0]
	result := &core.CanonicalResponse{
		Provider:     c.cfg.Name,
		Model:        model,
		Text:         parseContent(choice.Message.Content),
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, core.ToolCall{
			ID:            tc.ID,
			Name:          tc.Function.Name,
			ArgumentsJSON: tc.arguments(),
		})
	}
	if !result.HasContent() {
		return nil, providers.MalformedError(c.cfg.Name, model, "response has neither text nor tool calls", resp.Body, apiKey)
	}
	if out.Usage != nil && (out.Usage.PromptTokens > 0 || out.Usage.CompletionTokens > 0) {
		result.Usage = core.Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens}
	} else {
		result.Usage = providers.EstimateUsage(messages, result)
	}
	return result, nil
}

// BuildRequest maps canonical messages and params onto the wire request.
// MaxTokens is copied unclamped.
func BuildRequest(model string, messages []core.Message, params core.GenerationParams) ChatRequest {
	req := ChatRequest{
		Model:       model,
		Messages:    make([]ChatMessage, 0, len(messages)),
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stop:        params.Stop,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, toWire(m))
	}
	for _, t := range params.Tools {
		req.Tools = append(req.Tools, ToolDefinition{
			Type: "function",
			Function: FunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaOrEmpty(t.Parameters),
			},
		})
	}
	if len(req.Tools) > 0 {
		switch params.ToolChoice {
		case core.ToolChoiceNone, core.ToolChoiceRequired:
			req.ToolChoice = string(params.ToolChoice)
		default:
			req.ToolChoice = "auto"
		}
	}
	return req
}

func toWire(m core.Message) ChatMessage {
	content := m.Content
	cm := ChatMessage{Role: string(m.Role), Content: &content, Name: m.Name}
	switch m.Role {
	case core.RoleAssistant:
		for _, tc := range m.ToolCalls {
			args := tc.ArgumentsJSON
			if args == "" {
				args = "{}"
			}
			cm.ToolCalls = append(cm.ToolCalls, WireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: WireFunction{Name: tc.Name, Arguments: args},
			})
		}
		if len(cm.ToolCalls) > 0 && content == "" {
			cm.Content = nil
		}
	case core.RoleTool:
		cm.ToolCallID = m.ToolCallID
		cm.Name = ""
	}
	return cm
}

func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

func mapFinishReason(r string) string {
	switch r {
	case "eos", "stop_sequence", "end_turn":
		return "stop"
	case "tool_use", "function_call":
		return "tool_calls"
	default:
		return r
	}
}
