// Package gemini adapts the Google Gemini API through the genai SDK.
//
// Gemini only knows two roles (user and model), so system turns are folded
// into the first user turn behind a textual marker, and consecutive turns of
// the same role are merged.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/genai"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/secrets"
)

const (
	Name             = "gemini"
	BaseURL          = "https://generativelanguage.googleapis.com/"
	APIVersion       = "v1beta"
	MaxTokensCeiling = 8192

	// SystemPrefix and SystemSuffix bracket folded system instructions.
	SystemPrefix = "[System instructions]\n"
	SystemSuffix = "\n[End of system instructions]"

	clientCacheSize = 16
)

// Adapter calls generateContent. One *genai.Client is cached per API key.
type Adapter struct {
	opts    providers.Options
	clients *lru.Cache[string, *genai.Client]
}

var _ core.Adapter = (*Adapter)(nil)

// New returns the gemini adapter.
func New(opts providers.Options) *Adapter {
	cache, _ := lru.New[string, *genai.Client](clientCacheSize)
	return &Adapter{opts: opts.WithDefaults(BaseURL), clients: cache}
}

func (a *Adapter) Name() string     { return Name }
func (a *Adapter) Endpoint() string { return a.opts.BaseURL }

func (a *Adapter) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	if c, ok := a.clients.Get(apiKey); ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.opts.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    a.opts.BaseURL,
			APIVersion: APIVersion,
		},
	})
	if err != nil {
		return nil, err
	}
	a.clients.Add(apiKey, c)
	a.opts.Logger.Debug("genai client created", "component", Name, "key", keyHint(apiKey))
	return c, nil
}

// Send performs one generateContent call.
func (a *Adapter) Send(ctx context.Context, model, apiKey string, messages []core.Message, params core.GenerationParams) (*core.CanonicalResponse, error) {
	if apiKey == "" {
		return nil, &core.ProviderError{Kind: core.KindAuthInvalid, Provider: Name, Model: model, Message: "API key not set"}
	}
	if model == "" {
		return nil, &core.ProviderError{Kind: core.KindModelUnavailable, Provider: Name, Message: "model not set"}
	}
	client, err := a.client(ctx, apiKey)
	if err != nil {
		return nil, providers.TransportError(Name, model, err, apiKey)
	}

	contents := ToContents(messages)
	if len(contents) == 0 {
		return nil, &core.ProviderError{Kind: core.KindMalformedResponse, Provider: Name, Model: model, Message: "no content to send"}
	}
	cfg := buildConfig(params, providers.ClampMaxTokens(params.MaxTokens, MaxTokensCeiling, a.opts.MaxOutputTokens, 0))

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	a.opts.Logger.Debug("generate content", "component", Name, "model", model, "elapsed", providers.Elapsed(start), "error", err != nil)
	if err != nil {
		return nil, a.classify(model, err, apiKey)
	}
	return a.toCanonical(model, messages, resp, apiKey)
}

func (a *Adapter) classify(model string, err error, apiKey string) error {
	apiErr, ok := asAPIError(err)
	if !ok {
		return providers.TransportError(Name, model, err, apiKey)
	}
	kind, hint := ClassifyError(apiErr)
	return providers.HTTPError(Name, model, kind,
		&providers.Response{Status: apiErr.Code, Header: http.Header{}},
		apiErr.Message, hint, a.opts.Now(), apiKey)
}

func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

// ClassifyError maps a Gemini API error. RESOURCE_EXHAUSTED carries a
// RetryInfo detail whose retryDelay ("37s") becomes the retry-after hint.
func ClassifyError(e genai.APIError) (core.ErrorKind, time.Duration) {
	text := strings.ToLower(e.Message + " " + e.Status)
	switch {
	case e.Code == http.StatusTooManyRequests || e.Status == "RESOURCE_EXHAUSTED":
		return core.KindRateLimited, retryDelay(e.Details)
	case e.Code == http.StatusBadRequest && strings.Contains(text, "api key"):
		return core.KindAuthInvalid, 0
	case e.Status == "PERMISSION_DENIED" || e.Status == "UNAUTHENTICATED":
		return core.KindAuthInvalid, 0
	case e.Status == "NOT_FOUND":
		return core.KindModelUnavailable, 0
	case e.Code == http.StatusInternalServerError:
		return core.KindModelUnavailable, 0
	}
	return providers.ClassifyStatus(e.Code, text), 0
}

func retryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		s, ok := d["retryDelay"].(string)
		if !ok {
			continue
		}
		if v, err := time.ParseDuration(s); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

// ToContents converts canonical messages into Gemini contents.
func ToContents(messages []core.Message) []*genai.Content {
	var system []string
	var contents []*genai.Content
	callNames := make(map[string]string)

	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
		case core.RoleAssistant:
			c := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Name
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: argsMap(tc.ArgumentsJSON),
				}})
			}
			contents = appendContent(contents, c)
		case core.RoleTool:
			name := m.Name
			if name == "" {
				name = callNames[m.ToolCallID]
			}
			contents = appendContent(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     name,
					Response: map[string]any{"result": m.Content},
				},
			}}})
		default:
			contents = appendContent(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(system) > 0 {
		folded := &genai.Part{Text: SystemPrefix + strings.Join(system, "\n\n") + SystemSuffix}
		if len(contents) > 0 && contents[0].Role == genai.RoleUser {
			contents[0].Parts = append([]*genai.Part{folded}, contents[0].Parts...)
		} else {
			contents = append([]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{folded}}}, contents...)
		}
	}
	return contents
}

// appendContent merges c into the previous content when roles match.
func appendContent(contents []*genai.Content, c *genai.Content) []*genai.Content {
	if len(c.Parts) == 0 {
		return contents
	}
	if n := len(contents); n > 0 && contents[n-1].Role == c.Role {
		contents[n-1].Parts = append(contents[n-1].Parts, c.Parts...)
		return contents
	}
	return append(contents, c)
}

func argsMap(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func buildConfig(params core.GenerationParams, maxTokens int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		StopSequences:   params.Stop,
	}
	if params.Temperature != nil {
		t := float32(*params.Temperature)
		cfg.Temperature = &t
	}
	if params.TopP != nil {
		p := float32(*params.TopP)
		cfg.TopP = &p
	}
	if len(params.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(params.Tools))
		for _, t := range params.Tools {
			d := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 && string(t.Parameters) != "null" {
				d.ParametersJsonSchema = t.Parameters
			}
			decls = append(decls, d)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		mode := genai.FunctionCallingConfigModeAuto
		switch params.ToolChoice {
		case core.ToolChoiceNone:
			mode = genai.FunctionCallingConfigModeNone
		case core.ToolChoiceRequired:
			mode = genai.FunctionCallingConfigModeAny
		}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode}}
	}
	return cfg
}

func (a *Adapter) toCanonical(model string, messages []core.Message, resp *genai.GenerateContentResponse, apiKey string) (*core.CanonicalResponse, error) {
	if resp == nil {
		return nil, providers.MalformedError(Name, model, "empty response", nil, apiKey)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, providers.MalformedError(Name, model, "prompt blocked: "+string(resp.PromptFeedback.BlockReason), nil, apiKey)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, providers.MalformedError(Name, model, "no candidates in response", nil, apiKey)
	}
	cand := resp.Candidates[0]
	out := &core.CanonicalResponse{Provider: Name, Model: model}
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		if p.FunctionCall != nil {
			args, err := json.Marshal(p.FunctionCall.Args)
			if err != nil || p.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, ArgumentsJSON: string(args)})
			continue
		}
		text.WriteString(p.Text)
	}
	out.Text = text.String()
	out.FinishReason = mapFinishReason(cand.FinishReason, len(out.ToolCalls) > 0)
	if !out.HasContent() {
		return nil, providers.MalformedError(Name, model, "response has neither text nor tool calls (finish "+string(cand.FinishReason)+")", nil, apiKey)
	}
	if u := resp.UsageMetadata; u != nil && (u.PromptTokenCount > 0 || u.CandidatesTokenCount > 0) {
		out.Usage = core.Usage{PromptTokens: int(u.PromptTokenCount), CompletionTokens: int(u.CandidatesTokenCount)}
	} else {
		out.Usage = providers.EstimateUsage(messages, out)
	}
	return out, nil
}

func mapFinishReason(r genai.FinishReason, hasCalls bool) string {
	if hasCalls {
		return "tool_calls"
	}
	switch r {
	case genai.FinishReasonStop, "":
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	default:
		return strings.ToLower(string(r))
	}
}

// keyHint is a log-safe rendering of an API key.
func keyHint(apiKey string) string { return secrets.Mask(apiKey) }
