// Package middleware holds decorators that wrap provider adapters.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/memory"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/secrets"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/textutil"
)

// DefaultMaxPayloadRunes caps request and response JSON kept per audit record.
const DefaultMaxPayloadRunes = 64000

// sinkTimeout bounds a single audit write; it runs detached from the caller's deadline.
const sinkTimeout = 5 * time.Second

// AuditedAdapter wraps an Adapter and writes one audit record per Send.
// Sink failures are logged and never change the call's result.
type AuditedAdapter struct {
	provider        string
	next            core.Adapter
	sink            core.AuditSink
	logger          *slog.Logger
	maxPayloadRunes int
	now             func() time.Time
}

var _ core.Adapter = (*AuditedAdapter)(nil)

// NewAuditedAdapter returns next wrapped with auditing. provider is the routing
// id recorded on each row; empty means next.Name(). A nil sink disables recording.
func NewAuditedAdapter(provider string, next core.Adapter, sink core.AuditSink, logger *slog.Logger) *AuditedAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == "" {
		provider = next.Name()
	}
	return &AuditedAdapter{provider: provider, next: next, sink: sink, logger: logger, maxPayloadRunes: DefaultMaxPayloadRunes, now: time.Now}
}

// WithMaxPayload sets the per-field truncation limit (0 = no truncation).
func (a *AuditedAdapter) WithMaxPayload(maxRunes int) *AuditedAdapter {
	a.maxPayloadRunes = maxRunes
	return a
}

func (a *AuditedAdapter) Name() string     { return a.provider }
func (a *AuditedAdapter) Endpoint() string { return a.next.Endpoint() }

// Send runs the inner adapter and records the exchange.
func (a *AuditedAdapter) Send(ctx context.Context, model, apiKey string, messages []core.Message, params core.GenerationParams) (*core.CanonicalResponse, error) {
	start := a.now()
	resp, err := a.next.Send(ctx, model, apiKey, messages, params)
	if a.sink == nil {
		return resp, err
	}

	rec := core.AuditRecord{
		Endpoint:             a.next.Endpoint(),
		Provider:             a.provider,
		Model:                model,
		Request:              a.payload(auditRequest{Model: model, Messages: messages, Params: params}, apiKey),
		ExecutionTime:        a.now().Sub(start),
		MessageCount:         len(messages),
		PromptTokensEstimate: memory.EstimateConversation(messages),
		Success:              err == nil,
		CreatedAt:            start.UTC(),
	}
	if resp != nil {
		rec.Response = a.payload(resp, apiKey)
		rec.CompletionTokensEstimate = resp.Usage.CompletionTokens
		if resp.Usage.PromptTokens > 0 {
			rec.PromptTokensEstimate = resp.Usage.PromptTokens
		}
	}
	if err != nil {
		rec.Error = textutil.Truncate(secrets.Redact(err.Error(), apiKey), a.maxPayloadRunes)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if serr := a.sink.Record(wctx, rec); serr != nil {
		a.logger.Warn("audit record failed", "component", "audit", "provider", rec.Provider, "model", model, "error", serr)
	}
	return resp, err
}

type auditRequest struct {
	Model    string                `json:"model"`
	Messages []core.Message        `json:"messages"`
	Params   core.GenerationParams `json:"params"`
}

func (a *AuditedAdapter) payload(v any, apiKey string) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return textutil.Truncate(secrets.Redact(string(raw), apiKey), a.maxPayloadRunes)
}
