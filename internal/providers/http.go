package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/memory"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/secrets"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/textutil"
)

// MaxErrorBodyRunes caps how much of a provider error body is kept on a ProviderError.
const MaxErrorBodyRunes = 600

// maxResponseBytes guards against unbounded reads from a misbehaving endpoint.
const maxResponseBytes = 16 << 20

// Response is a completed HTTP exchange.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// PostJSON marshals payload, POSTs it to url with headers and reads the whole
// reply. A returned error always means no HTTP response was received.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (*Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// TransportError wraps a failure that produced no HTTP response.
func TransportError(provider, model string, err error, apiKey string) *core.ProviderError {
	msg := secrets.Redact(err.Error(), apiKey)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out: " + msg
	}
	return &core.ProviderError{
		Kind:     core.KindTransport,
		Provider: provider,
		Model:    model,
		Message:  msg,
		Err:      err,
	}
}

// HTTPError builds a classified error from a non-2xx reply. The body is
// truncated and scrubbed of apiKey before it is kept.
func HTTPError(provider, model string, kind core.ErrorKind, resp *Response, message string, hint time.Duration, now time.Time, apiKey string) *core.ProviderError {
	if message == "" {
		message = string(resp.Body)
	}
	if message == "" {
		message = http.StatusText(resp.Status)
	}
	pe := &core.ProviderError{
		Kind:     kind,
		Provider: provider,
		Model:    model,
		Status:   resp.Status,
		Message:  textutil.Truncate(secrets.Redact(message, apiKey), MaxErrorBodyRunes),
	}
	if kind == core.KindRateLimited {
		pe.RetryAfter = RetryAfter(resp.Header, hint, now)
	}
	return pe
}

// MalformedError reports a 2xx reply without usable content.
func MalformedError(provider, model, message string, body []byte, apiKey string) *core.ProviderError {
	if len(body) > 0 {
		message += ": " + string(body)
	}
	return &core.ProviderError{
		Kind:     core.KindMalformedResponse,
		Provider: provider,
		Model:    model,
		Message:  textutil.Truncate(secrets.Redact(message, apiKey), MaxErrorBodyRunes),
	}
}

// ClampMaxTokens applies the backend ceiling and an optional configured cap.
// 0 requested means "use fallback".
func ClampMaxTokens(requested, ceiling, configured, fallback int) int {
	if configured > 0 && configured < ceiling {
		ceiling = configured
	}
	if requested <= 0 {
		requested = fallback
	}
	if requested > ceiling {
		return ceiling
	}
	return requested
}

// Elapsed is a small helper for debug logs.
func Elapsed(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}

// EstimateUsage fills in token counts when the backend did not report them.
func EstimateUsage(messages []core.Message, resp *core.CanonicalResponse) core.Usage {
	completion := memory.EstimateTokens(core.Message{Role: core.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
	return core.Usage{
		PromptTokens:     memory.EstimateConversation(messages),
		CompletionTokens: completion,
		Estimated:        true,
	}
}
