// Package together adapts Together AI's OpenAI-compatible API.
package together

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers/openai"
)

const (
	Name    = "together"
	BaseURL = "https://api.together.xyz/v1"
	// MaxTokensCeiling is the default output cap for serverless models.
	MaxTokensCeiling = 4096
)

// New returns the together adapter.
func New(opts providers.Options) *openai.Client {
	return openai.NewClient(openai.Config{
		Name:             Name,
		DefaultBaseURL:   BaseURL,
		MaxTokensCeiling: MaxTokensCeiling,
		Classify:         ClassifyError,
	}, opts)
}

// ClassifyError handles Together's replies. A prompt over the model window
// comes back as a 400 of the form "`inputs` tokens + `max_new_tokens` must be
// <= 8193"; exhausted credit is a 402.
func ClassifyError(status int, header http.Header, apiErr *openai.APIError, body string) (core.ErrorKind, time.Duration) {
	text := strings.ToLower(apiErr.Text() + " " + body)
	switch {
	case status == http.StatusBadRequest && strings.Contains(text, "tokens") && strings.Contains(text, "must be <="):
		return core.KindContextTooLong, 0
	case status == http.StatusPaymentRequired:
		return core.KindRateLimited, 0
	case status == http.StatusTooManyRequests:
		return core.KindRateLimited, resetHint(header)
	}
	return providers.ClassifyStatus(status, text), 0
}

// resetHint reads x-ratelimit-reset, which Together sends in seconds.
func resetHint(h http.Header) time.Duration {
	v := h.Get("X-Ratelimit-Reset")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	d, _ := providers.Seconds(secs)
	return d
}
