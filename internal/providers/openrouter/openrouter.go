// Package openrouter adapts the OpenRouter gateway.
package openrouter

import (
	"net/http"
	"strings"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers/openai"
)

const (
	Name             = "openrouter"
	BaseURL          = "https://openrouter.ai/api/v1"
	MaxTokensCeiling = 4096

	referer = "https://github.com/tioagustian/qi-ai-chatbot"
	title   = "qichat"
)

// New returns the openrouter adapter.
func New(opts providers.Options) *openai.Client {
	return openai.NewClient(openai.Config{
		Name:             Name,
		DefaultBaseURL:   BaseURL,
		MaxTokensCeiling: MaxTokensCeiling,
		Headers: map[string]string{
			"HTTP-Referer": referer,
			"X-Title":      title,
		},
		Classify: ClassifyError,
	}, opts)
}

// ClassifyError handles OpenRouter replies. Upstream failures may arrive as
// 200 with an error object whose numeric code carries the real status, which
// the caller passes in as status. 402 means the account is out of credit.
func ClassifyError(status int, header http.Header, apiErr *openai.APIError, body string) (core.ErrorKind, time.Duration) {
	text := strings.ToLower(apiErr.Text() + " " + body)
	switch status {
	case http.StatusPaymentRequired:
		return core.KindRateLimited, 0
	case http.StatusBadGateway:
		return core.KindModelUnavailable, 0
	}
	if strings.Contains(text, "context_length_exceeded") {
		return core.KindContextTooLong, 0
	}
	return providers.ClassifyStatus(status, text), 0
}
