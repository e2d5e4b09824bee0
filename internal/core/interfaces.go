package core

import (
	"context"
	"time"
)

// Adapter translates the canonical request into one backend's wire format,
// performs the call and translates the reply back. Errors are always *ProviderError.
type Adapter interface {
	// Name is the provider id used in routing config (e.g. "gemini").
	Name() string
	// Endpoint is the base URL calls are sent to; used for audit records.
	Endpoint() string
	Send(ctx context.Context, model, apiKey string, messages []Message, params GenerationParams) (*CanonicalResponse, error)
}

// AuditRecord is one adapter call as seen by the audit sink.
type AuditRecord struct {
	Endpoint                 string
	Provider                 string
	Model                    string
	Request                  string // JSON, secrets redacted
	Response                 string // JSON, empty on failure
	ExecutionTime            time.Duration
	MessageCount             int
	PromptTokensEstimate     int
	CompletionTokensEstimate int
	Success                  bool
	Error                    string
	CreatedAt                time.Time
}

// AuditSink receives one record per adapter call. Implementations must accept
// concurrent writers; this layer never reads records back.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}
