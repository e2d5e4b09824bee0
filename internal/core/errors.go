package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the closed taxonomy every provider failure is classified into.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindRateLimited
	KindContextTooLong
	KindModelUnavailable
	KindAuthInvalid
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindContextTooLong:
		return "context_too_long"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "transport"
	}
}

// Sentinel errors, one per kind, for errors.Is matching.
var (
	ErrTransport         = errors.New("transport error")
	ErrRateLimited       = errors.New("rate limited")
	ErrContextTooLong    = errors.New("context too long")
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrAuthInvalid       = errors.New("invalid credentials")
	ErrMalformedResponse = errors.New("malformed response")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindContextTooLong:
		return ErrContextTooLong
	case KindModelUnavailable:
		return ErrModelUnavailable
	case KindAuthInvalid:
		return ErrAuthInvalid
	case KindMalformedResponse:
		return ErrMalformedResponse
	default:
		return ErrTransport
	}
}

// ProviderError is a classified failure from one adapter call.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	// Status is the HTTP status, 0 when the request never got a response.
	Status  int
	Message string
	// RetryAfter is set for KindRateLimited: the earliest time the provider should be tried again.
	RetryAfter time.Time
	// Err is the underlying cause, if any (network error, decode error).
	Err error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches the kind sentinel so callers can write errors.Is(err, core.ErrRateLimited).
func (e *ProviderError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a different candidate might succeed where this one failed.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindContextTooLong, KindModelUnavailable, KindTransport:
		return true
	default:
		return false
	}
}

// AsProviderError extracts a *ProviderError from err. Errors that are not
// classified are wrapped as KindTransport so callers always get a kind.
func AsProviderError(err error, provider, model string) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{Kind: KindTransport, Provider: provider, Model: model, Message: err.Error(), Err: err}
}

// ExhaustedError is returned when every candidate in a fallback plan failed,
// or a terminal error ended the cascade early.
type ExhaustedError struct {
	Last     *ProviderError
	Attempts int
	Errors   []*ProviderError
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("all providers failed after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("all providers failed after %d attempts; last: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// ErrNoCandidates means no provider in the routing config has an API key.
var ErrNoCandidates = errors.New("no eligible provider: configure at least one API key")
