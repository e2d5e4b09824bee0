// Package llmrouter runs a generation request through an ordered plan of
// provider candidates, compacting the conversation to each provider's budget
// and cascading on classified failures.
package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/memory"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/secrets"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/store"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/toolcall"
)

const (
	DefaultAttemptTimeout  = 60 * time.Second
	DefaultRequestDeadline = 3 * time.Minute
	// DefaultShrinkFactor scales the budget for the one retry after a context-length rejection.
	DefaultShrinkFactor = 0.6

	defaultTokenBudget = 8000
	defaultMaxMessages = 30
)

// ErrEmptyConversation is returned for a request without messages.
var ErrEmptyConversation = errors.New("llmrouter: conversation is empty")

// CooldownStore is the caller-held record of rate-limited candidates.
// *cooldown.Store implements it.
type CooldownStore interface {
	IsBlocked(provider, model string) bool
	Record(provider, model string, blockedUntil time.Time) error
}

// Config wires an Orchestrator. Routing, Registry and Secrets are required.
type Config struct {
	Routing  *store.LLMRoutingConfig
	Registry *providers.Registry
	Secrets  secrets.SecretStore
	// Cooldowns is optional; without it every candidate is always eligible.
	Cooldowns       CooldownStore
	AttemptTimeout  time.Duration
	RequestDeadline time.Duration
	ShrinkFactor    float64
	Logger          *slog.Logger
	Now             func() time.Time
}

// Orchestrator is safe for concurrent use; each Generate call owns its plan.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Routing == nil {
		return nil, fmt.Errorf("llmrouter: routing config is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("llmrouter: provider registry is required")
	}
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("llmrouter: secret store is required")
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = DefaultRequestDeadline
	}
	if cfg.ShrinkFactor <= 0 || cfg.ShrinkFactor >= 1 {
		cfg.ShrinkFactor = DefaultShrinkFactor
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Logger = cfg.Logger.With("component", "llmrouter")
	return &Orchestrator{cfg: cfg}, nil
}

// Request is one canonical "generate a reply" call.
type Request struct {
	// Provider and Model optionally pin the first candidate.
	Provider string
	Model    string
	Messages []core.Message
	Params   core.GenerationParams
}

// Cooldown is a rate-limit observed during a request.
type Cooldown struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Until    time.Time `json:"until"`
}

// Result describes how a request was resolved. It is returned on failure too,
// so callers can inspect attempts and persist cooldowns.
type Result struct {
	Response  *core.CanonicalResponse
	Candidate Candidate
	// Attempts counts adapter calls only.
	Attempts  int
	// Errors holds every failure in order, including those that never reached
	// an adapter (key lookup, deadline), so it can be longer than Attempts.
	Errors    []*core.ProviderError
	Cooldowns []Cooldown
}

// Plan returns the candidates Generate would try for req, in order.
func (o *Orchestrator) Plan(req Request) []Candidate {
	in := PlanInput{
		Routing:  o.cfg.Routing,
		Provider: req.Provider,
		Model:    req.Model,
		Usable:   o.usable,
	}
	if o.cfg.Cooldowns != nil {
		in.Blocked = o.cfg.Cooldowns.IsBlocked
	}
	return BuildPlan(in)
}

func (o *Orchestrator) usable(provider string) bool {
	if _, ok := o.cfg.Registry.Get(provider); !ok {
		return false
	}
	entry := o.cfg.Routing.LLMProviders[provider]
	return secrets.Has(o.cfg.Secrets, entry.APIKeyEnv)
}

// Generate runs req through the fallback plan. On success the response has
// been through the tool-call normalizer. Terminal failures are *core.ExhaustedError.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	if len(req.Messages) == 0 {
		return res, ErrEmptyConversation
	}
	plan := o.Plan(req)
	if len(plan) == 0 {
		return res, core.ErrNoCandidates
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestDeadline)
	defer cancel()

	for i, cand := range plan {
		last := i == len(plan)-1
		if err := ctx.Err(); err != nil {
			return res, o.interrupted(res, cand, err)
		}
		resp, err := o.tryCandidate(ctx, cand, req, res)
		if err == nil {
			res.Response = resp
			res.Candidate = cand
			o.cfg.Logger.Info("generation succeeded", "candidate", cand.String(), "attempts", res.Attempts,
				"tool_calls", len(resp.ToolCalls), "prompt_tokens", resp.Usage.PromptTokens)
			return res, nil
		}
		if ctx.Err() != nil {
			return res, o.interrupted(res, cand, ctx.Err())
		}
		pe := res.Errors[len(res.Errors)-1]
		if !pe.Retryable() && !last {
			o.cfg.Logger.Warn("non-retryable failure, advancing", "candidate", cand.String(), "kind", pe.Kind.String())
		}
	}
	return res, o.exhausted(res)
}

// tryCandidate compacts for cand and sends, retrying once on a context-length
// rejection when a tighter compaction actually shrinks the conversation.
func (o *Orchestrator) tryCandidate(ctx context.Context, cand Candidate, req Request, res *Result) (*core.CanonicalResponse, error) {
	adapter, _ := o.cfg.Registry.Get(cand.Provider)
	entry := o.cfg.Routing.LLMProviders[cand.Provider]
	apiKey, err := o.cfg.Secrets.GetSecret(entry.APIKeyEnv)
	if err != nil {
		pe := &core.ProviderError{Kind: core.KindAuthInvalid, Provider: cand.Provider, Model: cand.Model, Message: "API key unavailable", Err: err}
		res.Errors = append(res.Errors, pe)
		return nil, pe
	}

	opts := compactOptions(entry)
	msgs := memory.Compact(req.Messages, opts)
	if len(msgs) < len(req.Messages) {
		o.cfg.Logger.Debug("compacted conversation", "candidate", cand.String(),
			"from", len(req.Messages), "to", len(msgs), "tokens", memory.EstimateConversation(msgs))
	}

	shrunk := false
	for {
		resp, err := o.send(ctx, adapter, cand, apiKey, msgs, req.Params)
		res.Attempts++
		if err == nil {
			return resp, nil
		}
		pe := core.AsProviderError(err, cand.Provider, cand.Model)
		res.Errors = append(res.Errors, pe)
		o.cfg.Logger.Warn("attempt failed", "candidate", cand.String(), "attempt", res.Attempts,
			"kind", pe.Kind.String(), "status", pe.Status, "error", secrets.Redact(pe.Message, apiKey))

		switch pe.Kind {
		case core.KindRateLimited:
			o.recordCooldown(res, cand, pe.RetryAfter)
		case core.KindContextTooLong:
			if shrunk || ctx.Err() != nil {
				break
			}
			opts = memory.Shrink(opts, msgs, o.cfg.ShrinkFactor)
			smaller := memory.Compact(msgs, opts)
			if len(smaller) < len(msgs) || memory.EstimateConversation(smaller) < memory.EstimateConversation(msgs) {
				o.cfg.Logger.Info("retrying with tighter compaction", "candidate", cand.String(),
					"messages", len(smaller), "tokens", memory.EstimateConversation(smaller))
				msgs = smaller
				shrunk = true
				continue
			}
		}
		return nil, pe
	}
}

func (o *Orchestrator) send(ctx context.Context, adapter core.Adapter, cand Candidate, apiKey string, msgs []core.Message, params core.GenerationParams) (*core.CanonicalResponse, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()
	resp, err := adapter.Send(actx, cand.Model, apiKey, msgs, params)
	if err != nil {
		return nil, err
	}
	if !resp.HasContent() {
		return nil, &core.ProviderError{Kind: core.KindMalformedResponse, Provider: cand.Provider, Model: cand.Model, Message: "empty response"}
	}
	out := toolcall.Normalize(resp)
	if out.Provider == "" {
		out.Provider = cand.Provider
	}
	if out.Model == "" {
		out.Model = cand.Model
	}
	return out, nil
}

func (o *Orchestrator) recordCooldown(res *Result, cand Candidate, until time.Time) {
	now := o.cfg.Now()
	if until.Before(now) {
		until = providers.NextUTCMidnight(now)
	}
	res.Cooldowns = append(res.Cooldowns, Cooldown{Provider: cand.Provider, Model: cand.Model, Until: until})
	if o.cfg.Cooldowns == nil {
		return
	}
	if err := o.cfg.Cooldowns.Record(cand.Provider, cand.Model, until); err != nil {
		o.cfg.Logger.Warn("persist cooldown failed", "candidate", cand.String(), "error", err)
	}
}

// interrupted ends the cascade when the request context is done, either by
// the deadline or by the caller cancelling.
func (o *Orchestrator) interrupted(res *Result, cand Candidate, cause error) error {
	msg := "request cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = "request deadline exceeded"
	}
	pe := &core.ProviderError{
		Kind:     core.KindTransport,
		Provider: cand.Provider,
		Model:    cand.Model,
		Message:  msg,
		Err:      cause,
	}
	res.Errors = append(res.Errors, pe)
	o.cfg.Logger.Warn(msg, "attempts", res.Attempts)
	return &core.ExhaustedError{Last: pe, Attempts: res.Attempts, Errors: res.Errors}
}

func (o *Orchestrator) exhausted(res *Result) error {
	var last *core.ProviderError
	if n := len(res.Errors); n > 0 {
		last = res.Errors[n-1]
	}
	o.cfg.Logger.Error("all candidates failed", "attempts", res.Attempts)
	return &core.ExhaustedError{Last: last, Attempts: res.Attempts, Errors: res.Errors}
}

func compactOptions(entry store.LLMProviderEntry) memory.Options {
	budget := entry.TokenBudget
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	maxMsgs := entry.MaxMessages
	if maxMsgs <= 0 {
		maxMsgs = defaultMaxMessages
	}
	return memory.DefaultOptions(maxMsgs, budget)
}
