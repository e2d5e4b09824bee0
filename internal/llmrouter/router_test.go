package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/secrets"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/store"
)

type reply struct {
	resp *core.CanonicalResponse
	err  error
}

// scriptedAdapter returns its replies in order, repeating the last one.
type scriptedAdapter struct {
	name    string
	replies []reply
	block   bool

	mu    sync.Mutex
	calls [][]core.Message
}

func (s *scriptedAdapter) Name() string     { return s.name }
func (s *scriptedAdapter) Endpoint() string { return "fake://" + s.name }
func (s *scriptedAdapter) Send(ctx context.Context, model, apiKey string, messages []core.Message, params core.GenerationParams) (*core.CanonicalResponse, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, messages)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, &core.ProviderError{Kind: core.KindTransport, Provider: s.name, Model: model, Err: ctx.Err()}
	}
	r := s.replies[min(n, len(s.replies)-1)]
	return r.resp, r.err
}

func (s *scriptedAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func ok(text string) reply { return reply{resp: &core.CanonicalResponse{Text: text}} }

func fail(kind core.ErrorKind) reply {
	return reply{err: &core.ProviderError{Kind: kind, Message: kind.String()}}
}

type fakeCooldowns struct {
	mu      sync.Mutex
	blocked map[string]time.Time
}

func (f *fakeCooldowns) IsBlocked(provider, model string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocked[provider+"/"+model]
	return ok
}

func (f *fakeCooldowns) Record(provider, model string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked == nil {
		f.blocked = map[string]time.Time{}
	}
	f.blocked[provider+"/"+model] = until
	return nil
}

func routing(budget int) *store.LLMRoutingConfig {
	entry := func(name string) store.LLMProviderEntry {
		return store.LLMProviderEntry{Type: name, APIKeyEnv: strings.ToUpper(name) + "_KEY", TokenBudget: budget, MaxMessages: 40}
	}
	return &store.LLMRoutingConfig{
		LLMProviders: map[string]store.LLMProviderEntry{"a": entry("a"), "b": entry("b"), "c": entry("c")},
		Fallback: []store.ModelRouteEntry{
			{Provider: "a", Model: "a1"},
			{Provider: "b", Model: "b1"},
			{Provider: "c", Model: "c1"},
		},
	}
}

var allKeys = secrets.StaticSecretStore{"A_KEY": "key-aaaa", "B_KEY": "key-bbbb", "C_KEY": "key-cccc"}

func newOrchestrator(t *testing.T, rc *store.LLMRoutingConfig, keys secrets.SecretStore, cd CooldownStore, adapters ...core.Adapter) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Routing:         rc,
		Registry:        providers.NewRegistry(adapters...),
		Secrets:         keys,
		Cooldowns:       cd,
		AttemptTimeout:  time.Second,
		RequestDeadline: 5 * time.Second,
	})
	require.NoError(t, err)
	return o
}

func conversation(n int) []core.Message {
	msgs := []core.Message{{Role: core.RoleSystem, Content: "you are helpful"}}
	for i := 1; i <= n; i++ {
		role := core.RoleUser
		if i%2 == 0 {
			role = core.RoleAssistant
		}
		msgs = append(msgs, core.Message{Role: role, Content: fmt.Sprintf("turn %d %s", i, strings.Repeat("lorem ipsum ", 20))})
	}
	return msgs
}

func TestGenerate_PrimarySucceeds(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{ok("hello")}}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("unused")}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, b)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(3)})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Response.Text)
	assert.Equal(t, Candidate{"a", "a1"}, res.Candidate)
	assert.Equal(t, "a", res.Response.Provider)
	assert.Equal(t, "a1", res.Response.Model)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, b.callCount())
}

func TestGenerate_RateLimitAdvancesAndRecordsCooldown(t *testing.T) {
	until := time.Now().Add(time.Hour)
	a := &scriptedAdapter{name: "a", replies: []reply{{err: &core.ProviderError{Kind: core.KindRateLimited, Status: 429, RetryAfter: until}}}}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("from b")}}
	cd := &fakeCooldowns{}
	o := newOrchestrator(t, routing(100000), allKeys, cd, a, b)

	msgs := conversation(5)
	res, err := o.Generate(context.Background(), Request{Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, "from b", res.Response.Text)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Cooldowns, 1)
	assert.Equal(t, Cooldown{Provider: "a", Model: "a1", Until: until}, res.Cooldowns[0])
	assert.True(t, cd.IsBlocked("a", "a1"))
	assert.Equal(t, 1, a.callCount(), "rate limit is not retried on the same candidate")
	assert.Equal(t, msgs, b.calls[0], "no recompaction when the conversation already fits")

	// The next request skips the cooling-down primary.
	res, err = o.Generate(context.Background(), Request{Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, Candidate{"b", "b1"}, res.Candidate)
	assert.Equal(t, 1, a.callCount())
}

func TestGenerate_RateLimitWithoutRetryAfterUsesMidnight(t *testing.T) {
	now := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	a := &scriptedAdapter{name: "a", replies: []reply{fail(core.KindRateLimited)}}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("ok")}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, b)
	o.cfg.Now = func() time.Time { return now }

	res, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	require.NoError(t, err)
	require.Len(t, res.Cooldowns, 1)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), res.Cooldowns[0].Until)
}

func TestGenerate_ContextTooLongRecompactsSameCandidate(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{fail(core.KindContextTooLong), ok("fits now")}}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("unused")}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, b)

	msgs := conversation(19)
	res, err := o.Generate(context.Background(), Request{Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, "fits now", res.Response.Text)
	assert.Equal(t, Candidate{"a", "a1"}, res.Candidate)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, a.calls, 2)
	assert.Less(t, len(a.calls[1]), len(a.calls[0]))
	assert.Equal(t, msgs[len(msgs)-1], a.calls[1][len(a.calls[1])-1], "last user turn survives")
	assert.Zero(t, b.callCount())
}

func TestGenerate_ContextTooLongTwiceAdvances(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{fail(core.KindContextTooLong)}}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("b ok")}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, b)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(19)})
	require.NoError(t, err)
	assert.Equal(t, 2, a.callCount())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, Candidate{"b", "b1"}, res.Candidate)
}

func TestGenerate_ContextTooLongWithoutShrinkAdvances(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{fail(core.KindContextTooLong)}}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("b ok")}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, b)

	res, err := o.Generate(context.Background(), Request{Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, a.callCount(), "a single short turn cannot shrink")
	assert.Equal(t, 2, res.Attempts)
}

func TestGenerate_CompactsToProviderBudget(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{ok("ok")}}
	rc := routing(300)
	o := newOrchestrator(t, rc, allKeys, nil, a)

	msgs := conversation(39)
	_, err := o.Generate(context.Background(), Request{Messages: msgs})
	require.NoError(t, err)
	sent := a.calls[0]
	assert.Less(t, len(sent), len(msgs))
	assert.Equal(t, core.RoleSystem, sent[0].Role)
	assert.Equal(t, msgs[len(msgs)-1], sent[len(sent)-1])
}

func TestGenerate_AuthEverywhereExhausts(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{fail(core.KindAuthInvalid)}}
	b := &scriptedAdapter{name: "b", replies: []reply{fail(core.KindAuthInvalid)}}
	c := &scriptedAdapter{name: "c", replies: []reply{fail(core.KindAuthInvalid)}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, b, c)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	var ex *core.ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 3, ex.Attempts)
	assert.Len(t, ex.Errors, 3)
	assert.ErrorIs(t, err, core.ErrAuthInvalid)
	assert.Nil(t, res.Response)
}

func TestGenerate_MalformedOnLastCandidateExhausts(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{fail(core.KindModelUnavailable)}}
	b := &scriptedAdapter{name: "b", replies: []reply{{resp: &core.CanonicalResponse{Text: "  "}}}}
	keys := secrets.StaticSecretStore{"A_KEY": "key-aaaa", "B_KEY": "key-bbbb"}
	o := newOrchestrator(t, routing(100000), keys, nil, a, b)

	_, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	assert.ErrorIs(t, err, core.ErrMalformedResponse)
	var ex *core.ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 2, ex.Attempts)
}

func TestGenerate_SkipsProvidersWithoutKeys(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{ok("a")}}
	c := &scriptedAdapter{name: "c", replies: []reply{ok("c")}}
	o := newOrchestrator(t, routing(100000), secrets.StaticSecretStore{"C_KEY": "key-cccc"}, nil, a, c)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	require.NoError(t, err)
	assert.Equal(t, "c", res.Response.Text)
	assert.Zero(t, a.callCount())
}

func TestGenerate_NoCandidates(t *testing.T) {
	o := newOrchestrator(t, routing(100000), secrets.StaticSecretStore{}, nil, &scriptedAdapter{name: "a"})
	_, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	assert.ErrorIs(t, err, core.ErrNoCandidates)

	_, err = o.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyConversation)
}

func TestGenerate_NormalizesFreeTextToolCalls(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{ok(`Checking. <function>get_weather{"city": "Jakarta"}</function>`)}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	require.NoError(t, err)
	require.Len(t, res.Response.ToolCalls, 1)
	assert.Equal(t, "get_weather", res.Response.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Jakarta"}`, res.Response.ToolCalls[0].ArgumentsJSON)
	assert.Equal(t, "Checking.", res.Response.Text)
	assert.Equal(t, "tool_calls", res.Response.FinishReason)
}

func TestGenerate_PreferredCandidateFirst(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{ok("a")}}
	c := &scriptedAdapter{name: "c", replies: []reply{ok("c")}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, c)

	res, err := o.Generate(context.Background(), Request{Provider: "c", Model: "c-large", Messages: conversation(1)})
	require.NoError(t, err)
	assert.Equal(t, Candidate{"c", "c-large"}, res.Candidate)
}

func TestGenerate_DeadlineEndsCascade(t *testing.T) {
	a := &scriptedAdapter{name: "a", block: true}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("late")}}
	o, err := New(Config{
		Routing:         routing(100000),
		Registry:        providers.NewRegistry(a, b),
		Secrets:         allKeys,
		AttemptTimeout:  time.Second,
		RequestDeadline: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	var ex *core.ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "request deadline exceeded", ex.Last.Message)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, b.callCount())
}

func TestGenerate_CallerCancelEndsCascade(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{ok("never")}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Generate(ctx, Request{Messages: conversation(1)})
	var ex *core.ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "request cancelled", ex.Last.Message)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, a.callCount())
}

// revokingStore forgets a key after it has been looked up once.
type revokingStore struct {
	mu     sync.Mutex
	keys   secrets.StaticSecretStore
	revoke string
	seen   int
}

func (s *revokingStore) GetSecret(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.revoke {
		s.seen++
		if s.seen > 1 {
			return "", secrets.ErrNotFound
		}
	}
	return s.keys.GetSecret(key)
}

func TestGenerate_KeyLookupFailureIsNotAnAttempt(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{ok("a")}}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("b")}}
	keys := &revokingStore{keys: allKeys, revoke: "A_KEY"}
	o := newOrchestrator(t, routing(100000), keys, nil, a, b)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Response.Text)
	assert.Zero(t, a.callCount())
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, core.KindAuthInvalid, res.Errors[0].Kind)
}

func TestGenerate_AttemptTimeoutAdvances(t *testing.T) {
	a := &scriptedAdapter{name: "a", block: true}
	b := &scriptedAdapter{name: "b", replies: []reply{ok("b")}}
	o, err := New(Config{
		Routing:         routing(100000),
		Registry:        providers.NewRegistry(a, b),
		Secrets:         allKeys,
		AttemptTimeout:  30 * time.Millisecond,
		RequestDeadline: 5 * time.Second,
	})
	require.NoError(t, err)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(1)})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Response.Text)
	assert.Equal(t, 2, res.Attempts)
}

func TestGenerate_AttemptsBoundedByTwicePlan(t *testing.T) {
	a := &scriptedAdapter{name: "a", replies: []reply{fail(core.KindContextTooLong)}}
	b := &scriptedAdapter{name: "b", replies: []reply{fail(core.KindTransport)}}
	c := &scriptedAdapter{name: "c", replies: []reply{fail(core.KindContextTooLong)}}
	o := newOrchestrator(t, routing(100000), allKeys, nil, a, b, c)

	res, err := o.Generate(context.Background(), Request{Messages: conversation(29)})
	require.Error(t, err)
	assert.LessOrEqual(t, res.Attempts, 6)
	assert.Equal(t, 5, res.Attempts)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Routing: routing(1)})
	assert.Error(t, err)
	_, err = New(Config{Routing: routing(1), Registry: providers.NewRegistry()})
	assert.Error(t, err)
}
