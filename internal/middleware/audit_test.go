package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
)

const testKey = "sk-secret-abcdef123456"

type mockAdapter struct {
	resp *core.CanonicalResponse
	err  error
}

func (m *mockAdapter) Name() string     { return "mock" }
func (m *mockAdapter) Endpoint() string { return "https://mock.local/v1" }
func (m *mockAdapter) Send(ctx context.Context, model, apiKey string, messages []core.Message, params core.GenerationParams) (*core.CanonicalResponse, error) {
	return m.resp, m.err
}

type memorySink struct {
	mu   sync.Mutex
	recs []core.AuditRecord
	err  error
}

func (s *memorySink) Record(ctx context.Context, rec core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func TestAuditedAdapter_RecordsSuccess(t *testing.T) {
	sink := &memorySink{}
	inner := &mockAdapter{resp: &core.CanonicalResponse{Text: "hi", Usage: core.Usage{PromptTokens: 10, CompletionTokens: 2}}}
	a := NewAuditedAdapter("", inner, sink, nil)

	msgs := []core.Message{{Role: core.RoleUser, Content: "my key is " + testKey}}
	resp, err := a.Send(context.Background(), "m1", testKey, msgs, core.GenerationParams{MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)

	require.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	assert.Equal(t, "mock", rec.Provider)
	assert.Equal(t, "https://mock.local/v1", rec.Endpoint)
	assert.Equal(t, "m1", rec.Model)
	assert.True(t, rec.Success)
	assert.Equal(t, 1, rec.MessageCount)
	assert.Equal(t, 10, rec.PromptTokensEstimate)
	assert.Equal(t, 2, rec.CompletionTokensEstimate)
	assert.NotContains(t, rec.Request, testKey)
	assert.Contains(t, rec.Response, `"text":"hi"`)
	assert.Empty(t, rec.Error)
}

func TestAuditedAdapter_RecordsFailure(t *testing.T) {
	sink := &memorySink{}
	inner := &mockAdapter{err: &core.ProviderError{Kind: core.KindAuthInvalid, Provider: "mock", Message: "bad key " + testKey}}
	a := NewAuditedAdapter("", inner, sink, nil)

	_, err := a.Send(context.Background(), "m1", testKey, []core.Message{{Role: core.RoleUser, Content: "hi"}}, core.GenerationParams{})
	require.ErrorIs(t, err, core.ErrAuthInvalid)
	require.Len(t, sink.recs, 1)
	assert.False(t, sink.recs[0].Success)
	assert.Empty(t, sink.recs[0].Response)
	assert.NotEmpty(t, sink.recs[0].Error)
	assert.NotContains(t, sink.recs[0].Error, testKey)
	assert.Positive(t, sink.recs[0].PromptTokensEstimate)
}

func TestAuditedAdapter_SinkFailureIsSwallowed(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	inner := &mockAdapter{resp: &core.CanonicalResponse{Text: "ok"}}
	a := NewAuditedAdapter("", inner, sink, nil)

	resp, err := a.Send(context.Background(), "m", testKey, nil, core.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestAuditedAdapter_CancelledContextStillRecords(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditedAdapter("", &mockAdapter{err: context.Canceled}, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Send(ctx, "m", testKey, nil, core.GenerationParams{})
	require.Error(t, err)
	assert.Len(t, sink.recs, 1)
}

func TestAuditedAdapter_TruncatesPayload(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditedAdapter("", &mockAdapter{resp: &core.CanonicalResponse{Text: strings.Repeat("x", 5000)}}, sink, nil).WithMaxPayload(200)

	_, err := a.Send(context.Background(), "m", testKey, []core.Message{{Role: core.RoleUser, Content: strings.Repeat("y", 5000)}}, core.GenerationParams{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(sink.recs[0].Request)), 220)
	assert.Contains(t, sink.recs[0].Response, "truncated")
}

func TestAuditedAdapter_NilSinkPassesThrough(t *testing.T) {
	a := NewAuditedAdapter("", &mockAdapter{resp: &core.CanonicalResponse{Text: "ok"}}, nil, nil)
	assert.Equal(t, "mock", a.Name())
	resp, err := a.Send(context.Background(), "m", testKey, nil, core.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestAuditedAdapter_RecordsRoutingID(t *testing.T) {
	sink := &memorySink{}
	work := NewAuditedAdapter("together-work", &mockAdapter{resp: &core.CanonicalResponse{Text: "a"}}, sink, nil)
	home := NewAuditedAdapter("together-home", &mockAdapter{resp: &core.CanonicalResponse{Text: "b"}}, sink, nil)
	assert.Equal(t, "together-work", work.Name())

	msgs := []core.Message{{Role: core.RoleUser, Content: "hi"}}
	_, err := work.Send(context.Background(), "m", "k1", msgs, core.GenerationParams{})
	require.NoError(t, err)
	_, err = home.Send(context.Background(), "m", "k2", msgs, core.GenerationParams{})
	require.NoError(t, err)

	require.Len(t, sink.recs, 2)
	assert.Equal(t, "together-work", sink.recs[0].Provider)
	assert.Equal(t, "together-home", sink.recs[1].Provider)
}
