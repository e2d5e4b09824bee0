package providers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string     { return s.name }
func (s stubAdapter) Endpoint() string { return "http://stub" }
func (s stubAdapter) Send(context.Context, string, string, []core.Message, core.GenerationParams) (*core.CanonicalResponse, error) {
	return &core.CanonicalResponse{Text: "ok"}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{"together"}, stubAdapter{"gemini"})
	r.RegisterAs("together-backup", stubAdapter{"together"})

	assert.Equal(t, []string{"gemini", "together", "together-backup"}, r.Names())
	a, ok := r.Get("gemini")
	require.True(t, ok)
	assert.Equal(t, "gemini", a.Name())
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   core.ErrorKind
	}{
		{401, `{"error":"bad"}`, core.KindAuthInvalid},
		{403, "", core.KindAuthInvalid},
		{429, "", core.KindRateLimited},
		{413, "", core.KindContextTooLong},
		{400, `{"message":"This model's maximum context length is 8192 tokens"}`, core.KindContextTooLong},
		{422, "Input token count exceeds limit", core.KindContextTooLong},
		{400, "Quota exceeded for metric", core.KindRateLimited},
		{404, "", core.KindModelUnavailable},
		{400, "No endpoints found for meta-llama/x", core.KindModelUnavailable},
		{503, "", core.KindModelUnavailable},
		{529, "", core.KindModelUnavailable},
		{400, "API key not valid. Please pass a valid API key.", core.KindAuthInvalid},
		{500, "internal error", core.KindTransport},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStatus(tt.status, tt.body), "%d %s", tt.status, tt.body)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("Retry-After", "20")
	assert.Equal(t, now.Add(20*time.Second), RetryAfter(h, 0, now))

	h.Set("Retry-After", now.Add(time.Hour).Format(http.TimeFormat))
	assert.Equal(t, now.Add(time.Hour), RetryAfter(h, 0, now))

	h.Set("Retry-After", now.Add(-time.Hour).Format(http.TimeFormat))
	assert.Equal(t, now, RetryAfter(h, 0, now), "past dates clamp to now")

	assert.Equal(t, now.Add(37*time.Second), RetryAfter(http.Header{}, 37*time.Second, now))
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), RetryAfter(http.Header{}, 0, now))
}

func TestRetryAfter_HugeOrInvalidValues(t *testing.T) {
	now := time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)
	midnight := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Time
	}{
		{"1e10", now.Add(MaxRetryDelay)},
		{"99999999999", now.Add(MaxRetryDelay)},
		{"Inf", midnight},
		{"+Inf", midnight},
		{"NaN", midnight},
		{"-5", midnight},
		{now.AddDate(1, 0, 0).Format(http.TimeFormat), now.Add(MaxRetryDelay)},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			h := http.Header{}
			h.Set("Retry-After", tt.value)
			got := RetryAfter(h, 0, now)
			assert.Equal(t, tt.want, got)
			assert.False(t, got.Before(now))
		})
	}

	assert.Equal(t, now.Add(MaxRetryDelay), RetryAfter(http.Header{}, time.Duration(math.MaxInt64), now))
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		assert.Empty(t, r.Header.Get("X-Empty"))
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`short and stout`))
	}))
	defer srv.Close()

	resp, err := PostJSON(context.Background(), srv.Client(), srv.URL, map[string]string{"X-Test": "v", "X-Empty": ""}, map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.False(t, resp.OK())
	assert.Equal(t, "short and stout", string(resp.Body))
}

func TestErrorsRedactKey(t *testing.T) {
	key := "sk-live-0123456789abcdef"
	now := time.Now()

	pe := HTTPError("together", "m", core.KindRateLimited, &Response{Status: 429, Header: http.Header{}, Body: []byte("bad key " + key)}, "", 0, now, key)
	assert.NotContains(t, pe.Error(), key)
	assert.False(t, pe.RetryAfter.Before(now))

	te := TransportError("together", "m", errors.New("dial https://x/?key="+key), key)
	assert.NotContains(t, te.Error(), key)
	assert.Equal(t, core.KindTransport, te.Kind)

	me := MalformedError("together", "m", "no choices", []byte(strings.Repeat("x", 5000)), key)
	assert.Equal(t, core.KindMalformedResponse, me.Kind)
	assert.Less(t, len([]rune(me.Message)), 700)
}

func TestClampMaxTokens(t *testing.T) {
	assert.Equal(t, 4096, ClampMaxTokens(100000, 4096, 0, 0))
	assert.Equal(t, 2000, ClampMaxTokens(100000, 4096, 2000, 0))
	assert.Equal(t, 1024, ClampMaxTokens(0, 8192, 0, 1024))
	assert.Equal(t, 0, ClampMaxTokens(0, 4096, 0, 0))
	assert.Equal(t, 512, ClampMaxTokens(512, 4096, 0, 0))
}
