// Package providers holds what every backend adapter shares: the explicit
// adapter registry, HTTP plumbing and error classification heuristics.
package providers

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
)

// Options configure one adapter instance. Zero values select the backend defaults.
type Options struct {
	// BaseURL overrides the backend endpoint (tests point this at httptest servers).
	BaseURL string
	// HTTPClient is used for every call; nil means a client with DefaultHTTPTimeout.
	HTTPClient *http.Client
	// MaxOutputTokens lowers the adapter's own max_tokens ceiling when > 0.
	MaxOutputTokens int
	Logger          *slog.Logger
	// Now is the clock used for retry-after defaults.
	Now func() time.Time
}

// DefaultHTTPTimeout backs the per-attempt deadline when no client is supplied.
const DefaultHTTPTimeout = 120 * time.Second

// WithDefaults fills nil fields.
func (o Options) WithDefaults(defaultBaseURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Registry maps provider ids to adapters. It is built once at startup and
// injected into the orchestrator; there is no package-level registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]core.Adapter
}

// NewRegistry registers each adapter under its Name().
func NewRegistry(adapters ...core.Adapter) *Registry {
	r := &Registry{adapters: make(map[string]core.Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a core.Adapter) {
	r.RegisterAs(a.Name(), a)
}

// RegisterAs adds an adapter under an explicit id, for routing entries whose
// name differs from the adapter type (e.g. two together accounts).
func (r *Registry) RegisterAs(name string, a core.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (core.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns registered ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
