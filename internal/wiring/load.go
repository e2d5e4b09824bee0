// Package wiring assembles the orchestrator from configuration: routing,
// adapters, audit store and cooldown record.
package wiring

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/config"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/cooldown"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/llmrouter"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/middleware"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers/anthropic"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers/gemini"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers/openrouter"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/providers/together"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/store"
)

// AdapterFactory builds an adapter for one provider entry.
type AdapterFactory func(opts providers.Options) core.Adapter

// Factories returns the built-in adapter constructors keyed by provider type.
func Factories() map[string]AdapterFactory {
	return map[string]AdapterFactory{
		gemini.Name:     func(o providers.Options) core.Adapter { return gemini.New(o) },
		together.Name:   func(o providers.Options) core.Adapter { return together.New(o) },
		openrouter.Name: func(o providers.Options) core.Adapter { return openrouter.New(o) },
		anthropic.Name:  func(o providers.Options) core.Adapter { return anthropic.New(o) },
	}
}

// RegistryOptions tune BuildRegistry.
type RegistryOptions struct {
	Factories  map[string]AdapterFactory // nil means Factories()
	Sink       core.AuditSink            // nil disables auditing
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// BuildRegistry creates one adapter per routing entry, wrapped with auditing.
// Entries with an unknown type, or whose constructor fails, are skipped with
// a warning so the remaining providers stay usable.
func BuildRegistry(rc *store.LLMRoutingConfig, ro RegistryOptions) *providers.Registry {
	if ro.Factories == nil {
		ro.Factories = Factories()
	}
	if ro.Logger == nil {
		ro.Logger = slog.Default()
	}
	reg := providers.NewRegistry()
	if rc == nil {
		return reg
	}
	names := make([]string, 0, len(rc.LLMProviders))
	for name := range rc.LLMProviders {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := rc.LLMProviders[name]
		factory, ok := ro.Factories[entry.Type]
		if !ok {
			ro.Logger.Warn("unknown provider type, skipping", "component", "wiring", "provider", name, "type", entry.Type)
			continue
		}
		adapter, err := safeInit(factory, providers.Options{
			BaseURL:         entry.BaseURL,
			HTTPClient:      ro.HTTPClient,
			MaxOutputTokens: entry.MaxOutputTokens,
			Logger:          ro.Logger,
		})
		if err != nil {
			ro.Logger.Warn("provider init failed, skipping", "component", "wiring", "provider", name, "error", err)
			continue
		}
		reg.RegisterAs(name, middleware.NewAuditedAdapter(name, adapter, ro.Sink, ro.Logger))
	}
	return reg
}

func safeInit(f AdapterFactory, opts providers.Options) (a core.Adapter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	a = f(opts)
	if a == nil {
		return nil, fmt.Errorf("factory returned nil adapter")
	}
	return a, nil
}

type panicError struct {
	Reason any
}

func (e panicError) Error() string {
	return fmt.Sprintf("panic during initialization: %v", e.Reason)
}

// App is the fully wired runtime.
type App struct {
	Config       *config.Config
	Routing      *store.LLMRoutingConfig
	DB           *store.DB
	Audit        *store.AuditStore
	Cooldowns    *cooldown.Store
	Registry     *providers.Registry
	Orchestrator *llmrouter.Orchestrator
}

// Load opens the audit database (when configured), loads routing and builds
// the orchestrator.
func Load(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rc, err := store.LoadLLMRoutingOrDefault(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("load routing: %w", err)
	}
	app := &App{Config: cfg, Routing: rc, Cooldowns: cooldown.New(cfg.ConfigDir)}

	var sink core.AuditSink
	if cfg.DBPath != "" {
		db, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit db: %w", err)
		}
		app.DB = db
		app.Audit = store.NewAuditStore(db).WithLimits(cfg.AuditMaxEntries, cfg.AuditMaxAgeDays)
		sink = app.Audit
	}

	app.Registry = BuildRegistry(rc, RegistryOptions{Sink: sink, Logger: logger})
	app.Orchestrator, err = llmrouter.New(llmrouter.Config{
		Routing:         rc,
		Registry:        app.Registry,
		Secrets:         cfg.Secrets(),
		Cooldowns:       app.Cooldowns,
		AttemptTimeout:  cfg.AttemptTimeout.Std(),
		RequestDeadline: cfg.RequestDeadline.Std(),
		Logger:          logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Close releases the audit database.
func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
