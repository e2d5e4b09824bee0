package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLMProviderEntry describes one LLM provider (gemini, together, openrouter, anthropic).
type LLMProviderEntry struct {
	Type            string `json:"type" yaml:"type"` // adapter kind; defaults to the entry name
	APIKeyEnv       string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL         string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// MaxOutputTokens clamps GenerationParams.MaxTokens; 0 uses the adapter ceiling.
	MaxOutputTokens int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	// TokenBudget is the estimated prompt budget the compactor targets before calling this provider.
	TokenBudget int `json:"token_budget,omitempty" yaml:"token_budget,omitempty"`
	// MaxMessages caps the conversation length sent to this provider.
	MaxMessages int `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`
}

// ModelRouteEntry describes which provider and model to use for a route.
type ModelRouteEntry struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

func (r ModelRouteEntry) String() string { return r.Provider + "/" + r.Model }

// LLMRoutingConfig holds llm_providers, the fallback chain and named routes.
type LLMRoutingConfig struct {
	LLMProviders map[string]LLMProviderEntry `json:"llm_providers" yaml:"llm_providers"`
	// Fallback is the ordered candidate chain tried after the caller's preferred route.
	Fallback     []ModelRouteEntry           `json:"fallback" yaml:"fallback"`
	ModelRouting map[string]ModelRouteEntry  `json:"model_routing,omitempty" yaml:"model_routing,omitempty"`
}

const (
	llmRoutingFilename     = "llm_routing.json"
	llmRoutingYAMLFilename = "llm_routing.yaml"
)

// DefaultLLMRouting is used when no routing file exists.
func DefaultLLMRouting() *LLMRoutingConfig {
	return &LLMRoutingConfig{
		LLMProviders: map[string]LLMProviderEntry{
			"gemini":     {Type: "gemini", APIKeyEnv: "GEMINI_API_KEY", TokenBudget: 30000, MaxMessages: 40},
			"together":   {Type: "together", APIKeyEnv: "TOGETHER_API_KEY", TokenBudget: 6000, MaxMessages: 20},
			"openrouter": {Type: "openrouter", APIKeyEnv: "OPENROUTER_API_KEY", TokenBudget: 12000, MaxMessages: 30},
			"anthropic":  {Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", TokenBudget: 30000, MaxMessages: 40},
		},
		Fallback: []ModelRouteEntry{
			{Provider: "gemini", Model: "gemini-2.0-flash"},
			{Provider: "together", Model: "meta-llama/Llama-3.3-70B-Instruct-Turbo"},
			{Provider: "openrouter", Model: "meta-llama/llama-3.3-70b-instruct"},
			{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
		},
		ModelRouting: map[string]ModelRouteEntry{
			"default": {Provider: "gemini", Model: "gemini-2.0-flash"},
		},
	}
}

// LoadLLMRouting reads llm_routing.json (or llm_routing.yaml) from dir. If neither exists, returns (nil, nil).
func LoadLLMRouting(dir string) (*LLMRoutingConfig, error) {
	var c LLMRoutingConfig
	data, err := os.ReadFile(filepath.Join(dir, llmRoutingFilename))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", llmRoutingFilename, err)
		}
	case os.IsNotExist(err):
		data, err = os.ReadFile(filepath.Join(dir, llmRoutingYAMLFilename))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", llmRoutingYAMLFilename, err)
		}
	default:
		return nil, err
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadLLMRoutingOrDefault is LoadLLMRouting with DefaultLLMRouting for a missing file.
func LoadLLMRoutingOrDefault(dir string) (*LLMRoutingConfig, error) {
	c, err := LoadLLMRouting(dir)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return DefaultLLMRouting(), nil
	}
	return c, nil
}

// SaveLLMRouting writes llm_routing.json to dir.
func SaveLLMRouting(dir string, c *LLMRoutingConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	p := filepath.Join(dir, llmRoutingFilename)
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0600)
}

func (c *LLMRoutingConfig) normalize() {
	if c.LLMProviders == nil {
		c.LLMProviders = make(map[string]LLMProviderEntry)
	}
	if c.ModelRouting == nil {
		c.ModelRouting = make(map[string]ModelRouteEntry)
	}
	for name, p := range c.LLMProviders {
		if p.Type == "" {
			p.Type = name
		}
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = strings.ToUpper(name) + "_API_KEY"
		}
		c.LLMProviders[name] = p
	}
}

// Validate checks that every route references a declared provider.
func (c *LLMRoutingConfig) Validate() error {
	for i, r := range c.Fallback {
		if r.Provider == "" || r.Model == "" {
			return fmt.Errorf("fallback[%d]: provider and model are required", i)
		}
		if _, ok := c.LLMProviders[r.Provider]; !ok {
			return fmt.Errorf("fallback[%d]: unknown provider %q", i, r.Provider)
		}
	}
	for name, r := range c.ModelRouting {
		if r.Provider == "" {
			continue
		}
		if _, ok := c.LLMProviders[r.Provider]; !ok {
			return fmt.Errorf("model_routing[%s]: unknown provider %q", name, r.Provider)
		}
	}
	return nil
}

// HasDefaultRoute returns true if config has a non-empty "default" route.
func (c *LLMRoutingConfig) HasDefaultRoute() bool {
	if c == nil {
		return false
	}
	r, ok := c.ModelRouting["default"]
	return ok && r.Provider != "" && r.Model != ""
}

// DefaultModel returns the model to use for provider when the caller names none:
// the default route if it targets provider, else the first fallback entry for it.
func (c *LLMRoutingConfig) DefaultModel(provider string) string {
	if c == nil {
		return ""
	}
	if r, ok := c.ModelRouting["default"]; ok && r.Provider == provider && r.Model != "" {
		return r.Model
	}
	for _, r := range c.Fallback {
		if r.Provider == provider {
			return r.Model
		}
	}
	return ""
}
