package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLLMRouting_MissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadLLMRouting(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadLLMRoutingOrDefault(dir)
	require.NoError(t, err)
	assert.True(t, cfg.HasDefaultRoute())
	assert.Len(t, cfg.Fallback, 4)
	require.NoError(t, cfg.Validate())
}

func TestLoadLLMRouting_ValidJSON(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{
		"llm_providers": {
			"openrouter": {"type": "openrouter", "api_key_env": "OPENROUTER_API_KEY", "base_url": "https://openrouter.ai/api/v1"},
			"together": {}
		},
		"fallback": [
			{"provider": "openrouter", "model": "anthropic/claude-3.5-sonnet"},
			{"provider": "together", "model": "meta-llama/Llama-3.3-70B-Instruct-Turbo"}
		],
		"model_routing": {
			"default": {"provider": "openrouter", "model": "anthropic/claude-3.5-sonnet"}
		}
	}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, llmRoutingFilename), data, 0600))

	cfg, err := LoadLLMRouting(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "openrouter", cfg.LLMProviders["openrouter"].Type)
	// Missing type and key env are derived from the entry name.
	assert.Equal(t, "together", cfg.LLMProviders["together"].Type)
	assert.Equal(t, "TOGETHER_API_KEY", cfg.LLMProviders["together"].APIKeyEnv)
	assert.Len(t, cfg.Fallback, 2)
	assert.True(t, cfg.HasDefaultRoute())
	assert.Equal(t, "meta-llama/Llama-3.3-70B-Instruct-Turbo", cfg.DefaultModel("together"))
}

func TestLoadLLMRouting_YAML(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`
llm_providers:
  gemini:
    api_key_env: MY_GEMINI_KEY
    token_budget: 8000
  anthropic:
    type: anthropic
fallback:
  - provider: gemini
    model: gemini-2.0-flash
  - provider: anthropic
    model: claude-3-5-haiku-latest
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, llmRoutingYAMLFilename), data, 0600))

	cfg, err := LoadLLMRouting(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "MY_GEMINI_KEY", cfg.LLMProviders["gemini"].APIKeyEnv)
	assert.Equal(t, 8000, cfg.LLMProviders["gemini"].TokenBudget)
	assert.Equal(t, "gemini", cfg.LLMProviders["gemini"].Type)
	assert.Equal(t, []ModelRouteEntry{
		{Provider: "gemini", Model: "gemini-2.0-flash"},
		{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
	}, cfg.Fallback)
	assert.False(t, cfg.HasDefaultRoute())
}

func TestLoadLLMRouting_UnknownProvider(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"llm_providers": {}, "fallback": [{"provider": "nope", "model": "m"}]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, llmRoutingFilename), data, 0600))

	_, err := LoadLLMRouting(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "nope"`)
}

func TestSaveLLMRouting_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &LLMRoutingConfig{
		LLMProviders: map[string]LLMProviderEntry{
			"openrouter": {Type: "openrouter", APIKeyEnv: "OPENROUTER_API_KEY"},
		},
		Fallback: []ModelRouteEntry{{Provider: "openrouter", Model: "test-model"}},
		ModelRouting: map[string]ModelRouteEntry{
			"default": {Provider: "openrouter", Model: "test-model"},
		},
	}
	require.NoError(t, SaveLLMRouting(dir, cfg))
	loaded, err := LoadLLMRouting(dir)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "openrouter", loaded.LLMProviders["openrouter"].Type)
	assert.Equal(t, "test-model", loaded.ModelRouting["default"].Model)
	assert.Equal(t, "test-model", loaded.DefaultModel("openrouter"))
	assert.Equal(t, "", loaded.DefaultModel("gemini"))
}
