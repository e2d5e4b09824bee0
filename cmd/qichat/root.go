package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/config"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/wiring"
)

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "qichat",
	Short: "Multi-provider chat completion with fallback",
	Long: `qichat routes a conversation through Gemini, Together, OpenRouter and
Anthropic, compacting it to each provider's budget and falling back when a
provider is rate limited, overloaded or rejects the context length.

Configuration is read from the config dir (config.json, llm_routing.json or
llm_routing.yaml) and from environment variables such as GEMINI_API_KEY.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory (default: $QICHAT_CONFIG_DIR, .qichat or ~/.config/qichat)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, *slog.Logger) {
	cfg := config.New(configDir)
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger
}

func loadApp(ctx context.Context) (*wiring.App, error) {
	cfg, logger := loadConfig()
	return wiring.Load(ctx, cfg, logger)
}
