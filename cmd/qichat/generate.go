package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/llmrouter"
)

// genOptions are the flags shared by every command that issues a generation.
type genOptions struct {
	provider    string
	model       string
	temperature float64
	topP        float64
	maxTokens   int
	system      string
	toolsFile   string
	toolChoice  string
	stop        []string
}

var genOpts genOptions

func generationFlags(o *genOptions) *flag.FlagSet {
	fs := flag.NewFlagSet("generation", flag.ContinueOnError)
	fs.StringVar(&o.provider, "provider", "", "Preferred provider (gemini, together, openrouter, anthropic)")
	fs.StringVar(&o.model, "model", "", "Preferred model for the provider")
	fs.Float64Var(&o.temperature, "temperature", 0, "Sampling temperature (provider default when unset)")
	fs.Float64Var(&o.topP, "top-p", 0, "Nucleus sampling (provider default when unset)")
	fs.IntVar(&o.maxTokens, "max-tokens", 0, "Maximum output tokens (clamped per provider)")
	fs.StringVar(&o.system, "system", "", "System prompt prepended to the conversation")
	fs.StringVar(&o.toolsFile, "tools-file", "", "JSON file with an array of {name, description, parameters}")
	fs.StringVar(&o.toolChoice, "tool-choice", "", "auto, none or required")
	fs.StringSliceVar(&o.stop, "stop", nil, "Stop sequences")
	return fs
}

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Generate a reply",
	Long: `Generate a reply for a prompt given as arguments, or for a conversation
read as JSON from stdin when stdin is not a terminal.

Stdin accepts either an array of messages or an object:
  {"provider": "...", "model": "...", "messages": [...], "params": {...}}

Examples:
  qichat generate "Apa kabar?"
  qichat generate --provider anthropic --max-tokens 256 "Summarize Go generics"
  cat chat.json | qichat generate --tools-file tools.json`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().AddFlagSet(generationFlags(&genOpts))
}

// generateOutput is what generate prints on stdout.
type generateOutput struct {
	Response  *core.CanonicalResponse `json:"response,omitempty"`
	Candidate *llmrouter.Candidate    `json:"candidate,omitempty"`
	Attempts  int                     `json:"attempts"`
	Cooldowns []llmrouter.Cooldown    `json:"cooldowns,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func runGenerate(cmd *cobra.Command, args []string) error {
	var stdin io.Reader
	if len(args) == 0 && !term.IsTerminal(int(os.Stdin.Fd())) {
		stdin = os.Stdin
	}
	req, err := buildRequest(args, stdin, genOpts, cmd.Flags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	app, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	res, genErr := app.Orchestrator.Generate(ctx, req)
	out := generateOutput{Attempts: res.Attempts, Cooldowns: res.Cooldowns, Response: res.Response}
	if genErr == nil {
		out.Candidate = &res.Candidate
	} else {
		out.Error = genErr.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return genErr
}

// stdinRequest is the JSON accepted on stdin.
type stdinRequest struct {
	Provider string                `json:"provider"`
	Model    string                `json:"model"`
	Messages []core.Message        `json:"messages"`
	Params   core.GenerationParams `json:"params"`
}

// buildRequest assembles a request from prompt args or stdin JSON, then
// applies flags explicitly set on the command line.
func buildRequest(args []string, stdin io.Reader, o genOptions, flags *flag.FlagSet) (llmrouter.Request, error) {
	var req llmrouter.Request
	switch {
	case len(args) > 0:
		req.Messages = []core.Message{{Role: core.RoleUser, Content: strings.Join(args, " ")}}
	case stdin != nil:
		parsed, err := parseStdin(stdin)
		if err != nil {
			return req, err
		}
		req = parsed
	default:
		return req, errors.New("no prompt: pass it as arguments or pipe a JSON conversation on stdin")
	}

	if o.system != "" {
		req.Messages = append([]core.Message{{Role: core.RoleSystem, Content: o.system}}, req.Messages...)
	}
	if flags.Changed("provider") {
		req.Provider = o.provider
	}
	if flags.Changed("model") {
		req.Model = o.model
	}
	if flags.Changed("temperature") {
		req.Params.Temperature = core.Float64(o.temperature)
	}
	if flags.Changed("top-p") {
		req.Params.TopP = core.Float64(o.topP)
	}
	if flags.Changed("max-tokens") {
		req.Params.MaxTokens = o.maxTokens
	}
	if flags.Changed("stop") {
		req.Params.Stop = o.stop
	}
	if flags.Changed("tool-choice") {
		switch c := core.ToolChoice(o.toolChoice); c {
		case core.ToolChoiceAuto, core.ToolChoiceNone, core.ToolChoiceRequired:
			req.Params.ToolChoice = c
		default:
			return req, fmt.Errorf("invalid --tool-choice %q (use auto, none or required)", o.toolChoice)
		}
	}
	if o.toolsFile != "" {
		tools, err := loadTools(o.toolsFile)
		if err != nil {
			return req, err
		}
		req.Params.Tools = tools
	}
	return req, nil
}

func parseStdin(r io.Reader) (llmrouter.Request, error) {
	var req llmrouter.Request
	raw, err := io.ReadAll(r)
	if err != nil {
		return req, fmt.Errorf("read stdin: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return req, errors.New("stdin is empty")
	}
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &req.Messages); err != nil {
			return req, fmt.Errorf("decode messages: %w", err)
		}
		return req, nil
	}
	var in stdinRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return llmrouter.Request{Provider: in.Provider, Model: in.Model, Messages: in.Messages, Params: in.Params}, nil
}

func loadTools(path string) ([]core.ToolSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file: %w", err)
	}
	var tools []core.ToolSpec
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("decode tools file: %w", err)
	}
	for i, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools[%d]: name is required", i)
		}
	}
	return tools, nil
}
