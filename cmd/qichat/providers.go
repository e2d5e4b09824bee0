package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/cooldown"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/llmrouter"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/secrets"
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/store"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers, key presence, the fallback plan and cooldowns",
	Args:  cobra.NoArgs,
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, _ []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	blocked, err := app.Cooldowns.LoadBlocked()
	if err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}
	writeProviders(cmd.OutOrStdout(), app.Routing, app.Config.Secrets(), blocked, time.Now())
	fmt.Fprintln(cmd.OutOrStdout())
	writePlan(cmd.OutOrStdout(), app.Orchestrator.Plan(llmrouter.Request{}))
	return nil
}

func writeProviders(w io.Writer, rc *store.LLMRoutingConfig, keys secrets.SecretStore, blocked []cooldown.Entry, now time.Time) {
	names := make([]string, 0, len(rc.LLMProviders))
	for name := range rc.LLMProviders {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tTYPE\tKEY\tDEFAULT MODEL\tBUDGET\tCOOLDOWN")
	for _, name := range names {
		e := rc.LLMProviders[name]
		key := "missing (" + e.APIKeyEnv + ")"
		if secrets.Has(keys, e.APIKeyEnv) {
			key = "set"
		}
		cd := "-"
		for _, b := range blocked {
			if b.Provider == name {
				cd = fmt.Sprintf("%s until %s", b.Model, humanize.RelTime(b.Until, now, "ago", "from now"))
				break
			}
		}
		budget := "-"
		if e.TokenBudget > 0 {
			budget = humanize.Comma(int64(e.TokenBudget)) + " tok"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", name, e.Type, key, orDash(rc.DefaultModel(name)), budget, cd)
	}
	tw.Flush()
}

func writePlan(w io.Writer, plan []llmrouter.Candidate) {
	if len(plan) == 0 {
		fmt.Fprintln(w, "Fallback plan: empty (no provider has an API key)")
		return
	}
	fmt.Fprintln(w, "Fallback plan:")
	for i, c := range plan {
		fmt.Fprintf(w, "  %d. %s\n", i+1, c)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
