package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/store"
)

var (
	auditProvider string
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect or prune the provider call audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent provider calls",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Per provider and model call counts, failures and latency",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit rows older than the retention age or beyond the row cap",
	Args:  cobra.NoArgs,
	RunE:  runAuditPrune,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTailCmd, auditStatsCmd, auditPruneCmd)

	auditTailCmd.Flags().StringVar(&auditProvider, "provider", "", "Only show calls to this provider")
	auditTailCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "Number of rows")
}

func openAudit(cmd *cobra.Command) (*store.AuditStore, func(), error) {
	cfg, _ := loadConfig()
	if cfg.DBPath == "" {
		return nil, nil, fmt.Errorf("audit log disabled: no db_path configured")
	}
	db, err := store.Open(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { db.Close() }
	return store.NewAuditStore(db).WithLimits(cfg.AuditMaxEntries, cfg.AuditMaxAgeDays), closeFn, nil
}

func runAuditTail(cmd *cobra.Command, _ []string) error {
	audit, closeFn, err := openAudit(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := audit.Recent(cmd.Context(), auditProvider, auditLimit)
	if err != nil {
		return err
	}
	writeAuditEntries(cmd.OutOrStdout(), entries, time.Now())
	return nil
}

func writeAuditEntries(w io.Writer, entries []store.AuditEntry, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tPROVIDER\tMODEL\tOK\tLATENCY\tMSGS\tREQUEST\tERROR")
	for _, e := range entries {
		ok := "yes"
		if !e.Success {
			ok = "no"
		}
		errText := e.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, humanize.RelTime(e.CreatedAt, now, "ago", "from now"), e.Provider, e.Model, ok,
			e.ExecutionTime.Round(time.Millisecond), e.MessageCount,
			humanize.Bytes(uint64(len(e.Request))), errText)
	}
	tw.Flush()
}

func runAuditStats(cmd *cobra.Command, _ []string) error {
	audit, closeFn, err := openAudit(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := audit.Stats(cmd.Context())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tCALLS\tFAILURES\tAVG LATENCY\tREQUEST VOLUME")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\n", s.Provider, s.Model,
			humanize.Comma(int64(s.Calls)), humanize.Comma(int64(s.Failures)), s.AvgLatencyMs,
			humanize.Bytes(uint64(s.RequestBytes)))
	}
	return tw.Flush()
}

func runAuditPrune(cmd *cobra.Command, _ []string) error {
	audit, closeFn, err := openAudit(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	deleted, err := audit.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	remaining, err := audit.Count(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s rows, %s remaining\n", humanize.Comma(deleted), humanize.Comma(int64(remaining)))
	return nil
}
