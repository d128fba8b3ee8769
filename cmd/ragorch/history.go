package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragorch/internal/audit"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history <user>",
	Short: "List a user's audited requests",
	Long: `List a user's audited requests, newest first. Only redacted queries are
shown; the encrypted raw query never leaves the audit log.

Examples:
  ragorch history alice
  ragorch history --limit 5 --json alice`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum entries to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print entries as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.initAudit(ctx); err != nil {
		return err
	}

	entries, err := a.audit.List(ctx, args[0], historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	if historyJSON {
		if entries == nil {
			entries = []audit.IntentHistory{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	printHistory(cmd.OutOrStdout(), entries)
	return nil
}

func printHistory(w io.Writer, entries []audit.IntentHistory) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no history")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATUS\tINTENTS\tSENSITIVE\tQUERY")
	for _, e := range entries {
		sensitive := "-"
		if e.HasSensitiveData {
			sensitive = fmt.Sprint(e.SensitiveDataTypes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.ExecutionStatus, e.IntentCount, sensitive, e.RedactedQuery)
	}
	_ = tw.Flush()
}
