package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragorch/internal/orchestrator"
)

var (
	askUser string
	askJSON bool
)

var askCmd = &cobra.Command{
	Use:   "ask <query...>",
	Short: "Run one request through the pipeline",
	Long: `Run one request through the gates, intent extraction, execution and
sanitization, and print the sanitized result. The request is audited like
any other.

Examples:
  ragorch ask "show me carbon road bikes"
  ragorch ask --user alice --json "clear the travel index and list hotels in Lisbon"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "", "user ID for access control and audit")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full sanitized result as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.initPipeline(ctx); err != nil {
		return err
	}

	result := a.orch.Orchestrate(ctx, strings.Join(args, " "), askUser)
	public := result.Public()
	if askJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(public)
	}
	printResult(cmd.OutOrStdout(), public)
	return nil
}

// printResult writes a human-readable rendering of r.
func printResult(w io.Writer, r *orchestrator.PublicResult) {
	printResultIndent(w, r, "")
}

func printResultIndent(w io.Writer, r *orchestrator.PublicResult, indent string) {
	status := "ok"
	if !r.Success {
		status = "failed"
	}
	fmt.Fprintf(w, "%s[%s] %s\n", indent, r.Type, status)
	if p := r.Payload; p != nil {
		if p.SafeSummary != "" {
			fmt.Fprintf(w, "%s%s\n", indent, p.SafeSummary)
		}
		if p.Message != "" && p.Message != p.SafeSummary {
			fmt.Fprintf(w, "%s%s\n", indent, p.Message)
		}
		if p.Warning != nil {
			fmt.Fprintf(w, "%s%s: %s\n", indent, p.Warning.Level, p.Warning.Message)
		}
		for _, step := range p.NextSteps {
			fmt.Fprintf(w, "%snext: %s\n", indent, step.Query)
		}
	}
	for _, child := range r.Children {
		printResultIndent(w, child, indent+"  ")
	}
}
