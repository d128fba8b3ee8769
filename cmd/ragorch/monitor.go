package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragorch/internal/monitor"
)

var (
	monitorURL      string
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal dashboard for a running server",
	Long: `Show request rate, latency, gate declines, sanitization risk and vector
store activity for a running ragorch server.

The dashboard reads from a Prometheus-compatible query API (Prometheus or
VictoriaMetrics) that scrapes the server's /metrics endpoint under
job="ragorch".

Examples:
  ragorch monitor
  ragorch monitor --url http://localhost:8428 --interval 10s`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if monitorInterval < time.Second {
			return fmt.Errorf("interval must be at least 1s")
		}
		return monitor.Run(monitorURL, monitorInterval)
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorURL, "url", "http://localhost:9090", "Prometheus query API base URL")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 5*time.Second, "refresh interval")
}
