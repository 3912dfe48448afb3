// Package main provides the quell binary entry point.
// Quell is an incident response control plane: declarative sources,
// workflows, and sinks turn monitoring alerts into LLM-assisted
// investigations with human-approved remediation.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "quell"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "quell",
		Short: "Incident response control plane",
		Long: `Quell watches a directory of declarative resources (sources, workflows,
sinks), receives monitoring alerts over authenticated webhooks, and runs
workflows that investigate incidents with an LLM agent.

It provides:
- Webhook ingest with per-source auth, dedup, and rate limiting
- A workflow engine with cli, conditional, and agent steps
- Tool-gated LLM investigations with human approval for risky actions
- Result fan-out to stdout, Slack, Alertmanager, and chained workflows`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	// Explicit serve command; the bare root does the same thing.
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	})

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
