package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/reactor/agentloop"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the capability catalog as JSON",
	Long: `Discover the configured external servers and print every capability the
agent would offer the model, including the built-in plan capabilities.

Unreachable servers are logged and left out of the catalog.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTools(cmd.Context())
	},
}

func runTools(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := createLogger(cfg)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, logger)
	defer rt.Close()

	if err := rt.discover(ctx); err != nil {
		return err
	}
	if err := rt.registry.RegisterAll(agentloop.PlanCapabilities(agentloop.NewPlanStore())...); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rt.registry.Catalog())
}
