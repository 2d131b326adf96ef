package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/reactor/config"
)

var (
	configPath string
	verbose    bool
)

var (
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
)

var rootCmd = &cobra.Command{
	Use:   "reactor",
	Short: "Autonomous ReAct execution engine",
	Long: `reactor drives a model through reason, act and observe iterations until it
answers a mission, calling native and external (MCP) capabilities on the way.

Usage:
  reactor run "Summarize the open incidents"
  reactor run --session 3f2a... "Continue with step 2"
  reactor tools`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./reactor.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func createLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := cfg.Log
	if verbose {
		logCfg.Level = "debug"
		logCfg.Development = true
	}
	return config.NewLogger(logCfg)
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
}
