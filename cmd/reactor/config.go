package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/reactor/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or show configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}
		return initConfig(path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showConfig()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func initConfig(path string) error {
	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Println(warnStyle.Render(path + " already exists. Use --force to overwrite it."))
		return nil
	}
	data, err := config.Default().YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Println(okStyle.Render("Created " + path + " with default settings."))
	fmt.Println(dimStyle.Render("Set model.provider and model.name, then add mcp.servers as needed."))
	return nil
}

func showConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Redacted().YAML()
	if err != nil {
		return err
	}
	source := cfg.File
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Println(headerStyle.Render("# " + source))
	fmt.Print(string(data))
	return nil
}
