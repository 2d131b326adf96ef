package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/martinemde/reactor/config"
)

// errMemoryBackend rejects commands that need sessions from earlier runs.
var errMemoryBackend = errors.New("the memory session backend keeps nothing between commands; set session.backend: redis")

// requirePersistentStore fails when saved sessions cannot outlive a command.
func requirePersistentStore(cfg *config.Config) error {
	if cfg.Session.Backend == "redis" {
		return nil
	}
	return fmt.Errorf("%w (backend is %q)", errMemoryBackend, cfg.Session.Backend)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or delete saved sessions",
	Long: `Manage sessions saved by the configured session backend.

The memory backend lives only as long as one command, so these commands
refuse to run unless session.backend is redis.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), listSessions)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete ID...",
	Short: "Delete saved sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, rt *runtime) error {
			for _, id := range args {
				if err := rt.store.Delete(ctx, id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Println(okStyle.Render("Deleted " + id))
			}
			return nil
		})
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func withStore(ctx context.Context, fn func(context.Context, *runtime) error) error {
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
	if err := requirePersistentStore(cfg); err != nil {
		return err
	}
	rt := newRuntime(cfg, logger)
	defer rt.Close()

	if err := rt.openStore(ctx); err != nil {
		return err
	}
	return fn(ctx, rt)
}

func listSessions(ctx context.Context, rt *runtime) error {
	ids, err := rt.store.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println(dimStyle.Render("No saved sessions."))
		return nil
	}
	for _, id := range ids {
		state, err := rt.store.Load(ctx, id)
		if err != nil {
			// Expired between List and Load.
			continue
		}
		md := state.Metadata
		status := md["status"]
		style := dimStyle
		switch status {
		case "completed":
			style = okStyle
		case "failed":
			style = errorStyle
		case "running":
			style = warnStyle
		}
		fmt.Printf("%s  %s  %s  %s\n",
			toolStyle.Render(id),
			style.Render(fmt.Sprintf("%-9s", status)),
			dimStyle.Render(state.UpdatedAt.Format("2006-01-02 15:04")),
			truncateMission(md["mission"], 60))
	}
	return nil
}

func truncateMission(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
