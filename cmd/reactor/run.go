package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/reactor/agentloop"
)

var (
	runSession string
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run [mission]",
	Short: "Run a mission to completion",
	Long: `Run a mission and print the final answer.

Progress (steps, capability calls, plan changes) is written to stderr while
answer tokens stream to stdout. With --session the saved history and plan of
that session are restored first and the mission is appended to it. Resuming
needs session.backend: redis; the memory backend forgets everything when the
command exits.

Examples:
  reactor run "Find the three largest files under /var/log"
  reactor run --json "List open pull requests"
  reactor run --session 3f2a9c1e-... "Now close the stale ones"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMission(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "Resume a saved session")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final result as JSON instead of streaming")
}

func runMission(ctx context.Context, mission string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runSession != "" {
		if err := requirePersistentStore(cfg); err != nil {
			return err
		}
	}
	logger, err := createLogger(cfg)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, logger)
	defer rt.Close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	if runSession != "" || runJSON {
		var result *agentloop.FinalResult
		if runSession != "" {
			result, err = rt.agent.Resume(ctx, runSession, mission)
		} else {
			result, err = rt.agent.Execute(ctx, mission, nil)
		}
		if err != nil {
			return describeFailure(err)
		}
		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		fmt.Println(result.Answer)
		printSummary(os.Stderr, result.SessionID, result.Iterations)
		return nil
	}

	return streamMission(ctx, rt.agent, mission, os.Stdout, os.Stderr)
}

// streamMission renders events until the terminal one.
func streamMission(ctx context.Context, agent *agentloop.Agent, mission string, out, progress io.Writer) error {
	var answered bool
	for ev := range agent.Stream(ctx, mission, nil) {
		switch ev.Kind {
		case agentloop.EventStepStart:
			fmt.Fprintln(progress, dimStyle.Render(fmt.Sprintf("── step %d", ev.Iteration)))
		case agentloop.EventToolCall:
			args, _ := json.Marshal(ev.Invocation.Arguments)
			fmt.Fprintf(progress, "%s %s\n", toolStyle.Render("→ "+ev.Invocation.CapabilityName), dimStyle.Render(string(args)))
		case agentloop.EventToolResult:
			if ev.Result.Succeeded {
				fmt.Fprintln(progress, okStyle.Render(fmt.Sprintf("✓ %s (%s)", ev.Result.CapabilityName, ev.Result.Duration.Round(time.Millisecond))))
			} else {
				fmt.Fprintln(progress, warnStyle.Render(fmt.Sprintf("✗ %s: %s", ev.Result.CapabilityName, ev.Result.Error)))
			}
		case agentloop.EventPlanUpdated:
			fmt.Fprintln(progress, headerStyle.Render("Plan"))
			for _, step := range ev.Plan {
				mark := "[ ]"
				if step.Status == agentloop.StepDone {
					mark = "[x]"
				}
				fmt.Fprintf(progress, "  %s %s. %s\n", mark, step.ID, step.Description)
			}
		case agentloop.EventAnswerToken:
			answered = true
			fmt.Fprint(out, ev.Token)
		case agentloop.EventFinalAnswer:
			if !answered {
				fmt.Fprint(out, ev.Answer)
			}
			fmt.Fprintln(out)
			printSummary(progress, ev.SessionID, ev.Iteration)
		case agentloop.EventError:
			if answered {
				fmt.Fprintln(out)
			}
			return describeFailure(ev.Err)
		}
	}
	return nil
}

func printSummary(w io.Writer, sessionID string, iterations int) {
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("session %s · %d iterations", sessionID, iterations)))
}

func describeFailure(err error) error {
	var failure *agentloop.Failure
	if errors.As(err, &failure) && failure.SessionID != "" {
		return fmt.Errorf("%w (session %s)", err, failure.SessionID)
	}
	return err
}
