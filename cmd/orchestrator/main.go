// Command orchestrator is the offline scaffolding and inspection CLI for
// the Luminara orchestration core. The editor process consumes the core as
// a library; these commands exist for project setup and timeline forensics.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"luminara.dev/orchestrator/internal/config"
	"luminara.dev/orchestrator/internal/llmclient"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/orchestrator"
	"luminara.dev/orchestrator/internal/timeline"
	"luminara.dev/orchestrator/internal/world"
)

var (
	configPath string
	runDir     string
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Luminara AI agent orchestration core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config")
	root.PersistentFlags().StringVar(&runDir, "run-dir", ".", "run directory for logs and timeline files")

	root.AddCommand(runCmd())
	root.AddCommand(timelineCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *orchestrator.Orchestrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Initialize(runDir, cfg.Logging.DebugMode, cfg.Logging.Level, cfg.Logging.JSONFormat, cfg.Logging.Categories); err != nil {
		return nil, nil, err
	}

	var llm llmclient.Client
	if cfg.LLM.APIKey != "" {
		llm, err = llmclient.NewGenAIClient(context.Background(), cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, nil, err
		}
	} else {
		llm = &llmclient.FakeClient{}
	}

	var sink timeline.Sink
	if cfg.Timeline.PersistencePath != "" {
		sink, err = timeline.NewFileSink(cfg.Timeline.PersistencePath)
		if err != nil {
			return nil, nil, err
		}
	}

	orc, err := orchestrator.New(cfg, world.New(), llm, sink)
	if err != nil {
		return nil, nil, err
	}
	if sink != nil {
		if restoreErr := orc.Timeline.Restore(); restoreErr == nil {
			if err := orc.Timeline.Replay(); err != nil {
				return nil, nil, err
			}
		}
	}
	return cfg, orc, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <request>",
		Short: "Execute one natural-language request against the project world",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, orc, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()

			result, err := orc.Run(cmd.Context(), args[0])
			code := orchestrator.ExitCode(result, err)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(code)
			}
			fmt.Printf("committed %d operations, %d failed, %d skipped\n",
				len(result.Committed), len(result.Failed), len(result.Skipped))
			for _, f := range result.Failed {
				fmt.Printf("  task %s: %v\n", f.Task, f.Err)
			}
			os.Exit(code)
			return nil
		},
	}
}

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Inspect and rewrite the operation timeline",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "log [n]",
		Short: "Show the most recent operations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, orc, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()
			n := 20
			if len(args) == 1 {
				if v, convErr := strconv.Atoi(args[0]); convErr == nil {
					n = v
				}
			}
			fmt.Print(orc.Timeline.Summarize(n))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "undo <op-id>",
		Short: "Undo back to (and including) an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, orc, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()
			id, convErr := strconv.ParseUint(args[0], 10, 64)
			if convErr != nil {
				return fmt.Errorf("invalid op-id %q", args[0])
			}
			if err := orc.Timeline.Undo(timeline.OpID(id)); err != nil {
				return err
			}
			return orc.Timeline.Persist()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "branch <name> [op-id]",
		Short: "Create a branch at an operation (default: head)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, orc, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()
			var at timeline.OpID
			if len(args) == 2 {
				id, convErr := strconv.ParseUint(args[1], 10, 64)
				if convErr != nil {
					return fmt.Errorf("invalid op-id %q", args[1])
				}
				at = timeline.OpID(id)
			}
			if err := orc.Timeline.CreateBranch(args[0], at); err != nil {
				return err
			}
			return orc.Timeline.Persist()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "checkout <name>",
		Short: "Move the world to a branch tip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, orc, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()
			if err := orc.Timeline.CheckoutBranch(args[0]); err != nil {
				return err
			}
			return orc.Timeline.Persist()
		},
	})

	return cmd
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, timeline integrity, and LLM reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, orc, err := setup()
			if err != nil {
				return err
			}
			defer logging.CloseAll()

			fmt.Printf("config: ok (%s v%s)\n", cfg.Name, cfg.Version)
			fmt.Printf("scheduler workers: %d\n", cfg.Scheduler.Workers)
			fmt.Printf("timeline: %d operations, head %d\n", orc.Timeline.Len(), orc.Timeline.Head())

			if _, err := orc.Context.Digest("doctor probe", cfg.ContextEngine.DefaultBudgetTokens); err != nil {
				fmt.Printf("context engine: FAILED (%v)\n", err)
			} else {
				fmt.Println("context engine: ok")
			}
			return nil
		},
	}
}
