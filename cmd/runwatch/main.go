// runwatch is a terminal monitor for workflow runs executed by an external
// orchestration backend: it lists workflows, submits runs, and attaches to a
// run's live event stream to show step progress, rework loops, and evaluation
// scores as they happen.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"runwatch/internal/api"
	"runwatch/internal/config"
	"runwatch/internal/dag"
	"runwatch/internal/logging"
	"runwatch/internal/monitor"
	"runwatch/internal/stream"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

type app struct {
	cfg    *config.Config
	logger *logging.Logger
	client *api.Client
}

func newApp(cfgPath, serverOverride, levelOverride string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if serverOverride != "" {
		cfg.ServerURL = serverOverride
	}
	if levelOverride != "" {
		cfg.Log.Level = levelOverride
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	client, err := api.New(api.Config{
		BaseURL:      cfg.ServerURL,
		DAGCacheSize: cfg.DAGCacheSize,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, client: client}, nil
}

func main() {
	var (
		cfgPath  string
		server   string
		logLevel string
	)

	root := &cobra.Command{
		Use:           "runwatch",
		Short:         "Live monitor for orchestrated workflow runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: runwatch.yaml)")
	root.PersistentFlags().StringVar(&server, "server", "", "backend base URL (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	build := func() (*app, error) { return newApp(cfgPath, server, logLevel) }

	root.AddCommand(
		workflowsCommand(build),
		dagCommand(build),
		submitCommand(build),
		watchCommand(build),
		historyCommand(build),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func workflowsCommand(build func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List workflows known to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			workflows, err := a.client.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}
			if len(workflows) == 0 {
				fmt.Println(gray("no workflows"))
				return nil
			}
			for _, wf := range workflows {
				fmt.Printf("%s  %s\n", bold(wf.Name), gray(wf.Description))
			}
			return nil
		},
	}
}

func dagCommand(build func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "dag <workflow>",
		Short: "Show a workflow's DAG with kickback edges flagged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			graph, err := a.client.WorkflowGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			kickbacks := dag.KickbackEdges(graph.Definition)
			fmt.Println(bold(args[0]))
			for _, edge := range graph.Edges {
				line := fmt.Sprintf("  %s -> %s", edge.Source, edge.Target)
				if _, kick := kickbacks[edge.Key()]; kick {
					line += "  " + red("(kickback)")
				}
				fmt.Println(line)
			}
			if len(graph.InputSchema) > 0 {
				fields := make([]string, 0, len(graph.InputSchema))
				for field, kind := range graph.InputSchema {
					fields = append(fields, fmt.Sprintf("%s:%s", field, kind))
				}
				sort.Strings(fields)
				fmt.Println(gray("  input: " + strings.Join(fields, " ")))
			}
			return nil
		},
	}
}

func submitCommand(build func() (*app, error)) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "submit <workflow>",
		Short: "Submit a run and print its identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}

			input := make(map[string]any, len(inputs))
			for _, pair := range inputs {
				key, value, found := strings.Cut(pair, "=")
				if !found || key == "" {
					return fmt.Errorf("invalid --input %q, want key=value", pair)
				}
				input[key] = value
			}

			runID, err := a.client.SubmitRun(cmd.Context(), args[0], input)
			if err != nil {
				var submitErr *api.SubmitError
				if errors.As(err, &submitErr) {
					// Show the backend's raw message, it names the bad field.
					fmt.Fprintln(os.Stderr, red("submission rejected:"), submitErr.Message)
				}
				return err
			}
			fmt.Println(runID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "run input as key=value (repeatable)")
	return cmd
}

func historyCommand(build func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "history <workflow>",
		Short: "List a workflow's recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			runs, err := a.client.RunHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(gray("no runs"))
				return nil
			}
			for _, run := range runs {
				fmt.Printf("%s  %s  %s\n",
					run.RunID,
					statusColor(run.Status),
					gray(run.StartedAt.Local().Format("2006-01-02 15:04:05")))
			}
			return nil
		},
	}
}

func watchCommand(build func() (*app, error)) *cobra.Command {
	var workflow string

	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Attach to a run's live event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build()
			if err != nil {
				return err
			}
			runID := args[0]

			graph, err := a.client.WorkflowGraph(cmd.Context(), workflow)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s, err := stream.Open(ctx, stream.Config{
				BaseURL:        a.cfg.ServerURL,
				InitialBackoff: a.cfg.Stream.InitialBackoff,
				MaxBackoff:     a.cfg.Stream.MaxBackoff,
				BackoffFactor:  a.cfg.Stream.BackoffFactor,
				DialTimeout:    a.cfg.Stream.DialTimeout,
				Logger:         a.logger,
			}, runID)
			if err != nil {
				return err
			}
			defer s.Close()

			m := monitor.New(graph.Definition)
			if isTTY() {
				return watchTUI(ctx, cancel, s, m, runID)
			}
			return watchPlain(ctx, s, m)
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow name (for the DAG)")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func statusColor(status string) string {
	switch status {
	case "success":
		return green(status)
	case "failure", "error":
		return red(status)
	case "running", "evaluating":
		return yellow(status)
	default:
		return gray(status)
	}
}
