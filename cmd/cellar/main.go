package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/cellar/internal/config"
	simple "github.com/cochaviz/cellar/internal/configurations"
	"github.com/cochaviz/cellar/internal/daemon"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/models"
	"github.com/cochaviz/cellar/internal/setup"
	"github.com/cochaviz/cellar/internal/store"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "cli"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger)

	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "cellar",
		Short:         "CLI for 'cellar': schedules malware analysis tasks onto sandbox machines",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", setup.ConfigPath, "Path to the configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", defaultLogFormat, "Log output format (cli, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(opts.logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(opts.logFormat)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		if mode == logging.ModeJSON {
			*logger = *logging.NewJSON(os.Stderr, levelVar)
			setup.SetLogger(logger)
		}
		return nil
	}

	root.AddCommand(
		newServeCommand(logger, opts),
		newSubmitCommand(logger, opts),
		newTasksCommand(opts),
		newMachinesCommand(opts),
		newSetupCommand(logger, opts),
		newDaemonCommand(opts),
	)
	return root
}

func loadConfig(logger *slog.Logger, opts *globalOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("configuration could not be loaded", "path", opts.configPath, "error", err)
		logger.Info("run 'cellar setup' to initialize the configuration")
		return cfg, err
	}
	return cfg, nil
}

func verifySetup(logger *slog.Logger, opts *globalOptions) error {
	logger = logger.With("action", "verify_setup")
	logger.Info("verifying setup state")
	if err := setup.Verify(opts.configPath); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'cellar setup' to initialize the configuration")
		return err
	}
	logger.Info("setup verification succeeded")
	return nil
}

func newServeCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var serveOpts simple.ServeOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted or the analysis limit is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "serve")
			if err := verifySetup(cmdLogger, opts); err != nil {
				return err
			}
			cfg, err := loadConfig(cmdLogger, opts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := simple.Serve(ctx, cfg, serveOpts, logger); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cmdLogger.Info("scheduler stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&serveOpts.MaxAnalysisCount, "max-analysis-count", 0, "Stop after this many analyses (overrides the configuration when positive)")
	cmd.Flags().BoolVar(&serveOpts.NoDaemon, "no-daemon", false, "Do not open the control socket")
	return cmd
}

func newSubmitCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		req      simple.SubmitRequest
		category string
		options  []string
		delay    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <target>",
		Args:  cobra.MaximumNArgs(1),
		Short: "Queue a file, URL or baseline task",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Category = models.Category(strings.TrimSpace(category))
			if len(args) == 1 {
				req.Target = strings.TrimSpace(args[0])
			}
			if req.Target == "" && (req.Category.IsFile() || req.Category == models.CategoryURL) {
				return fmt.Errorf("a target is required for %s tasks", req.Category)
			}
			parsed, err := parseOptions(options)
			if err != nil {
				return err
			}
			req.Options = parsed
			if delay > 0 {
				req.StartOn = time.Now().Add(delay)
			}

			cmdLogger := logger.With("command", "submit")
			cfg, err := loadConfig(cmdLogger, opts)
			if err != nil {
				return err
			}
			db, err := simple.OpenStore(cmd.Context(), cfg, cmdLogger)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := simple.Submit(cmd.Context(), db, cfg, req, cmdLogger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", string(models.CategoryFile), "Task category (file, archive, url, baseline, service)")
	cmd.Flags().StringVar(&req.Machine, "machine", "", "Run on this machine only")
	cmd.Flags().StringVar(&req.Platform, "platform", "", "Required machine platform")
	cmd.Flags().StringSliceVar(&req.Tags, "tags", nil, "Required machine tags (comma separated)")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "Task option as key=value; repeat to add more")
	cmd.Flags().IntVar(&req.Priority, "priority", 1, "Task priority; higher runs first")
	cmd.Flags().DurationVar(&req.Timeout, "timeout", 0, "Analysis timeout (0 uses the configured default)")
	cmd.Flags().StringVar(&req.Route, "route", "", "Network route (none, drop, internet, inetsim, tor or a vpn name)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Do not start the task before this delay has passed")
	return cmd
}

func parseOptions(values []string) (map[string]string, error) {
	options := make(map[string]string, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("option %q is not key=value", value)
		}
		options[key] = strings.TrimSpace(val)
	}
	return options, nil
}

func newTasksCommand(opts *globalOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List queued and finished tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskStatus := models.TaskStatus(strings.TrimSpace(status))
			if taskStatus != "" && !taskStatus.Valid() {
				return fmt.Errorf("unknown task status %q", status)
			}
			logger := slog.Default().With("command", "tasks")
			cfg, err := loadConfig(logger, opts)
			if err != nil {
				return err
			}
			db, err := simple.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			tasks, err := db.ListTasks(cmd.Context(), store.ListOptions{Status: taskStatus, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tSTATUS\tMACHINE\tROUTE\tTARGET")
			for _, task := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					task.ID, task.Category, task.Status, dash(task.Machine), dash(task.Route), dash(task.Target))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list tasks with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of tasks to list")
	return cmd
}

func newMachinesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List the machine inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "machines")
			cfg, err := loadConfig(logger, opts)
			if err != nil {
				return err
			}
			db, err := simple.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			machines, err := db.ListMachines(cmd.Context())
			if err != nil {
				return err
			}
			if len(machines) == 0 {
				// the inventory is rebuilt when the scheduler starts
				machines = simple.MachinesFromConfig(cfg)
			}
			return printMachines(cmd.OutOrStdout(), machines)
		},
	}
}

func printMachines(out io.Writer, machines []models.Machine) error {
	if len(machines) == 0 {
		fmt.Fprintln(out, "no machines")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLABEL\tPLATFORM\tIP\tTAGS\tLOCKED\tSTATUS")
	for _, m := range machines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			m.Name, m.Label, m.Platform, m.IP, dash(strings.Join(m.Tags, ",")), m.Locked, dash(string(m.Status)))
	}
	return w.Flush()
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func newSetupCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		clearConfig bool
		network     bool
		storageRoot string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize the storage layout, configuration and task database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup")

			alreadyConfigured := setup.Verify(opts.configPath) == nil
			if alreadyConfigured && !clearConfig && !network {
				cmdLogger.Info("system already configured", "hint", "use 'cellar setup --clear' to reinitialize")
				return nil
			}

			if clearConfig {
				if err := setup.ClearConfig(opts.configPath); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return fmt.Errorf("clear configuration: %w", err)
				}
				cmdLogger.Info("existing configuration cleared")
			}

			cfg := config.Default()
			if existing, err := config.Load(opts.configPath); err == nil {
				cfg = existing
			}
			if storageRoot != "" {
				cfg.Storage.Root = storageRoot
			}
			if err := setup.Init(cmd.Context(), opts.configPath, cfg); err != nil {
				cmdLogger.Error("initialization failed", "error", err)
				return err
			}

			if network {
				plan, err := setup.PlanFromConfig(cfg)
				if err != nil {
					return err
				}
				if err := setup.SetupNetwork(cmd.Context(), plan); err != nil {
					cmdLogger.Error("network initialization failed", "error", err)
					return fmt.Errorf("initialize networking: %w", err)
				}
				cmdLogger.Info("network initialization completed")
			}
			cmdLogger.Info("setup completed", "config", opts.configPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove the existing configuration file before initializing")
	cmd.Flags().BoolVar(&network, "network", false, "Also provision the host network (requires root)")
	cmd.Flags().StringVar(&storageRoot, "storage", "", "Storage root for analyses, binaries and the database")
	return cmd
}

func newDaemonCommand(opts *globalOptions) *cobra.Command {
	var socketPath string
	resolveSocket := func() string {
		if path := strings.TrimSpace(socketPath); path != "" {
			return path
		}
		if cfg, err := config.Load(opts.configPath); err == nil && cfg.Daemon.Socket != "" {
			return cfg.Daemon.Socket
		}
		return config.DefaultSocketPath
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Talk to a running scheduler",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to the control socket (defaults to daemon.socket)")

	cmd.AddCommand(
		newDaemonStatusCommand(resolveSocket),
		newDaemonStopCommand(resolveSocket),
		newDaemonTasksCommand(resolveSocket),
	)
	return cmd
}

func newDaemonStatusCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the scheduler state and active analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := daemon.NewClient(socketPath()).Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			limit := "unlimited"
			if snap.MaxAnalysisCount > 0 {
				limit = fmt.Sprint(snap.MaxAnalysisCount)
			}
			fmt.Fprintf(out, "state: %s\nanalyses: %d (limit %s)\nstartup slots: %d\n",
				snap.State, snap.TotalAnalyses, limit, snap.GateSize)
			if len(snap.Managers) == 0 {
				fmt.Fprintln(out, "no active analyses")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tCATEGORY\tSTATUS")
			for _, m := range snap.Managers {
				fmt.Fprintf(w, "%d\t%s\t%s\n", m.TaskID, m.Category, m.Status)
			}
			return w.Flush()
		},
	}
}

func newDaemonStopCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the scheduler to stop after the current tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := daemon.NewClient(socketPath()).Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return nil
		},
	}
}

func newDaemonTasksCommand(socketPath func() string) *cobra.Command {
	var req daemon.TasksRequest
	var status string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks through the running scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Status = models.TaskStatus(strings.TrimSpace(status))
			tasks, err := daemon.NewClient(socketPath()).Tasks(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tSTATUS\tADDED")
			for _, task := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", task.ID, task.Category, task.Status, task.AddedOn.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list tasks with this status")
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "Maximum number of tasks to list")
	return cmd
}
