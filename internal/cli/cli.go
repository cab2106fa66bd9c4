// ///////////////////////////////////////////////////////////////////////////
//
// # Cambiador - Table Change Detection
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package cli

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgedge/cambiador/internal/detect"
	"github.com/pgedge/cambiador/internal/reconcile"
	"github.com/pgedge/cambiador/internal/scheduler"
	"github.com/pgedge/cambiador/internal/server"
	"github.com/pgedge/cambiador/internal/source"
	"github.com/pgedge/cambiador/internal/state"
	"github.com/pgedge/cambiador/pkg/common"
	"github.com/pgedge/cambiador/pkg/config"
	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/taskstore"
	"github.com/urfave/cli/v2"
)

//go:embed default_config.yaml
var defaultConfigYAML string

// Version is stamped at build time.
var Version = "dev"

// ExitStateTableMissing is the process exit status when the change
// detection table has not been provisioned.
const ExitStateTableMissing = 4

func SetupCLI() *cli.App {
	configInitFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "Where to write the config file",
			Value:   "cambiador.yaml",
		},
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Overwrite an existing file",
		},
		&cli.BoolFlag{
			Name:  "stdout",
			Usage: "Print the config to stdout instead of writing a file",
		},
	}

	app := &cli.App{
		Name:    "cambiador",
		Usage:   "Cambiador - detect which registered tables changed since the last run",
		Version: Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: func(ctx *cli.Context) error {
			logger.SetDebug(ctx.Bool("debug") || (config.Cfg != nil && config.Cfg.DebugMode))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "config",
				Usage: "Manage cambiador configuration files",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "Create a default cambiador.yaml file",
						Flags:  configInitFlags,
						Action: ConfigInitCLI,
					},
				},
			},
			{
				Name:  "state",
				Usage: "Manage the change detection table",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "Create the change detection table if it does not exist",
						Action: StateInitCLI,
					},
				},
			},
			{
				Name:  "detect",
				Usage: "Run change detection once",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "quiet",
						Aliases: []string{"q"},
						Usage:   "Hide the progress bar",
					},
				},
				Action: DetectCLI,
			},
			{
				Name:   "server",
				Usage:  "Serve the HTTP trigger",
				Action: StartAPIServerCLI,
			},
			{
				Name:  "start",
				Usage: "Start the scheduler and the HTTP trigger",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "component",
						Aliases: []string{"C"},
						Usage:   "Component to start: scheduler, api, or all",
						Value:   "all",
					},
				},
				Action: StartCLI,
			},
			{
				Name:  "status",
				Usage: "List stored table hashes and recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "runs",
						Usage: "Number of recent runs to show",
						Value: 5,
					},
				},
				Action: StatusCLI,
			},
			{
				Name:   "trim",
				Usage:  "Remove change records for tables that no longer exist",
				Action: TrimCLI,
			},
			{
				Name:      "hash",
				Usage:     "Hash one registered table without touching stored state",
				ArgsUsage: "<database.schema.table>",
				Action:    HashCLI,
			},
		},
	}

	return app
}

func initTemplateFile(ctx *cli.Context, content string, defaultPath string, label string, perm os.FileMode) error {
	outputPath := ctx.String("path")
	if outputPath == "" {
		outputPath = defaultPath
	}

	if ctx.Bool("stdout") || outputPath == "-" {
		fmt.Fprintln(ctx.App.Writer, content)
		return nil
	}

	if !ctx.Bool("force") {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("%s already exists at %s (use --force to overwrite)", label, outputPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("unable to verify existing %s at %s: %w", label, outputPath, err)
		}
	}

	dir := filepath.Dir(outputPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(outputPath, []byte(content), perm); err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", label, outputPath, err)
	}

	fmt.Fprintf(ctx.App.Writer, "Wrote %s to %s\n", label, outputPath)
	return nil
}

func ConfigInitCLI(ctx *cli.Context) error {
	return initTemplateFile(ctx, defaultConfigYAML, "cambiador.yaml", "config file", 0o644)
}

func loadedConfig() (*config.Config, error) {
	if config.Cfg == nil {
		return nil, fmt.Errorf("configuration not loaded; run inside a directory with cambiador.yaml or set %s", config.EnvConfigPath)
	}
	return config.Cfg, nil
}

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := source.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// newEngine opens the source pool and the run history. The returned func
// releases both.
func newEngine(ctx context.Context) (*detect.Engine, *taskstore.Recorder, func(), error) {
	cfg, pool, err := connect(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	recorder, err := taskstore.NewRecorder(nil, cfg.Runs.Path)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialise run history: %w", err)
	}
	engine := detect.NewEngine(pool, cfg, recorder)
	engine.Version = Version
	cleanup := func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("failed to close run history: %v", err)
		}
		pool.Close()
	}
	return engine, recorder, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitError maps a run-fatal error onto the process exit status.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, detect.ErrStateTableMissing) {
		return cli.Exit(fmt.Sprintf("%v; run 'cambiador state init' to create it", err), ExitStateTableMissing)
	}
	return err
}

func DetectCLI(ctx *cli.Context) error {
	runCtx, stop := signalContext()
	defer stop()

	engine, _, cleanup, err := newEngine(runCtx)
	if err != nil {
		return err
	}
	defer cleanup()
	engine.ShowProgress = !ctx.Bool("quiet")

	report, err := engine.Run(runCtx, taskstore.TriggerCLI)
	if err != nil {
		return exitError(err)
	}
	printRunSummary(ctx.App.Writer, report.RunID, report.Stats.Changed, report.Failed())
	return nil
}

func printRunSummary(w io.Writer, runID string, changed, failed []string) {
	fmt.Fprintf(w, "run %s: %d changed, %d failed\n", runID, len(changed), len(failed))
	for _, t := range changed {
		fmt.Fprintf(w, "  changed  %s\n", t)
	}
	for _, t := range failed {
		fmt.Fprintf(w, "  failed   %s\n", t)
	}
}

func StateInitCLI(ctx *cli.Context) error {
	runCtx, stop := signalContext()
	defer stop()

	cfg, pool, err := connect(runCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := state.New(pool, cfg.State)
	if err := store.Provision(runCtx); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "change detection table %s is ready\n", store.Name())
	return nil
}

func TrimCLI(ctx *cli.Context) error {
	runCtx, stop := signalContext()
	defer stop()

	cfg, pool, err := connect(runCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := state.New(pool, cfg.State)
	exists, err := store.Exists(runCtx)
	if err != nil {
		return err
	}
	if !exists {
		return exitError(fmt.Errorf("%w: %s", detect.ErrStateTableMissing, store.Name()))
	}

	trimmed, err := reconcile.New(store, cfg.IsDevelopment()).TrimOrphans(runCtx)
	if err != nil {
		return err
	}
	verb, names := "removed", trimmed.Removed
	if cfg.IsDevelopment() {
		verb, names = "would remove", trimmed.Retained
	}
	fmt.Fprintf(ctx.App.Writer, "%s %d orphaned change records\n", verb, len(names))
	for _, name := range names {
		fmt.Fprintf(ctx.App.Writer, "  %s\n", name)
	}
	return nil
}

func HashCLI(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("hash requires exactly one table name (usage: %s)", ctx.Command.ArgsUsage)
	}
	target := strings.ToLower(strings.TrimSpace(ctx.Args().First()))

	runCtx, stop := signalContext()
	defer stop()

	cfg, pool, err := connect(runCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	c := detect.NewComponents(pool, cfg)
	tfm, err := c.Catalog.Discover(runCtx)
	if err != nil {
		return fmt.Errorf("discover tables: %w", err)
	}

	table, ok := findTable(tfm.Tables(), target)
	if !ok {
		return fmt.Errorf("table %s is not a registered, hashable table", target)
	}

	h, err := c.Hasher.Hash(runCtx, table, tfm.Fields(table))
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "%s\t%s\n", table, h.Digest)
	logger.Info("%s rows, query %s, hash %s", common.FormatCount(h.Rows),
		common.FriendlyDuration(h.QueryTime), common.FriendlyDuration(h.HashTime))
	return nil
}

// findTable matches a fully qualified name, or a schema.table / table
// suffix when it is unambiguous.
func findTable(tables []string, target string) (string, bool) {
	var match string
	for _, t := range tables {
		lt := strings.ToLower(t)
		if lt == target {
			return t, true
		}
		if strings.HasSuffix(lt, "."+target) {
			if match != "" {
				return "", false
			}
			match = t
		}
	}
	return match, match != ""
}

func StatusCLI(ctx *cli.Context) error {
	runCtx, stop := signalContext()
	defer stop()

	cfg, pool, err := connect(runCtx)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := state.New(pool, cfg.State)
	exists, err := store.Exists(runCtx)
	if err != nil {
		return err
	}
	if !exists {
		return exitError(fmt.Errorf("%w: %s", detect.ErrStateTableMissing, store.Name()))
	}
	records, err := store.List(runCtx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TABLE\tHASH\tLAST MODIFIED\n")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.TableName, rec.Hash, humanize.Time(rec.LastModified))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	runs, err := taskstore.New(cfg.Runs.Path)
	if err != nil {
		logger.Warn("run history unavailable: %v", err)
		return nil
	}
	defer runs.Close()

	recent, err := runs.Recent(ctx.Int("runs"))
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}
	fmt.Fprintln(ctx.App.Writer)
	w = tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "RUN\tSTATUS\tTRIGGER\tCHANGED\tFAILED\tSTARTED\n")
	for _, r := range recent {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", r.RunID, r.Status, r.Trigger,
			r.ChangedCount, r.FailedCount, humanize.Time(r.StartedAt))
	}
	return w.Flush()
}

func StartAPIServerCLI(ctx *cli.Context) error {
	runCtx, stop := signalContext()
	defer stop()

	engine, recorder, cleanup, err := newEngine(runCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	apiServer, err := server.New(config.Cfg, engine, recorder.Store())
	if err != nil {
		return err
	}
	return apiServer.Run(runCtx)
}

func StartCLI(ctx *cli.Context) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	component := strings.ToLower(strings.TrimSpace(ctx.String("component")))
	runScheduler := false
	runAPI := false
	switch component {
	case "", "all":
		runScheduler = true
		runAPI = true
	case "scheduler":
		runScheduler = true
	case "api":
		runAPI = true
	default:
		return fmt.Errorf("invalid component %q (expected scheduler, api, or all)", component)
	}

	runCtx, stop := signalContext()
	defer stop()

	engine, recorder, cleanup, err := newEngine(runCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	type runner struct {
		name string
		run  func(context.Context) error
	}
	var runners []runner

	if runScheduler {
		if !cfg.Schedule.Enabled {
			logger.Info("scheduler: schedule is disabled in configuration")
		} else {
			job, err := scheduler.DetectJob(cfg.Schedule, func(ctx context.Context) error {
				_, err := engine.Run(ctx, taskstore.TriggerSchedule)
				return err
			})
			if err != nil {
				return err
			}
			runners = append(runners, runner{
				name: "scheduler",
				run: func(ctx context.Context) error {
					return scheduler.RunSingleJob(ctx, job)
				},
			})
		}
	}

	if runAPI {
		apiServer, err := server.New(cfg, engine, recorder.Store())
		if err != nil {
			return fmt.Errorf("api server init failed: %w", err)
		}
		runners = append(runners, runner{
			name: "api-server",
			run: func(ctx context.Context) error {
				return apiServer.Run(ctx)
			},
		})
	}

	if len(runners) == 0 {
		return nil
	}

	errCh := make(chan error, len(runners))
	for _, r := range runners {
		go func(r runner) {
			logger.Debug("starting %s", r.name)
			errCh <- r.run(runCtx)
		}(r)
	}

	for i := 0; i < len(runners); i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			stop()
			return err
		}
	}

	return nil
}
