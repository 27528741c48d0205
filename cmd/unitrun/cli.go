package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"unitrun/internal/capability"
	"unitrun/internal/journal"
	"unitrun/internal/lock"
	"unitrun/internal/model"
	"unitrun/internal/orchestrator"
	"unitrun/internal/schedule"
	"unitrun/internal/watch"
)

// newApp creates the CLI application with all commands. stdout is injected
// so tests can capture command output.
func newApp(stdout io.Writer) *cli.App {
	app := &cli.App{
		Name:    "unitrun",
		Usage:   "Tag-driven unit script orchestrator",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to config.yaml"},
			&cli.StringFlag{Name: "root", Usage: "Units root directory"},
			&cli.StringFlag{Name: "state-dir", Usage: "Schedule state directory"},
			&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error"},
		},
		Commands: []*cli.Command{
			runCmd(),
			listCmd(),
			detectCmd(stdout),
			stateCmd(stdout),
			watchCmd(),
		},
	}
	// Let errors flow back to main for exit-code handling.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runtimeEnv is the resolved, explicit context threaded into components.
// All ambient lookups (flags, config file, environment) end here.
type runtimeEnv struct {
	cfg      model.Config
	root     string
	stateDir string
	level    string
	logger   *log.Logger
}

func resolveEnv(c *cli.Context) (runtimeEnv, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return runtimeEnv{}, fmt.Errorf("determine home directory: %w", err)
	}

	configPath := c.String("config")
	if configPath == "" {
		configPath = filepath.Join(configDir(os.Getenv, home), "unitrun", "config.yaml")
	}
	cfg, err := model.Load(configPath)
	if err != nil {
		return runtimeEnv{}, err
	}

	env := runtimeEnv{
		cfg:      cfg,
		root:     firstNonEmpty(c.String("root"), cfg.Units.Root, "."),
		stateDir: firstNonEmpty(c.String("state-dir"), cfg.State.Dir, filepath.Join(stateHome(os.Getenv, home), "unitrun")),
		level:    firstNonEmpty(c.String("log-level"), cfg.Logging.Level),
		logger:   log.New(os.Stderr, "", 0),
	}
	env.root = expandHome(env.root, home)
	env.stateDir = expandHome(env.stateDir, home)
	return env, nil
}

func configDir(getenv func(string) string, home string) string {
	if dir := getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(home, ".config")
}

func stateHome(getenv func(string) string, home string) string {
	if dir := getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(home, ".local", "state")
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Evaluate and execute eligible units in a category",
		ArgsUsage: "<category>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "strict", Usage: "Exit nonzero when any unit fails"},
			&cli.BoolFlag{Name: "notify", Usage: "Desktop notification on batch completion"},
			&cli.BoolFlag{Name: "no-journal", Usage: "Disable the run journal"},
			&cli.BoolFlag{Name: "dry-run", Aliases: []string{"n"}, Usage: "Report eligibility without executing"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: unitrun run <category>", 1)
			}
			env, err := resolveEnv(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return runBatch(c, env, c.Args().First(), c.Bool("dry-run"))
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "Dry run: show per-unit eligibility without executing",
		ArgsUsage: "[category]",
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return cli.Exit("usage: unitrun list [category]", 1)
			}
			env, err := resolveEnv(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return runBatch(c, env, c.Args().First(), true)
		},
	}
}

// runBatch wires one orchestrator invocation. Dry runs skip the lock and
// journal: they write nothing.
func runBatch(c *cli.Context, env runtimeEnv, category string, dryRun bool) error {
	opts := orchestrator.Options{
		Root:     env.root,
		Category: category,
		Strict:   c.Bool("strict") || env.cfg.Run.Strict,
		DryRun:   dryRun,
		Notify:   c.Bool("notify") || env.cfg.Run.Notify,
		Logger:   env.logger,
		LogLevel: env.level,
		Detector: hostDetector(),
		Store:    schedule.NewStore(filepath.Join(env.stateDir, "schedule")),
		LookPath: exec.LookPath,
	}

	// State I/O trouble never blocks unit execution: a broken state dir or
	// lock file degrades to an unlocked, unjournaled run. Only contention
	// with another live run is fatal.
	if !dryRun {
		stateReady := true
		if err := os.MkdirAll(env.stateDir, 0o755); err != nil {
			env.logger.Printf("[warn] create state dir: %v; running without lock and journal", err)
			stateReady = false
		}
		if stateReady {
			fl := lock.New(filepath.Join(env.stateDir, "run.lock"))
			switch err := fl.TryLock(); {
			case err == nil:
				defer fl.Unlock()
			case errors.Is(err, lock.ErrHeld):
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			default:
				env.logger.Printf("[warn] %v; running without lock", err)
			}

			if env.cfg.JournalEnabled() && !c.Bool("no-journal") {
				jr, err := journal.Open(filepath.Join(env.stateDir, "journal", "runs.jsonl"), 0)
				if err != nil {
					env.logger.Printf("[warn] journal disabled: %v", err)
				} else {
					defer jr.Close()
					opts.Journal = jr
				}
			}
		}
	}

	o, err := orchestrator.New(opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	summary, err := o.Run()
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if opts.Strict && summary.Failed > 0 {
		return cli.Exit(fmt.Sprintf("%d unit(s) failed", summary.Failed), 1)
	}
	return nil
}

func detectCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "Print the capability snapshot",
		Action: func(c *cli.Context) error {
			snap := hostDetector().Snapshot()
			data, err := yaml.Marshal(snap)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Fprint(stdout, string(data))
			return nil
		},
	}
}

func stateCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show recorded last-run timestamps",
		Action: func(c *cli.Context) error {
			env, err := resolveEnv(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			store := schedule.NewStore(filepath.Join(env.stateDir, "schedule"))
			records, err := store.List()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			for _, r := range records {
				fmt.Fprintf(stdout, "%s  %s\n", r.UnitID, r.LastRun.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Run a category, then re-run whenever its units change",
		ArgsUsage: "<category>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "strict", Usage: "Exit nonzero when any unit fails"},
			&cli.BoolFlag{Name: "notify", Usage: "Desktop notification on batch completion"},
			&cli.BoolFlag{Name: "no-journal", Usage: "Disable the run journal"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: unitrun watch <category>", 1)
			}
			env, err := resolveEnv(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			category := c.Args().First()

			batch := func() error {
				return runBatch(c, env, category, false)
			}
			if err := batch(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			debounce := time.Duration(env.cfg.Watch.DebounceSec * float64(time.Second))
			w := watch.New(filepath.Join(env.root, category), debounce, env.logger, batch)
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

// hostDetector builds the capability detector for the live host. The
// detector itself never reads ambient state; everything arrives here.
func hostDetector() *capability.Detector {
	return capability.NewDetector(capability.Options{
		SysRoot: "/",
		Getenv:  os.Getenv,
	})
}
