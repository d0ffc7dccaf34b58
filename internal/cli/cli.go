// ============================================================================
// Board-Copier CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree that wires config, browser, inventory builder,
//          worker and controller together
//
// Command Structure:
//   boardcopy                      # Root command
//   ├── copy                       # Copy every unsaved item to the destination
//   │   ├── --source               # Override the source collection URL
//   │   ├── --destination          # Override the destination collection name
//   │   └── --rescan               # Ignore the stored inventory
//   ├── retry                      # Re-attempt items whose latest outcome failed
//   ├── inventory                  # Scan the source and store the inventory only
//   ├── status                     # Show stored progress
//   ├── duplicates                 # Rebuild and show the duplicate report
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   ├── --log-json                 # JSON logs
//   └── --log-level                # debug, info, warn, error
//
// Configuration:
//   defaults -> YAML file -> BOARDCOPY_* environment. A missing file is not an
//   error, so a run can be configured from the environment alone.
//
// Signal Handling:
//   The first SIGINT/SIGTERM cancels the run context. The controller stops
//   between items, checkpoints and returns ErrInterrupted. The handler is
//   removed right after, so a second signal kills the process.
//
// Exit codes:
//   0 done, 1 error, 2 likely blocked, 130 interrupted.
//
// ============================================================================

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/board-copier/internal/browser"
	"github.com/ChuLiYu/board-copier/internal/controller"
	"github.com/ChuLiYu/board-copier/internal/inventory"
	"github.com/ChuLiYu/board-copier/internal/logger"
	"github.com/ChuLiYu/board-copier/internal/metrics"
	"github.com/ChuLiYu/board-copier/internal/state"
	"github.com/ChuLiYu/board-copier/internal/worker"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

// Version is reported by --version.
var Version = "1.0.0"

type rootOptions struct {
	configFile string
	logJSON    bool
	logLevel   string
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "boardcopy",
		Short: "Copy every item of one board into another, resumably",
		Long: `boardcopy copies all items of a source collection into a destination
collection through a real browser session:
- convergence-based inventory of the source
- checkpointed, resumable transfer with per-item outcome logs
- failure classification, retry of failures only
- duplicate-save detection`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildCopyCommand(opts))
	rootCmd.AddCommand(buildRetryCommand(opts))
	rootCmd.AddCommand(buildInventoryCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildDuplicatesCommand(opts))

	return rootCmd
}

// prepare loads the config and applies the logging flags. The returned
// function flushes the logger.
func (o *rootOptions) prepare(cmd *cobra.Command) (*Config, func(), error) {
	cfg, err := loadConfig(o.configFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load config")
	}

	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = o.logJSON
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return nil, nil, errors.Wrap(err, "initialize logger")
	}
	return cfg, logger.Cleanup, nil
}

func buildCopyCommand(opts *rootOptions) *cobra.Command {
	var source, destination string
	var rescan bool

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy every unsaved item from the source to the destination",
		Long: `Builds (or reuses) the source inventory and saves every item that has
not been saved yet. Run the same command again after an interrupt or a
block to resume where it stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if source != "" {
				cfg.Source = source
			}
			if destination != "" {
				cfg.Destination = destination
			}
			if rescan {
				cfg.ReuseInventory = false
			}
			if err := cfg.requireSource(); err != nil {
				return err
			}
			if err := cfg.requireDestination(); err != nil {
				return err
			}

			return withPipeline(cmd.Context(), cfg, func(ctx context.Context, p *pipeline) error {
				pterm.Info.Printf("Copying %s into %q\n", cfg.Source, cfg.Destination)
				sum, err := p.ctrl.Copy(ctx)
				printSummary(sum)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source collection URL")
	cmd.Flags().StringVar(&destination, "destination", "", "destination collection name")
	cmd.Flags().BoolVar(&rescan, "rescan", false, "rebuild the inventory even if a stored one can be reused")

	return cmd
}

func buildRetryCommand(opts *rootOptions) *cobra.Command {
	var destination string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-attempt items whose latest outcome is a failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if destination != "" {
				cfg.Destination = destination
			}
			if err := cfg.requireDestination(); err != nil {
				return err
			}

			return withPipeline(cmd.Context(), cfg, func(ctx context.Context, p *pipeline) error {
				sum, err := p.ctrl.Retry(ctx)
				printSummary(sum)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&destination, "destination", "", "destination collection name")
	return cmd
}

func buildInventoryCommand(opts *rootOptions) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Scan the source collection and store its inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if source != "" {
				cfg.Source = source
			}
			if err := cfg.requireSource(); err != nil {
				return err
			}

			return withPipeline(cmd.Context(), cfg, func(ctx context.Context, p *pipeline) error {
				inv, err := p.ctrl.Inventory(ctx)
				if err != nil {
					return err
				}
				printInventory(inv, p.builder.Stats(), cfg.StateDir)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "source collection URL")
	return cmd
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored inventory, checkpoint and outcome status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			store, err := state.Open(cfg.StateDir)
			if err != nil {
				return err
			}
			sum, err := store.Summary()
			if err != nil {
				return errors.Wrap(err, "read status")
			}
			printStatus(opts.configFile, cfg, sum)
			return nil
		},
	}
}

func buildDuplicatesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "Detect items saved more than once and write the duplicate report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			store, err := state.Open(cfg.StateDir)
			if err != nil {
				return err
			}
			report, err := store.ComputeDuplicates()
			if err != nil {
				return errors.Wrap(err, "compute duplicates")
			}
			if err := store.SaveDuplicateReport(report); err != nil {
				return err
			}
			printDuplicates(report, store.Dir())
			return nil
		},
	}
}

// ============================================================================
// Pipeline wiring
// ============================================================================

type pipeline struct {
	browser *browser.Chrome
	builder *inventory.Builder
	ctrl    *controller.Controller
}

// withPipeline starts Chrome, the optional metrics endpoint and the signal
// handler, then runs fn.
func withPipeline(parent context.Context, cfg *Config, fn func(ctx context.Context, p *pipeline) error) error {
	ctx, stop := interruptContext(parent)
	defer stop()

	log := logger.ComponentLogger("cli")

	chrome, err := browser.NewChrome(ctx, browser.ChromeOptions{
		Headless:        cfg.Browser.Headless,
		ProfileDir:      cfg.Browser.ProfileDir,
		ExecPath:        cfg.Browser.ExecPath,
		WindowWidth:     cfg.Browser.WindowWidth,
		WindowHeight:    cfg.Browser.WindowHeight,
		NavigateTimeout: cfg.Browser.NavigateTimeout,
		ActionTimeout:   cfg.Browser.ActionTimeout,
		Logger:          logger.ComponentLogger("browser"),
	})
	if err != nil {
		return errors.WithHint(err,
			"Make sure Chrome is installed, or set browser.exec_path. Use browser.profile_dir for a logged-in profile.")
	}
	defer chrome.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		go func() {
			log.Infow("Starting metrics server", logger.FieldAddress, cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, reg); err != nil {
				log.Errorw("Metrics server error", logger.FieldError, err)
			}
		}()
	}

	builder := inventory.New(chrome, cfg.Selectors, cfg.Inventory, inventory.WithMetrics(collector))
	w := worker.New(chrome, cfg.Selectors, cfg.Worker)
	ctrl := controller.New(cfg.controllerConfig(), builder, w, controller.WithMetrics(collector))

	return fn(ctx, &pipeline{browser: chrome, builder: builder, ctrl: ctrl})
}

// interruptContext cancels on the first SIGINT or SIGTERM and then restores
// the default handlers.
func interruptContext(parent context.Context) (context.Context, func()) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	finished := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			stop()
			if parent.Err() == nil {
				pterm.Warning.Println("Interrupt received, saving progress. Press Ctrl+C again to quit immediately.")
			}
		case <-finished:
		}
	}()

	return ctx, func() {
		close(finished)
		stop()
	}
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, types.ErrInterrupted):
		return 130
	case errors.Is(err, types.ErrLikelyBlocked):
		return 2
	default:
		return 1
	}
}
