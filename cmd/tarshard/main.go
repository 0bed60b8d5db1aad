package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tarshard/tarshard/internal/catalog"
	"github.com/tarshard/tarshard/internal/config"
	"github.com/tarshard/tarshard/internal/event"
	"github.com/tarshard/tarshard/internal/pipeline"
	"github.com/tarshard/tarshard/internal/stats"
	"github.com/tarshard/tarshard/internal/ui"
	"github.com/tarshard/tarshard/internal/units"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

//nolint:gocyclo // builds the whole command tree and its flag surface
func newRootCmd() *cobra.Command {
	var (
		destBase     string
		chunkSizeStr string
		bwLimitStr   string
		noCatalog    bool
		verbose      bool
		quiet        bool
		logFile      string
		showVersion  bool
	)

	rootCmd := &cobra.Command{
		Use:           "tarshard",
		Short:         "Stream directory trees into fixed-size tar chunks and back",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "tarshard %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&destBase, "dest", "d", "", "destination base directory for chunk sets")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "write structured JSON log to FILE")
	rootCmd.PersistentFlags().BoolVar(&noCatalog, "no-catalog", false, "disable the run-history catalog")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	backupCmd := &cobra.Command{
		Use:   "backup <source>...",
		Short: "Archive each source directory into a numbered chunk set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Checked here, not left to the pipeline: opening the catalog
			// with an empty base would drop .tarshard/ into the cwd.
			if destBase == "" {
				return fmt.Errorf("--dest is required")
			}

			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults, &chunkSizeStr, &bwLimitStr, &quiet, &verbose, &noCatalog)

			chunkSize, err := units.ParseSize(chunkSizeStr)
			if err != nil {
				return fmt.Errorf("invalid --chunk-size: %w", err)
			}
			var bwLimit int64
			if bwLimitStr != "" {
				bwLimit, err = units.ParseSize(bwLimitStr)
				if err != nil {
					return fmt.Errorf("invalid --bwlimit: %w", err)
				}
			}

			logger, closeLog, err := setupLogging(verbose, quiet, logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := stats.NewCollector()
			events := make(chan event.Event, 256)

			var cat *catalog.Catalog
			if !noCatalog {
				cat, err = catalog.Open(destBase)
				if err != nil {
					logger.Warn("catalog unavailable, continuing without run history", "error", err)
				} else {
					defer cat.Close()
				}
			}

			presenter := ui.NewPresenter(ui.Config{
				Writer:    os.Stdout,
				ErrWriter: os.Stderr,
				Stats:     collector,
				IsTTY:     ui.IsTTY(os.Stderr.Fd()),
				Quiet:     quiet,
				Verbose:   verbose,
			})

			presenterEvents := teeEventLog(logger, logFile, events)

			// Presenter in background, pipeline in foreground.
			var presenterWg sync.WaitGroup
			presenterWg.Add(1)
			go func() {
				defer presenterWg.Done()
				_ = presenter.Run(presenterEvents)
			}()

			result, runErr := pipeline.Run(ctx, pipeline.Config{
				Sources:   args,
				DestBase:  destBase,
				ChunkSize: chunkSize,
				BWLimit:   bwLimit,
				Events:    events,
				Stats:     collector,
				Catalog:   cat,
				Log:       logger,
			})
			stop()
			close(events)
			presenterWg.Wait()

			if runErr != nil {
				return runErr
			}

			if !quiet {
				if summary := presenter.Summary(); summary != "" {
					fmt.Fprintln(os.Stderr, summary)
				}
			}

			if failed := result.Failed(); failed > 0 {
				if result.Completed() > 0 {
					return &exitError{code: 1} // partial failure
				}
				return &exitError{code: 2} // total failure
			}
			return nil
		},
	}
	backupCmd.Flags().StringVarP(&chunkSizeStr, "chunk-size", "s", "5G", "chunk file size (e.g. 512M, 5G)")
	backupCmd.Flags().StringVar(&bwLimitStr, "bwlimit", "", "write bandwidth limit (e.g. 100M, 1G)")

	restoreCmd := &cobra.Command{
		Use:   "restore <name> <target>",
		Short: "Reassemble a chunk set and extract it into a target directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if destBase == "" {
				return fmt.Errorf("--dest is required")
			}

			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults, &chunkSizeStr, &bwLimitStr, &quiet, &verbose, &noCatalog)

			logger, closeLog, err := setupLogging(verbose, quiet, logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := stats.NewCollector()
			events := make(chan event.Event, 256)

			var cat *catalog.Catalog
			if !noCatalog {
				cat, err = catalog.Open(destBase)
				if err != nil {
					logger.Warn("catalog unavailable, skipping cross-check", "error", err)
				} else {
					defer cat.Close()
				}
			}

			presenter := ui.NewPresenter(ui.Config{
				Writer:    os.Stdout,
				ErrWriter: os.Stderr,
				Stats:     collector,
				IsTTY:     ui.IsTTY(os.Stderr.Fd()),
				Quiet:     quiet,
				Verbose:   verbose,
			})
			presenterEvents := teeEventLog(logger, logFile, events)

			var presenterWg sync.WaitGroup
			presenterWg.Add(1)
			go func() {
				defer presenterWg.Done()
				_ = presenter.Run(presenterEvents)
			}()

			restoreErr := pipeline.Restore(ctx, pipeline.RestoreConfig{
				DestBase: destBase,
				Name:     args[0],
				Target:   args[1],
				Events:   events,
				Stats:    collector,
				Catalog:  cat,
				Log:      logger,
			})
			stop()
			close(events)
			presenterWg.Wait()

			return restoreErr
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect [name]",
		Short: "List recorded backup runs for a destination",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if destBase == "" {
				return fmt.Errorf("--dest is required")
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}

			cat, err := catalog.Open(destBase)
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer cat.Close()

			runs, err := cat.Runs(name)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stdout, "no recorded runs")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tOUTCOME\tCHUNKS\tSIZE\tSTARTED\tSOURCE")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.Name, r.Outcome, r.Chunks,
					stats.FormatBytes(r.Bytes),
					r.Started.Format("2006-01-02 15:04:05"),
					r.Source,
				)
			}
			return tw.Flush()
		},
	}

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(docsCmd)

	return rootCmd
}

// setupLogging builds the slog logger: text to stderr at a level chosen
// by the verbosity flags, optionally teed as JSON to a log file.
func setupLogging(verbose, quiet bool, logFile string) (*slog.Logger, func(), error) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	} else if !quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})

	var handler slog.Handler = textHandler
	closeLog := func() {}
	if logFile != "" {
		lf, err := os.Create(logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closeLog = func() { lf.Close() }
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		handler = ui.NewMultiHandler(textHandler, jsonHandler)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeLog, nil
}

// teeEventLog forwards events to the presenter, writing each one as a
// structured record first when --log is set.
func teeEventLog(logger *slog.Logger, logFile string, events chan event.Event) <-chan event.Event {
	if logFile == "" {
		return events
	}
	teed := make(chan event.Event, 256)
	go func() {
		for ev := range events {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("name", ev.Name),
				slog.String("path", ev.Path),
				slog.Int64("bytes", ev.Bytes),
				slog.Int("chunk", ev.Chunk),
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			logger.LogAttrs(context.Background(), slog.LevelInfo, "tarshard.event", attrs...)
			teed <- ev
		}
		close(teed)
	}()
	return teed
}

// applyConfigDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(
	cmd *cobra.Command,
	defaults config.DefaultsConfig,
	chunkSize *string,
	bwLimit *string,
	quiet *bool,
	verbose *bool,
	noCatalog *bool,
) {
	if !cmd.Flags().Changed("chunk-size") && defaults.ChunkSize != nil {
		*chunkSize = *defaults.ChunkSize
	}
	if !cmd.Flags().Changed("bwlimit") && defaults.BWLimit != nil {
		*bwLimit = *defaults.BWLimit
	}
	if !cmd.Flags().Changed("quiet") && defaults.Quiet != nil {
		*quiet = *defaults.Quiet
	}
	if !cmd.Flags().Changed("verbose") && defaults.Verbose != nil {
		*verbose = *defaults.Verbose
	}
	if !cmd.Flags().Changed("no-catalog") && defaults.Catalog != nil {
		*noCatalog = !*defaults.Catalog
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
