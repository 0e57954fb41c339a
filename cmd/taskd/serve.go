package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/taskd/internal/config"
	"github.com/aristath/taskd/internal/logging"
	"github.com/aristath/taskd/internal/tui"
)

type serveOptions struct {
	addr    string
	storage string
	logFile string
	withTUI bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the executor and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = opts.addr
			}
			if cmd.Flags().Changed("storage") {
				cfg.Storage.Driver = opts.storage
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), root, opts, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "API listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.storage, "storage", "", "storage driver: none, sqlite or redis (overrides storage.driver)")
	cmd.Flags().BoolVar(&opts.withTUI, "tui", false, "show the terminal dashboard")
	cmd.Flags().StringVar(&opts.logFile, "log-file", filepath.Join(".taskd", "taskd.log"), "log destination while the dashboard is shown")
	return cmd
}

func runServe(parent context.Context, root *rootOptions, opts *serveOptions, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLog, err := serveLogger(cfg, opts)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	errCh := a.start(ctx)

	var program *tea.Program
	tuiDone := make(chan error, 1)
	if opts.withTUI {
		global, project, err := root.paths()
		if err != nil {
			return err
		}
		program = tea.NewProgram(tui.New(a.bus, a.manager, cfg, global, project), tea.WithAltScreen())
		go func() {
			_, err := program.Run()
			tuiDone <- err
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		// Restore default signal handling so a second interrupt forces exit.
		stop()
		logger.Info().Msg("shutdown signal received")
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("api server: %w", err)
		}
	case err := <-tuiDone:
		if err != nil {
			runErr = fmt.Errorf("dashboard: %w", err)
		}
		program = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if program != nil {
		program.Quit()
		select {
		case <-tuiDone:
		case <-shutdownCtx.Done():
		}
	}

	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info().Msg("shutdown complete")
	return runErr
}

// serveLogger logs to stderr, or to opts.logFile while the dashboard owns the terminal.
func serveLogger(cfg *config.Config, opts *serveOptions) (zerolog.Logger, func(), error) {
	if !opts.withTUI {
		logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
		return logger, func() {}, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.logFile), 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
	}
	logger, err := logging.New(f, cfg.Log.Level, "json")
	if err != nil {
		f.Close()
		return zerolog.Nop(), nil, err
	}
	return logger, func() { f.Close() }, nil
}
