// Package main is the entry point for lspc, a language server client that
// speaks JSON lines to an editor front end on stdin and stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/lspc/internal/config"
	"github.com/dshills/lspc/internal/editor"
	"github.com/dshills/lspc/internal/logging"
	"github.com/dshills/lspc/internal/lsp"
	"github.com/dshills/lspc/internal/watcher"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "lspc",
		Short: "Language server client for editors speaking JSON lines",
		Long: `lspc starts language servers on behalf of an editor and relays hover,
go-to-definition, inlay hints and formatting between them.

Commands are read from stdin one JSON object per line; effects are written
to stdout the same way. Logs go to stderr.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML or YAML configuration file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")
	return cmd
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	w, err := watcher.New(watcher.WithLogger(logger.Named("watcher")))
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	ed := editor.New(os.Stdin, os.Stdout,
		editor.WithLogger(logger.Named("editor")),
		editor.WithServers(cfg.Servers),
		editor.WithWatcher(w),
		editor.WithClientInfo("lspc", version),
	)
	defer func() {
		if err := ed.Close(); err != nil {
			logger.Warn("closing editor", zap.Error(err))
		}
	}()

	engine := lsp.New(ed,
		lsp.WithLogger(logger.Named("lsp")),
		lsp.WithRequestTimeout(cfg.RequestTimeout.Std()),
		lsp.WithTickInterval(cfg.TickInterval.Std()),
		lsp.WithShutdownTimeout(cfg.ShutdownTimeout.Std()),
		lsp.WithMaxServers(cfg.MaxServers),
		lsp.WithClientInfo("lspc", version),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ed.Start(ctx)
	logger.Info("lspc started",
		zap.String("version", version),
		zap.Strings("languages", cfg.Languages()),
	)
	return engine.Run(ctx)
}
