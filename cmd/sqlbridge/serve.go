package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/sqlbridge/internal/api"
	"github.com/seantiz/sqlbridge/internal/bridge"
	"github.com/seantiz/sqlbridge/internal/config"
	"github.com/seantiz/sqlbridge/internal/diag"
	"github.com/seantiz/sqlbridge/internal/dispatcher"
	"github.com/seantiz/sqlbridge/internal/journal"
)

var serveFlags struct {
	listen       string
	journal      string
	transport    string
	executorAddr string
	executorPath string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API backed by a dispatcher",
	Long: `Serve starts the dispatcher, connects it to an executor over the configured
transport, and exposes open/exec/batch/close over HTTP. Settings come from
SQLBRIDGE_* environment variables; flags override them.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "HTTP listen address (SQLBRIDGE_LISTEN_ADDR)")
	f.StringVar(&serveFlags.journal, "journal", "", "call journal database path (SQLBRIDGE_JOURNAL_PATH)")
	f.StringVar(&serveFlags.transport, "transport", "", "pipe, process, unix, vsock or vsock-uds (SQLBRIDGE_TRANSPORT)")
	f.StringVar(&serveFlags.executorAddr, "executor-addr", "", "executor socket path (SQLBRIDGE_EXECUTOR_ADDR)")
	f.StringVar(&serveFlags.executorPath, "executor-path", "", "executor binary for the process transport (SQLBRIDGE_EXECUTOR_PATH)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(os.Stdout, cfg.Level())
	logger.Info("sqlbridge: starting",
		"listen_addr", cfg.ListenAddr,
		"journal_path", cfg.JournalPath,
		"transport", cfg.Transport,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, err := journal.NewSQLiteJournal(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	broker := diag.NewBroker()
	defer broker.Close()

	bcfg := bridge.Config{
		Transport:    cfg.Transport,
		ExecutorAddr: cfg.ExecutorAddr,
		ExecutorPath: cfg.ExecutorPath,
		VsockCID:     cfg.VsockCID,
		VsockPort:    cfg.VsockPort,
		CallTimeout:  cfg.CallTimeout,
		Reporter:     broker,
	}
	if cfg.Transport == "process" {
		bcfg.ExecutorArgs = []string{"executor", "--listen", "stdio"}
	}

	b, err := bridge.Start(ctx, bcfg, logger)
	if err != nil {
		return err
	}
	defer b.Shutdown()

	readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	err = b.Ready(readyCtx)
	cancel()
	switch {
	case errors.Is(err, dispatcher.ErrEngineInit):
		// Keep serving: calls fail fast and /healthz reports the failure.
		logger.Error("executor engine unavailable", "error", err)
	case err != nil:
		logger.Warn("executor not ready yet", "error", err)
	}

	return api.NewServer(cfg.ListenAddr, b, j, broker, logger).Run(ctx)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.ListenAddr = serveFlags.listen
	}
	if f.Changed("journal") {
		cfg.JournalPath = serveFlags.journal
	}
	if f.Changed("transport") {
		cfg.Transport = serveFlags.transport
	}
	if f.Changed("executor-addr") {
		cfg.ExecutorAddr = serveFlags.executorAddr
	}
	if f.Changed("executor-path") {
		cfg.ExecutorPath = serveFlags.executorPath
	}
}
