package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/sqlbridge/internal/config"
	"github.com/seantiz/sqlbridge/internal/engine"
	"github.com/seantiz/sqlbridge/internal/executor"
	"github.com/seantiz/sqlbridge/internal/transport"
)

var executorFlags struct {
	listen string
	path   string
	port   uint32
}

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run an executor that owns the SQLite engine",
	Long: `Executor loads the SQLite engine and answers dispatcher requests. With
--listen stdio it serves a single dispatcher over standard input and output;
with unix or vsock it accepts dispatcher connections, each with its own
handles. Logs are written to standard error.`,
	RunE: runExecutor,
}

func init() {
	f := executorCmd.Flags()
	f.StringVar(&executorFlags.listen, "listen", "stdio", "stdio, unix or vsock")
	f.StringVar(&executorFlags.path, "socket", "", "unix socket path for --listen unix")
	f.Uint32Var(&executorFlags.port, "port", transport.DefaultVsockPort, "vsock port for --listen vsock")
}

func runExecutor(cmd *cobra.Command, _ []string) error {
	// The transport settings describe the dispatcher side; only the log
	// level applies here.
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	// Standard output may be the message channel.
	logger := config.NewLogger(os.Stderr, cfg.Level()).With("component", "executor")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := engine.SQLiteLoader(logger)

	var l net.Listener
	switch executorFlags.listen {
	case "stdio":
		logger.Info("executor serving on stdio")
		return executor.New(loader, logger).Serve(ctx, transport.Stdio())
	case "unix":
		if executorFlags.path == "" {
			return fmt.Errorf("--socket is required with --listen unix")
		}
		l, err = transport.Listen("unix", executorFlags.path)
	case "vsock":
		l, err = transport.ListenVsock(executorFlags.port)
	default:
		return fmt.Errorf("unknown listen mode %q", executorFlags.listen)
	}
	if err != nil {
		return err
	}

	logger.Info("executor listening", "addr", l.Addr().String())
	return executor.NewListener(l, loader, logger).Serve(ctx)
}
