package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	catalytic "github.com/lzdev42/catalytic-sub000"
	"github.com/lzdev42/catalytic-sub000/internal/logger"
	"github.com/lzdev42/catalytic-sub000/internal/server"
	ctls "github.com/lzdev42/catalytic-sub000/internal/tls"
)

const shutdownTimeout = 10 * time.Second

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge service with its control API",
		Long: `Run the bridge service in the foreground.

The device catalog is read from the config file on every status query, so
device edits take effect without a restart. Stop with SIGINT or SIGTERM.

Examples:
  catalytic serve --config=bench.toml
  catalytic serve --config=bench.toml --listen=0.0.0.0:8470
  catalytic serve --config=bench.toml --tls-dev-dir=./certs`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, sf, cmd.ErrOrStderr(), nil)
		},
	}
	cmd.Flags().StringVar(&sf.Listen, "listen", "", "override server.listen")
	cmd.Flags().StringVar(&sf.TLSDevDir, "tls-dev-dir", "", "serve HTTPS with a self-signed certificate kept in this directory")
	return cmd
}

// runServe blocks until ctx is done. ready, when set, receives the bound
// listen address once the API accepts connections.
func runServe(ctx context.Context, flags *GlobalFlags, sf *ServeFlags, console io.Writer, ready func(net.Addr)) error {
	cfg, err := catalytic.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if sf.Listen != "" {
		cfg.Server.Listen = sf.Listen
	}
	if sf.TLSDevDir != "" {
		cfg.Server.TLS = ctls.Development(sf.TLSDevDir, cfg.Server.Listen)
	}

	log, closer, err := logger.New(cfg.Log, console)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	tlsConfig, err := ctls.SetupTLS(cfg.Server)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	opts := []catalytic.Option{catalytic.WithLogger(log)}
	if flags.ConfigPath != "" {
		opts = append(opts, catalytic.WithConfigFile(flags.ConfigPath))
	}
	host, err := catalytic.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		_ = host.Close(context.Background())
		return err
	}

	srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, host.APIBackend(), tlsConfig)
	if err != nil {
		_ = host.Close(context.Background())
		return err
	}
	log.Info("control API listening", slog.String("addr", srv.Addr().String()),
		slog.String("base_path", cfg.Server.BasePath), slog.Bool("tls", tlsConfig != nil))
	if ready != nil {
		ready(srv.Addr())
	}

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if err := host.Close(sctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
