package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/tether/internal/config"
	"github.com/vango-dev/tether/internal/errors"
	"github.com/vango-dev/tether/pkg/admin"
	"github.com/vango-dev/tether/pkg/echo"
	"github.com/vango-dev/tether/pkg/middleware"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

type serveOptions struct {
	configPath string
	envFiles   []string
	listen     string
	transport  string
	noEcho     bool
	quiet      bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Long: `Run the tetherd session server.

Configuration is read from tether.yaml (or --config), then .env files,
then TETHER_* environment variables. Flags override all of them.

Examples:
  tetherd serve
  tetherd serve --listen :2022 --transport websocket
  tetherd serve --config /etc/tether/tether.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (default: ./tether.yaml if present)")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, "Env files to load before reading TETHER_* variables")
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "Session listen address")
	cmd.Flags().StringVarP(&opts.transport, "transport", "t", "", "Transport: tcp or websocket")
	cmd.Flags().BoolVar(&opts.noEcho, "no-echo", false, "Admit sessions without running the echo service")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Skip the startup banner")

	return cmd
}

func loadServeConfig(cmd *cobra.Command, opts serveOptions) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		if _, err := os.Stat(config.ConfigFileName); err == nil {
			path = config.ConfigFileName
		}
	}

	cfg, err := config.Load(path, opts.envFiles...)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("listen") {
		cfg.Listen = opts.listen
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport = opts.transport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listener is a transport that binds before the accept loop starts, so
// address errors surface at startup.
type listener interface {
	transport.Transport
	Listen() error
	Addr() net.Addr
}

func newTransport(cfg *config.Config, logger *slog.Logger) listener {
	if cfg.Transport == config.TransportWebSocket {
		return transport.NewWebSocket(cfg.Listen,
			transport.WithPath(cfg.WebSocketPath),
			transport.WithLogger(logger),
		)
	}
	return transport.NewTCP(cfg.Listen)
}

func runServe(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	logger := cfg.Log.NewLogger(os.Stderr)

	key, err := cfg.ResolveKey()
	if err != nil {
		return err
	}

	tr := newTransport(cfg, logger)
	if err := tr.Listen(); err != nil {
		return errors.New("T120").WithDetail(cfg.Listen).Wrap(err)
	}

	scfg := cfg.ServerConfig(key, logger)
	if !opts.noEcho {
		scfg.Handler = echo.Handler(logger)
	}
	srv := server.New(tr, scfg)

	middleware.NewMetrics().Instrument(srv)
	if cfg.Tracing {
		srv.Use(middleware.OpenTelemetry())
	}

	if !opts.quiet {
		printBanner()
		success("Listening on %s (%s)", tr.Addr(), cfg.Transport)
		if cfg.Admin.Enabled {
			info("Admin API on http://%s", cfg.Admin.Listen)
		}
		fmt.Println()
	}

	adminErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		a := admin.New(srv, admin.WithLogger(logger))
		go func() {
			adminErr <- a.ListenAndServe(ctx, cfg.Admin.Listen)
		}()
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run(context.Background())
	}()

	select {
	case err = <-runErr:
	case err = <-adminErr:
		_ = srv.Close()
		<-runErr
		if err != nil {
			return errors.New("T122").Wrap(err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down", "sessions", srv.Sessions().Count())
		_ = srv.Close()
		err = <-runErr
	}

	_ = srv.Close()
	if stderrors.Is(err, server.ErrIDSpaceExhausted) {
		return errors.New("T121").WithDetailf("max client id %d", cfg.MaxClientID).Wrap(err)
	}
	return err
}
