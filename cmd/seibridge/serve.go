package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/seibridge/pkg/config"
	"github.com/entrhq/seibridge/pkg/correlator"
	"github.com/entrhq/seibridge/pkg/driver"
	"github.com/entrhq/seibridge/pkg/events"
	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/entrhq/seibridge/pkg/logging"
	"github.com/entrhq/seibridge/pkg/rest"
	"github.com/entrhq/seibridge/pkg/session"
	"github.com/entrhq/seibridge/pkg/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	eventBuffer         = 64
	driverCleanupPeriod = time.Minute
)

// bridge is every long-lived component of a running server.
type bridge struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *session.Registry
	bus      *events.Bus
	corr     *correlator.Correlator
	driver   *driver.Manager
	executor *execution.Executor
	server   *transport.Server
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}

			logging.SetLogDirectory(cfg.Logging.Dir)
			logging.SetDefaultLevel(cfg.LogLevel())
			logger, err := logging.NewLogger("seibridge")
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; logging to stderr\n", err)
			}
			defer logger.Close()

			b, err := newBridge(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "seibridge v%s listening on %s (backends: %v)\n",
				version, cfg.Server.ListenAddr, b.executor.Backends())
			if path := logger.LogPath(); path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "logs: %s\n", path)
			}
			return b.run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides server.listen_addr")
	return cmd
}

// newBridge wires registry, correlator, strategies and transport from cfg.
func newBridge(cfg *config.Config, logger *logging.Logger) (*bridge, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	order, err := cfg.FallbackOrder()
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(session.WithLogger(logger.Named("session")))
	bus := events.NewBus(eventBuffer)
	corr := correlator.New(registry,
		correlator.WithTimeout(cfg.Transport.CommandTimeout),
		correlator.WithLogger(logger.Named("correlator")),
	)

	drv := driver.NewManager(driver.Config{
		Enabled:     cfg.Driver.Enabled,
		Headless:    cfg.Driver.Headless,
		MaxSessions: cfg.Driver.MaxSessions,
		IdleTimeout: cfg.Driver.IdleTimeout,
	}, logger.Named("driver"))

	strategies := []execution.Strategy{
		execution.NewExtensionStrategy(corr, bus),
		drv,
	}
	if cfg.REST.BaseURL != "" {
		strategies = append(strategies, rest.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, logger.Named("rest")))
	}

	exec, err := execution.NewExecutor(execution.Config{
		FallbackOrder:    order,
		StabilityActions: cfg.Execution.StabilityActions,
		StabilityQuiet:   cfg.Execution.StabilityQuiet,
		StabilityMax:     cfg.Execution.StabilityMax,
	}, registry, logger.Named("execution"), strategies...)
	if err != nil {
		return nil, err
	}

	srv := transport.NewServer(transport.Options{
		Addr:              cfg.Server.ListenAddr,
		ReadLimit:         cfg.Server.ReadLimit,
		WriteTimeout:      cfg.Server.WriteTimeout,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		MaxMissedPongs:    cfg.Transport.MaxMissedPongs,
	}, registry, corr, bus, logger.Named("transport"))
	srv.SetExecutor(exec)

	return &bridge{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		bus:      bus,
		corr:     corr,
		driver:   drv,
		executor: exec,
		server:   srv,
	}, nil
}

// run serves until ctx is cancelled or a component fails, then shuts the
// driver down.
func (b *bridge) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.server.Serve(gctx)
	})
	g.Go(func() error {
		return b.registry.RunSweeper(gctx, b.cfg.Server.SweepInterval, b.cfg.Server.SessionMaxIdle)
	})
	if b.driver.Available() {
		g.Go(func() error {
			return b.driver.RunIdleCleanup(gctx, driverCleanupPeriod)
		})
	}

	err := g.Wait()
	if serr := b.driver.Shutdown(); serr != nil {
		b.logger.Warnf("Driver shutdown: %v", serr)
	}
	if err != nil {
		b.logger.Errorf("Bridge stopped: %v", err)
		return err
	}
	b.logger.Infof("Bridge stopped")
	return nil
}
