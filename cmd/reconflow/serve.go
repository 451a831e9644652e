package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/reconflow/internal/api"
	"github.com/kingrea/reconflow/internal/catalog"
	"github.com/kingrea/reconflow/internal/history"
	"github.com/kingrea/reconflow/internal/logbook"
	"github.com/kingrea/reconflow/internal/metrics"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve exposes the engine over HTTP: start and cancel runs, stream their
events over SSE or WebSocket, browse history, and scrape Prometheus metrics.
The workflow catalog is reloaded when definition files change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := loadEnvironment(flags, true)
			if err != nil {
				return err
			}
			defer env.Close()
			settings := api.SettingsFromConfig(env.cfg)
			if host != "" {
				settings.Host = host
			}
			if port > 0 {
				settings.Port = port
			}
			return serve(ctx, env, settings)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	return cmd
}

func serve(ctx context.Context, env *environment, settings api.Settings) error {
	logger := env.logger.Logger
	router := newRouter(logger)
	defer router.Close()

	group, ctx := errgroup.WithContext(ctx)

	router.Attach(ctx, "logbook", logbook.NewRecorder(env.cfg.RunsDir()))
	opts := []api.Option{api.WithLogger(logger), api.WithRunContext(ctx)}
	if env.cfg.HistoryEnabled() {
		store, err := history.Open(env.cfg.HistoryPath())
		if err != nil {
			return err
		}
		defer store.Close()
		router.Attach(ctx, "history", history.NewRecorder(store))
		opts = append(opts, api.WithHistory(store))
	}
	if env.cfg.MetricsEnabled() {
		m := metrics.New()
		router.Attach(ctx, "metrics", m)
		opts = append(opts, api.WithMetrics(m.Handler()))
	}
	closeNATS, err := env.attachNATS(ctx, router)
	if err != nil {
		return err
	}
	defer closeNATS()

	cat := catalog.New(env.cfg.WorkflowsDir(),
		catalog.WithLogger(logger),
		catalog.OnReload(func(entries []catalog.Entry) {
			logger.Info("workflow catalog reloaded", "workflows", len(entries))
		}),
	)
	if err := cat.Reload(); err != nil {
		logger.Warn("initial catalog load failed", "dir", cat.Dir(), "error", err)
	}
	opts = append(opts, api.WithCatalog(cat))

	eng, err := env.engine(ctx, router)
	if err != nil {
		return err
	}
	server := api.NewServer(settings, eng, opts...)

	group.Go(func() error {
		return server.Run(ctx)
	})
	if env.cfg.Project.Workflows.Watch {
		group.Go(func() error {
			return cat.Watch(ctx)
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		eng.CancelAll()
		return nil
	})
	return group.Wait()
}
