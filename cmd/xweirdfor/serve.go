package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xweirdfor/xweirdfor/internal/rules"
	"github.com/xweirdfor/xweirdfor/internal/server"
)

func newServeCmd(configPath func() string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the classifier over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			a, err := newApp(cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(a.pipeline, cfg.Server, server.Options{Metrics: a.metrics, Logger: a.logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx) })

			if a.metrics != nil {
				g.Go(func() error {
					return server.ServeMetrics(gctx, cfg.Metrics.Listen, a.metrics.Handler(a.registry), a.logger.Named("metrics"))
				})
			}

			if cfg.WatchRules {
				path := cfg.ResolvePath(cfg.RulesFile)
				load := func() (*rules.Engine, error) { return buildEngine(cfg) }
				watcher, err := rules.NewWatcher(a.rules, path, load, a.logger.Named("rules"))
				if err != nil {
					return err
				}
				g.Go(func() error { return watcher.Run(gctx) })
				a.logger.Info("watching rules file", zap.String("path", path))
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override server.listen")

	return cmd
}
