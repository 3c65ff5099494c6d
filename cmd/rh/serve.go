package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/coordinator"
	"github.com/zulandar/roundhouse/internal/definition"
	"github.com/zulandar/roundhouse/internal/schedule"
	"github.com/zulandar/roundhouse/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, reconciler, and definition watcher",
		Long: `Starts the HTTP API and the periodic reconciliation of stale training
entries. When definitions.dir is set, every definition in it is trained on
start, and with definitions.watch changed files are retrained as they are saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	return serve(ctx, a, port, cmd)
}

// serve runs every long-lived component until ctx is done or one fails.
// Everything that can fail on setup is built before the first goroutine
// starts, so an early error never leaves the server running.
func serve(ctx context.Context, a *app, port int, cmd *cobra.Command) error {
	reconciler, err := schedule.NewReconciler(a.coord, a.cfg.Reconcile.Schedule, a.logger)
	if err != nil {
		return err
	}

	var defs []*definition.BotDefinition
	dir := a.cfg.Definitions.Dir
	if dir != "" {
		defs, err = definition.LoadDir(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d bot definitions from %s\n", len(defs), dir)
	}

	g, ctx := errgroup.WithContext(ctx)

	var watcher *definition.Watcher
	if dir != "" && a.cfg.Definitions.Watch {
		watcher, err = definition.NewWatcher(dir, definition.DefaultDebounce, func(ctx context.Context, def *definition.BotDefinition) {
			g.Go(func() error {
				trainDefinition(ctx, a.coord, def, a.logger)
				return nil
			})
		}, a.logger)
		if err != nil {
			return err
		}
	}

	g.Go(func() error {
		return server.Start(ctx, server.StartOpts{
			Lifecycle: a.coord,
			Info:      a.client,
			Port:      port,
			Logger:    a.logger,
			Out:       cmd.OutOrStdout(),
		})
	})
	g.Go(func() error { return reconciler.Run(ctx) })
	for _, def := range defs {
		g.Go(func() error {
			trainDefinition(ctx, a.coord, def, a.logger)
			return nil
		})
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// trainDefinition ensures a model for every language of def. Failures are
// logged; the previous model keeps serving.
func trainDefinition(ctx context.Context, coord *coordinator.Coordinator, def *definition.BotDefinition, logger *zap.Logger) {
	var g errgroup.Group
	for _, lang := range def.Languages {
		g.Go(func() error {
			log := logger.With(zap.String("bot", def.Bot), zap.String("language", lang))
			out, err := coord.EnsureModel(ctx, def.Bot, lang, def.ForLanguage(lang), nil)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("definition training failed", zap.Error(err))
				}
				return nil
			}
			log.Info("definition model ready",
				zap.Stringer("model_id", out.ModelID),
				zap.Bool("cache_hit", out.CacheHit),
			)
			return nil
		})
	}
	_ = g.Wait()
}
