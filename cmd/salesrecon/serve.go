package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/salesrecon/internal/app"
	reconhttp "github.com/odyssey-erp/salesrecon/internal/recon/http"
	"github.com/odyssey-erp/salesrecon/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the reconciliation HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.cfg, rt.logger

	var enqueuer reconhttp.Enqueuer
	var inspector *asynq.Inspector
	if rt.redis != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobClient, err := jobs.NewClient(redisOpts)
		if err != nil {
			return err
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		enqueuer = jobClient
		inspector = asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("jobs inspector close", slog.Any("error", err))
			}
		}()
	}

	reconHandler := reconhttp.NewHandler(logger, rt.engine.Matching, rt.engine.Kits, rt.engine.Emission, rt.engine.Shipments, reconhttp.Options{
		Jobs:         enqueuer,
		LearnAliases: cfg.MatchLearnAliases,
		Problems:     rt.metrics,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		ReconHandler: reconHandler,
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      rt.metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server", slog.Any("error", err))
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
		return err
	}
	return nil
}
