package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/goliatone/go-fulfillment/adapters/gojob"
	"github.com/goliatone/go-fulfillment/core"
	"github.com/goliatone/go-fulfillment/webhooks"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAppConfig(opts.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, newLogger(cmd.ErrOrStderr(), opts.debug))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

func newHTTPHandler(rt *runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	webhooks.NewHandlers(rt.processor, webhooks.RouterConfig{
		MaxBodyBytes: rt.engine.Config().Webhooks.MaxBodyBytes,
	}).Routes(r)
	return r
}

func runServe(ctx context.Context, cfg AppConfig, logger core.Logger) error {
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.client.Migrate(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      newHTTPHandler(rt),
		ReadTimeout:  seconds(cfg.HTTP.ReadTimeoutSeconds),
		WriteTimeout: seconds(cfg.HTTP.WriteTimeoutSeconds),
	}

	if interval := seconds(cfg.Reconcile.IntervalSeconds); interval > 0 {
		stopJobs := startReconcileJobs(ctx, rt, interval)
		defer stopJobs()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(cfg.HTTP.ShutdownTimeoutSeconds))
	defer cancel()
	logger.Info("http server shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// startReconcileJobs schedules reconcile jobs onto an in-process go-job
// queue and runs the worker that drains it. The returned func stops both and
// waits for an in-flight sweep to finish.
func startReconcileJobs(ctx context.Context, rt *runtime, interval time.Duration) func() {
	jobsCtx, cancel := context.WithCancel(ctx)
	logger := rt.namedLogger("fulfillment.jobs")

	q := gojob.NewMemoryQueue()
	scheduler := gojob.NewReconcileScheduler(q, interval)
	scheduler.Logger = logger
	reconcileWorker := gojob.NewReconcileWorker(rt.engine, q, gojob.DefaultRetryPolicy(), logger).
		WithHooks(gojob.NewLoggingHook(logger))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := reconcileWorker.Run(jobsCtx); err != nil {
			logger.Error("reconcile worker stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := scheduler.Run(jobsCtx, interval); err != nil {
			logger.Error("reconcile scheduler stopped", "error", err)
		}
	}()

	return func() {
		cancel()
		_ = q.Close()
		wg.Wait()
	}
}
