package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover instances, then run workers and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency > 0 {
				opts.cfg.Workers.Concurrency = concurrency
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().IntVar(&concurrency, "workers", 0, "worker goroutines (overrides workers.concurrency)")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts.cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	n, err := a.engine.RecoverInstances(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("serve_starting",
		slog.Int("recovered", n),
		slog.Int("workers", opts.cfg.Workers.Concurrency),
		slog.String("metrics_addr", opts.cfg.Metrics.Addr),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              opts.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.cfg.Workers.Concurrency; i++ {
		g.Go(func() error {
			err := a.worker.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("serve_stopped", slog.Any("error", err))
	return err
}
