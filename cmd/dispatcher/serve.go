package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbansal42/mailer-sub003/internal/common/camunda"
	"github.com/rbansal42/mailer-sub003/internal/common/config"
	apperrors "github.com/rbansal42/mailer-sub003/internal/common/errors"
	"github.com/rbansal42/mailer-sub003/internal/common/observability"
	"github.com/rbansal42/mailer-sub003/internal/events"
	"github.com/rbansal42/mailer-sub003/internal/sequence"
	delivermessage "github.com/rbansal42/mailer-sub003/internal/workers/delivery/deliver-message"
	enrollrecipient "github.com/rbansal42/mailer-sub003/internal/workers/sequence/enroll-recipient"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var noScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, event consumer and job workers",
	Long: `serve runs the sequence tick scheduler, the engagement event consumer
(when events.enabled) and the Zeebe job workers (when camunda.enabled), plus a
health and metrics server on app.http_addr. It stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the sequence tick scheduler")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.zapLog.Sync() //nolint:errcheck

	obs, err := observability.New(a.cfg.Observability, prometheus.DefaultRegisterer, a.log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			a.zapLog.Error("Error shutting down telemetry", zap.Error(err))
		}
	}()

	// --- Zeebe workers ---
	if a.cfg.Camunda.Enabled {
		workers, closeWorkers, err := startWorkers(ctx, a, obs)
		if err != nil {
			return err
		}
		defer closeWorkers()
		a.zapLog.Info("Workers registered", zap.Int("count", workers))
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- Sequence scheduler ---
	if !noScheduler {
		scheduler := sequence.NewScheduler(a.sequence, a.clock, a.cfg.Sequence.TickInterval(), a.log)
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	// --- Engagement events ---
	if a.cfg.Events.Enabled {
		handler := events.NewHandler(a.store, a.sequence, a.clock, a.log)
		consumer := events.NewConsumer(events.NewReader(a.cfg.Events, a.log), handler, a.executor, a.log)
		g.Go(func() error { return consumer.Run(gctx) })
		a.zapLog.Info("Engagement consumer started",
			zap.Strings("brokers", a.cfg.Events.Brokers),
			zap.String("topic", a.cfg.Events.Topic),
		)
	}

	// --- Health & Metrics Server ---
	srv := newHealthServer(a)
	g.Go(func() error {
		a.zapLog.Info("Health/Metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		a.zapLog.Info("Shutdown signal received, stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func startWorkers(ctx context.Context, a *app, obs *observability.Observability) (int, func(), error) {
	var client *camunda.Client
	err := retryWithBackoff(func() error {
		var err error
		client, err = camunda.NewClient(ctx, a.cfg.Camunda, a.log)
		return err
	}, 10, 2*time.Second, a.zapLog, "Zeebe client initialization")
	if err != nil {
		return 0, nil, err
	}

	errHandler := apperrors.NewErrorHandler(a.log).WithReporter(a.reporter)
	var workers []*camunda.Worker

	closeAll := func() {
		for _, w := range workers {
			w.Close()
		}
		if err := client.Close(); err != nil {
			a.zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}

	if config.IsWorkerEnabled(a.cfg, delivermessage.TaskType) {
		wc := config.GetWorkerConfig(a.cfg, delivermessage.TaskType)
		h, err := delivermessage.NewHandler(delivermessage.FromWorkerConfig(wc), a.delivery, errHandler, a.log)
		if err != nil {
			closeAll()
			return 0, nil, err
		}
		workers = append(workers, camunda.Register(client, delivermessage.TaskType, wc, h, obs, a.log))
	}

	if config.IsWorkerEnabled(a.cfg, enrollrecipient.TaskType) {
		wc := config.GetWorkerConfig(a.cfg, enrollrecipient.TaskType)
		h, err := enrollrecipient.NewHandler(enrollrecipient.FromWorkerConfig(wc), a.sequence, errHandler, a.log)
		if err != nil {
			closeAll()
			return 0, nil, err
		}
		workers = append(workers, camunda.Register(client, enrollrecipient.TaskType, wc, h, obs, a.log))
	}

	return len(workers), closeAll, nil
}

func newHealthServer(a *app) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy", "")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ping(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
		writeStatus(w, http.StatusOK, "ready", "")
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              a.cfg.App.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeStatus(w http.ResponseWriter, code int, status, reason string) {
	body := map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	}
	if reason != "" {
		body["reason"] = reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
