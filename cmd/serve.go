package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/reqident/internal/classifier"
	"github.com/sells-group/reqident/internal/cost"
	"github.com/sells-group/reqident/internal/identify"
	"github.com/sells-group/reqident/internal/metrics"
	"github.com/sells-group/reqident/internal/monitoring"
	"github.com/sells-group/reqident/internal/queue"
	"github.com/sells-group/reqident/pkg/anthropic"
)

var (
	serveConcurrency int
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run identification workers and the metrics listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("concurrency") {
			cfg.Queue.Concurrency = serveConcurrency
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Metrics.Addr = serveMetricsAddr
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)

		env, err := initEnv(ctx, queue.WithObserver(m))
		if err != nil {
			return err
		}
		defer env.Close()

		orch := newOrchestrator(env, m)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Queue.Process(gctx, cfg.Queue.Concurrency, orch.Handle)
		})
		if cfg.Monitoring.Enabled {
			checker := newHealthChecker(env)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		if cfg.Metrics.Addr != "" {
			srv := newMetricsServer(cfg.Metrics.Addr, reg)
			g.Go(func() error {
				zap.L().Info("starting metrics server", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return eris.Wrap(err, "metrics server listen")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				zap.L().Info("shutting down metrics server")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		return g.Wait()
	},
}

func newOrchestrator(env *appEnv, m *metrics.Metrics) *identify.Orchestrator {
	ai := anthropic.NewClient(cfg.Anthropic.Key)
	cls := classifier.New(ai, classifier.Config{
		HighModel:         cfg.Anthropic.HighModel,
		LowModel:          cfg.Anthropic.LowModel,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		Retry:             cfg.Classifier.Retry(),
	}, classifier.WithObserver(m), classifier.WithCostCalculator(newCostCalculator()))

	return identify.NewOrchestrator(env.Store, cls,
		identify.WithObserver(m),
		identify.WithSkippedReport(cfg.Identify.ReportSkippedArticles),
	)
}

// newCostCalculator prices classifier calls with the built-in rates
// overlaid by pricing.anthropic.
func newCostCalculator() *cost.Calculator {
	calc := cost.NewCalculator(cost.Merge(cost.DefaultRates(), cfg.Pricing.Anthropic))
	for _, model := range []string{cfg.Anthropic.HighModel, cfg.Anthropic.LowModel} {
		if !calc.Known(model) {
			zap.L().Warn("no pricing for model, its spend is reported as 0", zap.String("model", model))
		}
	}
	return calc
}

func newHealthChecker(env *appEnv) *monitoring.Checker {
	return monitoring.NewChecker(
		monitoring.NewCollector(env.Queue),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
}

func newMetricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(g))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"}) //nolint:errcheck
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func init() {
	serveCmd.Flags().IntVar(&serveConcurrency, "concurrency", 0, "concurrent jobs (default from config)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "metrics listen address, empty disables (default from config)")
	rootCmd.AddCommand(serveCmd)
}
