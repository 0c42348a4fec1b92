package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeroechelon/outpost/pkg/log"
	"github.com/zeroechelon/outpost/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane loops",
	Long: `Runs the long-lived control plane: the warm pool lifecycle, the
demand-driven autoscaler, the event broker, and the metrics endpoint.
Shutdown drains the pool before exiting.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	logger := log.WithComponent("serve")
	logger.Info().
		Str("environment", a.cfg.Environment).
		Str("store", a.cfg.Store).
		Str("cluster", a.cfg.Cluster).
		Msg("starting control plane")

	a.broker.Start()
	go logBrokerEvents(a)

	a.lifecycle.Start()
	a.autoscaler.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.lifecycle.ShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("draining"))
			return
		}
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("metrics endpoint up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.lifecycle.DrainPool(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("pool drain incomplete")
	}

	a.autoscaler.Stop()
	a.lifecycle.Stop()
	a.streamer.StopAll()
	a.broker.Stop()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	_ = srv.Shutdown(shutCtx)

	logger.Info().Msg("control plane stopped")
	return nil
}

// logBrokerEvents mirrors broker events into the structured log so
// operators can follow pool and dispatch activity without a separate
// event sink.
func logBrokerEvents(a *app) {
	sub := a.broker.Subscribe()
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Info().
			Str("event_type", string(ev.Type)).
			Time("event_time", ev.Timestamp)
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
