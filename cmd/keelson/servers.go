package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/RISE-Maritime/keelson-sub001/internal/config"
	"github.com/RISE-Maritime/keelson-sub001/internal/health"
	"github.com/RISE-Maritime/keelson-sub001/internal/metrics"
)

// observability holds the optional metrics and health endpoints of a
// running command.
type observability struct {
	metrics *metrics.Metrics
	http    *http.Server
	health  *health.Server
	logger  *slog.Logger
}

// startObservability registers the collectors and starts whichever servers
// c enables. The returned value is never nil.
func startObservability(c config.MetricsConfig, logger *slog.Logger) (*observability, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	o := &observability{metrics: metrics.New(reg), logger: logger}

	if c.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		o.http = &http.Server{Addr: c.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics server listening", "addr", c.Addr)
			if err := o.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	if c.HealthAddr != "" {
		o.health = health.New(logger)
		if err := o.health.Start(c.HealthAddr); err != nil {
			o.stop()
			return nil, err
		}
	}
	return o, nil
}

func (o *observability) setServing(serving bool) {
	if o.health != nil {
		o.health.SetServing(serving)
	}
}

func (o *observability) stop() {
	if o.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.http.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics server shutdown", "err", err)
		}
		cancel()
	}
	if o.health != nil {
		o.health.Stop()
	}
}
