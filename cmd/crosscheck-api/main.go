package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ewoutbarendregt/crosscheck/internal/admission"
	"github.com/ewoutbarendregt/crosscheck/internal/api"
	"github.com/ewoutbarendregt/crosscheck/internal/bus"
	"github.com/ewoutbarendregt/crosscheck/internal/config"
	"github.com/ewoutbarendregt/crosscheck/internal/logging"
	"github.com/ewoutbarendregt/crosscheck/internal/observability"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
	"github.com/ewoutbarendregt/crosscheck/internal/tenant"
	"github.com/ewoutbarendregt/crosscheck/internal/usage"
)

func main() {
	log.Println("crosscheck admission api starting...")
	cfg := config.Load()

	registry, err := schema.NewRegistry()
	if err != nil {
		log.Fatalf("failed to compile schema registry: %v", err)
	}

	sink := observability.Sink(observability.Noop{})
	if cfg.MetricsAddr != "" {
		prom := observability.NewProm("crosscheck_api")
		sink = prom
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			srv := api.NewServer(cfg.MetricsAddr, mux)
			logging.Info("api", "metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("api", "metrics server error", "error", err)
			}
		}()
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	defer natsBus.Close()

	accounting := tenant.NewAccounting(tenant.QuotaPolicy{
		DefaultQuota: cfg.DefaultTenantQuota,
		Overrides:    cfg.TenantHardQuotas,
	}, cfg.QueueDepthLimit)

	queue := admission.NewQueue(accounting, registry, natsBus, cfg.JobSubject, sink, cfg.DispatchConcurrency)

	var idempotency *admission.IdempotencyCache
	if cache, err := admission.NewIdempotencyCache(cfg.RedisURL); err != nil {
		logging.Warn("api", "idempotency cache disabled", "error", err)
	} else {
		idempotency = cache
		defer idempotency.Close()
	}

	usageHandler := &usage.Handler{Accounting: accounting, Secret: cfg.UsageEventSecret}

	mux := api.NewMux(queue, accounting, idempotency, usageHandler, api.HeaderAuthenticator{})
	server := api.NewServer(cfg.HTTPAddr, mux)

	go func() {
		logging.Info("api", "listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("api", "http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("api", "shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.Error("api", "graceful shutdown failed", "error", err)
	}
}
