package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ewoutbarendregt/crosscheck/internal/api"
	"github.com/ewoutbarendregt/crosscheck/internal/bus"
	"github.com/ewoutbarendregt/crosscheck/internal/config"
	"github.com/ewoutbarendregt/crosscheck/internal/llm"
	"github.com/ewoutbarendregt/crosscheck/internal/logging"
	"github.com/ewoutbarendregt/crosscheck/internal/observability"
	"github.com/ewoutbarendregt/crosscheck/internal/pipeline"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
	"github.com/ewoutbarendregt/crosscheck/internal/tenant"
	"github.com/ewoutbarendregt/crosscheck/internal/usage"
)

func main() {
	log.Println("crosscheck reasoning worker starting...")
	cfg := config.Load()

	registry, err := schema.NewRegistry()
	if err != nil {
		log.Fatalf("failed to compile schema registry: %v", err)
	}

	sink := observability.Sink(observability.Noop{})
	if cfg.MetricsAddr != "" {
		prom := observability.NewProm("crosscheck_worker")
		sink = prom
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			srv := api.NewServer(cfg.MetricsAddr, mux)
			logging.Info("worker", "metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("worker", "metrics server error", "error", err)
			}
		}()
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	defer natsBus.Close()

	llmClient := llm.NewAzureChatClient(cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMDeployment, cfg.LLMAPIVersion)
	reasoningPipeline := pipeline.New(llmClient, registry)

	accounting := tenant.NewAccounting(tenant.QuotaPolicy{
		DefaultQuota: cfg.DefaultTenantQuota,
		Overrides:    cfg.TenantHardQuotas,
	}, cfg.QueueDepthLimit)

	usageClient := usage.NewClient(cfg.UsageEventEndpoint, cfg.UsageEventSecret)

	worker := pipeline.NewWorker(natsBus, cfg.JobSubject, cfg.ResultSubject, reasoningPipeline, registry, accounting, usageClient, sink, cfg.WorkerConcurrency, cfg.WorkerQueueDepth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := worker.Start(ctx)
	if err != nil {
		log.Fatalf("failed to subscribe to job subject: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("ok"))
		})
		srv := api.NewServer(cfg.HTTPAddr, mux)
		logging.Info("worker", "health listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("worker", "health server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("worker", "shutting down")

	if err := sub.Close(); err != nil {
		logging.Error("worker", "failed to close subscription", "error", err)
	}

	// give in-flight pipeline runs a bounded window to finish before the
	// bus connection is closed, mirroring the reference worker's
	// Start/Stop drain contract.
	time.Sleep(2 * time.Second)
	cancel()
}
