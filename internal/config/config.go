// Package config loads process-wide configuration for the admission API
// and worker processes from environment variables, following the
// reference control plane's env-with-defaults pattern.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/ewoutbarendregt/crosscheck/internal/logging"
)

const (
	envQueueDepthLimit    = "REASONING_QUEUE_DEPTH_LIMIT"
	envDispatchConcurrency = "REASONING_DISPATCH_CONCURRENCY"
	envWorkerConcurrency  = "REASONING_CONCURRENCY"
	envWorkerQueueDepth   = "REASONING_WORKER_QUEUE_DEPTH_LIMIT"
	envDefaultQuota       = "TENANT_DEFAULT_QUOTA"
	envHardQuotasJSON     = "TENANT_HARD_QUOTAS_JSON"
	envQuotaConfigPath    = "TENANT_QUOTA_CONFIG_PATH"
	envUsageEventEndpoint = "USAGE_EVENT_ENDPOINT"
	envUsageEventSecret   = "USAGE_EVENT_SECRET"
	envLLMEndpoint        = "LLM_ENDPOINT"
	envLLMAPIKey          = "LLM_API_KEY"
	envLLMDeployment      = "LLM_DEPLOYMENT"
	envLLMAPIVersion      = "LLM_API_VERSION"
	envNatsURL            = "NATS_URL"
	envJobSubject         = "REASONING_JOB_SUBJECT"
	envResultSubject      = "REASONING_RESULT_SUBJECT"
	envDLQSubject         = "REASONING_DLQ_SUBJECT"
	envRedisURL           = "REDIS_URL"
	envHTTPAddr           = "HTTP_ADDR"
	envMetricsAddr        = "METRICS_ADDR"

	defaultQueueDepthLimit     = 50
	defaultDispatchConcurrency = 2
	defaultWorkerConcurrency   = 4
	defaultWorkerQueueDepth    = 100
	defaultTenantQuota         = 5
	defaultNatsURL             = "nats://localhost:4222"
	defaultRedisURL            = "redis://localhost:6379"
	defaultJobSubject          = "reasoning.jobs"
	defaultResultSubject       = "reasoning.results"
	defaultDLQSubject          = "reasoning.jobs.dlq"
	defaultLLMAPIVersion       = "2024-05-01-preview"
	defaultHTTPAddr            = ":8080"
	defaultMetricsAddr         = ":9090"
)

// Config holds runtime configuration shared by the admission and worker
// processes. Not every field is used by every process.
type Config struct {
	QueueDepthLimit     int
	DispatchConcurrency int
	WorkerConcurrency   int
	WorkerQueueDepth    int

	DefaultTenantQuota int
	TenantHardQuotas   map[string]int

	UsageEventEndpoint string
	UsageEventSecret   string

	LLMEndpoint   string
	LLMAPIKey     string
	LLMDeployment string
	LLMAPIVersion string

	NatsURL       string
	JobSubject    string
	ResultSubject string
	DLQSubject    string

	RedisURL string

	HTTPAddr    string
	MetricsAddr string
}

// Load returns configuration using environment variables with sane
// defaults, following core/infra/config.Load() in the reference control
// plane. Malformed structured values are logged and ignored rather than
// failing boot.
func Load() *Config {
	cfg := &Config{
		QueueDepthLimit:     envInt(envQueueDepthLimit, defaultQueueDepthLimit),
		DispatchConcurrency: envInt(envDispatchConcurrency, defaultDispatchConcurrency),
		WorkerConcurrency:   envInt(envWorkerConcurrency, defaultWorkerConcurrency),
		WorkerQueueDepth:    envInt(envWorkerQueueDepth, defaultWorkerQueueDepth),

		DefaultTenantQuota: envInt(envDefaultQuota, defaultTenantQuota),
		TenantHardQuotas:   loadHardQuotas(),

		UsageEventEndpoint: os.Getenv(envUsageEventEndpoint),
		UsageEventSecret:   os.Getenv(envUsageEventSecret),

		LLMEndpoint:   strings.TrimRight(os.Getenv(envLLMEndpoint), "/"),
		LLMAPIKey:     os.Getenv(envLLMAPIKey),
		LLMDeployment: os.Getenv(envLLMDeployment),
		LLMAPIVersion: envOrDefault(envLLMAPIVersion, defaultLLMAPIVersion),

		NatsURL:       envOrDefault(envNatsURL, defaultNatsURL),
		JobSubject:    envOrDefault(envJobSubject, defaultJobSubject),
		ResultSubject: envOrDefault(envResultSubject, defaultResultSubject),
		DLQSubject:    envOrDefault(envDLQSubject, defaultDLQSubject),

		RedisURL: envOrDefault(envRedisURL, defaultRedisURL),

		HTTPAddr:    envOrDefault(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr: envOrDefault(envMetricsAddr, defaultMetricsAddr),
	}

	if overlay, err := LoadTenantQuotaOverlay(os.Getenv(envQuotaConfigPath)); err != nil {
		logging.Warn("config", "failed to load tenant quota overlay", "path", os.Getenv(envQuotaConfigPath), "error", err)
	} else {
		for tenant, quota := range overlay {
			cfg.TenantHardQuotas[tenant] = quota
		}
	}

	return cfg
}

func loadHardQuotas() map[string]int {
	quotas := map[string]int{}
	raw := strings.TrimSpace(os.Getenv(envHardQuotasJSON))
	if raw == "" {
		return quotas
	}
	var parsed map[string]int
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logging.Warn("config", "malformed TENANT_HARD_QUOTAS_JSON, ignoring", "error", err)
		return quotas
	}
	for tenant, quota := range parsed {
		tenant = strings.TrimSpace(tenant)
		if tenant == "" || quota <= 0 {
			logging.Warn("config", "ignoring invalid tenant quota override", "tenant", tenant, "quota", quota)
			continue
		}
		quotas[tenant] = quota
	}
	return quotas
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logging.Warn("config", "invalid integer env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
