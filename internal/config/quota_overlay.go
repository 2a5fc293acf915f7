package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// tenantQuotaOverlay is the shape of an optional YAML file layering
// per-tenant quota overrides on top of TENANT_HARD_QUOTAS_JSON, following
// the reference control plane's LoadPoolConfig/LoadTimeouts file pattern.
type tenantQuotaOverlay struct {
	Tenants map[string]int `yaml:"tenants"`
}

// LoadTenantQuotaOverlay reads a YAML file of per-tenant quota overrides.
// An empty path is not an error: it simply yields no overrides.
func LoadTenantQuotaOverlay(path string) (map[string]int, error) {
	if path == "" {
		return nil, nil
	}
	// #nosec G304 -- quota overlay path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant quota overlay %s: %w", path, err)
	}
	var raw tenantQuotaOverlay
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tenant quota overlay %s: %w", path, err)
	}
	out := make(map[string]int, len(raw.Tenants))
	for tenant, quota := range raw.Tenants {
		if tenant == "" || quota <= 0 {
			return nil, fmt.Errorf("invalid tenant quota override %q=%d", tenant, quota)
		}
		out[tenant] = quota
	}
	return out, nil
}
