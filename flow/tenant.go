package flow

import (
	"fmt"

	"golang.org/x/time/rate"
)

// TenantConfig defines rate limits and concurrency for a specific
// tenant on a specific topic.
type TenantConfig struct {
	// Topic is the topic this config applies to.
	Topic string

	// TenantID identifies the tenant.
	TenantID string

	// RateLimit is the sustained messages per second for this tenant.
	RateLimit float64

	// RateBurst is the burst size for the tenant's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous in-flight messages for this
	// tenant on this topic. Zero means no tenant-specific limit.
	MaxConcurrency int
}

// tenantState tracks runtime state for a single topic+tenant pair.
type tenantState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// tenantFlowKey builds the map key for a topic+tenant pair.
func tenantFlowKey(topic, tenantID string) string {
	return fmt.Sprintf("%s:%s", topic, tenantID)
}

// SetTenantConfig configures limits for a specific tenant on a
// specific topic. Calling this again for the same pair replaces the
// previous configuration while preserving the active count.
func (m *Manager) SetTenantConfig(cfg TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantFlowKey(cfg.Topic, cfg.TenantID)
	existing := m.tenants[key]

	tn := &tenantState{maxConcurrency: cfg.MaxConcurrency}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		tn.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if existing != nil {
		tn.active = existing.active
	}
	m.tenants[key] = tn
}

// TenantActiveCount returns the in-flight count for a topic+tenant pair.
func (m *Manager) TenantActiveCount(topic, tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tn := m.tenants[tenantFlowKey(topic, tenantID)]; tn != nil {
		return tn.active
	}
	return 0
}
