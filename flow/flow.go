// Package flow provides delivery flow control for broker subscribers:
// token-bucket rate limits and concurrency caps per topic, with
// optional per-tenant overrides for noisy-neighbor isolation. The
// subscriber calls Admit before dispatching a received message and
// Done after the handler settles it; a denied message is nacked and
// redelivered later by the broker.
package flow

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-topic behaviour.
type Config struct {
	// Topic is the topic identifier.
	Topic string

	// MaxConcurrency limits how many messages from this topic may be
	// in flight simultaneously on the local subscriber. Zero means no
	// topic-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained messages per second admitted
	// from this topic. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token bucket. Defaults to 1
	// when RateLimit is set but RateBurst is zero.
	RateBurst int
}

// topicState tracks runtime state for a single topic.
type topicState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-topic and per-tenant admission. It is safe for
// concurrent use.
type Manager struct {
	mu      sync.Mutex
	topics  map[string]*topicState
	tenants map[string]*tenantState
}

// NewManager creates a Manager with the given topic configurations.
// Topics not listed have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		topics:  make(map[string]*topicState, len(configs)),
		tenants: make(map[string]*tenantState),
	}
	for _, cfg := range configs {
		m.topics[cfg.Topic] = newTopicState(cfg)
	}
	return m
}

func newTopicState(cfg Config) *topicState {
	ts := &topicState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Admit checks rate limits and concurrency for the topic and tenant.
// If the message may proceed it increments the active counters and
// returns true. The caller MUST call Done when the message settles.
// A denied message consumes nothing: concurrency caps are checked
// before any token is taken, and rate tokens are reserved and
// cancelled on denial so one capped tenant cannot drain the topic
// bucket for its neighbors.
func (m *Manager) Admit(topic, tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.topics[topic]
	var tn *tenantState
	if tenantID != "" {
		tn = m.tenants[tenantFlowKey(topic, tenantID)]
	}

	if ts != nil && ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	if tn != nil && tn.maxConcurrency > 0 && tn.active >= tn.maxConcurrency {
		return false
	}

	var topicRes *rate.Reservation
	if ts != nil && ts.limiter != nil {
		topicRes = ts.limiter.Reserve()
		if !topicRes.OK() || topicRes.Delay() > 0 {
			topicRes.Cancel()
			return false
		}
	}
	if tn != nil && tn.limiter != nil {
		res := tn.limiter.Reserve()
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			if topicRes != nil {
				topicRes.Cancel()
			}
			return false
		}
	}

	if ts != nil {
		ts.active++
	}
	if tn != nil {
		tn.active++
	}
	return true
}

// Done decrements the active counters for the topic and tenant.
func (m *Manager) Done(topic, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.topics[topic]; ts != nil && ts.active > 0 {
		ts.active--
	}
	if tenantID != "" {
		if tn := m.tenants[tenantFlowKey(topic, tenantID)]; tn != nil && tn.active > 0 {
			tn.active--
		}
	}
}

// SetTopicConfig dynamically updates (or creates) a topic configuration,
// preserving the current active count.
func (m *Manager) SetTopicConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.topics[cfg.Topic]
	ts := newTopicState(cfg)
	if existing != nil {
		ts.active = existing.active
	}
	m.topics[cfg.Topic] = ts
}

// ActiveCount returns the current number of in-flight messages for a topic.
func (m *Manager) ActiveCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.topics[topic]; ts != nil {
		return ts.active
	}
	return 0
}
