package model

import (
	"sync"
	"time"
)

// EndpointHealth is a point-in-time snapshot of one endpoint's circuit.
type EndpointHealth struct {
	// Available reports whether the circuit admits requests.
	Available bool `json:"available"`

	// LastSuccess is when the endpoint last answered successfully.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is when the endpoint last failed.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount counts consecutive failures since the last success.
	FailureCount int `json:"failure_count"`

	// CircuitOpen reports whether the failure threshold tripped the circuit.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit tripped.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig tunes the per-endpoint circuit.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long a tripped circuit blocks before admitting
	// a trial request.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the circuit defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// healthState owns the circuit for every endpoint. All transitions happen
// under its single lock; the Registry only delegates.
type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
	clock    func() time.Time
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*EndpointHealth),
		clock:    time.Now,
	}
}

// markSuccess closes the circuit and zeroes the failure streak.
func (h *healthState) markSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.statuses[name]
	if s == nil {
		s = &EndpointHealth{}
		h.statuses[name] = s
	}
	s.LastSuccess = h.clock()
	s.FailureCount = 0
	s.Available = true
	s.CircuitOpen = false
}

// markFailure extends the failure streak and trips the circuit at the
// threshold.
func (h *healthState) markFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.statuses[name]
	if s == nil {
		s = &EndpointHealth{Available: true}
		h.statuses[name] = s
	}
	s.LastFailure = h.clock()
	s.FailureCount++
	if s.FailureCount >= h.config.FailureThreshold {
		s.CircuitOpen = true
		s.CircuitOpenedAt = s.LastFailure
		s.Available = false
	}
}

// available reports whether the circuit admits a request. An untracked
// endpoint is admitted, and a tripped circuit past its recovery timeout
// admits one trial (half-open); the next markSuccess or markFailure settles
// it.
func (h *healthState) available(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.statuses[name]
	if !ok || !s.CircuitOpen {
		return true
	}
	return h.clock().Sub(s.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// snapshot copies the endpoint's health, or nil when untracked.
func (h *healthState) snapshot(name string) *EndpointHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.statuses[name]
	if !ok {
		return nil
	}
	out := *s
	return &out
}

func (h *healthState) reset(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}

// ensureHealth lazily attaches circuit tracking with defaults. Registries
// built without SetHealthConfig get tracking on first use.
func (r *Registry) ensureHealth() *healthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

// MarkEndpointSuccess records a successful request against the endpoint's
// circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.ensureHealth().markSuccess(name)
}

// MarkEndpointFailure records a failed request against the endpoint's
// circuit.
func (r *Registry) MarkEndpointFailure(name string) {
	r.ensureHealth().markFailure(name)
}

// IsEndpointAvailable reports whether the endpoint's circuit admits
// requests. Registries without health tracking admit everything.
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return true
	}
	return h.available(name)
}

// GetEndpointHealth returns a copy of the endpoint's health, or nil when
// nothing has been recorded for it.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h.snapshot(name)
}

// GetAvailableFallbackChain returns the capability's fallback chain with
// tripped endpoints removed. When every endpoint in the chain is tripped the
// full chain comes back unfiltered; a degraded attempt beats none.
func (r *Registry) GetAvailableFallbackChain(cap Capability) []string {
	chain := r.GetFallbackChain(cap)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig replaces the circuit configuration. Existing endpoint
// streaks are kept.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	h := r.ensureHealth()
	h.mu.Lock()
	h.config = cfg
	h.mu.Unlock()
}

// ResetEndpointHealth forgets everything recorded for the endpoint.
func (r *Registry) ResetEndpointHealth(name string) {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return
	}
	h.reset(name)
}
