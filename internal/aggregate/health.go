package aggregate

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ProviderHealth is a snapshot of one provider's failure state.
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
}

// InCooldown reports whether the provider is excluded at now.
func (h ProviderHealth) InCooldown(now time.Time) bool {
	return now.Before(h.CooldownUntil)
}

type healthState struct {
	ProviderHealth
	backoff *backoff.ExponentialBackOff
}

// healthTracker counts consecutive transient failures per provider and opens
// a cooldown once the count reaches threshold. Each further failure doubles
// the cooldown up to max.
type healthTracker struct {
	threshold int
	base, max time.Duration
	now       func() time.Time

	mu     sync.Mutex
	order  []string
	states map[string]*healthState
}

func newHealthTracker(names []string, threshold int, base, max time.Duration, now func() time.Time) *healthTracker {
	h := &healthTracker{
		threshold: threshold,
		base:      base,
		max:       max,
		now:       now,
		states:    make(map[string]*healthState, len(names)),
	}
	for _, n := range names {
		h.stateLocked(n)
	}
	return h
}

func (h *healthTracker) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.base
	b.MaxInterval = h.max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (h *healthTracker) stateLocked(name string) *healthState {
	s, ok := h.states[name]
	if !ok {
		s = &healthState{ProviderHealth: ProviderHealth{Provider: name}, backoff: h.newBackoff()}
		h.states[name] = s
		h.order = append(h.order, name)
	}
	return s
}

func (h *healthTracker) available(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stateLocked(name).InCooldown(h.now())
}

func (h *healthTracker) get(name string) (ProviderHealth, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[name]
	if !ok {
		return ProviderHealth{}, false
	}
	return s.ProviderHealth, true
}

func (h *healthTracker) success(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stateLocked(name)
	s.ConsecutiveFailures = 0
	s.CooldownUntil = time.Time{}
	s.backoff.Reset()
}

// failure records a transient failure and returns the cooldown it opened,
// or zero if the provider is still below threshold.
func (h *healthTracker) failure(name string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stateLocked(name)
	s.ConsecutiveFailures++
	if h.threshold <= 0 || s.ConsecutiveFailures < h.threshold {
		return 0
	}
	d := s.backoff.NextBackOff()
	if d > h.max && h.max > 0 {
		d = h.max
	}
	s.CooldownUntil = h.now().Add(d)
	return d
}

func (h *healthTracker) reset(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[name]
	if !ok {
		return false
	}
	s.ProviderHealth = ProviderHealth{Provider: name}
	s.backoff.Reset()
	return true
}

func (h *healthTracker) snapshot() []ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ProviderHealth, 0, len(h.order))
	for _, n := range h.order {
		out = append(out, h.states[n].ProviderHealth)
	}
	return out
}
