// Package reputation implements the coordination plane's Reputation Engine:
// a pure function from (current score, event, optional override) to a
// clamped new score, plus a mutable rule table guarded by a lock, in the
// structural style of libs/reputation/scoring.go (Prometheus metrics,
// zap logging, sync.RWMutex-guarded state, NewXxx(cfg, logger)).
package reputation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Event is a typed reputation event, mirroring
// original_source/backend/duxos_registry/services/reputation.py's
// ReputationEventType.
type Event string

const (
	TaskSuccess            Event = "task_success"
	TaskFailure            Event = "task_failure"
	TaskTimeout            Event = "task_timeout"
	Malicious              Event = "malicious_behavior"
	HealthMilestone        Event = "health_milestone"
	UptimeMilestone        Event = "uptime_milestone"
	CommunityContribution  Event = "community_contribution"
)

const (
	minScore = 0.0
	maxScore = 100.0
)

var defaultRules = map[Event]float64{
	TaskSuccess:           10.0,
	TaskFailure:           -5.0,
	TaskTimeout:           -10.0,
	Malicious:             -50.0,
	HealthMilestone:       2.0,
	UptimeMilestone:       5.0,
	CommunityContribution: 15.0,
}

var (
	eventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reputation_events_applied_total",
		Help: "Total number of reputation events applied, by event type",
	}, []string{"event"})

	clampedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reputation_clamped_total",
		Help: "Total number of reputation applications that hit a clamp bound",
	}, []string{"bound"})
)

// Engine holds the mutable event->delta rule table. Application of a rule
// to a score is a pure computation; Engine only owns the rules, not any
// node's current score (that lives in the Registry's node record).
type Engine struct {
	mu     sync.RWMutex
	rules  map[Event]float64
	logger *zap.Logger
}

// New constructs an Engine seeded with the default rule table.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules := make(map[Event]float64, len(defaultRules))
	for e, d := range defaultRules {
		rules[e] = d
	}
	return &Engine{rules: rules, logger: logger}
}

// Apply computes new = clamp(current + (override ?? rules[event]), 0, 100)
// and reports whether the result was clamped. An event absent from the
// rule table (including one previously zeroed by Remove) contributes 0.
func (e *Engine) Apply(current float64, event Event, override *float64) (next float64, clamped bool) {
	delta := e.deltaFor(event)
	if override != nil {
		delta = *override
	}

	raw := current + delta
	next = raw
	switch {
	case raw < minScore:
		next = minScore
		clamped = true
	case raw > maxScore:
		next = maxScore
		clamped = true
	}

	eventsAppliedTotal.WithLabelValues(string(event)).Inc()
	if clamped {
		bound := "upper"
		if raw < minScore {
			bound = "lower"
		}
		clampedTotal.WithLabelValues(bound).Inc()
	}
	return next, clamped
}

func (e *Engine) deltaFor(event Event) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[event]
}

// RulesSnapshot returns a copy of the current event->delta table.
func (e *Engine) RulesSnapshot() map[Event]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Event]float64, len(e.rules))
	for k, v := range e.rules {
		out[k] = v
	}
	return out
}

// Set installs or overwrites a custom delta for event.
func (e *Engine) Set(event Event, delta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[event] = delta
	e.logger.Info("reputation rule updated", zap.String("event", string(event)), zap.Float64("delta", delta))
}

// Remove zeroes event's delta. It does not delete the key, matching
// reputation.py's remove_rule (a removed rule still "exists" at delta 0,
// distinguishable from an event the table never knew about only by
// RulesSnapshot returning the key with value 0).
func (e *Engine) Remove(event Event) {
	e.Set(event, 0.0)
}
