package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewSeedsDefaultRules(t *testing.T) {
	e := New(zap.NewNop())
	rules := e.RulesSnapshot()
	assert.Equal(t, 10.0, rules[TaskSuccess])
	assert.Equal(t, -5.0, rules[TaskFailure])
	assert.Equal(t, -50.0, rules[Malicious])
}

func TestApplyAddsDeltaWithinBounds(t *testing.T) {
	e := New(zap.NewNop())
	next, clamped := e.Apply(50, TaskSuccess, nil)
	assert.Equal(t, 60.0, next)
	assert.False(t, clamped)
}

func TestApplyClampsAtUpperBound(t *testing.T) {
	e := New(zap.NewNop())
	next, clamped := e.Apply(95, TaskSuccess, nil)
	assert.Equal(t, 100.0, next)
	assert.True(t, clamped)
}

func TestApplyClampsAtLowerBound(t *testing.T) {
	e := New(zap.NewNop())
	next, clamped := e.Apply(2, Malicious, nil)
	assert.Equal(t, 0.0, next)
	assert.True(t, clamped)
}

func TestApplyNeverExceedsBoundsAcrossRange(t *testing.T) {
	e := New(zap.NewNop())
	for _, start := range []float64{-100, -1, 0, 50, 99, 100, 500} {
		for _, event := range []Event{TaskSuccess, TaskFailure, TaskTimeout, Malicious, HealthMilestone, UptimeMilestone, CommunityContribution} {
			next, _ := e.Apply(start, event, nil)
			assert.GreaterOrEqual(t, next, minScore)
			assert.LessOrEqual(t, next, maxScore)
		}
	}
}

func TestApplyHonorsOverrideInsteadOfRuleTable(t *testing.T) {
	e := New(zap.NewNop())
	override := -3.0
	next, clamped := e.Apply(10, TaskSuccess, &override)
	assert.Equal(t, 7.0, next)
	assert.False(t, clamped)
}

func TestSetInstallsCustomDelta(t *testing.T) {
	e := New(zap.NewNop())
	e.Set(TaskSuccess, 25.0)
	assert.Equal(t, 25.0, e.RulesSnapshot()[TaskSuccess])

	next, _ := e.Apply(0, TaskSuccess, nil)
	assert.Equal(t, 25.0, next)
}

func TestRemoveZeroesRatherThanDeletes(t *testing.T) {
	e := New(zap.NewNop())
	e.Remove(TaskSuccess)

	rules := e.RulesSnapshot()
	delta, exists := rules[TaskSuccess]
	assert.True(t, exists)
	assert.Equal(t, 0.0, delta)
}

func TestApplyUnknownEventContributesZero(t *testing.T) {
	e := New(zap.NewNop())
	next, clamped := e.Apply(42, Event("not_a_real_event"), nil)
	assert.Equal(t, 42.0, next)
	assert.False(t, clamped)
}
