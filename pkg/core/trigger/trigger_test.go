package trigger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/formula"
)

func lowCash(nonSticky bool) action.ManagementAction {
	return action.ManagementAction{
		ID:          7,
		Code:        "EMERGENCY_LOAN",
		Conditional: true,
		Trigger:     "CASH < 100",
		NonSticky:   nonSticky,
		Transformations: []action.Transformation{
			{LineItem: "DEBT", Kind: action.AdditiveAdjustment, Formula: "50"},
		},
	}
}

func TestEvaluate_Sticky(t *testing.T) {
	e := NewEvaluator(nil)
	a := lowCash(false)

	var got []bool
	for i, cash := range []float64{150, 80, 120} {
		ok, err := e.Evaluate("S1", a, i+1, formula.MapEnv{"CASH": cash})
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{false, true, true}, got)

	s, ok := e.Tracker().Get("S1", 7)
	require.True(t, ok)
	assert.Equal(t, 2, s.TriggeredAt)
	assert.Equal(t, 2, s.Evaluations, "latched trigger is not re-evaluated")
	t.Logf("✓ CASH 150/80/120 → %v", got)
}

func TestEvaluate_NonSticky(t *testing.T) {
	e := NewEvaluator(NewTracker())
	a := lowCash(true)

	var got []bool
	for i, cash := range []float64{150, 80, 120, 90} {
		ok, err := e.Evaluate("S1", a, i+1, formula.MapEnv{"CASH": cash})
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{false, true, false, true}, got)
	s, _ := e.Tracker().Get("S1", 7)
	assert.Equal(t, 4, s.TriggeredAt)
}

func TestEvaluate_UnconditionalAndErrors(t *testing.T) {
	e := NewEvaluator(nil)

	ok, err := e.Evaluate("S1", action.ManagementAction{ID: 1, Code: "ALWAYS"}, 1, formula.MapEnv{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("S1", lowCash(false), 1, formula.MapEnv{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, formula.ErrUnknownIdentifier)

	ok, err = e.Evaluate("S1", lowCash(false), 2, formula.MapEnv{"CASH": 10})
	require.NoError(t, err)
	assert.True(t, ok, "a failed evaluation does not latch either way")
}

func TestTracker_ScenarioIsolation(t *testing.T) {
	tracker := NewTracker()
	e := NewEvaluator(tracker)
	a := lowCash(false)

	var wg sync.WaitGroup
	for _, sc := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(sc string) {
			defer wg.Done()
			cash := 500.0
			if sc == "B" {
				cash = 50
			}
			_, _ = e.Evaluate(sc, a, 1, formula.MapEnv{"CASH": cash})
		}(sc)
	}
	wg.Wait()

	b, _ := tracker.Get("B", 7)
	c, _ := tracker.Get("C", 7)
	assert.True(t, b.Triggered)
	assert.False(t, c.Triggered)

	tracker.Reset("B")
	_, ok := tracker.Get("B", 7)
	assert.False(t, ok)
	assert.Len(t, tracker.Statuses("A"), 1)
}

func TestEvaluateAll_Order(t *testing.T) {
	actions := []action.ManagementAction{
		{ID: 3, Code: "C", Conditional: true, Trigger: "X > 0"},
		{ID: 1, Code: "A", Conditional: true, Trigger: "X > 5"},
		{ID: 2, Code: "B"},
		{ID: 1, Code: "AA", Conditional: true, Trigger: "Y > 0"},
	}
	out := NewEvaluator(nil).EvaluateAll("S", actions, 1, formula.MapEnv{"X": 3})

	var codes []string
	for _, o := range out {
		codes = append(codes, o.ActionCode)
	}
	assert.Equal(t, []string{"A", "AA", "C"}, codes)
	assert.False(t, out[0].Triggered)
	assert.Error(t, out[1].Err)
	assert.True(t, out[2].Triggered)
}

func TestDetectFeedback(t *testing.T) {
	actions := []action.ManagementAction{
		{
			ID: 1, Code: "HEDGE", Conditional: true, Trigger: "PRICE > 80",
			Transformations: []action.Transformation{{LineItem: "COST", Kind: action.Multiply, Factor: 0.9}},
		},
		{
			ID: 2, Code: "REPRICE", Conditional: true, Trigger: "COST > 50",
			Transformations: []action.Transformation{{LineItem: "PRICE", Kind: action.Multiply, Factor: 1.1}},
		},
		{
			ID: 3, Code: "SELF", Conditional: true, Trigger: "OPEX > 10",
			Transformations: []action.Transformation{{LineItem: "OPEX", Kind: action.Multiply, Factor: 0.5}},
		},
		{
			ID: 4, Code: "PLAIN",
			Transformations: []action.Transformation{{LineItem: "PRICE", Kind: action.Disable}},
		},
	}
	diags := DetectFeedback(actions)
	require.Len(t, diags, 2)
	assert.Equal(t, []string{"HEDGE", "REPRICE"}, diags[0].Actions)
	assert.Equal(t, []string{"COST", "PRICE"}, diags[0].Codes)
	assert.Equal(t, []string{"SELF"}, diags[1].Actions)
	assert.Contains(t, diags[1].String(), "SELF reads OPEX")
}
