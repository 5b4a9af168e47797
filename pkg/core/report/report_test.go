package report

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/engine"
	"finmodel/pkg/core/explore"
	"finmodel/pkg/core/mac"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/trigger"
)

func sampleResult() *orchestrator.MultiPeriodResult {
	return &orchestrator.MultiPeriodResult{
		RunID:        "run-1",
		Entity:       "ACME",
		Scenario:     "STRESS",
		BaseTemplate: "PL@1",
		State:        orchestrator.StateCompleted,
		Success:      true,
		Periods: []*engine.PeriodResult{
			{Period: 1, TemplateCode: "PL", Order: []string{"REVENUE", "COST", "PROFIT", "CASH"},
				Values: map[string]float64{"REVENUE": 100, "COST": 120, "PROFIT": -20, "CASH": 1130}},
			{Period: 2, TemplateCode: "PL_COST_CUT", Order: []string{"REVENUE", "COST", "PROFIT", "CASH"},
				Values:     map[string]float64{"REVENUE": 100, "COST": 60, "CASH": 1170},
				Unresolved: []engine.Unresolved{{Code: "PROFIT", Reason: "division by zero"}}},
		},
		ActiveActions: map[int][]string{2: {"COST_CUT"}},
		Triggers:      []trigger.Status{{ActionID: 1, ActionCode: "COST_CUT", Triggered: true, TriggeredAt: 1, Evaluations: 1}},
		Warnings:      []string{"binding for scenario STRESS references unknown action 9"},
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		v      float64
		places int32
		want   string
	}{
		{1234567.891, 2, "1,234,567.89"},
		{-1234.5, 2, "-1,234.50"},
		{0.005, 2, "0.01"},
		{-0.001, 2, "0.00"},
		{999, 0, "999"},
		{-100000, 0, "-100,000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.v, tt.places), "%v", tt.v)
	}
}

func TestRows(t *testing.T) {
	res := sampleResult()
	res.Periods = append(res.Periods, &engine.PeriodResult{Period: 3, Values: map[string]float64{"ZETA": 1, "CASH": 2}})
	assert.Equal(t, []string{"REVENUE", "COST", "PROFIT", "CASH", "ZETA"}, Rows(res))
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleResult())
	assert.Contains(t, md, "# Scenario STRESS (ACME)")
	assert.Contains(t, md, "| Line item | P1 | P2 |")
	assert.Contains(t, md, "| CASH | 1,130.00 | 1,170.00 |")
	assert.Contains(t, md, "| PROFIT | -20.00 | n/a |")
	assert.Contains(t, md, "| P2 | PL_COST_CUT |")
	assert.Contains(t, md, "- P2: COST_CUT")
	assert.Contains(t, md, "| COST_CUT | true | P1 | 1 |")
	assert.Contains(t, md, "- P2 PROFIT: division by zero")
	assert.Contains(t, md, "## Warnings")

	only := Markdown(sampleResult(), "CASH")
	assert.NotContains(t, only, "| REVENUE |")
	t.Logf("✓ statement markdown:\n%s", md)
}

func TestHTML(t *testing.T) {
	html, err := HTML(Markdown(sampleResult()))
	require.NoError(t, err)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Find("table.statement").Length())
	negatives := doc.Find("td.negative")
	require.Equal(t, 1, negatives.Length())
	assert.Equal(t, "-20.00", strings.TrimSpace(negatives.Text()))
	assert.Equal(t, "Scenario STRESS (ACME)", doc.Find("h1").Text())
}

func TestExplorationMarkdown(t *testing.T) {
	r := &explore.Report{
		BaseScenario: "S",
		Outcomes: []explore.Outcome{
			{Key: "BASE", ScenarioID: "S_BASE", Result: &orchestrator.MultiPeriodResult{Success: true}, Score: 40, Scored: true},
			{Key: "CUT", ScenarioID: "S_CUT", Result: &orchestrator.MultiPeriodResult{}},
		},
		Rejected: []explore.Rejection{{Key: "CFL+LED", Reason: "share group lighting"}},
		Steps:    []explore.Step{{Added: "CUT", Key: "CUT", Score: 46}},
	}
	md := ExplorationMarkdown(r, "Final PROFIT")
	assert.Contains(t, md, "| Combination | Scenario | Success | Final PROFIT |")
	assert.Contains(t, md, "| BASE | S_BASE | true | 40.00 |")
	assert.Contains(t, md, "| CUT | S_CUT | false | n/a |")
	assert.Contains(t, md, "1. add CUT, score 46.00")
	assert.Contains(t, md, "- CFL+LED: share group lighting")
}

func TestCurveMarkdown(t *testing.T) {
	curve, err := mac.NewCurve([]mac.Point{
		{ActionCode: "LED", OpexAnnual: -100, AnnualReduction: 10},
		{ActionCode: "NOTHING", OpexAnnual: 10},
	}, mac.DefaultAmortizationYears)
	require.NoError(t, err)

	md := CurveMarkdown(curve)
	assert.Contains(t, md, "| LED | -100.00 | 10.00 | -10.00 | 10.00 |")
	assert.Contains(t, md, "| NOTHING | 10.00 | 0.00 | n/a | 10.00 |")
}
