package mac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/explore"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

func TestMarginalCost(t *testing.T) {
	assert.Equal(t, 15.0, MarginalCost(1000, 50, 10, 10))
	assert.Equal(t, -10.0, MarginalCost(0, -100, 10, 10))
	assert.Equal(t, ZeroReductionCost, MarginalCost(1000, 50, 0, 10))
}

func TestNewCurve(t *testing.T) {
	curve, err := NewCurve([]Point{
		{ActionCode: "HEAT_PUMP", OpexAnnual: 700, AnnualReduction: 10},
		{ActionCode: "NOTHING", OpexAnnual: 10},
		{ActionCode: "SOLAR", Capex: 1000, AnnualReduction: 20},
		{ActionCode: "LED", OpexAnnual: -100, AnnualReduction: 10},
	}, DefaultAmortizationYears)
	require.NoError(t, err)

	var codes []string
	var cumulative []float64
	for _, p := range curve.Points {
		codes = append(codes, p.ActionCode)
		cumulative = append(cumulative, p.CumulativeReduction)
	}
	assert.Equal(t, []string{"LED", "SOLAR", "HEAT_PUMP", "NOTHING"}, codes)
	assert.Equal(t, []float64{10, 30, 40, 40}, cumulative)
	assert.Equal(t, 40.0, curve.TotalReduction)
	assert.Equal(t, 710.0, curve.TotalAnnualCost)
	assert.Equal(t, 17.75, curve.WeightedAverageCost)
	assert.Equal(t, 1000.0, curve.TotalCapex)
	assert.Equal(t, 610.0, curve.TotalOpex)
	assert.Equal(t, [4]int{1, 1, 1, 1}, [4]int{curve.NegativeCost, curve.LowCost, curve.MediumCost, curve.HighCost})

	_, err = NewCurve(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidYears)
}

func TestFromActions(t *testing.T) {
	curve, err := FromActions([]action.ManagementAction{
		{Code: "B", Capex: 500, EmissionReductionAnnual: 5},
		{Code: "A", OpexAnnual: 20, EmissionReductionAnnual: 4},
	}, 10)
	require.NoError(t, err)
	require.Len(t, curve.Points, 2)
	assert.Equal(t, "A", curve.Points[0].ActionCode)
	assert.Equal(t, 5.0, curve.Points[0].MarginalCost)
	assert.Equal(t, 10.0, curve.Points[1].MarginalCost)
}

func TestFromOutcomes(t *testing.T) {
	tpl, err := template.New("EM", "1").
		Driver(template.SectionCarbon, "FUEL", "").
		Item(template.SectionCarbon, "EMISSIONS", "FUEL * 2.5").
		Build()
	require.NoError(t, err)

	actions := []action.ManagementAction{
		{ID: 1, Code: "SWITCH", Capex: 1000, Transformations: []action.Transformation{
			{LineItem: "FUEL", Kind: action.Multiply, Factor: 0.8},
		}},
		{ID: 2, Code: "NOOP", OpexAnnual: 5, Transformations: []action.Transformation{
			{LineItem: "FUEL", Kind: action.AdditiveAdjustment, Formula: "0"},
		}},
	}
	pool := make([]explore.Candidate, len(actions))
	for i, a := range actions {
		pool[i] = explore.Bind(a, 1)
	}

	orch := orchestrator.New(nil, provider.NewStaticDrivers().Set("FUEL", 100))
	report, err := explore.New(orch).SingleAction(context.Background(),
		orchestrator.Plan{Scenario: "MAC", Base: tpl, Periods: []int{1, 2}}, pool)
	require.NoError(t, err)

	curve, err := FromOutcomes(report, "EMISSIONS", actions, DefaultAmortizationYears)
	require.NoError(t, err)
	require.Len(t, curve.Points, 2)
	assert.Equal(t, "SWITCH", curve.Points[0].ActionCode)
	assert.InDelta(t, 50.0, curve.Points[0].AnnualReduction, 1e-9)
	assert.InDelta(t, 2.0, curve.Points[0].MarginalCost, 1e-9)
	assert.Equal(t, ZeroReductionCost, curve.Points[1].MarginalCost)

	_, err = FromOutcomes(&explore.Report{}, "EMISSIONS", actions, 10)
	assert.ErrorIs(t, err, ErrNoBaseline)
}
