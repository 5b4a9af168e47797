package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/formula"
	"finmodel/pkg/core/graph"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

func prepare(t *testing.T, b *template.Builder, opts ...graph.Option) *Prepared {
	t.Helper()
	tpl, err := b.Build()
	require.NoError(t, err)
	p, err := Prepare(tpl, opts...)
	require.NoError(t, err)
	return p
}

func profitBuilder() *template.Builder {
	return template.New("PROFIT_TPL", "1").
		Driver(template.SectionPL, "REVENUE", "driver:REVENUE").
		Driver(template.SectionPL, "COST", "driver:COST").
		Item(template.SectionPL, "PROFIT", "REVENUE - COST")
}

func TestRunPeriod_Profit(t *testing.T) {
	p := prepare(t, profitBuilder())
	drivers := provider.NewStaticDrivers().Set("REVENUE", 100).Set("COST", 60)

	res := New().RunPeriod(context.Background(), p, Inputs{
		Key:     provider.Key{Entity: "ACME", Scenario: "BASE", Period: 1},
		Drivers: drivers,
	})

	assert.True(t, res.Complete())
	assert.Equal(t, 40.0, res.Values["PROFIT"])
	assert.Equal(t, "PROFIT_TPL", res.TemplateCode)
	assert.Equal(t, []string{"REVENUE", "COST", "PROFIT"}, res.Order)
	t.Logf("✓ PROFIT = %.0f", res.Values["PROFIT"])
}

func TestRunPeriod_Deterministic(t *testing.T) {
	p := prepare(t, template.New("D", "1").
		Input("GROWTH").
		Driver(template.SectionPL, "REVENUE", "").
		Item(template.SectionPL, "NEXT", "REVENUE * (1 + GROWTH) ^ 3 / 7").
		Item(template.SectionPL, "MIXED", "MAX(NEXT, REVENUE) - MIN(NEXT, REVENUE) * 0.3333"))
	in := Inputs{
		Key:     provider.Key{Period: 4},
		Drivers: provider.NewStaticDrivers().Set("REVENUE", 1234.5678).Set("GROWTH", 0.0731),
	}
	eng := New()
	first := eng.RunPeriod(context.Background(), p, in)
	for i := 0; i < 20; i++ {
		again := eng.RunPeriod(context.Background(), p, in)
		require.Equal(t, first, again)
	}
}

func TestRunPeriod_PartialFailure(t *testing.T) {
	p := prepare(t, profitBuilder().
		Driver(template.SectionPL, "UNITS", "").
		Item(template.SectionPL, "MARGIN", "PROFIT / REVENUE").
		Item(template.SectionPL, "PRICE", "REVENUE / UNITS"))
	drivers := provider.NewStaticDrivers().Set("REVENUE", 100).Set("UNITS", 0)

	res := New().RunPeriod(context.Background(), p, Inputs{Key: provider.Key{Period: 1}, Drivers: drivers})

	assert.Equal(t, 100.0, res.Values["REVENUE"])
	assert.Equal(t, []string{"COST", "PROFIT", "MARGIN", "PRICE"}, res.UnresolvedCodes())

	byCode := make(map[string]Unresolved)
	for _, u := range res.Unresolved {
		byCode[u.Code] = u
	}
	assert.Equal(t, MissingInput, byCode["COST"].Kind)
	assert.Equal(t, "no value for driver:COST", byCode["COST"].Reason)
	assert.Equal(t, Cascade, byCode["PROFIT"].Kind)
	assert.Equal(t, Cascade, byCode["MARGIN"].Kind)
	assert.Equal(t, EvaluationFailed, byCode["PRICE"].Kind)
	assert.ErrorIs(t, byCode["PRICE"].Err, formula.ErrDivisionByZero)
	assert.False(t, res.IsResolved("PROFIT"))
}

func TestRunPeriod_DriverSourceFailure(t *testing.T) {
	p := prepare(t, profitBuilder())
	src := provider.DriverSourceFunc(func(_ context.Context, code string, _ provider.Key) (float64, bool, error) {
		if code == "COST" {
			return 0, false, errors.New("timeout")
		}
		return 100, true, nil
	})

	res := New().RunPeriod(context.Background(), p, Inputs{Key: provider.Key{Period: 1}, Drivers: src})
	require.Len(t, res.Unresolved, 2)
	assert.Equal(t, "driver COST failed: timeout", res.Unresolved[0].Reason)
}

func TestRunPeriod_PriorPeriodAndOpeningSource(t *testing.T) {
	p := prepare(t, template.New("BS", "1").
		Input("PURCHASED", "USED", "DRAW").
		Item(template.SectionCarbon, "ALLOWANCE", "ALLOWANCE[t-1] + PURCHASED - USED").
		Driver(template.SectionBS, "DEBT_OPEN", "opening:DEBT").
		Item(template.SectionBS, "DEBT", "DEBT_OPEN + DRAW"))
	drivers := provider.NewStaticDrivers().Set("PURCHASED", 30).Set("USED", 50).Set("DRAW", 5)
	history := provider.NewHistory(map[string]float64{"ALLOWANCE": 0, "DEBT": 200})

	res := New().RunPeriod(context.Background(), p, Inputs{Key: provider.Key{Period: 1}, Drivers: drivers, History: history})
	require.True(t, res.Complete(), "%v", res.Unresolved)
	assert.Equal(t, -20.0, res.Values["ALLOWANCE"])
	assert.Equal(t, 200.0, res.Values["DEBT_OPEN"])
	assert.Equal(t, 205.0, res.Values["DEBT"])

	missing := New().RunPeriod(context.Background(), p, Inputs{Key: provider.Key{Period: 1}, Drivers: drivers})
	assert.Equal(t, []string{"ALLOWANCE", "DEBT_OPEN", "DEBT"}, missing.UnresolvedCodes())
}

func TestRunPeriod_DisabledIsZero(t *testing.T) {
	base, err := template.New("X", "1").
		Item(template.SectionPL, "PROFIT", "REVENUE - BONUS").
		Driver(template.SectionPL, "REVENUE", "").
		Item(template.SectionPL, "BONUS", "REVENUE * 0.1").
		Build()
	require.NoError(t, err)
	bonus, _ := base.Item("BONUS")
	bonus.Disabled = true
	derived, err := base.Derive("X_NOBONUS", template.Lineage{BaseCode: "X"}, bonus)
	require.NoError(t, err)
	p, err := Prepare(derived)
	require.NoError(t, err)

	res := New().RunPeriod(context.Background(), p, Inputs{
		Key:     provider.Key{Period: 1},
		Drivers: provider.NewStaticDrivers().Set("REVENUE", 100),
	})
	assert.True(t, res.Complete())
	assert.Equal(t, 0.0, res.Values["BONUS"])
	assert.Equal(t, 100.0, res.Values["PROFIT"])
}

func TestRunPeriod_ValidationRules(t *testing.T) {
	p := prepare(t, template.New("BAL", "1").
		Driver(template.SectionBS, "ASSETS", "").
		Driver(template.SectionBS, "LIABILITIES", "").
		Driver(template.SectionBS, "EQUITY", "").
		Driver(template.SectionBS, "CASH", "").
		Rule(
			template.ValidationRule{ID: "balance", Kind: template.RuleEquation, Formula: "ASSETS - LIABILITIES - EQUITY", Tolerance: 0.5, Requires: []string{"ASSETS", "LIABILITIES", "EQUITY"}},
			template.ValidationRule{ID: "cash_floor", Kind: template.RuleBoundary, Formula: "CASH", Severity: template.SeverityWarning, Message: "cash is negative"},
			template.ValidationRule{ID: "needs_goodwill", Kind: template.RuleBoundary, Formula: "GOODWILL", Requires: []string{"GOODWILL"}},
		))
	drivers := provider.NewStaticDrivers().Set("ASSETS", 1000).Set("LIABILITIES", 600).Set("EQUITY", 390).Set("CASH", -5)

	res := New().RunPeriod(context.Background(), p, Inputs{Key: provider.Key{Period: 1}, Drivers: drivers})

	require.Len(t, res.Violations, 1)
	assert.Equal(t, "balance", res.Violations[0].RuleID)
	assert.Equal(t, 10.0, res.Violations[0].Value)
	assert.Equal(t, []string{
		"rule cash_floor: cash is negative",
		"rule needs_goodwill skipped: GOODWILL unresolved",
	}, res.Warnings)
	assert.Equal(t, 1000.0, res.Values["ASSETS"], "violations never discard values")
	assert.False(t, res.Complete())
}

func TestRunPeriod_CustomFunction(t *testing.T) {
	p := prepare(t, template.New("TAX", "1").
		Driver(template.SectionPL, "EBT", "").
		Item(template.SectionPL, "TAX", "TAX_COMPUTE(EBT)").
		Item(template.SectionPL, "NET_INCOME", "EBT - TAX"))
	eng := New(WithFunctions(map[string]formula.Func{
		"TAX_COMPUTE": func(a []float64) (float64, error) { return maxZero(a[0]) * 0.21, nil },
	}))

	res := eng.RunPeriod(context.Background(), p, Inputs{
		Key:     provider.Key{Period: 1},
		Drivers: provider.NewStaticDrivers().Set("EBT", 1000),
	})
	require.True(t, res.Complete())
	assert.InDelta(t, 790.0, res.Values["NET_INCOME"], 1e-9)
}

func TestPrepare_StructuralErrors(t *testing.T) {
	tpl, err := template.New("CYC", "1").
		Item(template.SectionPL, "A", "B").
		Item(template.SectionPL, "B", "A").
		Build()
	require.NoError(t, err)
	_, err = Prepare(tpl)
	assert.ErrorIs(t, err, graph.ErrCyclicDependency)
}

func maxZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
