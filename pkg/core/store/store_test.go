package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

func openTestRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	ctx := context.Background()
	r, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "finmodel.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	require.NoError(t, r.Migrate())
	require.NoError(t, r.Migrate(), "second migration is a no-op")
	return r
}

func cashTemplate(t *testing.T, version string) *template.Template {
	t.Helper()
	tpl, err := template.New("PL", version).
		Driver(template.SectionPL, "REVENUE", "").
		Driver(template.SectionPL, "COST", "").
		Item(template.SectionPL, "PROFIT", "REVENUE - COST").
		Item(template.SectionBS, "CASH", "CASH[t-1] + PROFIT").
		Build()
	require.NoError(t, err)
	return tpl
}

func costCut() action.ManagementAction {
	return action.ManagementAction{
		ID:          1,
		Code:        "COST_CUT",
		Name:        "Cost programme",
		Conditional: true,
		Trigger:     "CASH < 100",
		Transformations: []action.Transformation{
			{LineItem: "COST", Kind: action.Multiply, Factor: 0.5},
		},
		Duration:       action.Temporary(3),
		Window:         action.Window{Earliest: 2},
		ExclusionGroup: "opex",
		Capex:          250,
	}
}

func TestTemplates_HighestVersionWins(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	require.NoError(t, r.SaveTemplate(ctx, cashTemplate(t, "1.9")))
	require.NoError(t, r.SaveTemplate(ctx, cashTemplate(t, "1.10")))
	require.NoError(t, r.SaveTemplate(ctx, cashTemplate(t, "1.10")), "same version is replaced")

	got, err := r.LoadTemplate(ctx, "PL")
	require.NoError(t, err)
	assert.Equal(t, "1.10", got.Version())
	assert.Equal(t, cashTemplate(t, "1.10").Codes(), got.Codes())

	_, err = r.LoadTemplate(ctx, "MISSING")
	assert.ErrorIs(t, err, template.ErrNotFound)
}

func TestDrivers_ScenarioOverridesShared(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	require.NoError(t, r.SetDriver(ctx, provider.Key{Entity: "ACME", Period: 1}, "COST", 60))
	require.NoError(t, r.SetDriver(ctx, provider.Key{Entity: "ACME", Scenario: "HIGH", Period: 1}, "COST", 80))

	v, ok, err := r.Driver(ctx, "COST", provider.Key{Entity: "ACME", Scenario: "HIGH", Period: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 80.0, v)

	v, ok, err = r.Driver(ctx, "COST", provider.Key{Entity: "ACME", Scenario: "LOW", Period: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 60.0, v)

	_, ok, err = r.Driver(ctx, "COST", provider.Key{Entity: "ACME", Scenario: "LOW", Period: 2})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpeningBalance(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	require.NoError(t, r.SetOpening(ctx, "ACME", "", "CASH", 150))
	require.NoError(t, r.SetOpening(ctx, "ACME", "", "DEBT", 40))
	require.NoError(t, r.SetOpening(ctx, "ACME", "STRESS", "CASH", 20))

	got, err := r.OpeningBalance(ctx, "ACME", "STRESS")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"CASH": 20, "DEBT": 40}, got)

	got, err = r.OpeningBalance(ctx, "ACME", "BASE")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"CASH": 150, "DEBT": 40}, got)
}

func TestActions_RoundTrip(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	other := action.ManagementAction{ID: 2, Code: "PRICE", Transformations: []action.Transformation{
		{LineItem: "REVENUE", Kind: action.AdditiveAdjustment, Formula: "10"},
	}}
	require.NoError(t, r.Import(ctx, nil, []action.ManagementAction{other, costCut()}, []action.Binding{
		{Scenario: "STRESS", ActionID: 1, StartPeriod: 2, Enabled: true},
		{Scenario: "UPSIDE", ActionID: 2, StartPeriod: 1, ScaleFactor: action.ScaleFactor(0.5), Enabled: false},
		{Scenario: "OFF", ActionID: 2, StartPeriod: 1, ScaleFactor: action.ScaleFactor(0), Enabled: true},
	}))

	actions, bindings, err := r.LoadActions(ctx, "STRESS")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, costCut(), actions[0])
	assert.Equal(t, []action.Binding{{Scenario: "STRESS", ActionID: 1, StartPeriod: 2, ScaleFactor: action.ScaleFactor(1), Enabled: true}}, bindings)

	_, bindings, err = r.LoadActions(ctx, "UPSIDE")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.False(t, bindings[0].Enabled)
	assert.Equal(t, 0.5, bindings[0].Scale())

	_, bindings, err = r.LoadActions(ctx, "OFF")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.NotNil(t, bindings[0].ScaleFactor)
	assert.Equal(t, 0.0, bindings[0].Scale(), "an explicit zero scale is kept")

	all, err := r.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "COST_CUT", all[0].Code)

	bad := costCut()
	bad.Trigger = ""
	assert.Error(t, r.SaveAction(ctx, bad))
}

func TestRunFromStore(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	require.NoError(t, r.SaveTemplate(ctx, cashTemplate(t, "1")))
	for p, cost := range []float64{120, 140, 140, 140} {
		require.NoError(t, r.SetDriver(ctx, provider.Key{Entity: "ACME", Period: p + 1}, "REVENUE", 100))
		require.NoError(t, r.SetDriver(ctx, provider.Key{Entity: "ACME", Scenario: "STRESS", Period: p + 1}, "COST", cost))
	}
	require.NoError(t, r.SetOpening(ctx, "ACME", "", "CASH", 150))
	cut := costCut()
	cut.Duration, cut.Window = action.Permanent(), action.Window{}
	require.NoError(t, r.Import(ctx, nil, []action.ManagementAction{cut},
		[]action.Binding{{Scenario: "STRESS", ActionID: 1, StartPeriod: 1, Enabled: true}}))

	base, err := r.LoadTemplate(ctx, "PL")
	require.NoError(t, err)
	actions, bindings, err := r.LoadActions(ctx, "STRESS")
	require.NoError(t, err)

	o := orchestrator.New(nil, r, orchestrator.WithOpening(r))
	res := o.Run(ctx, orchestrator.Plan{
		Scenario: "STRESS",
		Entity:   "ACME",
		Base:     base,
		Periods:  []int{1, 2, 3, 4},
		Actions:  actions,
		Bindings: bindings,
	})
	require.True(t, res.Success, "%v", res.Errors)
	assert.Equal(t, map[int]float64{1: 130, 2: 90, 3: 120, 4: 150}, res.Series("CASH"))

	require.NoError(t, r.SaveRun(ctx, res))
	loaded, err := r.LoadRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Series("CASH"), loaded.Series("CASH"))
	assert.Equal(t, res.ActiveActions, loaded.ActiveActions)
	assert.True(t, loaded.Success)

	runs, err := r.ListRuns(ctx, "STRESS")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunSummary{RunID: res.RunID, Entity: "ACME", Scenario: "STRESS", State: "completed", Success: true}, runs[0])

	_, err = r.LoadRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	t.Logf("✓ run %s stored and reloaded", res.RunID)
}

func TestHybridLoader_SyncsFromFiles(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	dir := t.TempDir()
	doc := `{code: PL, version: "2", line_items: [
		{code: REVENUE, section: pl}
		{code: PROFIT, section: pl, formula: "REVENUE * 0.1"}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pl.hjson"), []byte(doc), 0o644))

	h := NewHybridLoader(r, template.NewFileLoader(dir), nil)
	got, err := h.LoadTemplate(ctx, "PL")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Version())

	stored, err := r.LoadTemplate(ctx, "PL")
	require.NoError(t, err, "file template written back to the database")
	assert.Equal(t, got.Codes(), stored.Codes())

	_, err = h.LoadTemplate(ctx, "NOPE")
	assert.ErrorIs(t, err, template.ErrNotFound)

	_, err = NewHybridLoader(nil, nil, nil).LoadTemplate(ctx, "PL")
	assert.ErrorIs(t, err, template.ErrNotFound)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, '')", rebind("SELECT a FROM t WHERE x = ? AND y IN (?, '')"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}
