package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/engine"
	"finmodel/pkg/core/graph"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

func baseTemplate(t *testing.T) *template.Template {
	t.Helper()
	tpl, err := template.New("BASE_PL", "1").
		Driver(template.SectionPL, "REVENUE", "").
		Driver(template.SectionPL, "COST", "").
		Item(template.SectionPL, "PROFIT", "REVENUE - COST").
		Build()
	require.NoError(t, err)
	return tpl
}

func run(t *testing.T, tpl *template.Template) *engine.PeriodResult {
	t.Helper()
	p, err := engine.Prepare(tpl)
	require.NoError(t, err)
	res := engine.New().RunPeriod(context.Background(), p, engine.Inputs{
		Key:     provider.Key{Period: 1},
		Drivers: provider.NewStaticDrivers().Set("REVENUE", 100).Set("COST", 60),
	})
	require.True(t, res.Complete(), "%v", res.Unresolved)
	return res
}

func TestApply_CostCut(t *testing.T) {
	base := baseTemplate(t)
	derived, err := Apply(base, []Transformation{
		{LineItem: "COST", Kind: Multiply, Factor: 0.9},
	}, WithActions("COST_CUT"))
	require.NoError(t, err)

	assert.Equal(t, "BASE_PL_COST_CUT", derived.Code())
	res := run(t, derived)
	assert.InDelta(t, 54.0, res.Values["COST"], 1e-9)
	assert.InDelta(t, 46.0, res.Values["PROFIT"], 1e-9)

	cost, _ := base.Item("COST")
	assert.Empty(t, cost.Formula, "base template must stay untouched")
	assert.Equal(t, 40.0, run(t, base).Values["PROFIT"])
	assert.True(t, derived.Shares(base, "PROFIT"))

	l := derived.Lineage()
	assert.Equal(t, "BASE_PL", l.BaseCode)
	assert.Equal(t, []string{"COST_CUT"}, l.Actions)
	assert.Equal(t, []string{"COST: multiply 0.9"}, l.Transformations)
	t.Logf("✓ COST = %.0f, PROFIT = %.0f", res.Values["COST"], res.Values["PROFIT"])
}

func TestApply_Composition(t *testing.T) {
	derived, err := Apply(baseTemplate(t), []Transformation{
		{LineItem: "COST", Kind: Multiply, Factor: 0.9},
		{LineItem: "COST", Kind: AdditiveAdjustment, Formula: "-4"},
	})
	require.NoError(t, err)
	res := run(t, derived)
	assert.InDelta(t, 50.0, res.Values["COST"], 1e-9)
	assert.Equal(t, "BASE_PL_DERIVED", derived.Code())
}

func TestApply_Scaled(t *testing.T) {
	tests := []struct {
		name string
		tr   Transformation
		want float64
	}{
		{"additive half", Transformation{LineItem: "COST", Kind: AdditiveAdjustment, Formula: "-10", Scale: 0.5}, 55},
		{"multiply half", Transformation{LineItem: "COST", Kind: Multiply, Factor: 0.5, Scale: 0.5}, 45},
		{"override quarter", Transformation{LineItem: "COST", Kind: FormulaOverride, Formula: "20", Scale: 0.25}, 50},
		{"zero scale is full", Transformation{LineItem: "COST", Kind: FormulaOverride, Formula: "20"}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			derived, err := Apply(baseTemplate(t), []Transformation{tt.tr})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, run(t, derived).Values["COST"], 1e-9)
		})
	}
}

func TestApply_Disable(t *testing.T) {
	derived, err := Apply(baseTemplate(t), []Transformation{{LineItem: "COST", Kind: Disable}})
	require.NoError(t, err)
	res := run(t, derived)
	assert.Equal(t, 0.0, res.Values["COST"])
	assert.Equal(t, 100.0, res.Values["PROFIT"])
}

func TestApply_Errors(t *testing.T) {
	base := baseTemplate(t)

	_, err := Apply(base, []Transformation{{LineItem: "OPEX", Kind: Multiply, Factor: 2}})
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = Apply(base, []Transformation{{LineItem: "COST", Kind: FormulaOverride, Formula: "REVENUE *"}})
	assert.ErrorIs(t, err, ErrInvalidFormula)

	_, err = Apply(base, []Transformation{{LineItem: "REVENUE", Kind: FormulaOverride, Formula: "PROFIT + 1"}})
	assert.ErrorIs(t, err, graph.ErrCyclicDependency)

	_, err = Apply(base, []Transformation{{LineItem: "COST", Kind: FormulaOverride, Formula: "HEADCOUNT * 2"}})
	assert.ErrorIs(t, err, graph.ErrUnknownDependency)

	_, err = Apply(base, []Transformation{{LineItem: "COST", Kind: FormulaOverride, Formula: "HEADCOUNT * 2"}},
		WithGraphOptions(graph.WithExternals("HEADCOUNT")))
	assert.NoError(t, err)
}

func TestApply_StatementQualifiedTarget(t *testing.T) {
	base := baseTemplate(t)

	_, err := Apply(base, []Transformation{{Statement: "bs", LineItem: "COST", Kind: FormulaOverride, Formula: "1"}})
	assert.ErrorIs(t, err, ErrTargetNotFound)

	derived, err := Apply(base, []Transformation{{Statement: "PL", LineItem: "COST", Kind: FormulaOverride, Formula: "1"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, run(t, derived).Values["COST"])
}

func TestApply_UnknownFunction(t *testing.T) {
	base := baseTemplate(t)
	tests := []struct {
		name    string
		formula string
		opts    []Option
		wantErr error
	}{
		{"builtin", "MAX(REVENUE * 0.5, 10)", nil, nil},
		{"unregistered", "FOO(1)", nil, ErrInvalidFormula},
		{"registered", "FOO(1)", []Option{WithFunctions("foo")}, nil},
		{"nested unregistered", "MIN(REVENUE, BAR(2))", []Option{WithFunctions("FOO")}, ErrInvalidFormula},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(base, []Transformation{{LineItem: "COST", Kind: FormulaOverride, Formula: tt.formula}}, tt.opts...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRevert_RoundTrip(t *testing.T) {
	base := baseTemplate(t)
	derived, err := Apply(base, []Transformation{
		{LineItem: "COST", Kind: FormulaOverride, Formula: "REVENUE * 0.5"},
		{LineItem: "PROFIT", Kind: AdditiveAdjustment, Formula: "1"},
	})
	require.NoError(t, err)
	require.Len(t, template.Diff(base, derived), 2)

	partial, err := Revert(derived, base, "COST")
	require.NoError(t, err)
	changes := template.Diff(base, partial)
	require.Len(t, changes, 1)
	assert.Equal(t, "PROFIT", changes[0].Code)

	full, err := Revert(derived, base)
	require.NoError(t, err)
	assert.Nil(t, template.Diff(base, full))
	assert.Equal(t, run(t, base).Values, run(t, full).Values)

	_, err = Revert(derived, base, "OPEX")
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestManagementAction_Timing(t *testing.T) {
	a := ManagementAction{
		Code:     "LED",
		Duration: Temporary(2),
		Transformations: []Transformation{
			{LineItem: "COST", Kind: Multiply, Factor: 0.9},
			{LineItem: "CAPEX", Kind: AdditiveAdjustment, Formula: "50", Duration: 1},
			{LineItem: "OPEX", Kind: AdditiveAdjustment, Formula: "-5", Offset: 1},
		},
	}
	tests := []struct {
		period  int
		active  bool
		targets []string
	}{
		{2, false, nil},
		{3, true, []string{"COST", "CAPEX"}},
		{4, true, []string{"COST", "OPEX"}},
		{5, false, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.active, a.ActiveAt(tt.period, 3), "period %d", tt.period)
		var got []string
		for _, tr := range a.TransformationsAt(tt.period, 3) {
			got = append(got, tr.LineItem)
		}
		assert.Equal(t, tt.targets, got, "period %d", tt.period)
	}

	windowed := ManagementAction{Code: "W", Window: Window{Earliest: 2, Latest: 3}}
	assert.False(t, windowed.ActiveAt(1, 1))
	assert.True(t, windowed.ActiveAt(3, 1))
	assert.False(t, windowed.ActiveAt(4, 1))
	assert.Equal(t, []string{"CAPEX", "COST", "OPEX"}, a.Targets())
}

func TestManagementAction_Validate(t *testing.T) {
	tests := []struct {
		name    string
		action  ManagementAction
		wantErr error
	}{
		{"ok", ManagementAction{Code: "A", Transformations: []Transformation{{LineItem: "COST", Kind: Disable}}}, nil},
		{"no code", ManagementAction{}, ErrInvalidAction},
		{"conditional without trigger", ManagementAction{Code: "A", Conditional: true}, ErrInvalidAction},
		{"trigger without conditional", ManagementAction{Code: "A", Trigger: "CASH < 0"}, ErrInvalidAction},
		{"bad trigger", ManagementAction{Code: "A", Conditional: true, Trigger: "CASH <"}, ErrInvalidFormula},
		{"bad kind", ManagementAction{Code: "A", Transformations: []Transformation{{LineItem: "COST", Kind: "explode"}}}, ErrInvalidAction},
		{"revert needs duration", ManagementAction{Code: "A", Transformations: []Transformation{{LineItem: "COST", Kind: RevertAfterN, Formula: "1"}}}, ErrInvalidAction},
		{"empty window", ManagementAction{Code: "A", Window: Window{Earliest: 5, Latest: 2}}, ErrInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("temporary(3)")))
	assert.Equal(t, Temporary(3), d)
	require.NoError(t, d.UnmarshalText([]byte("permanent")))
	assert.True(t, d.IsPermanent())
	require.NoError(t, d.UnmarshalText([]byte("2")))
	assert.Equal(t, "temporary(2)", d.String())
	assert.Error(t, d.UnmarshalText([]byte("forever")))
}

func TestCheckExclusion(t *testing.T) {
	a := ManagementAction{Code: "LED", ExclusionGroup: "lighting"}
	b := ManagementAction{Code: "CFL", ExclusionGroup: "lighting"}
	c := ManagementAction{Code: "SOLAR"}

	assert.NoError(t, CheckExclusion([]ManagementAction{a, c}))
	err := CheckExclusion([]ManagementAction{a, c, b})
	assert.ErrorIs(t, err, ErrExclusionConflict)
	assert.Contains(t, err.Error(), "LED and CFL")
}

func TestParseTransformations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Transformation
	}{
		{
			name: "array",
			raw:  `[{"line_item":"COST","type":"multiply","factor":0.9},{"line_item":"CAPEX","type":"add","amount":50}]`,
			want: []Transformation{
				{LineItem: "COST", Kind: Multiply, Factor: 0.9},
				{LineItem: "CAPEX", Kind: AdditiveAdjustment, Formula: "50"},
			},
		},
		{
			name: "keyed object",
			raw:  `{"OPEX":{"transformation_type":"reduce","amount":5},"COST":{"new_formula":"REVENUE * 0.5","type":"formula_override"}}`,
			want: []Transformation{
				{LineItem: "COST", Kind: FormulaOverride, Formula: "REVENUE * 0.5"},
				{LineItem: "OPEX", Kind: AdditiveAdjustment, Formula: "-5"},
			},
		},
		{
			name: "trailing comma repaired",
			raw:  `[{"line_item":"COST","type":"disable",}]`,
			want: []Transformation{{LineItem: "COST", Kind: Disable}},
		},
		{
			name: "empty",
			raw:  "  ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTransformations(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseTransformations(`[{"line_item":"COST","type":"explode"}]`)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestMarshalTransformations_ReadBack(t *testing.T) {
	in := []Transformation{
		{LineItem: "COST", Kind: RevertAfterN, Formula: "0", Duration: 2},
		{LineItem: "OPEX", Kind: Multiply, Factor: 1.1, Offset: 1},
	}
	raw, err := MarshalTransformations(in)
	require.NoError(t, err)
	out, err := ParseTransformations(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
