package scenario

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

type mockLoader struct {
	LoadFunc func(ctx context.Context, code string) (*template.Template, error)
}

func (m *mockLoader) LoadTemplate(ctx context.Context, code string) (*template.Template, error) {
	return m.LoadFunc(ctx, code)
}

func TestLoad_RunsStressScenario(t *testing.T) {
	ctx := context.Background()
	f, err := Load("testdata/stress.yaml")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, f.PeriodList())

	base, err := f.LoadTemplate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "PL@1", base.Key())

	plan, err := f.Plan(base)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, action.Temporary(1), plan.Actions[1].Duration)
	assert.Equal(t, []action.Binding{
		{Scenario: "STRESS", ActionID: 1, StartPeriod: 1, Enabled: true},
		{Scenario: "STRESS", ActionID: 2, StartPeriod: 2, Enabled: false},
	}, plan.Bindings)

	res := orchestrator.New(nil, f.StaticDrivers()).Run(ctx, plan)
	require.True(t, res.Success, "%v", res.Errors)
	assert.Equal(t, map[int]float64{1: 130, 2: 90, 3: 120, 4: 150}, res.Series("CASH"))
	t.Logf("✓ %s CASH %v", res.Scenario, res.Series("CASH"))
}

func TestDecode_DriverForms(t *testing.T) {
	f, err := Decode([]byte(`
scenario: S
template: PL
first_period: 3
periods: 2
drivers:
  FLAT: 5
  SERIES: [1, 2]
  SPARSE: {4: 9}
`))
	require.NoError(t, err)
	d := f.StaticDrivers()

	get := func(code string, period int) (float64, bool) {
		v, ok, err := d.Driver(context.Background(), code, provider.Key{Period: period})
		require.NoError(t, err)
		return v, ok
	}
	v, ok := get("FLAT", 4)
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)
	v, _ = get("SERIES", 3)
	assert.Equal(t, 1.0, v)
	v, _ = get("SERIES", 4)
	assert.Equal(t, 2.0, v)
	_, ok = get("SPARSE", 3)
	assert.False(t, ok)
	v, _ = get("SPARSE", 4)
	assert.Equal(t, 9.0, v)
}

func TestLoadTemplate_ByCode(t *testing.T) {
	f, err := Decode([]byte("scenario: S\ntemplate: PL\nperiods: 1\n"))
	require.NoError(t, err)

	want, err := template.New("PL", "7").Item(template.SectionPL, "X", "1").Build()
	require.NoError(t, err)
	loader := &mockLoader{LoadFunc: func(_ context.Context, code string) (*template.Template, error) {
		assert.Equal(t, "PL", code)
		return want, nil
	}}
	got, err := f.LoadTemplate(context.Background(), loader)
	require.NoError(t, err)
	assert.Same(t, want, got)

	_, err = f.LoadTemplate(context.Background(), nil)
	assert.ErrorIs(t, err, template.ErrNotFound)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "scenario: S\ntemplate: PL\nperiods: 1\ncolour: red\n"},
		{"no scenario", "template: PL\nperiods: 1\n"},
		{"no template", "scenario: S\nperiods: 1\n"},
		{"no periods", "scenario: S\ntemplate: PL\n"},
		{"anonymous binding", "scenario: S\ntemplate: PL\nperiods: 1\nbindings: [{start_period: 1}]\n"},
		{"bad driver", "scenario: S\ntemplate: PL\nperiods: 1\ndrivers: {X: abc}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestActionBindings_UnknownAction(t *testing.T) {
	f, err := Decode([]byte("scenario: S\ntemplate: PL\nperiods: 1\nbindings: [{action: GHOST}]\n"))
	require.NoError(t, err)
	_, err = f.ActionBindings()
	assert.ErrorIs(t, err, ErrInvalid)
}
