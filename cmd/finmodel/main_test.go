package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finmodel/pkg/core/orchestrator"
)

const stressScenario = "../../pkg/core/scenario/testdata/stress.yaml"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	env := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(env, nil, 0o644))

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", env, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "finmodel version "+Version)
}

func TestRun_ScenarioFile(t *testing.T) {
	t.Setenv("FINMODEL_DB_DRIVER", "none")

	out, err := execute(t, "run", stressScenario, "--format", "json")
	require.NoError(t, err)

	var res orchestrator.MultiPeriodResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, map[int]float64{1: 130, 2: 90, 3: 120, 4: 150}, res.Series("CASH"))
	t.Logf("✓ run %s CASH %v", res.RunID, res.Series("CASH"))
}

func TestRun_Markdown(t *testing.T) {
	t.Setenv("FINMODEL_DB_DRIVER", "none")

	out, err := execute(t, "run", stressScenario, "--rows", "CASH")
	require.NoError(t, err)
	assert.Contains(t, out, "| CASH | 130.00 | 90.00 | 120.00 | 150.00 |")
	assert.Contains(t, out, "- P3: COST_CUT")
}

func TestExplore_Single(t *testing.T) {
	t.Setenv("FINMODEL_DB_DRIVER", "none")

	out, err := execute(t, "explore", stressScenario, "--mode", "single", "--score-code", "CASH")
	require.NoError(t, err)
	assert.Contains(t, out, "| BASE | STRESS_BASE | true |")
	assert.Contains(t, out, "| COST_CUT | STRESS_COST_CUT | true |")
	assert.Contains(t, out, "| PRICE_RISE | STRESS_PRICE_RISE | true |")

	_, err = execute(t, "explore", stressScenario, "--mode", "random")
	assert.ErrorContains(t, err, "unknown mode")
}

func TestGraph_File(t *testing.T) {
	t.Setenv("FINMODEL_DB_DRIVER", "none")

	out, err := execute(t, "graph", "../../pkg/core/scenario/testdata/pl.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "PL@1 (4 items)")
	assert.Contains(t, out, "PROFIT <- COST, REVENUE")
	assert.Contains(t, out, "[prior: CASH]")
}

func TestMigrateImportThenRunFromDatabase(t *testing.T) {
	t.Setenv("FINMODEL_DB_DRIVER", "sqlite")
	t.Setenv("FINMODEL_DB_PATH", filepath.Join(t.TempDir(), "finmodel.db"))

	out, err := execute(t, "migrate", "--import", stressScenario)
	require.NoError(t, err)
	assert.Contains(t, out, "database sqlite ready")

	out, err = execute(t, "run", "--scenario", "STRESS", "--entity", "ACME", "--template", "PL", "--periods", "4", "--format", "json")
	require.NoError(t, err)
	var res orchestrator.MultiPeriodResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, map[int]float64{1: 130, 2: 90, 3: 120, 4: 150}, res.Series("CASH"))

	_, err = execute(t, "run", "--scenario", "STRESS")
	assert.ErrorContains(t, err, "--template")
}

func TestRun_NoInput(t *testing.T) {
	t.Setenv("FINMODEL_DB_DRIVER", "none")
	_, err := execute(t, "run")
	assert.ErrorContains(t, err, "no scenario file")
}
