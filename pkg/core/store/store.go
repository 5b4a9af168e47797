// Package store persists templates, driver values, opening balances,
// management actions and run results. The same repository logic runs over
// an embedded SQLite file or a shared Postgres pool.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a stored run does not exist.
var ErrNotFound = errors.New("not found")

// ActionCatalog loads the actions bound to a scenario.
type ActionCatalog interface {
	LoadActions(ctx context.Context, scenario string) ([]action.ManagementAction, []action.Binding, error)
}

// ResultSink receives finished runs.
type ResultSink interface {
	SaveRun(ctx context.Context, res *orchestrator.MultiPeriodResult) error
}

// RunSummary is one row of the run history.
type RunSummary struct {
	RunID    string `json:"run_id"`
	Entity   string `json:"entity"`
	Scenario string `json:"scenario"`
	State    string `json:"state"`
	Success  bool   `json:"success"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn abstracts the two drivers. Queries are written with ? placeholders.
type conn interface {
	exec(ctx context.Context, q string, args ...any) error
	queryRow(ctx context.Context, q string, args ...any) rowScanner
	query(ctx context.Context, q string, args ...any) (rowIter, error)
	noRows(err error) bool
}

// repo holds the queries shared by every backend.
type repo struct {
	db conn
}

const (
	upsertTemplateSQL = `
		INSERT INTO templates (code, version, document, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (code, version) DO UPDATE SET
			document = excluded.document,
			updated_at = CURRENT_TIMESTAMP`

	upsertDriverSQL = `
		INSERT INTO driver_values (entity, scenario, period, code, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity, scenario, period, code) DO UPDATE SET value = excluded.value`

	// A scenario-specific row sorts ahead of the shared '' row.
	selectDriverSQL = `
		SELECT value FROM driver_values
		WHERE entity = ? AND code = ? AND period = ? AND scenario IN (?, '')
		ORDER BY scenario DESC
		LIMIT 1`

	upsertOpeningSQL = `
		INSERT INTO opening_balances (entity, scenario, code, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity, scenario, code) DO UPDATE SET value = excluded.value`

	selectOpeningSQL = `
		SELECT code, value FROM opening_balances
		WHERE entity = ? AND scenario IN (?, '')
		ORDER BY scenario ASC, code ASC`

	upsertActionSQL = `
		INSERT INTO management_actions (
			id, code, name, category, conditional, trigger_formula, non_sticky,
			transformations, duration, earliest_period, latest_period,
			exclusion_group, capex, opex_annual, emission_reduction_annual
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			category = excluded.category,
			conditional = excluded.conditional,
			trigger_formula = excluded.trigger_formula,
			non_sticky = excluded.non_sticky,
			transformations = excluded.transformations,
			duration = excluded.duration,
			earliest_period = excluded.earliest_period,
			latest_period = excluded.latest_period,
			exclusion_group = excluded.exclusion_group,
			capex = excluded.capex,
			opex_annual = excluded.opex_annual,
			emission_reduction_annual = excluded.emission_reduction_annual`

	actionColumns = `a.id, a.code, a.name, a.category, a.conditional, a.trigger_formula,
		a.non_sticky, a.transformations, a.duration, a.earliest_period, a.latest_period,
		a.exclusion_group, a.capex, a.opex_annual, a.emission_reduction_annual`

	upsertBindingSQL = `
		INSERT INTO scenario_action_bindings (scenario, action_id, start_period, scale_factor, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scenario, action_id) DO UPDATE SET
			start_period = excluded.start_period,
			scale_factor = excluded.scale_factor,
			enabled = excluded.enabled`

	selectBindingsSQL = `
		SELECT scenario, action_id, start_period, scale_factor, enabled
		FROM scenario_action_bindings
		WHERE scenario = ?
		ORDER BY action_id`

	upsertRunSQL = `
		INSERT INTO run_results (run_id, entity, scenario, state, success, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			success = excluded.success,
			result_json = excluded.result_json`
)

// SaveTemplate stores t under its code and version, replacing an earlier
// copy of the same version.
func (r *repo) SaveTemplate(ctx context.Context, t *template.Template) error {
	doc, err := json.Marshal(t.Document())
	if err != nil {
		return fmt.Errorf("failed to marshal template %s: %w", t.Key(), err)
	}
	if err := r.db.exec(ctx, upsertTemplateSQL, t.Code(), t.Version(), string(doc)); err != nil {
		return fmt.Errorf("failed to save template %s: %w", t.Key(), err)
	}
	return nil
}

// LoadTemplate implements template.Loader. The highest stored version wins.
func (r *repo) LoadTemplate(ctx context.Context, code string) (*template.Template, error) {
	rows, err := r.db.query(ctx, `SELECT version, document FROM templates WHERE code = ?`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to query template %s: %w", code, err)
	}
	defer rows.Close()

	var bestVersion, bestDoc string
	found := false
	for rows.Next() {
		var version, doc string
		if err := rows.Scan(&version, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan template %s: %w", code, err)
		}
		if !found || template.CompareVersions(version, bestVersion) > 0 {
			bestVersion, bestDoc, found = version, doc, true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", code, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", template.ErrNotFound, code)
	}
	t, err := template.Decode([]byte(bestDoc), template.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("stored template %s@%s: %w", code, bestVersion, err)
	}
	return t, nil
}

// SetDriver stores a driver value. An empty scenario applies to every
// scenario that has no value of its own.
func (r *repo) SetDriver(ctx context.Context, key provider.Key, code string, value float64) error {
	if err := r.db.exec(ctx, upsertDriverSQL, key.Entity, key.Scenario, key.Period, code, value); err != nil {
		return fmt.Errorf("failed to save driver %s at %s: %w", code, key, err)
	}
	return nil
}

// Driver implements provider.DriverSource.
func (r *repo) Driver(ctx context.Context, code string, key provider.Key) (float64, bool, error) {
	var v float64
	err := r.db.queryRow(ctx, selectDriverSQL, key.Entity, code, key.Period, key.Scenario).Scan(&v)
	if r.db.noRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load driver %s at %s: %w", code, key, err)
	}
	return v, true, nil
}

// SetOpening stores one opening balance.
func (r *repo) SetOpening(ctx context.Context, entity, scenario, code string, value float64) error {
	if err := r.db.exec(ctx, upsertOpeningSQL, entity, scenario, code, value); err != nil {
		return fmt.Errorf("failed to save opening %s for %s: %w", code, entity, err)
	}
	return nil
}

// OpeningBalance implements provider.OpeningBalanceSource. Scenario rows
// override the shared rows code by code.
func (r *repo) OpeningBalance(ctx context.Context, entity, scenario string) (map[string]float64, error) {
	rows, err := r.db.query(ctx, selectOpeningSQL, entity, scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to query opening balances for %s: %w", entity, err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var code string
		var v float64
		if err := rows.Scan(&code, &v); err != nil {
			return nil, fmt.Errorf("failed to scan opening balance: %w", err)
		}
		out[code] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read opening balances for %s: %w", entity, err)
	}
	return out, nil
}

// SaveAction validates and stores a management action.
func (r *repo) SaveAction(ctx context.Context, a action.ManagementAction) error {
	if err := a.Validate(); err != nil {
		return err
	}
	ts, err := action.MarshalTransformations(a.Transformations)
	if err != nil {
		return fmt.Errorf("failed to marshal transformations of %s: %w", a.Code, err)
	}
	err = r.db.exec(ctx, upsertActionSQL,
		a.ID, a.Code, a.Name, a.Category, a.Conditional, a.Trigger, a.NonSticky,
		ts, a.Duration.String(), a.Window.Earliest, a.Window.Latest,
		a.ExclusionGroup, a.Capex, a.OpexAnnual, a.EmissionReductionAnnual)
	if err != nil {
		return fmt.Errorf("failed to save action %s: %w", a.Code, err)
	}
	return nil
}

// SaveBinding attaches an action to a scenario.
func (r *repo) SaveBinding(ctx context.Context, b action.Binding) error {
	if err := r.db.exec(ctx, upsertBindingSQL, b.Scenario, b.ActionID, b.StartPeriod, b.Scale(), b.Enabled); err != nil {
		return fmt.Errorf("failed to bind action %d to %s: %w", b.ActionID, b.Scenario, err)
	}
	return nil
}

// Actions returns the whole catalog ordered by id.
func (r *repo) Actions(ctx context.Context) ([]action.ManagementAction, error) {
	return r.queryActions(ctx, `SELECT `+actionColumns+` FROM management_actions a ORDER BY a.id`)
}

// LoadActions implements ActionCatalog: the actions bound to scenario and
// their bindings, disabled bindings included.
func (r *repo) LoadActions(ctx context.Context, scenario string) ([]action.ManagementAction, []action.Binding, error) {
	actions, err := r.queryActions(ctx, `
		SELECT `+actionColumns+`
		FROM management_actions a
		JOIN scenario_action_bindings b ON b.action_id = a.id
		WHERE b.scenario = ?
		ORDER BY a.id`, scenario)
	if err != nil {
		return nil, nil, err
	}

	rows, err := r.db.query(ctx, selectBindingsSQL, scenario)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query bindings for %s: %w", scenario, err)
	}
	defer rows.Close()

	var bindings []action.Binding
	for rows.Next() {
		var b action.Binding
		if err := rows.Scan(&b.Scenario, &b.ActionID, &b.StartPeriod, &b.ScaleFactor, &b.Enabled); err != nil {
			return nil, nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read bindings for %s: %w", scenario, err)
	}
	return actions, bindings, nil
}

func (r *repo) queryActions(ctx context.Context, q string, args ...any) ([]action.ManagementAction, error) {
	rows, err := r.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []action.ManagementAction
	for rows.Next() {
		var a action.ManagementAction
		var ts, duration string
		err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Category, &a.Conditional, &a.Trigger,
			&a.NonSticky, &ts, &duration, &a.Window.Earliest, &a.Window.Latest,
			&a.ExclusionGroup, &a.Capex, &a.OpexAnnual, &a.EmissionReductionAnnual)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if a.Transformations, err = action.ParseTransformations(ts); err != nil {
			return nil, fmt.Errorf("action %s: %w", a.Code, err)
		}
		if err := a.Duration.UnmarshalText([]byte(duration)); err != nil {
			return nil, fmt.Errorf("action %s: %w", a.Code, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read actions: %w", err)
	}
	return out, nil
}

// SaveRun implements ResultSink.
func (r *repo) SaveRun(ctx context.Context, res *orchestrator.MultiPeriodResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", res.RunID, err)
	}
	err = r.db.exec(ctx, upsertRunSQL, res.RunID, res.Entity, res.Scenario, string(res.State), res.Success, string(data))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", res.RunID, err)
	}
	return nil
}

// LoadRun returns a stored run.
func (r *repo) LoadRun(ctx context.Context, runID string) (*orchestrator.MultiPeriodResult, error) {
	var data string
	err := r.db.queryRow(ctx, `SELECT result_json FROM run_results WHERE run_id = ?`, runID).Scan(&data)
	if r.db.noRows(err) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var res orchestrator.MultiPeriodResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &res, nil
}

// ListRuns lists the runs of a scenario, oldest first. An empty scenario
// lists every run.
func (r *repo) ListRuns(ctx context.Context, scenario string) ([]RunSummary, error) {
	q := `SELECT run_id, entity, scenario, state, success FROM run_results`
	var args []any
	if scenario != "" {
		q += ` WHERE scenario = ?`
		args = append(args, scenario)
	}
	q += ` ORDER BY created_at, run_id`

	rows, err := r.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.Entity, &s.Scenario, &s.State, &s.Success); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Import loads a template plus its actions and bindings in one call.
func (r *repo) Import(ctx context.Context, t *template.Template, actions []action.ManagementAction, bindings []action.Binding) error {
	if t != nil {
		if err := r.SaveTemplate(ctx, t); err != nil {
			return err
		}
	}
	sorted := append([]action.ManagementAction(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, a := range sorted {
		if err := r.SaveAction(ctx, a); err != nil {
			return err
		}
	}
	for _, b := range bindings {
		if err := r.SaveBinding(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
