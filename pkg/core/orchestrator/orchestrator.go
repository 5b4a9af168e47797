package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/engine"
	"finmodel/pkg/core/formula"
	"finmodel/pkg/core/graph"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
	"finmodel/pkg/core/trigger"
)

// ErrInvalidPlan is returned for plans that cannot run at all.
var ErrInvalidPlan = errors.New("invalid plan")

// State is the lifecycle state of a scenario run.
type State string

const (
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateRolledForward State = "rolled_forward"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Stage names where a run error occurred.
type Stage string

const (
	StagePlan     Stage = "plan"
	StageOpening  Stage = "opening"
	StageDerive   Stage = "derive"
	StageEvaluate Stage = "evaluate"
	StageCancel   Stage = "cancelled"
)

// Plan describes one scenario run.
type Plan struct {
	Scenario string
	Entity   string
	Base     *template.Template
	// Periods are consecutive ordinals, ascending.
	Periods  []int
	Actions  []action.ManagementAction
	Bindings []action.Binding
	// Opening replaces the orchestrator's opening source when non-nil.
	Opening map[string]float64
}

// Validate checks the plan's shape.
func (p Plan) Validate() error {
	if p.Base == nil {
		return fmt.Errorf("%w: no base template", ErrInvalidPlan)
	}
	if len(p.Periods) == 0 {
		return fmt.Errorf("%w: no periods", ErrInvalidPlan)
	}
	for i := 1; i < len(p.Periods); i++ {
		if p.Periods[i] != p.Periods[i-1]+1 {
			return fmt.Errorf("%w: periods must be consecutive, got %d after %d", ErrInvalidPlan, p.Periods[i], p.Periods[i-1])
		}
	}
	for _, a := range p.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
		}
	}
	return nil
}

// RunError is an orchestration failure of a whole period or of the run.
type RunError struct {
	Period  int    `json:"period,omitempty"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e RunError) Error() string {
	if e.Period != 0 {
		return fmt.Sprintf("period %d %s: %s", e.Period, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e RunError) Unwrap() error { return e.Err }

// MultiPeriodResult is the outcome of a scenario run. It is always
// returned, however degraded the run.
type MultiPeriodResult struct {
	RunID         string                 `json:"run_id"`
	Entity        string                 `json:"entity"`
	Scenario      string                 `json:"scenario"`
	BaseTemplate  string                 `json:"base_template"`
	State         State                  `json:"state"`
	Success       bool                   `json:"success"`
	Periods       []*engine.PeriodResult `json:"periods"`
	Errors        []RunError             `json:"errors,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	ActiveActions map[int][]string       `json:"active_actions,omitempty"`
	Triggers      []trigger.Status       `json:"triggers,omitempty"`
	Closing       map[string]float64     `json:"closing,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
}

// Period returns the result of period p, or nil when it did not run.
func (r *MultiPeriodResult) Period(p int) *engine.PeriodResult {
	for _, pr := range r.Periods {
		if pr.Period == p {
			return pr
		}
	}
	return nil
}

// Series returns code's resolved value per period.
func (r *MultiPeriodResult) Series(code string) map[int]float64 {
	out := make(map[int]float64)
	for _, pr := range r.Periods {
		if v, ok := pr.Values[code]; ok {
			out[pr.Period] = v
		}
	}
	return out
}

// Final returns code's value in the last period that resolved it.
func (r *MultiPeriodResult) Final(code string) (float64, bool) {
	for i := len(r.Periods) - 1; i >= 0; i-- {
		if v, ok := r.Periods[i].Values[code]; ok {
			return v, true
		}
	}
	return 0, false
}

// Err joins the run errors, nil when there are none.
func (r *MultiPeriodResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *MultiPeriodResult) fail(e RunError) {
	r.Errors = append(r.Errors, e)
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator runs scenarios period by period. It keeps no per-run state:
// each Run gets its own trigger tracker unless WithTracker supplies one, and
// the template cache is safe for concurrent use.
type Orchestrator struct {
	engine    *engine.Engine
	drivers   provider.DriverSource
	opening   provider.OpeningBalanceSource
	cache     *TemplateCache
	metrics   *Metrics
	logger    *slog.Logger
	failFast  bool
	tracker   *trigger.Tracker
	graphOpts []graph.Option
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithOpening(src provider.OpeningBalanceSource) Option {
	return func(o *Orchestrator) { o.opening = src }
}

// WithCache shares a template cache between orchestrators.
func WithCache(c *TemplateCache) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.cache = c
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFailFast stops a run after the first period that fails or leaves
// items unresolved.
func WithFailFast(on bool) Option {
	return func(o *Orchestrator) { o.failFast = on }
}

// WithTracker makes every run record trigger statuses in t, keyed by
// scenario. Runs of one scenario then share latched triggers, so only use
// it when such runs never overlap.
func WithTracker(t *trigger.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithGraphOptions passes options to every dependency graph build.
func WithGraphOptions(opts ...graph.Option) Option {
	return func(o *Orchestrator) { o.graphOpts = append(o.graphOpts, opts...) }
}

// New creates an Orchestrator. A nil engine gets engine.New().
func New(eng *engine.Engine, drivers provider.DriverSource, opts ...Option) *Orchestrator {
	if eng == nil {
		eng = engine.New()
	}
	o := &Orchestrator{
		engine:  eng,
		drivers: drivers,
		logger:  slog.Default(),
		cache:   NewTemplateCache(0),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cache returns the template cache.
func (o *Orchestrator) Cache() *TemplateCache { return o.cache }

// Run executes plan. Per-period failures are recorded and the run moves on
// to the next period with the last good state, unless fail-fast is set.
// Cancellation is checked between periods.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) *MultiPeriodResult {
	res := &MultiPeriodResult{
		RunID:         uuid.NewString(),
		Entity:        plan.Entity,
		Scenario:      plan.Scenario,
		State:         StateInitialized,
		ActiveActions: make(map[int][]string),
		StartedAt:     time.Now(),
	}
	tracker := o.tracker
	if tracker == nil {
		tracker = trigger.NewTracker()
	}
	defer func() {
		res.FinishedAt = time.Now()
		res.Success = res.State == StateCompleted && len(res.Errors) == 0
		res.Triggers = tracker.Statuses(plan.Scenario)
		o.metrics.run(res.State, res.FinishedAt.Sub(res.StartedAt))
		o.logger.Info("scenario run finished",
			"run_id", res.RunID, "scenario", plan.Scenario, "state", res.State,
			"periods", len(res.Periods), "errors", len(res.Errors), "warnings", len(res.Warnings))
	}()

	if err := plan.Validate(); err != nil {
		res.fail(RunError{Stage: StagePlan, Message: err.Error(), Err: err})
		res.State = StateFailed
		return res
	}
	res.BaseTemplate = plan.Base.Code()

	// Structural errors in the base surface before any period runs.
	if _, _, err := o.cache.Get(cacheKey(plan.Base, nil), func() (*engine.Prepared, error) {
		return engine.Prepare(plan.Base, o.graphOpts...)
	}); err != nil {
		res.fail(RunError{Stage: StagePlan, Message: err.Error(), Err: err})
		res.State = StateFailed
		return res
	}

	opening, err := o.openingState(ctx, plan)
	if err != nil {
		res.fail(RunError{Stage: StageOpening, Message: err.Error(), Err: err})
		res.State = StateFailed
		return res
	}

	actions := make(map[int]action.ManagementAction, len(plan.Actions))
	for _, a := range plan.Actions {
		actions[a.ID] = a
	}
	res.Warnings = append(res.Warnings, o.advise(plan, actions)...)

	tracker.Reset(plan.Scenario)
	evaluator := trigger.NewEvaluator(tracker, trigger.WithLogger(o.logger))
	history := provider.NewHistory(opening)
	closing := copyValues(opening)
	// Triggers see the previous period's full result over the carried state.
	observed := copyValues(opening)

	o.logger.Info("scenario run started", "run_id", res.RunID, "scenario", plan.Scenario,
		"entity", plan.Entity, "base", plan.Base.Key(), "periods", len(plan.Periods))

	for _, p := range plan.Periods {
		if err := ctx.Err(); err != nil {
			res.fail(RunError{Period: p, Stage: StageCancel, Message: err.Error(), Err: err})
			res.State = StateFailed
			return res
		}
		res.State = StateRunning

		active, warnings := o.resolveActive(plan, actions, evaluator, p, formula.MapEnv(observed))
		res.Warnings = append(res.Warnings, warnings...)

		prepared, err := o.template(plan.Base, actions, active)
		if err != nil {
			res.fail(RunError{Period: p, Stage: StageDerive, Message: err.Error(), Err: err})
			o.metrics.period("skipped", 0)
			o.logger.Warn("period skipped", "scenario", plan.Scenario, "period", p, "error", err)
			history.Push(closing)
			if o.failFast {
				res.State = StateFailed
				return res
			}
			continue
		}
		codes := make([]string, len(active))
		for i, a := range active {
			codes[i] = a.code
		}
		if len(codes) > 0 {
			res.ActiveActions[p] = codes
		}

		pr := o.engine.RunPeriod(ctx, prepared, engine.Inputs{
			Key:     provider.Key{Entity: plan.Entity, Scenario: plan.Scenario, Period: p},
			Drivers: o.drivers,
			History: history.Snapshot(),
		})
		res.Periods = append(res.Periods, pr)
		status := "complete"
		if !pr.Complete() {
			status = "partial"
		}
		o.metrics.period(status, len(pr.Unresolved))

		closing = rollForward(closing, pr, prepared)
		history.Push(closing)
		observed = copyValues(closing)
		for k, v := range pr.Values {
			observed[k] = v
		}
		res.State = StateRolledForward

		if o.failFast && !pr.Complete() {
			res.fail(RunError{Period: p, Stage: StageEvaluate, Message: incompleteMessage(pr)})
			res.State = StateFailed
			return res
		}
	}

	res.Closing = closing
	res.State = StateCompleted
	return res
}

func (o *Orchestrator) openingState(ctx context.Context, plan Plan) (map[string]float64, error) {
	if plan.Opening != nil {
		return copyValues(plan.Opening), nil
	}
	if o.opening == nil {
		return map[string]float64{}, nil
	}
	opening, err := o.opening.OpeningBalance(ctx, plan.Entity, plan.Scenario)
	if err != nil {
		return nil, fmt.Errorf("opening balance of %s/%s: %w", plan.Entity, plan.Scenario, err)
	}
	return copyValues(opening), nil
}

// resolveActive determines the actions applied in period p, in ascending
// action ID. Conditional actions are checked against the state observed
// at the end of p-1 and become active the period after their trigger holds.
func (o *Orchestrator) resolveActive(plan Plan, actions map[int]action.ManagementAction, ev *trigger.Evaluator, p int, observed formula.Env) ([]activeAction, []string) {
	bindings := append([]action.Binding(nil), plan.Bindings...)
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].ActionID < bindings[j].ActionID })

	var (
		active   []activeAction
		warnings []string
	)
	for _, b := range bindings {
		a, ok := actions[b.ActionID]
		if !ok || !b.Enabled || p < b.StartPeriod {
			continue
		}
		scale := b.Scale()
		if scale == 0 {
			continue
		}
		start := b.StartPeriod
		if a.Conditional {
			triggered, err := ev.Evaluate(plan.Scenario, a, p-1, observed)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("period %d: %v", p, err))
			}
			if !triggered {
				continue
			}
			if s, ok := ev.Tracker().Get(plan.Scenario, a.ID); ok && s.TriggeredAt+1 > start {
				start = s.TriggeredAt + 1
			}
		}
		idx := a.TransformationIndexes(p, start)
		if len(idx) == 0 {
			continue
		}
		body := make([]string, len(idx))
		for i, j := range idx {
			body[i] = a.Transformations[j].String()
		}
		active = append(active, activeAction{
			id:      a.ID,
			code:    a.Code,
			start:   start,
			scale:   scale,
			indexes: idx,
			total:   len(a.Transformations),
			body:    strings.Join(body, "; "),
		})
	}
	return active, warnings
}

// template returns the prepared template for the active combination.
func (o *Orchestrator) template(base *template.Template, actions map[int]action.ManagementAction, active []activeAction) (*engine.Prepared, error) {
	key := cacheKey(base, active)
	prepared, hit, err := o.cache.Get(key, func() (*engine.Prepared, error) {
		if len(active) == 0 {
			return engine.Prepare(base, o.graphOpts...)
		}
		var (
			ts    []action.Transformation
			codes []string
			keys  []string
		)
		for _, a := range active {
			def := actions[a.id]
			applied := make([]action.Transformation, len(a.indexes))
			for i, idx := range a.indexes {
				applied[i] = def.Transformations[idx]
			}
			ts = append(ts, action.Scaled(applied, a.scale)...)
			codes = append(codes, a.code)
			keys = append(keys, a.key())
		}
		tpl, g, err := action.ApplyWithGraph(base, ts,
			action.WithCode(base.Code()+"_"+CombinationKey(keys)),
			action.WithActions(codes...),
			action.WithFunctions(o.engine.Functions()...),
			action.WithGraphOptions(o.graphOpts...))
		if err != nil {
			return nil, err
		}
		return &engine.Prepared{Template: tpl, Graph: g}, nil
	})
	o.metrics.cache(hit)
	return prepared, err
}

// advise collects warnings that never block the run.
func (o *Orchestrator) advise(plan Plan, actions map[int]action.ManagementAction) []string {
	var out []string
	var bound []action.ManagementAction
	for _, b := range plan.Bindings {
		a, ok := actions[b.ActionID]
		if !ok {
			out = append(out, fmt.Sprintf("binding references unknown action %d", b.ActionID))
			continue
		}
		if b.Enabled {
			bound = append(bound, a)
		}
	}
	action.SortByID(bound)
	for _, d := range trigger.DetectFeedback(bound) {
		out = append(out, "possible trigger feedback: "+d.Message)
	}
	groups := make(map[string][]string)
	for _, a := range bound {
		if a.ExclusionGroup != "" {
			groups[a.ExclusionGroup] = append(groups[a.ExclusionGroup], a.Code)
		}
	}
	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	for _, g := range names {
		if codes := groups[g]; len(codes) > 1 {
			out = append(out, fmt.Sprintf("actions %s share exclusion group %s; they must not be active together", strings.Join(codes, ", "), g))
		}
	}
	return out
}

// rollForward carries balance sheet items and every item read as a prior
// period value into the next opening state. Items that did not resolve
// keep their previous value.
func rollForward(prev map[string]float64, pr *engine.PeriodResult, p *engine.Prepared) map[string]float64 {
	next := copyValues(prev)
	carry := func(code string) {
		if v, ok := pr.Values[code]; ok {
			next[code] = v
		}
	}
	for _, li := range p.Template.Items() {
		if li.Section == template.SectionBS {
			carry(li.Code)
		}
	}
	for _, code := range p.Graph.PriorCodes() {
		carry(code)
	}
	return next
}

func incompleteMessage(pr *engine.PeriodResult) string {
	var parts []string
	if codes := pr.UnresolvedCodes(); len(codes) > 0 {
		parts = append(parts, "unresolved "+strings.Join(codes, ", "))
	}
	for _, v := range pr.Violations {
		parts = append(parts, "rule "+v.RuleID+" violated")
	}
	return strings.Join(parts, "; ")
}

func copyValues(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
