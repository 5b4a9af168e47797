package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"finmodel/pkg/core/formula"
	"finmodel/pkg/core/graph"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

// UnresolvedKind classifies why a line item has no value.
type UnresolvedKind string

const (
	// MissingInput: the external source had no value.
	MissingInput UnresolvedKind = "missing_input"
	// EvaluationFailed: the formula raised an error.
	EvaluationFailed UnresolvedKind = "evaluation_failed"
	// Cascade: a same-period dependency is itself unresolved.
	Cascade UnresolvedKind = "cascade"
)

// Unresolved describes a line item that could not be computed.
type Unresolved struct {
	Code   string         `json:"code"`
	Kind   UnresolvedKind `json:"kind"`
	Reason string         `json:"reason"`
	Err    error          `json:"-"`
}

// Violation is a failed validation rule of error severity.
type Violation struct {
	RuleID  string  `json:"rule_id"`
	Value   float64 `json:"value"`
	Message string  `json:"message"`
}

// PeriodResult is the outcome of one (entity, scenario, period) evaluation.
type PeriodResult struct {
	Entity       string             `json:"entity"`
	Scenario     string             `json:"scenario"`
	Period       int                `json:"period"`
	TemplateCode string             `json:"template_code"`
	Values       map[string]float64 `json:"values"`
	Unresolved   []Unresolved       `json:"unresolved,omitempty"`
	Violations   []Violation        `json:"violations,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	Order        []string           `json:"order,omitempty"`
}

// Value returns the resolved value of code.
func (r *PeriodResult) Value(code string) (float64, bool) {
	v, ok := r.Values[code]
	return v, ok
}

// IsResolved reports whether code produced a value.
func (r *PeriodResult) IsResolved(code string) bool {
	_, ok := r.Values[code]
	return ok
}

// UnresolvedCodes lists unresolved codes in evaluation order.
func (r *PeriodResult) UnresolvedCodes() []string {
	out := make([]string, len(r.Unresolved))
	for i, u := range r.Unresolved {
		out[i] = u.Code
	}
	return out
}

// Complete reports whether every line item resolved and no error rule failed.
func (r *PeriodResult) Complete() bool {
	return len(r.Unresolved) == 0 && len(r.Violations) == 0
}

// Prepared is a template with its validated dependency graph.
type Prepared struct {
	Template *template.Template
	Graph    *graph.Graph
}

// Prepare builds the dependency graph of t. Structural errors surface here,
// before any period runs.
func Prepare(t *template.Template, opts ...graph.Option) (*Prepared, error) {
	g, err := graph.Build(t, opts...)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.Code(), err)
	}
	return &Prepared{Template: t, Graph: g}, nil
}

// Inputs are the value sources for one period.
type Inputs struct {
	Key     provider.Key
	Drivers provider.DriverSource
	// History holds the opening state and earlier closing states. Nil means no history.
	History *provider.History
	// Extra providers are consulted after drivers.
	Extra []provider.Provider
}

// Engine evaluates prepared templates. It holds no per-run state and is
// safe for concurrent use.
type Engine struct {
	logger *slog.Logger
	funcs  map[string]formula.Func
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFunctions registers extra formula functions, e.g. a tax computation.
func WithFunctions(funcs map[string]formula.Func) Option {
	return func(e *Engine) {
		for name, fn := range funcs {
			e.funcs[name] = fn
		}
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default(), funcs: make(map[string]formula.Func)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Functions returns the names of the registered formula functions, sorted.
func (e *Engine) Functions() []string {
	out := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RunPeriod walks the evaluation order once. A line item that cannot be
// resolved is recorded and the walk continues; items reading it in the
// same period are recorded as cascaded failures.
func (e *Engine) RunPeriod(ctx context.Context, p *Prepared, in Inputs) *PeriodResult {
	tpl, g := p.Template, p.Graph
	res := &PeriodResult{
		Entity:       in.Key.Entity,
		Scenario:     in.Key.Scenario,
		Period:       in.Key.Period,
		TemplateCode: tpl.Code(),
		Order:        g.Order(),
	}

	history := in.History
	if history == nil {
		history = provider.NewHistory(nil)
	}
	computed := provider.NewComputed()
	drivers := provider.NewDrivers(ctx, in.Drivers, in.Key, e.logger)
	chain := provider.Chain{computed, history, drivers}
	chain = append(chain, in.Extra...)
	evalOpts := []formula.EvalOption{formula.WithFunctions(e.funcs)}

	// Disabled items are a deliberate zero wherever they are declared.
	for _, li := range tpl.Items() {
		if li.Disabled {
			computed.Set(li.Code, 0)
		}
	}

	failed := make(map[string]bool)
	fail := func(code string, kind UnresolvedKind, reason string, err error) {
		failed[code] = true
		res.Unresolved = append(res.Unresolved, Unresolved{Code: code, Kind: kind, Reason: reason, Err: err})
	}

	for _, code := range res.Order {
		li, _ := tpl.Item(code)
		if li.Disabled {
			continue
		}
		if up := firstFailed(g.Upstream(code), failed); up != "" {
			fail(code, Cascade, fmt.Sprintf("depends on unresolved %s", up), nil)
			continue
		}

		if expr := g.Expr(code); expr != nil {
			v, err := expr.Eval(chain, evalOpts...)
			if err != nil {
				fail(code, EvaluationFailed, e.explain(err, drivers), err)
				continue
			}
			computed.Set(code, v)
			continue
		}

		kind, name := li.Source()
		var (
			v  float64
			ok bool
		)
		if kind == template.SourceOpening {
			v, ok = history.Value(name, -1)
		} else {
			v, ok = drivers.Value(name, 0)
		}
		if !ok {
			reason := fmt.Sprintf("no value for %s", li.SourceRef())
			if ferr := drivers.FailureFor(name); ferr != nil && kind == template.SourceDriver {
				reason = fmt.Sprintf("driver %s failed: %v", name, ferr)
			}
			fail(code, MissingInput, reason, nil)
			continue
		}
		computed.Set(code, v)
	}

	res.Values = computed.Values()
	e.checkRules(tpl.Rules(), chain, failed, res, evalOpts)

	e.logger.Debug("period evaluated",
		"template", tpl.Code(), "key", in.Key.String(),
		"resolved", len(res.Values), "unresolved", len(res.Unresolved))
	return res
}

// explain turns an evaluation error into a reason, attaching the driver
// source failure when the missing name came from one.
func (e *Engine) explain(err error, drivers *provider.Drivers) string {
	if fs := drivers.Failures(); len(fs) > 0 && errors.Is(err, formula.ErrUnknownIdentifier) {
		return fmt.Sprintf("%v (driver %s failed: %v)", err, fs[0].Code, fs[0].Err)
	}
	return err.Error()
}

func (e *Engine) checkRules(rules []template.ValidationRule, env formula.Env, failed map[string]bool, res *PeriodResult, opts []formula.EvalOption) {
	for _, r := range rules {
		if missing := firstMissing(r.Requires, res.Values, failed); missing != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s skipped: %s unresolved", r.ID, missing))
			continue
		}
		v, err := formula.Evaluate(r.Formula, env, opts...)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s not evaluated: %v", r.ID, err))
			continue
		}
		if r.Passes(v) {
			continue
		}
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("%s = %.4f outside tolerance %.4f", r.Formula, v, r.Tolerance)
		}
		if r.Severity == template.SeverityWarning {
			res.Warnings = append(res.Warnings, fmt.Sprintf("rule %s: %s", r.ID, msg))
			continue
		}
		res.Violations = append(res.Violations, Violation{RuleID: r.ID, Value: v, Message: msg})
	}
}

func firstFailed(codes []string, failed map[string]bool) string {
	for _, c := range codes {
		if failed[c] {
			return c
		}
	}
	return ""
}

func firstMissing(codes []string, values map[string]float64, failed map[string]bool) string {
	sorted := append([]string(nil), codes...)
	sort.Strings(sorted)
	for _, c := range sorted {
		if _, ok := values[c]; !ok || failed[c] {
			return c
		}
	}
	return ""
}
