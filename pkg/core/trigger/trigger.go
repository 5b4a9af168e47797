package trigger

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/formula"
)

// Status is the trigger state of one action within one scenario.
type Status struct {
	ActionID      int    `json:"action_id"`
	ActionCode    string `json:"action_code"`
	Triggered     bool   `json:"triggered"`
	TriggeredAt   int    `json:"triggered_at,omitempty"`
	LastEvaluated int    `json:"last_evaluated,omitempty"`
	Evaluations   int    `json:"evaluations"`
}

type statusKey struct {
	scenario string
	actionID int
}

// Tracker holds trigger statuses keyed by (scenario, action). Statuses are
// created on first use. Safe for concurrent use; scenarios never share an
// entry.
type Tracker struct {
	mu       sync.Mutex
	statuses map[statusKey]*Status
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[statusKey]*Status)}
}

// Get returns a copy of the status for (scenario, actionID).
func (t *Tracker) Get(scenario string, actionID int) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[statusKey{scenario, actionID}]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Statuses lists the statuses of a scenario by ascending action ID.
func (t *Tracker) Statuses(scenario string) []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Status
	for k, s := range t.statuses {
		if k.scenario == scenario {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}

// Reset forgets every status of scenario.
func (t *Tracker) Reset(scenario string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.statuses {
		if k.scenario == scenario {
			delete(t.statuses, k)
		}
	}
}

func (t *Tracker) update(scenario string, a action.ManagementAction, fn func(*Status)) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := statusKey{scenario, a.ID}
	s, ok := t.statuses[k]
	if !ok {
		s = &Status{ActionID: a.ID, ActionCode: a.Code}
		t.statuses[k] = s
	}
	fn(s)
	return *s
}

// Evaluator decides whether conditional actions are triggered.
type Evaluator struct {
	tracker *Tracker
	logger  *slog.Logger
	funcs   map[string]formula.Func
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFunctions registers extra formula functions for trigger expressions.
func WithFunctions(funcs map[string]formula.Func) Option {
	return func(e *Evaluator) { e.funcs = funcs }
}

// NewEvaluator creates an Evaluator backed by tracker. A nil tracker gets a fresh one.
func NewEvaluator(tracker *Tracker, opts ...Option) *Evaluator {
	if tracker == nil {
		tracker = NewTracker()
	}
	e := &Evaluator{tracker: tracker, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker returns the backing tracker.
func (e *Evaluator) Tracker() *Tracker { return e.tracker }

// Evaluate reports whether a is triggered at period, given state. Unconditional
// actions are always triggered. Once a sticky trigger has held it stays
// triggered without re-evaluation. A trigger that cannot be evaluated is
// not triggered and the error is returned.
func (e *Evaluator) Evaluate(scenario string, a action.ManagementAction, period int, state formula.Env) (bool, error) {
	if !a.Conditional {
		return true, nil
	}
	if !a.NonSticky {
		if s, ok := e.tracker.Get(scenario, a.ID); ok && s.Triggered {
			return true, nil
		}
	}

	v, err := formula.Evaluate(a.Trigger, state, formula.WithFunctions(e.funcs))
	holds := err == nil && v != 0

	s := e.tracker.update(scenario, a, func(s *Status) {
		s.LastEvaluated = period
		s.Evaluations++
		switch {
		case holds && !s.Triggered:
			s.Triggered = true
			s.TriggeredAt = period
		case !holds && a.NonSticky:
			s.Triggered = false
			s.TriggeredAt = 0
		}
	})
	if err != nil {
		e.logger.Warn("trigger not evaluated", "scenario", scenario, "action", a.Code, "period", period, "error", err)
		return false, fmt.Errorf("trigger of %s: %w", a.Code, err)
	}
	if holds && s.TriggeredAt == period {
		e.logger.Info("action triggered", "scenario", scenario, "action", a.Code, "period", period)
	}
	return holds || s.Triggered, nil
}

// Outcome is the result of evaluating one action's trigger.
type Outcome struct {
	ActionID   int
	ActionCode string
	Triggered  bool
	Err        error
}

// EvaluateAll evaluates the conditional actions in ascending ID order (ties
// by code). Mutually referencing triggers see the same state; the order only
// fixes the sequence of tracker updates.
func (e *Evaluator) EvaluateAll(scenario string, actions []action.ManagementAction, period int, state formula.Env) []Outcome {
	sorted := append([]action.ManagementAction(nil), actions...)
	action.SortByID(sorted)
	var out []Outcome
	for _, a := range sorted {
		if !a.Conditional {
			continue
		}
		ok, err := e.Evaluate(scenario, a, period, state)
		out = append(out, Outcome{ActionID: a.ID, ActionCode: a.Code, Triggered: ok, Err: err})
	}
	return out
}

// Diagnostic is an advisory finding about trigger interactions.
type Diagnostic struct {
	Actions []string `json:"actions"`
	Codes   []string `json:"codes"`
	Message string   `json:"message"`
}

func (d Diagnostic) String() string { return d.Message }

// DetectFeedback reports pairs of conditional actions whose triggers read
// line items the other one transforms, and actions whose trigger reads an
// item they transform themselves.
func DetectFeedback(actions []action.ManagementAction) []Diagnostic {
	sorted := append([]action.ManagementAction(nil), actions...)
	action.SortByID(sorted)

	reads := make(map[string][]string)
	for _, a := range sorted {
		if !a.Conditional {
			continue
		}
		deps, err := formula.ExtractDependencies(a.Trigger)
		if err != nil {
			continue
		}
		reads[a.Code] = formula.Names(deps)
	}

	var out []Diagnostic
	for i, a := range sorted {
		ra, ok := reads[a.Code]
		if !ok {
			continue
		}
		if self := intersect(ra, a.Targets()); len(self) > 0 {
			out = append(out, Diagnostic{
				Actions: []string{a.Code},
				Codes:   self,
				Message: fmt.Sprintf("trigger of %s reads %s which it transforms", a.Code, strings.Join(self, ", ")),
			})
		}
		for _, b := range sorted[i+1:] {
			rb, ok := reads[b.Code]
			if !ok {
				continue
			}
			ab := intersect(ra, b.Targets())
			ba := intersect(rb, a.Targets())
			if len(ab) == 0 || len(ba) == 0 {
				continue
			}
			codes := union(ab, ba)
			out = append(out, Diagnostic{
				Actions: []string{a.Code, b.Code},
				Codes:   codes,
				Message: fmt.Sprintf("triggers of %s and %s reference each other's targets (%s)", a.Code, b.Code, strings.Join(codes, ", ")),
			})
		}
	}
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	set := make(map[string]bool)
	for _, s := range append(append([]string(nil), a...), b...) {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
