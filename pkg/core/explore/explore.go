package explore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/orchestrator"
)

var (
	// ErrTooManyActions is returned when exhaustive exploration would exceed the limit.
	ErrTooManyActions = errors.New("too many actions for exhaustive exploration")
	// ErrInvalidSubset is returned for subsets naming candidates outside the pool.
	ErrInvalidSubset = errors.New("invalid subset")
)

// DefaultLimit caps exhaustive exploration at 2^12 scenarios.
const DefaultLimit = 12

// Candidate is an action with the binding it would get in a scenario.
type Candidate struct {
	Action  action.ManagementAction
	Binding action.Binding
}

// Bind returns a candidate starting at start with full scale.
func Bind(a action.ManagementAction, start int) Candidate {
	return Candidate{Action: a, Binding: action.Binding{ActionID: a.ID, StartPeriod: start, Enabled: true}}
}

// ScoreFunc scores a run. ok is false when the run has no usable score.
type ScoreFunc func(r *orchestrator.MultiPeriodResult) (score float64, ok bool)

// Outcome is one explored scenario.
type Outcome struct {
	Key        string                          `json:"key"`
	ScenarioID string                          `json:"scenario_id"`
	Actions    []string                        `json:"actions"`
	Result     *orchestrator.MultiPeriodResult `json:"result"`
	Score      float64                         `json:"score,omitempty"`
	Scored     bool                            `json:"scored"`
}

// Rejection is a subset that was not run.
type Rejection struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Step records one round of incremental selection.
type Step struct {
	Added string  `json:"added"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// Report collects the outcomes of an exploration.
type Report struct {
	BaseScenario string      `json:"base_scenario"`
	Outcomes     []Outcome   `json:"outcomes"`
	Rejected     []Rejection `json:"rejected,omitempty"`
	Steps        []Step      `json:"steps,omitempty"`
}

// Outcome returns the outcome with key.
func (r *Report) Outcome(key string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Key == key {
			return o, true
		}
	}
	return Outcome{}, false
}

// Best returns the highest scored outcome. Ties prefer fewer actions, then
// the smaller key.
func (r *Report) Best() (Outcome, bool) {
	var (
		best  Outcome
		found bool
	)
	for _, o := range r.Outcomes {
		if !o.Scored {
			continue
		}
		if !found || better(o, best) {
			best, found = o, true
		}
	}
	return best, found
}

func better(a, b Outcome) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if len(a.Actions) != len(b.Actions) {
		return len(a.Actions) < len(b.Actions)
	}
	return a.Key < b.Key
}

// Explorer runs action combinations through an orchestrator.
type Explorer struct {
	orch        *orchestrator.Orchestrator
	parallelism int
	score       ScoreFunc
	logger      *slog.Logger
}

// Option configures an Explorer.
type Option func(*Explorer)

func WithParallelism(n int) Option {
	return func(e *Explorer) { e.parallelism = n }
}

// WithScore scores every outcome.
func WithScore(s ScoreFunc) Option {
	return func(e *Explorer) { e.score = s }
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Explorer) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(orch *orchestrator.Orchestrator, opts ...Option) *Explorer {
	e := &Explorer{orch: orch, parallelism: 4, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exhaustive runs every subset of pool, in bitmask order. limit caps the
// pool size; 0 means DefaultLimit.
func (e *Explorer) Exhaustive(ctx context.Context, base orchestrator.Plan, pool []Candidate, limit int) (*Report, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(pool) > limit {
		return nil, fmt.Errorf("%w: %d actions, limit %d", ErrTooManyActions, len(pool), limit)
	}
	n := len(pool)
	subsets := make([][]int, 0, 1<<n)
	for mask := 0; mask < 1<<n; mask++ {
		var s []int
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				s = append(s, i)
			}
		}
		subsets = append(subsets, s)
	}
	e.logger.Info("exhaustive exploration", "scenario", base.Scenario, "actions", n, "subsets", len(subsets))
	return e.run(ctx, base, pool, subsets, e.score)
}

// Selective runs the given subsets of pool. Subsets are pool indexes.
func (e *Explorer) Selective(ctx context.Context, base orchestrator.Plan, pool []Candidate, subsets [][]int) (*Report, error) {
	for _, s := range subsets {
		for _, i := range s {
			if i < 0 || i >= len(pool) {
				return nil, fmt.Errorf("%w: index %d, pool of %d", ErrInvalidSubset, i, len(pool))
			}
		}
	}
	return e.run(ctx, base, pool, subsets, e.score)
}

// SingleAction runs the baseline and one scenario per candidate.
func (e *Explorer) SingleAction(ctx context.Context, base orchestrator.Plan, pool []Candidate) (*Report, error) {
	subsets := [][]int{nil}
	for i := range pool {
		subsets = append(subsets, []int{i})
	}
	return e.run(ctx, base, pool, subsets, e.score)
}

// Incremental grows a combination greedily: each round adds the candidate
// whose addition scores best, ties going to the lower action ID, and stops
// when no addition strictly improves the score.
func (e *Explorer) Incremental(ctx context.Context, base orchestrator.Plan, pool []Candidate, score ScoreFunc) (*Report, error) {
	if score == nil {
		return nil, errors.New("incremental exploration needs a score")
	}
	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return pool[order[a]].Action.ID < pool[order[b]].Action.ID })

	report, err := e.run(ctx, base, pool, [][]int{nil}, score)
	if err != nil {
		return nil, err
	}
	current := report.Outcomes[0]
	if !current.Scored {
		return report, nil
	}

	var selected []int
	used := make(map[int]bool)
	for len(selected) < len(pool) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var (
			subsets [][]int
			added   []int
		)
		for _, i := range order {
			if used[i] {
				continue
			}
			subsets = append(subsets, append(append([]int(nil), selected...), i))
			added = append(added, i)
		}
		round, err := e.run(ctx, base, pool, subsets, score)
		if err != nil {
			return nil, err
		}
		report.Rejected = append(report.Rejected, round.Rejected...)

		bestIdx := -1
		var best Outcome
		for _, o := range round.Outcomes {
			report.Outcomes = append(report.Outcomes, o)
			if !o.Scored {
				continue
			}
			if bestIdx < 0 || o.Score > best.Score {
				bestIdx, best = addedFor(o, subsets, added, pool), o
			}
		}
		if bestIdx < 0 || best.Score <= current.Score {
			break
		}
		selected = append(selected, bestIdx)
		used[bestIdx] = true
		current = best
		report.Steps = append(report.Steps, Step{Added: pool[bestIdx].Action.Code, Key: best.Key, Score: best.Score})
		e.logger.Debug("incremental step", "added", pool[bestIdx].Action.Code, "score", best.Score)
	}
	return report, nil
}

// addedFor finds which candidate a round outcome added.
func addedFor(o Outcome, subsets [][]int, added []int, pool []Candidate) int {
	for i, s := range subsets {
		if subsetKey(pool, s) == o.Key {
			return added[i]
		}
	}
	return -1
}

func (e *Explorer) run(ctx context.Context, base orchestrator.Plan, pool []Candidate, subsets [][]int, score ScoreFunc) (*Report, error) {
	report := &Report{BaseScenario: base.Scenario}
	var (
		plans []orchestrator.Plan
		keys  []string
		codes [][]string
	)
	seen := make(map[string]bool)
	for _, s := range subsets {
		key := subsetKey(pool, s)
		if seen[key] {
			continue
		}
		seen[key] = true

		chosen := make([]action.ManagementAction, len(s))
		for i, idx := range s {
			chosen[i] = pool[idx].Action
		}
		if err := action.CheckExclusion(chosen); err != nil {
			report.Rejected = append(report.Rejected, Rejection{Key: key, Reason: err.Error()})
			continue
		}
		plans = append(plans, scenarioPlan(base, pool, s, key))
		keys = append(keys, key)
		codes = append(codes, actionCodes(pool, s))
	}

	results := e.orch.RunMany(ctx, plans, e.parallelism)
	for i, r := range results {
		o := Outcome{Key: keys[i], ScenarioID: plans[i].Scenario, Actions: codes[i], Result: r}
		if score != nil {
			o.Score, o.Scored = score(r)
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report, ctx.Err()
}

// scenarioPlan adds the subset's candidates to base under scenario <base>_<key>.
func scenarioPlan(base orchestrator.Plan, pool []Candidate, subset []int, key string) orchestrator.Plan {
	p := base
	p.Scenario = base.Scenario + "_" + key
	p.Actions = append([]action.ManagementAction(nil), base.Actions...)
	p.Bindings = append([]action.Binding(nil), base.Bindings...)
	known := make(map[int]bool, len(p.Actions))
	for _, a := range p.Actions {
		known[a.ID] = true
	}
	for _, idx := range subset {
		c := pool[idx]
		if !known[c.Action.ID] {
			p.Actions = append(p.Actions, c.Action)
			known[c.Action.ID] = true
		}
		b := c.Binding
		b.Scenario = p.Scenario
		b.ActionID = c.Action.ID
		b.Enabled = true
		p.Bindings = append(p.Bindings, b)
	}
	return p
}

func actionCodes(pool []Candidate, subset []int) []string {
	out := make([]string, len(subset))
	for i, idx := range subset {
		out[i] = pool[idx].Action.Code
	}
	sort.Strings(out)
	return out
}

func subsetKey(pool []Candidate, subset []int) string {
	return orchestrator.CombinationKey(actionCodes(pool, subset))
}

// ============================================================================
// Scores
// ============================================================================

// FinalValue scores a run by code's value in its last resolved period.
func FinalValue(code string) ScoreFunc {
	return func(r *orchestrator.MultiPeriodResult) (float64, bool) {
		return r.Final(code)
	}
}

// Total scores a run by the sum of code over all resolved periods.
func Total(code string) ScoreFunc {
	return func(r *orchestrator.MultiPeriodResult) (float64, bool) {
		series := r.Series(code)
		if len(series) == 0 {
			return 0, false
		}
		periods := make([]int, 0, len(series))
		for p := range series {
			periods = append(periods, p)
		}
		sort.Ints(periods)
		sum := 0.0
		for _, p := range periods {
			sum += series[p]
		}
		return sum, true
	}
}

// Negate turns a cost into a score, so lower emissions rank higher.
func Negate(s ScoreFunc) ScoreFunc {
	return func(r *orchestrator.MultiPeriodResult) (float64, bool) {
		v, ok := s(r)
		return -v, ok
	}
}

// Successful wraps s so failed runs are unscored.
func Successful(s ScoreFunc) ScoreFunc {
	return func(r *orchestrator.MultiPeriodResult) (float64, bool) {
		if !r.Success {
			return 0, false
		}
		v, ok := s(r)
		if ok && (math.IsNaN(v) || math.IsInf(v, 0)) {
			return 0, false
		}
		return v, ok
	}
}

// Summary is a one-line description of the report.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d scenarios", len(r.Outcomes))
	if len(r.Rejected) > 0 {
		fmt.Fprintf(&b, ", %d rejected", len(r.Rejected))
	}
	if best, ok := r.Best(); ok {
		fmt.Fprintf(&b, ", best %s (%.4g)", best.Key, best.Score)
	}
	return b.String()
}
