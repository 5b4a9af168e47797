package action

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"finmodel/pkg/core/formula"
)

var (
	// ErrTargetNotFound is returned when a transformation names a line item the template lacks.
	ErrTargetNotFound = errors.New("transformation target not found")
	// ErrInvalidFormula is returned when rewritten formula text does not parse.
	ErrInvalidFormula = errors.New("invalid formula")
	// ErrInvalidAction is returned for malformed action definitions.
	ErrInvalidAction = errors.New("invalid action")
	// ErrExclusionConflict is returned when two actions of one exclusion group are combined.
	ErrExclusionConflict = errors.New("mutually exclusive actions")
)

// Kind is the type of a transformation.
type Kind string

const (
	FormulaOverride    Kind = "formula_override"
	AdditiveAdjustment Kind = "additive_adjustment"
	Multiply           Kind = "multiply"
	Disable            Kind = "disable"
	// RevertAfterN overrides a formula for Duration periods, after which
	// the template without it is used again.
	RevertAfterN Kind = "revert_after_n_periods"
)

// Transformation rewrites one line item. It is pure data.
type Transformation struct {
	Statement string  `json:"statement,omitempty" yaml:"statement,omitempty"`
	LineItem  string  `json:"line_item" yaml:"line_item"`
	Kind      Kind    `json:"type" yaml:"type"`
	Formula   string  `json:"formula,omitempty" yaml:"formula,omitempty"`
	Factor    float64 `json:"factor,omitempty" yaml:"factor,omitempty"`
	// Offset delays the transformation relative to the action start.
	Offset int `json:"activation_offset,omitempty" yaml:"activation_offset,omitempty"`
	// Duration limits the transformation to that many periods; 0 means open-ended.
	Duration int `json:"duration,omitempty" yaml:"duration,omitempty"`
	// Scale is set from the binding's scale factor; 0 means 1.
	Scale   float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Comment string  `json:"comment,omitempty" yaml:"comment,omitempty"`
}

func (t Transformation) scale() float64 {
	if t.Scale == 0 {
		return 1
	}
	return t.Scale
}

func (t Transformation) String() string {
	var b strings.Builder
	b.WriteString(t.LineItem)
	b.WriteString(": ")
	b.WriteString(string(t.Kind))
	switch t.Kind {
	case FormulaOverride, AdditiveAdjustment, RevertAfterN:
		b.WriteString(" " + t.Formula)
	case Multiply:
		b.WriteString(" " + t.factorText())
	}
	if s := t.scale(); s != 1 {
		b.WriteString(" x" + strconv.FormatFloat(s, 'g', -1, 64))
	}
	return b.String()
}

func (t Transformation) factorText() string {
	if strings.TrimSpace(t.Formula) != "" {
		return t.Formula
	}
	return strconv.FormatFloat(t.Factor, 'g', -1, 64)
}

// Validate checks the transformation in isolation.
func (t Transformation) Validate() error {
	if strings.TrimSpace(t.LineItem) == "" {
		return fmt.Errorf("%w: transformation without line item", ErrInvalidAction)
	}
	switch t.Kind {
	case FormulaOverride, AdditiveAdjustment:
		if strings.TrimSpace(t.Formula) == "" {
			return fmt.Errorf("%w: %s on %s needs a formula", ErrInvalidAction, t.Kind, t.LineItem)
		}
	case RevertAfterN:
		if strings.TrimSpace(t.Formula) == "" || t.Duration <= 0 {
			return fmt.Errorf("%w: %s on %s needs a formula and a positive duration", ErrInvalidAction, t.Kind, t.LineItem)
		}
	case Multiply:
		if strings.TrimSpace(t.Formula) == "" && t.Factor == 0 {
			return fmt.Errorf("%w: multiply on %s needs a factor", ErrInvalidAction, t.LineItem)
		}
	case Disable:
	default:
		return fmt.Errorf("%w: unknown transformation type %q", ErrInvalidAction, t.Kind)
	}
	if t.Offset < 0 || t.Duration < 0 {
		return fmt.Errorf("%w: %s on %s has negative timing", ErrInvalidAction, t.Kind, t.LineItem)
	}
	return nil
}

// activeAt reports whether the transformation applies in period for an
// action that started in start.
func (t Transformation) activeAt(period, start int) bool {
	from := start + t.Offset
	if period < from {
		return false
	}
	return t.Duration == 0 || period <= from+t.Duration-1
}

// Scaled returns copies of ts carrying scale factor s.
func Scaled(ts []Transformation, s float64) []Transformation {
	out := make([]Transformation, len(ts))
	for i, t := range ts {
		t.Scale = s
		out[i] = t
	}
	return out
}

// ----------------------------------------------------------------------------

// Duration is an action's lifetime: permanent, or temporary for N periods.
type Duration struct {
	Periods int // 0 = permanent
}

func Permanent() Duration { return Duration{} }

func Temporary(n int) Duration { return Duration{Periods: n} }

func (d Duration) IsPermanent() bool { return d.Periods <= 0 }

func (d Duration) String() string {
	if d.IsPermanent() {
		return "permanent"
	}
	return fmt.Sprintf("temporary(%d)", d.Periods)
}

// MarshalText renders "permanent" or "temporary(n)".
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText accepts "permanent", "temporary(n)" or a bare period count.
func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	switch {
	case s == "" || s == "permanent":
		*d = Permanent()
		return nil
	case strings.HasPrefix(s, "temporary(") && strings.HasSuffix(s, ")"):
		s = strings.TrimSuffix(strings.TrimPrefix(s, "temporary("), ")")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid duration %q", string(b))
	}
	*d = Temporary(n)
	return nil
}

// Window bounds the periods an action may be active in. Zero bounds are open.
type Window struct {
	Earliest int `json:"earliest,omitempty" yaml:"earliest,omitempty"`
	Latest   int `json:"latest,omitempty" yaml:"latest,omitempty"`
}

// Contains reports whether period lies within the window.
func (w Window) Contains(period int) bool {
	if w.Earliest > 0 && period < w.Earliest {
		return false
	}
	if w.Latest > 0 && period > w.Latest {
		return false
	}
	return true
}

// ManagementAction is a named bundle of transformations with timing rules.
type ManagementAction struct {
	ID          int    `json:"id" yaml:"id"`
	Code        string `json:"code" yaml:"code"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Conditional bool   `json:"conditional,omitempty" yaml:"conditional,omitempty"`
	Trigger     string `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	// NonSticky re-evaluates the trigger every period instead of latching.
	NonSticky       bool             `json:"non_sticky,omitempty" yaml:"non_sticky,omitempty"`
	Transformations []Transformation `json:"transformations" yaml:"transformations"`
	Duration        Duration         `json:"duration" yaml:"duration"`
	Window          Window           `json:"window,omitempty" yaml:"window,omitempty"`
	ExclusionGroup  string           `json:"exclusion_group,omitempty" yaml:"exclusion_group,omitempty"`

	Capex                   float64 `json:"capex,omitempty" yaml:"capex,omitempty"`
	OpexAnnual              float64 `json:"opex_annual,omitempty" yaml:"opex_annual,omitempty"`
	EmissionReductionAnnual float64 `json:"emission_reduction_annual,omitempty" yaml:"emission_reduction_annual,omitempty"`
}

// Validate checks the action definition.
func (a ManagementAction) Validate() error {
	if strings.TrimSpace(a.Code) == "" {
		return fmt.Errorf("%w: action %d has no code", ErrInvalidAction, a.ID)
	}
	hasTrigger := strings.TrimSpace(a.Trigger) != ""
	if a.Conditional != hasTrigger {
		return fmt.Errorf("%w: action %s: trigger must be present exactly when conditional", ErrInvalidAction, a.Code)
	}
	if hasTrigger {
		if err := formula.Validate(a.Trigger); err != nil {
			return fmt.Errorf("%w: action %s trigger: %w", ErrInvalidFormula, a.Code, err)
		}
	}
	if a.Window.Latest > 0 && a.Window.Earliest > a.Window.Latest {
		return fmt.Errorf("%w: action %s window %d..%d is empty", ErrInvalidAction, a.Code, a.Window.Earliest, a.Window.Latest)
	}
	for _, t := range a.Transformations {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("action %s: %w", a.Code, err)
		}
	}
	return nil
}

// ActiveAt reports whether the action applies in period when it started in
// start: inside its window and, if temporary, within [start, start+n-1].
func (a ManagementAction) ActiveAt(period, start int) bool {
	if period < start || !a.Window.Contains(period) {
		return false
	}
	return a.Duration.IsPermanent() || period <= start+a.Duration.Periods-1
}

// TransformationsAt returns the transformations that apply in period,
// honouring per-transformation offsets and durations. Nil when the action
// itself is inactive.
func (a ManagementAction) TransformationsAt(period, start int) []Transformation {
	var out []Transformation
	for _, i := range a.TransformationIndexes(period, start) {
		out = append(out, a.Transformations[i])
	}
	return out
}

// TransformationIndexes is TransformationsAt returning positions in
// a.Transformations.
func (a ManagementAction) TransformationIndexes(period, start int) []int {
	if !a.ActiveAt(period, start) {
		return nil
	}
	var out []int
	for i, t := range a.Transformations {
		if t.activeAt(period, start) {
			out = append(out, i)
		}
	}
	return out
}

// Targets lists the line items the action's transformations touch, sorted.
func (a ManagementAction) Targets() []string {
	set := make(map[string]bool)
	for _, t := range a.Transformations {
		set[t.LineItem] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Binding attaches an action to a scenario.
type Binding struct {
	Scenario    string   `json:"scenario" yaml:"scenario"`
	ActionID    int      `json:"action_id" yaml:"action_id"`
	StartPeriod int      `json:"start_period" yaml:"start_period"`
	// ScaleFactor is the fraction of the action's effect applied. Nil means
	// the full effect; an explicit 0 applies nothing.
	ScaleFactor *float64 `json:"scale_factor,omitempty" yaml:"scale_factor,omitempty"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
}

// ScaleFactor returns a pointer to s for Binding.ScaleFactor.
func ScaleFactor(s float64) *float64 { return &s }

// Scale returns the effective scale factor.
func (b Binding) Scale() float64 {
	if b.ScaleFactor == nil {
		return 1
	}
	return *b.ScaleFactor
}

// CheckExclusion fails when two actions share an exclusion group.
func CheckExclusion(actions []ManagementAction) error {
	seen := make(map[string]string)
	for _, a := range actions {
		if a.ExclusionGroup == "" {
			continue
		}
		if other, ok := seen[a.ExclusionGroup]; ok {
			return fmt.Errorf("%w: %s and %s share group %s", ErrExclusionConflict, other, a.Code, a.ExclusionGroup)
		}
		seen[a.ExclusionGroup] = a.Code
	}
	return nil
}

// SortByID orders actions by ascending ID, then code.
func SortByID(actions []ManagementAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].ID != actions[j].ID {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].Code < actions[j].Code
	})
}
