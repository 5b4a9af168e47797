package action

import (
	"fmt"
	"strconv"
	"strings"

	"finmodel/pkg/core/formula"
	"finmodel/pkg/core/graph"
	"finmodel/pkg/core/template"
)

type applyOptions struct {
	code      string
	actions   []string
	graphOpts []graph.Option
	funcs     map[string]bool
}

// Option configures Apply.
type Option func(*applyOptions)

// WithCode sets the derived template's code. The default is DerivedCode.
func WithCode(code string) Option {
	return func(o *applyOptions) { o.code = code }
}

// WithActions records the codes of the actions the transformations came from.
func WithActions(codes ...string) Option {
	return func(o *applyOptions) { o.actions = append(o.actions, codes...) }
}

// WithGraphOptions passes options to the dependency graph check.
func WithGraphOptions(opts ...graph.Option) Option {
	return func(o *applyOptions) { o.graphOpts = append(o.graphOpts, opts...) }
}

// WithFunctions names the caller-registered formula functions a
// transformation may call besides the built-ins.
func WithFunctions(names ...string) Option {
	return func(o *applyOptions) {
		if o.funcs == nil {
			o.funcs = make(map[string]bool, len(names))
		}
		for _, n := range names {
			o.funcs[strings.ToUpper(n)] = true
		}
	}
}

// DerivedCode names a template derived from base by actions.
func DerivedCode(base string, actions []string) string {
	if len(actions) == 0 {
		return base + "_DERIVED"
	}
	return base + "_" + strings.Join(actions, "+")
}

// Apply derives a template from base with ts applied in order. base is
// never modified. Later transformations on the same line item compose with
// the result of earlier ones.
func Apply(base *template.Template, ts []Transformation, opts ...Option) (*template.Template, error) {
	t, _, err := ApplyWithGraph(base, ts, opts...)
	return t, err
}

// ApplyWithGraph is Apply returning the derived template's dependency graph.
func ApplyWithGraph(base *template.Template, ts []Transformation, opts ...Option) (*template.Template, *graph.Graph, error) {
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}

	for _, t := range ts {
		li, ok := base.Item(t.LineItem)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s in template %s", ErrTargetNotFound, t.LineItem, base.Code())
		}
		if t.Statement != "" && !strings.EqualFold(t.Statement, string(li.Section)) {
			return nil, nil, fmt.Errorf("%w: %s.%s in template %s (%s is in %s)",
				ErrTargetNotFound, t.Statement, t.LineItem, base.Code(), t.LineItem, li.Section)
		}
	}

	pending := make(map[string]template.LineItem)
	var touched []string
	for _, t := range ts {
		li, ok := pending[t.LineItem]
		if !ok {
			li, _ = base.Item(t.LineItem)
			touched = append(touched, t.LineItem)
		}
		next, err := transform(li, t, o.funcs)
		if err != nil {
			return nil, nil, err
		}
		pending[t.LineItem] = next
	}

	lineage := base.Lineage()
	lineage.BaseCode = base.Code()
	lineage.BaseVersion = base.Version()
	lineage.Actions = append(append([]string(nil), lineage.Actions...), o.actions...)
	for _, t := range ts {
		lineage.Transformations = append(lineage.Transformations, t.String())
	}

	code := o.code
	if code == "" {
		code = DerivedCode(base.Code(), o.actions)
	}
	replaced := make([]template.LineItem, 0, len(touched))
	for _, c := range touched {
		replaced = append(replaced, pending[c])
	}
	derived, err := base.Derive(code, lineage, replaced...)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.Build(derived, o.graphOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("apply to %s: %w", base.Code(), err)
	}
	return derived, g, nil
}

// transform rewrites one line item. Scaled transformations interpolate
// between the original and the fully applied effect. The rewritten formula
// may only call built-ins, funcs, and functions the original already called.
func transform(li template.LineItem, t Transformation, funcs map[string]bool) (template.LineItem, error) {
	if t.Kind == Disable {
		li.Disabled = true
		return li, nil
	}

	orig := li.Formula
	if !li.HasFormula() {
		orig = li.SourceRef()
	}
	s := t.scale()
	sText := number(s)

	var next string
	switch t.Kind {
	case FormulaOverride, RevertAfterN:
		next = t.Formula
		if s != 1 {
			next = fmt.Sprintf("(%s) + %s * ((%s) - (%s))", orig, sText, t.Formula, orig)
		}
	case AdditiveAdjustment:
		next = fmt.Sprintf("(%s) + (%s)", orig, t.Formula)
		if s != 1 {
			next = fmt.Sprintf("(%s) + %s * (%s)", orig, sText, t.Formula)
		}
	case Multiply:
		next = fmt.Sprintf("(%s) * (%s)", orig, t.factorText())
		if s != 1 {
			next = fmt.Sprintf("(%s) * (1 + %s * ((%s) - 1))", orig, sText, t.factorText())
		}
	default:
		return li, fmt.Errorf("%w: unknown transformation type %q on %s", ErrInvalidAction, t.Kind, t.LineItem)
	}

	e, err := formula.Parse(next)
	if err != nil {
		return li, fmt.Errorf("%w: %s: %w", ErrInvalidFormula, t.LineItem, err)
	}
	known := make(map[string]bool)
	if li.HasFormula() {
		if prev, err := formula.Parse(li.Formula); err == nil {
			for _, fn := range prev.Functions() {
				known[fn] = true
			}
		}
	}
	for _, fn := range e.Functions() {
		if !formula.IsBuiltin(fn) && !funcs[fn] && !known[fn] {
			return li, fmt.Errorf("%w: %s: unknown function %s", ErrInvalidFormula, t.LineItem, fn)
		}
	}
	li.Formula = next
	li.Dependencies = nil
	return li, nil
}

// Revert restores codes in derived to their definitions in base. With no
// codes every item that differs from base is restored.
func Revert(derived, base *template.Template, codes ...string) (*template.Template, error) {
	if len(codes) == 0 {
		seen := make(map[string]bool)
		for _, c := range template.Diff(base, derived) {
			if !seen[c.Code] {
				seen[c.Code] = true
				codes = append(codes, c.Code)
			}
		}
	}
	restored := make([]template.LineItem, 0, len(codes))
	for _, c := range codes {
		li, ok := base.Item(c)
		if !ok || !derived.Has(c) {
			return nil, fmt.Errorf("%w: %s in template %s", ErrTargetNotFound, c, base.Code())
		}
		restored = append(restored, li)
	}
	lineage := derived.Lineage()
	lineage.Transformations = append([]string(nil), lineage.Transformations...)
	for _, c := range codes {
		lineage.Transformations = append(lineage.Transformations, "revert "+c)
	}
	t, err := derived.Derive(derived.Code(), lineage, restored...)
	if err != nil {
		return nil, err
	}
	if _, err := graph.Build(t); err != nil {
		return nil, fmt.Errorf("revert %s: %w", derived.Code(), err)
	}
	return t, nil
}

func number(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
