package template

import (
	"fmt"
	"strings"

	"finmodel/pkg/core/formula"
)

// RuleKind selects how a validation rule's formula is judged.
type RuleKind string

const (
	// RuleEquation passes when |value| <= tolerance.
	RuleEquation RuleKind = "equation"
	// RuleReconciliation passes when |value| <= tolerance.
	RuleReconciliation RuleKind = "reconciliation"
	// RuleBoundary passes when value >= -tolerance.
	RuleBoundary RuleKind = "boundary"
)

// Severity of a failed validation rule.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationRule is a consistency check evaluated after each period,
// e.g. "TOTAL_ASSETS - TOTAL_LIABILITIES - TOTAL_EQUITY" as an equation.
type ValidationRule struct {
	ID        string
	Kind      RuleKind
	Formula   string
	Tolerance float64
	Severity  Severity
	Message   string
	Requires  []string
}

// Passes applies the rule's kind to an evaluated value.
func (r ValidationRule) Passes(v float64) bool {
	if r.Kind == RuleBoundary {
		return v >= -r.Tolerance
	}
	if v < 0 {
		v = -v
	}
	return v <= r.Tolerance
}

// Builder assembles a Template. The first error sticks and is returned by Build.
type Builder struct {
	t   *Template
	err error
}

// New starts a template with the given code and version.
func New(code, version string) *Builder {
	return &Builder{t: &Template{
		code:     code,
		version:  version,
		index:    make(map[string]int),
		inputSet: make(map[string]bool),
	}}
}

func (b *Builder) Name(name string) *Builder {
	b.t.name = name
	return b
}

func (b *Builder) Statement(statement string) *Builder {
	b.t.statement = statement
	return b
}

// Input declares names supplied from outside the template (drivers, opening balances).
func (b *Builder) Input(names ...string) *Builder {
	for _, n := range names {
		if n == "" || b.t.inputSet[n] {
			continue
		}
		b.t.inputSet[n] = true
		b.t.inputs = append(b.t.inputs, n)
	}
	return b
}

// Add appends a line item.
func (b *Builder) Add(items ...LineItem) *Builder {
	for _, li := range items {
		if b.err != nil {
			return b
		}
		b.err = b.add(li)
	}
	return b
}

// Item is shorthand for a formula item in the given section.
func (b *Builder) Item(section Section, code, f string) *Builder {
	return b.Add(LineItem{Code: code, Section: section, Formula: f})
}

// Driver is shorthand for an item bound to an external source.
func (b *Builder) Driver(section Section, code, source string) *Builder {
	return b.Add(LineItem{Code: code, Section: section, ExternalSource: source})
}

// Rule appends a validation rule.
func (b *Builder) Rule(rules ...ValidationRule) *Builder {
	for _, r := range rules {
		if b.err != nil {
			return b
		}
		if r.Severity == "" {
			r.Severity = SeverityError
		}
		if err := checkRule(r); err != nil {
			b.err = err
			return b
		}
		r.Requires = append([]string(nil), r.Requires...)
		b.t.rules = append(b.t.rules, r)
	}
	return b
}

// Lineage sets derivation metadata on a template built from a stored document.
func (b *Builder) Lineage(l Lineage) *Builder {
	b.t.lineage = l
	return b
}

// Build returns the finished template.
func (b *Builder) Build() (*Template, error) {
	if b.err != nil {
		return nil, b.err
	}
	if strings.TrimSpace(b.t.code) == "" {
		return nil, errorf("template code is required")
	}
	if len(b.t.items) == 0 {
		return nil, errorf("template %s has no line items", b.t.code)
	}
	t := b.t
	b.t = nil
	b.err = errorf("builder already used")
	return t, nil
}

func (b *Builder) add(li LineItem) error {
	li.Code = strings.TrimSpace(li.Code)
	if li.Code == "" {
		return errorf("template %s: line item without code", b.t.code)
	}
	if strings.ContainsAny(li.Code, " []()+-*/^,<>=!&|") {
		return errorf("template %s: line item code %q contains operator characters", b.t.code, li.Code)
	}
	if _, dup := b.t.index[li.Code]; dup {
		return errorf("template %s: duplicate line item %s", b.t.code, li.Code)
	}
	if li.HasFormula() {
		if err := formula.Validate(li.Formula); err != nil {
			return fmt.Errorf("%w: template %s: line item %s: %w", ErrInvalid, b.t.code, li.Code, err)
		}
	}
	if src := li.ExternalSource; src != "" && strings.Contains(src, ":") &&
		!strings.HasPrefix(src, DriverPrefix) && !strings.HasPrefix(src, OpeningPrefix) {
		return errorf("template %s: line item %s: unsupported source %q", b.t.code, li.Code, src)
	}
	if li.Section == "" {
		li.Section = SectionOther
	}
	if li.Sign == "" {
		li.Sign = SignPositive
	}
	li = li.Clone()
	li.Computed = li.HasFormula()
	b.t.index[li.Code] = len(b.t.items)
	b.t.items = append(b.t.items, &li)
	return nil
}

func checkRule(r ValidationRule) error {
	if r.ID == "" {
		return errorf("validation rule without id")
	}
	switch r.Kind {
	case RuleEquation, RuleReconciliation, RuleBoundary:
	default:
		return errorf("validation rule %s: unknown kind %q", r.ID, r.Kind)
	}
	switch r.Severity {
	case SeverityError, SeverityWarning:
	default:
		return errorf("validation rule %s: unknown severity %q", r.ID, r.Severity)
	}
	if err := formula.Validate(r.Formula); err != nil {
		return fmt.Errorf("%w: validation rule %s: %w", ErrInvalid, r.ID, err)
	}
	return nil
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
