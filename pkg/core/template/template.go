package template

import (
	"errors"
	"strings"

	"finmodel/pkg/core/formula"
)

// Section groups line items by statement.
type Section string

const (
	SectionPL     Section = "pl"
	SectionBS     Section = "bs"
	SectionCF     Section = "cf"
	SectionCarbon Section = "carbon"
	SectionOther  Section = "other"
)

// SignConvention describes how a value is presented. The engine never flips signs.
type SignConvention string

const (
	SignPositive SignConvention = "positive"
	SignNegative SignConvention = "negative"
	SignNeutral  SignConvention = "neutral"
)

// External source prefixes.
const (
	DriverPrefix  = "driver:"
	OpeningPrefix = "opening:"
)

// SourceKind says where a non-formula line item gets its value.
type SourceKind int

const (
	SourceDriver SourceKind = iota
	SourceOpening
)

var (
	// ErrNotFound is returned by loaders when no template matches a code.
	ErrNotFound = errors.New("template not found")
	// ErrInvalid is returned when a template definition is malformed.
	ErrInvalid = errors.New("invalid template")
)

// LineItem defines one named value within a statement.
type LineItem struct {
	Code           string
	DisplayName    string
	Section        Section
	Formula        string
	ExternalSource string
	Computed       bool
	Dependencies   []formula.Dependency
	Sign           SignConvention
	Unit           string
	Level          int
	Category       string
	Disabled       bool
}

// HasFormula reports whether the item is computed from a formula.
func (li LineItem) HasFormula() bool { return strings.TrimSpace(li.Formula) != "" }

// Source resolves the external binding of a non-formula item. Without an
// explicit source the item reads the driver named after its own code.
func (li LineItem) Source() (SourceKind, string) {
	switch {
	case strings.HasPrefix(li.ExternalSource, OpeningPrefix):
		return SourceOpening, strings.TrimPrefix(li.ExternalSource, OpeningPrefix)
	case strings.HasPrefix(li.ExternalSource, DriverPrefix):
		return SourceDriver, strings.TrimPrefix(li.ExternalSource, DriverPrefix)
	case li.ExternalSource != "":
		return SourceDriver, li.ExternalSource
	}
	return SourceDriver, li.Code
}

// SourceRef returns the formula text that reads the item's external value.
func (li LineItem) SourceRef() string {
	kind, name := li.Source()
	if kind == SourceOpening {
		return name + "[t-1]"
	}
	return DriverPrefix + name
}

// Clone returns a copy that shares no slices with li.
func (li LineItem) Clone() LineItem {
	if li.Dependencies != nil {
		deps := make([]formula.Dependency, len(li.Dependencies))
		copy(deps, li.Dependencies)
		li.Dependencies = deps
	}
	return li
}

// Lineage records how a derived template was produced.
type Lineage struct {
	BaseCode        string   `json:"base_code,omitempty" yaml:"base_code,omitempty"`
	BaseVersion     string   `json:"base_version,omitempty" yaml:"base_version,omitempty"`
	Actions         []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	Transformations []string `json:"transformations,omitempty" yaml:"transformations,omitempty"`
}

// IsDerived reports whether the lineage names a base template.
func (l Lineage) IsDerived() bool { return l.BaseCode != "" }

// Template is an immutable, versioned set of line items. Derived templates
// share unchanged item definitions with their base.
type Template struct {
	code      string
	name      string
	version   string
	statement string
	items     []*LineItem
	index     map[string]int
	inputs    []string
	inputSet  map[string]bool
	rules     []ValidationRule
	lineage   Lineage
}

func (t *Template) Code() string      { return t.code }
func (t *Template) Name() string      { return t.name }
func (t *Template) Version() string   { return t.version }
func (t *Template) Statement() string { return t.statement }
func (t *Template) Len() int          { return len(t.items) }

// Key identifies the template in caches: code@version.
func (t *Template) Key() string {
	if t.version == "" {
		return t.code
	}
	return t.code + "@" + t.version
}

// Lineage returns the derivation history. Base templates return the zero value.
func (t *Template) Lineage() Lineage {
	l := t.lineage
	l.Actions = append([]string(nil), l.Actions...)
	l.Transformations = append([]string(nil), l.Transformations...)
	return l
}

// Items returns the line items in declaration order.
func (t *Template) Items() []LineItem {
	out := make([]LineItem, len(t.items))
	for i, li := range t.items {
		out[i] = li.Clone()
	}
	return out
}

// Codes returns item codes in declaration order.
func (t *Template) Codes() []string {
	out := make([]string, len(t.items))
	for i, li := range t.items {
		out[i] = li.Code
	}
	return out
}

// Item looks up a line item by code.
func (t *Template) Item(code string) (LineItem, bool) {
	i, ok := t.index[code]
	if !ok {
		return LineItem{}, false
	}
	return t.items[i].Clone(), true
}

// Has reports whether code names a line item.
func (t *Template) Has(code string) bool {
	_, ok := t.index[code]
	return ok
}

// Position returns the declaration index of code, or -1.
func (t *Template) Position(code string) int {
	i, ok := t.index[code]
	if !ok {
		return -1
	}
	return i
}

// Inputs returns names declared as externally supplied.
func (t *Template) Inputs() []string { return append([]string(nil), t.inputs...) }

// IsInput reports whether name is a declared external input.
func (t *Template) IsInput(name string) bool { return t.inputSet[name] }

// Rules returns the template's validation rules.
func (t *Template) Rules() []ValidationRule {
	out := make([]ValidationRule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r
		out[i].Requires = append([]string(nil), r.Requires...)
	}
	return out
}

// Shares reports whether t and other hold the same definition for code.
func (t *Template) Shares(other *Template, code string) bool {
	i, ok := t.index[code]
	j, ok2 := other.index[code]
	return ok && ok2 && t.items[i] == other.items[j]
}

// Derive returns a new template in which the items in replaced take the
// place of same-code items of t. t is not modified and every other item is
// shared. Replaced items must already exist in t.
func (t *Template) Derive(code string, lineage Lineage, replaced ...LineItem) (*Template, error) {
	d := &Template{
		code:      code,
		name:      t.name,
		version:   t.version,
		statement: t.statement,
		items:     make([]*LineItem, len(t.items)),
		index:     t.index,
		inputs:    t.inputs,
		inputSet:  t.inputSet,
		rules:     t.rules,
		lineage:   lineage,
	}
	copy(d.items, t.items)
	for _, li := range replaced {
		i, ok := t.index[li.Code]
		if !ok {
			return nil, errorf("derive %s: line item %s not in %s", code, li.Code, t.code)
		}
		li = li.Clone()
		li.Computed = li.HasFormula()
		d.items[i] = &li
	}
	return d, nil
}
