package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hjson "github.com/hjson/hjson-go/v4"
	"gopkg.in/yaml.v3"

	"finmodel/pkg/core/formula"
)

// Format names a template file encoding.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
	FormatHJSON Format = "hjson"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".hjson":
		return FormatHJSON, nil
	}
	return "", fmt.Errorf("unsupported template file extension %q", filepath.Ext(path))
}

// Document is the serialized form of a template.
type Document struct {
	Code            string    `json:"code" yaml:"code"`
	Name            string    `json:"name,omitempty" yaml:"name,omitempty"`
	Version         string    `json:"version,omitempty" yaml:"version,omitempty"`
	Statement       string    `json:"statement,omitempty" yaml:"statement,omitempty"`
	Inputs          []string  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	LineItems       []ItemDoc `json:"line_items" yaml:"line_items"`
	ValidationRules []RuleDoc `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
	Lineage         *Lineage  `json:"lineage,omitempty" yaml:"lineage,omitempty"`
}

// ItemDoc is the serialized form of a line item. DependsOn entries use
// formula syntax: "CASH" or "CASH[t-1]".
type ItemDoc struct {
	Code        string   `json:"code" yaml:"code"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Section     string   `json:"section,omitempty" yaml:"section,omitempty"`
	Formula     string   `json:"formula,omitempty" yaml:"formula,omitempty"`
	Source      string   `json:"source,omitempty" yaml:"source,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Sign        string   `json:"sign,omitempty" yaml:"sign,omitempty"`
	Unit        string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Level       int      `json:"level,omitempty" yaml:"level,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Disabled    bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// RuleDoc is the serialized form of a validation rule.
type RuleDoc struct {
	ID        string   `json:"id" yaml:"id"`
	Kind      string   `json:"kind" yaml:"kind"`
	Formula   string   `json:"formula" yaml:"formula"`
	Tolerance float64  `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Severity  string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message   string   `json:"message,omitempty" yaml:"message,omitempty"`
	Requires  []string `json:"requires,omitempty" yaml:"requires,omitempty"`
}

// Decode parses a template document. Unknown fields are rejected in every format.
func Decode(data []byte, format Format) (*Template, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", ErrInvalid, err)
		}
	case FormatJSON:
		if err := decodeStrictJSON(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrInvalid, err)
		}
	case FormatHJSON:
		var generic interface{}
		if err := hjson.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("%w: hjson: %w", ErrInvalid, err)
		}
		normalized, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("%w: hjson: %w", ErrInvalid, err)
		}
		if err := decodeStrictJSON(normalized, &doc); err != nil {
			return nil, fmt.Errorf("%w: hjson: %w", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalid, format)
	}
	return FromDocument(doc)
}

// LoadFile reads and decodes a template file, choosing the format by extension.
func LoadFile(path string) (*Template, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	t, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// FromDocument builds a template from its serialized form.
func FromDocument(doc Document) (*Template, error) {
	b := New(doc.Code, doc.Version).Name(doc.Name).Statement(doc.Statement).Input(doc.Inputs...)
	for _, d := range doc.LineItems {
		deps, err := parseDependsOn(d.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("%w: line item %s: %w", ErrInvalid, d.Code, err)
		}
		b.Add(LineItem{
			Code:           d.Code,
			DisplayName:    d.DisplayName,
			Section:        Section(strings.ToLower(d.Section)),
			Formula:        d.Formula,
			ExternalSource: d.Source,
			Dependencies:   deps,
			Sign:           SignConvention(strings.ToLower(d.Sign)),
			Unit:           d.Unit,
			Level:          d.Level,
			Category:       d.Category,
			Disabled:       d.Disabled,
		})
	}
	for _, r := range doc.ValidationRules {
		b.Rule(ValidationRule{
			ID:        r.ID,
			Kind:      RuleKind(strings.ToLower(r.Kind)),
			Formula:   r.Formula,
			Tolerance: r.Tolerance,
			Severity:  Severity(strings.ToLower(r.Severity)),
			Message:   r.Message,
			Requires:  r.Requires,
		})
	}
	if doc.Lineage != nil {
		b.Lineage(*doc.Lineage)
	}
	return b.Build()
}

// Document returns the serialized form of t.
func (t *Template) Document() Document {
	doc := Document{
		Code:      t.code,
		Name:      t.name,
		Version:   t.version,
		Statement: t.statement,
		Inputs:    t.Inputs(),
		LineItems: make([]ItemDoc, 0, len(t.items)),
	}
	for _, li := range t.items {
		var deps []string
		for _, d := range li.Dependencies {
			deps = append(deps, d.String())
		}
		doc.LineItems = append(doc.LineItems, ItemDoc{
			Code:        li.Code,
			DisplayName: li.DisplayName,
			Section:     string(li.Section),
			Formula:     li.Formula,
			Source:      li.ExternalSource,
			DependsOn:   deps,
			Sign:        string(li.Sign),
			Unit:        li.Unit,
			Level:       li.Level,
			Category:    li.Category,
			Disabled:    li.Disabled,
		})
	}
	for _, r := range t.rules {
		doc.ValidationRules = append(doc.ValidationRules, RuleDoc{
			ID:        r.ID,
			Kind:      string(r.Kind),
			Formula:   r.Formula,
			Tolerance: r.Tolerance,
			Severity:  string(r.Severity),
			Message:   r.Message,
			Requires:  append([]string(nil), r.Requires...),
		})
	}
	if t.lineage.IsDerived() {
		l := t.Lineage()
		doc.Lineage = &l
	}
	return doc
}

// MarshalJSON encodes the template as its Document.
func (t *Template) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Document())
}

func parseDependsOn(refs []string) ([]formula.Dependency, error) {
	var deps []formula.Dependency
	for _, ref := range refs {
		parsed, err := formula.ExtractDependencies(ref)
		if err != nil {
			return nil, fmt.Errorf("depends_on %q: %w", ref, err)
		}
		if len(parsed) != 1 {
			return nil, fmt.Errorf("depends_on %q must name exactly one line item", ref)
		}
		deps = append(deps, parsed[0])
	}
	return deps, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
