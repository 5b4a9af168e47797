// Package scenario reads scenario files: one YAML document naming the base
// template, the periods to run, driver values, opening balances and the
// management actions bound to the scenario.
package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/orchestrator"
	"finmodel/pkg/core/provider"
	"finmodel/pkg/core/template"
)

var ErrInvalid = errors.New("invalid scenario file")

// File is a decoded scenario file.
type File struct {
	Scenario     string                    `yaml:"scenario"`
	Entity       string                    `yaml:"entity"`
	Template     string                    `yaml:"template"`
	TemplateFile string                    `yaml:"template_file"`
	FirstPeriod  int                       `yaml:"first_period"`
	Periods      int                       `yaml:"periods"`
	Opening      map[string]float64        `yaml:"opening"`
	Drivers      map[string]DriverValue    `yaml:"drivers"`
	Actions      []action.ManagementAction `yaml:"actions"`
	Bindings     []BindingDoc              `yaml:"bindings"`

	dir string
}

// BindingDoc is a binding as written in a scenario file. Scenario defaults
// to the file's scenario, start to the first period and enabled to true.
type BindingDoc struct {
	Action      string   `yaml:"action"`
	ActionID    int      `yaml:"action_id"`
	StartPeriod int      `yaml:"start_period"`
	ScaleFactor *float64 `yaml:"scale_factor"`
	Enabled     *bool    `yaml:"enabled"`
}

// DriverValue is a constant, a series starting at the first period, or a
// period-to-value map.
type DriverValue struct {
	Constant *float64
	Series   []float64
	ByPeriod map[int]float64
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DriverValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		d.Constant = &v
	case yaml.SequenceNode:
		return node.Decode(&d.Series)
	case yaml.MappingNode:
		return node.Decode(&d.ByPeriod)
	default:
		return fmt.Errorf("line %d: driver value must be a number, a list or a period map", node.Line)
	}
	return nil
}

// Load reads and decodes a scenario file. A relative template_file is
// resolved against the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Decode parses a scenario document. Unknown keys are rejected.
func Decode(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if f.FirstPeriod == 0 {
		f.FirstPeriod = 1
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	var errs []error
	if f.Scenario == "" {
		errs = append(errs, errors.New("scenario is required"))
	}
	if f.Template == "" && f.TemplateFile == "" {
		errs = append(errs, errors.New("template or template_file is required"))
	}
	if f.Periods <= 0 {
		errs = append(errs, fmt.Errorf("periods must be positive, got %d", f.Periods))
	}
	if f.FirstPeriod < 1 {
		errs = append(errs, fmt.Errorf("first_period must be at least 1, got %d", f.FirstPeriod))
	}
	for _, b := range f.Bindings {
		if b.Action == "" && b.ActionID == 0 {
			errs = append(errs, errors.New("binding needs action or action_id"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// PeriodList returns the consecutive periods to run.
func (f *File) PeriodList() []int {
	out := make([]int, f.Periods)
	for i := range out {
		out[i] = f.FirstPeriod + i
	}
	return out
}

// LoadTemplate returns the base template: template_file when set, otherwise
// the template code looked up through loader.
func (f *File) LoadTemplate(ctx context.Context, loader template.Loader) (*template.Template, error) {
	if f.TemplateFile != "" {
		path := f.TemplateFile
		if !filepath.IsAbs(path) && f.dir != "" {
			path = filepath.Join(f.dir, path)
		}
		return template.LoadFile(path)
	}
	if loader == nil {
		return nil, fmt.Errorf("%w: %s (no template loader configured)", template.ErrNotFound, f.Template)
	}
	return loader.LoadTemplate(ctx, f.Template)
}

// StaticDrivers returns the file's driver values.
func (f *File) StaticDrivers() *provider.StaticDrivers {
	s := provider.NewStaticDrivers()
	codes := make([]string, 0, len(f.Drivers))
	for code := range f.Drivers {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		d := f.Drivers[code]
		switch {
		case d.Constant != nil:
			s.Set(code, *d.Constant)
		case d.Series != nil:
			s.SetSeries(code, f.FirstPeriod, d.Series...)
		default:
			for p, v := range d.ByPeriod {
				s.SetPeriod(code, p, v)
			}
		}
	}
	return s
}

// ActionBindings resolves the file's bindings against its actions. With no
// bindings every action is bound from the first period.
func (f *File) ActionBindings() ([]action.Binding, error) {
	if len(f.Bindings) == 0 {
		out := make([]action.Binding, len(f.Actions))
		for i, a := range f.Actions {
			out[i] = action.Binding{Scenario: f.Scenario, ActionID: a.ID, StartPeriod: f.FirstPeriod, Enabled: true}
		}
		return out, nil
	}

	byCode := make(map[string]int, len(f.Actions))
	for _, a := range f.Actions {
		byCode[a.Code] = a.ID
	}
	out := make([]action.Binding, 0, len(f.Bindings))
	for _, b := range f.Bindings {
		id := b.ActionID
		if b.Action != "" {
			var ok bool
			if id, ok = byCode[b.Action]; !ok {
				return nil, fmt.Errorf("%w: binding references unknown action %s", ErrInvalid, b.Action)
			}
		}
		start := b.StartPeriod
		if start == 0 {
			start = f.FirstPeriod
		}
		enabled := b.Enabled == nil || *b.Enabled
		out = append(out, action.Binding{
			Scenario:    f.Scenario,
			ActionID:    id,
			StartPeriod: start,
			ScaleFactor: b.ScaleFactor,
			Enabled:     enabled,
		})
	}
	return out, nil
}

// Plan assembles the orchestrator plan for base. The file's opening
// balances, when present, replace the orchestrator's opening source.
func (f *File) Plan(base *template.Template) (orchestrator.Plan, error) {
	bindings, err := f.ActionBindings()
	if err != nil {
		return orchestrator.Plan{}, err
	}
	plan := orchestrator.Plan{
		Scenario: f.Scenario,
		Entity:   f.Entity,
		Base:     base,
		Periods:  f.PeriodList(),
		Actions:  f.Actions,
		Bindings: bindings,
	}
	if len(f.Opening) > 0 {
		plan.Opening = make(map[string]float64, len(f.Opening))
		for k, v := range f.Opening {
			plan.Opening[k] = v
		}
	}
	if err := plan.Validate(); err != nil {
		return orchestrator.Plan{}, err
	}
	return plan, nil
}
