package formula

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags a dependency with the period it is resolved against.
type Kind int

const (
	SamePeriod Kind = iota
	PriorPeriod
)

func (k Kind) String() string {
	if k == PriorPeriod {
		return "prior_period"
	}
	return "same_period"
}

// MarshalText renders the kind as same_period or prior_period.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText accepts same_period, prior_period and the short forms t and t-1.
func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "same_period", "same", "t":
		*k = SamePeriod
	case "prior_period", "prior", "t-1":
		*k = PriorPeriod
	default:
		return fmt.Errorf("unknown dependency kind %q", string(b))
	}
	return nil
}

// Dependency is one identifier referenced by a formula. Lag is the deepest
// look-back seen for a prior-period reference.
type Dependency struct {
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"kind" yaml:"kind"`
	Lag  int    `json:"lag,omitempty" yaml:"lag,omitempty"`
}

func (d Dependency) String() string {
	if d.Kind == PriorPeriod {
		return fmt.Sprintf("%s[t-%d]", d.Name, d.Lag)
	}
	return d.Name
}

// ExtractDependencies parses src without evaluating it and returns the
// referenced names. "X[t-k]" with k >= 1 is tagged PriorPeriod; "X" and
// "X[t]" are SamePeriod. A name used both ways appears twice.
func ExtractDependencies(src string) ([]Dependency, error) {
	e, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return e.Dependencies(), nil
}

func collectDependencies(root node) []Dependency {
	type key struct {
		name string
		kind Kind
	}
	seen := make(map[key]int)
	var walk func(n node)
	walk = func(n node) {
		switch x := n.(type) {
		case *refNode:
			k := key{name: x.name, kind: SamePeriod}
			lag := 0
			if x.offset < 0 {
				k.kind = PriorPeriod
				lag = -x.offset
			}
			if cur, ok := seen[k]; !ok || lag > cur {
				seen[k] = lag
			}
		case *unaryNode:
			walk(x.x)
		case *binaryNode:
			walk(x.l)
			walk(x.r)
		case *callNode:
			for _, a := range x.args {
				walk(a)
			}
		}
	}
	walk(root)

	deps := make([]Dependency, 0, len(seen))
	for k, lag := range seen {
		deps = append(deps, Dependency{Name: k.name, Kind: k.kind, Lag: lag})
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Name != deps[j].Name {
			return deps[i].Name < deps[j].Name
		}
		return deps[i].Kind < deps[j].Kind
	})
	return deps
}

// Names returns the distinct names in deps, in order.
func Names(deps []Dependency) []string {
	var out []string
	seen := make(map[string]bool, len(deps))
	for _, d := range deps {
		if !seen[d.Name] {
			seen[d.Name] = true
			out = append(out, d.Name)
		}
	}
	return out
}
