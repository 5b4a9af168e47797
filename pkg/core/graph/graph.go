package graph

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"

	"finmodel/pkg/core/formula"
	"finmodel/pkg/core/template"
)

var (
	// ErrCyclicDependency is the sentinel behind CycleError.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrUnknownDependency is the sentinel behind UnknownDependencyError.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError lists a same-period cycle as a closed path, e.g. [A B A].
type CycleError struct {
	Codes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Codes, " → "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// UnknownDependencyError reports a reference that resolves to nothing.
type UnknownDependencyError struct {
	Code       string
	Referenced string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("unknown dependency: %s references %s", e.Code, e.Referenced)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// Edge says To depends on From.
type Edge struct {
	From string
	To   string
	Kind formula.Kind
}

// Graph is the dependency structure of one template.
type Graph struct {
	tpl        *template.Template
	order      []string
	exprs      map[string]*formula.Expr
	deps       map[string][]formula.Dependency
	upstream   map[string][]string
	dependents map[string][]string
	prior      map[string][]string
	externals  []string
	edges      []Edge
}

type options struct {
	externals map[string]bool
	lenient   bool
}

// Option configures Build.
type Option func(*options)

// WithExternals declares names supplied from outside the template, in
// addition to the template's own inputs and driver: references.
func WithExternals(names ...string) Option {
	return func(o *options) {
		if o.externals == nil {
			o.externals = make(map[string]bool)
		}
		for _, n := range names {
			o.externals[n] = true
		}
	}
}

// Lenient treats every unresolved name as external. Misses then surface
// as unresolved items at run time instead of failing the build.
func Lenient() Option {
	return func(o *options) { o.lenient = true }
}

// Build derives the dependency graph of t and orders its items.
func Build(t *template.Template, opts ...Option) (*Graph, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Graph{
		tpl:        t,
		exprs:      make(map[string]*formula.Expr),
		deps:       make(map[string][]formula.Dependency),
		upstream:   make(map[string][]string),
		dependents: make(map[string][]string),
		prior:      make(map[string][]string),
	}
	items := t.Items()
	externals := make(map[string]bool)

	for _, li := range items {
		if li.Disabled {
			continue
		}
		deps, err := g.itemDependencies(li)
		if err != nil {
			return nil, err
		}
		g.deps[li.Code] = deps

		seenSame := make(map[string]bool)
		seenPrior := make(map[string]bool)
		for _, d := range deps {
			name := d.Name
			if t.Has(name) {
				if ref, _ := t.Item(name); ref.Disabled {
					continue // deliberate zero
				}
				if d.Kind == formula.PriorPeriod {
					if !seenPrior[name] {
						seenPrior[name] = true
						g.prior[li.Code] = append(g.prior[li.Code], name)
						g.edges = append(g.edges, Edge{From: name, To: li.Code, Kind: formula.PriorPeriod})
					}
					continue
				}
				if !seenSame[name] {
					seenSame[name] = true
					g.upstream[li.Code] = append(g.upstream[li.Code], name)
					g.dependents[name] = append(g.dependents[name], li.Code)
					g.edges = append(g.edges, Edge{From: name, To: li.Code, Kind: formula.SamePeriod})
				}
				continue
			}
			if strings.HasPrefix(name, template.DriverPrefix) || t.IsInput(name) || o.externals[name] || o.lenient {
				if d.Kind == formula.PriorPeriod && !seenPrior[name] {
					seenPrior[name] = true
					g.prior[li.Code] = append(g.prior[li.Code], name)
				}
				externals[name] = true
				continue
			}
			return nil, &UnknownDependencyError{Code: li.Code, Referenced: name}
		}
	}

	order, err := sortItems(t, items, g.upstream, g.dependents)
	if err != nil {
		return nil, err
	}
	g.order = order

	for name := range externals {
		g.externals = append(g.externals, name)
	}
	sort.Strings(g.externals)
	sort.SliceStable(g.edges, func(i, j int) bool {
		a, b := g.edges[i], g.edges[j]
		if a.To != b.To {
			return t.Position(a.To) < t.Position(b.To)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.From < b.From
	})
	return g, nil
}

// itemDependencies merges declared dependencies with those parsed from the
// formula. Items without a formula depend on their opening source, if any.
func (g *Graph) itemDependencies(li template.LineItem) ([]formula.Dependency, error) {
	deps := append([]formula.Dependency(nil), li.Dependencies...)
	if li.HasFormula() {
		expr, err := formula.Parse(li.Formula)
		if err != nil {
			return nil, fmt.Errorf("line item %s: %w", li.Code, err)
		}
		g.exprs[li.Code] = expr
		deps = append(deps, expr.Dependencies()...)
	} else if kind, name := li.Source(); kind == template.SourceOpening {
		deps = append(deps, formula.Dependency{Name: name, Kind: formula.PriorPeriod, Lag: 1})
	}
	return deps, nil
}

// sortItems is Kahn's algorithm with ties broken by declaration position.
func sortItems(t *template.Template, items []template.LineItem, upstream, dependents map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(items))
	ready := &positionHeap{}
	for _, li := range items {
		indegree[li.Code] = len(upstream[li.Code])
		if indegree[li.Code] == 0 {
			heap.Push(ready, positioned{code: li.Code, pos: t.Position(li.Code)})
		}
	}

	order := make([]string, 0, len(items))
	for ready.Len() > 0 {
		cur := heap.Pop(ready).(positioned)
		order = append(order, cur.code)
		for _, dep := range dependents[cur.code] {
			indegree[dep]--
			if indegree[dep] == 0 {
				heap.Push(ready, positioned{code: dep, pos: t.Position(dep)})
			}
		}
	}
	if len(order) == len(items) {
		return order, nil
	}

	remaining := make(map[string]bool)
	for code, n := range indegree {
		if n > 0 {
			remaining[code] = true
		}
	}
	return nil, &CycleError{Codes: findCycle(t, remaining, upstream)}
}

// findCycle walks upstream edges among the unsorted items until a node
// repeats, starting from the earliest declared one.
func findCycle(t *template.Template, remaining map[string]bool, upstream map[string][]string) []string {
	var start string
	for code := range remaining {
		if start == "" || t.Position(code) < t.Position(start) {
			start = code
		}
	}
	var path []string
	seenAt := make(map[string]int)
	cur := start
	for {
		if i, ok := seenAt[cur]; ok {
			cycle := append([]string(nil), path[i:]...)
			// Report in dependency direction: each code feeds the next.
			for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
				cycle[l], cycle[r] = cycle[r], cycle[l]
			}
			return append(cycle, cycle[0])
		}
		seenAt[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, up := range upstream[cur] {
			if remaining[up] {
				next = up
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// Template returns the template the graph was built from.
func (g *Graph) Template() *template.Template { return g.tpl }

// Order returns item codes in evaluation order. Disabled items are included.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Expr returns the parsed formula of code, or nil for non-formula and disabled items.
func (g *Graph) Expr(code string) *formula.Expr { return g.exprs[code] }

// Dependencies returns every reference made by code, including externals.
func (g *Graph) Dependencies(code string) []formula.Dependency {
	return append([]formula.Dependency(nil), g.deps[code]...)
}

// Upstream returns the active line items code reads in the same period.
func (g *Graph) Upstream(code string) []string { return append([]string(nil), g.upstream[code]...) }

// Dependents returns the line items that read code in the same period.
func (g *Graph) Dependents(code string) []string { return append([]string(nil), g.dependents[code]...) }

// PriorRefs returns the names code reads from earlier periods.
func (g *Graph) PriorRefs(code string) []string { return append([]string(nil), g.prior[code]...) }

// PriorCodes returns every name read from an earlier period anywhere in the template, sorted.
func (g *Graph) PriorCodes() []string {
	set := make(map[string]bool)
	for _, refs := range g.prior {
		for _, r := range refs {
			set[r] = true
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Externals returns the referenced names that are not line items, sorted.
func (g *Graph) Externals() []string { return append([]string(nil), g.externals...) }

// Edges returns line-item edges of both kinds, grouped by dependent in declaration order.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// Equal reports whether two graphs have the same order and edges.
func (g *Graph) Equal(other *Graph) bool {
	if len(g.order) != len(other.order) || len(g.edges) != len(other.edges) {
		return false
	}
	for i := range g.order {
		if g.order[i] != other.order[i] {
			return false
		}
	}
	for i := range g.edges {
		if g.edges[i] != other.edges[i] {
			return false
		}
	}
	return true
}

type positioned struct {
	code string
	pos  int
}

type positionHeap []positioned

func (h positionHeap) Len() int           { return len(h) }
func (h positionHeap) Less(i, j int) bool { return h[i].pos < h[j].pos }
func (h positionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x any)        { *h = append(*h, x.(positioned)) }
func (h *positionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
