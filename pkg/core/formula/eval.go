package formula

import (
	"fmt"
	"math"
	"strings"
)

// Env supplies values for identifiers during evaluation. Offset is 0 for the
// current period and -k for a value k periods back.
type Env interface {
	Value(name string, offset int) (float64, bool)
}

// MapEnv is an Env over a flat map of current-period values. Lagged
// references are looked up under "NAME[t-k]".
type MapEnv map[string]float64

// Value implements Env.
func (m MapEnv) Value(name string, offset int) (float64, bool) {
	if offset != 0 {
		name = fmt.Sprintf("%s[t%d]", name, offset)
	}
	v, ok := m[name]
	return v, ok
}

// Func is a caller-registered function. Args are already evaluated.
type Func func(args []float64) (float64, error)

// EvalOption configures a single evaluation.
type EvalOption func(*evaluator)

// WithFunctions makes additional functions callable from formulas. Names are
// matched case-insensitively and may not shadow the built-ins.
func WithFunctions(funcs map[string]Func) EvalOption {
	return func(ev *evaluator) {
		if len(funcs) == 0 {
			return
		}
		if ev.funcs == nil {
			ev.funcs = make(map[string]Func, len(funcs))
		}
		for name, fn := range funcs {
			ev.funcs[strings.ToUpper(name)] = fn
		}
	}
}

type evaluator struct {
	env   Env
	funcs map[string]Func
}

// Eval computes the expression against env.
func (e *Expr) Eval(env Env, opts ...EvalOption) (float64, error) {
	ev := &evaluator{env: env}
	for _, opt := range opts {
		opt(ev)
	}
	v, err := e.root.eval(ev)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q evaluated to %v", ErrDomain, e.src, v)
	}
	return v, nil
}

// Evaluate parses and evaluates formula in one step.
func Evaluate(src string, env Env, opts ...EvalOption) (float64, error) {
	e, err := Parse(src)
	if err != nil {
		return 0, err
	}
	return e.Eval(env, opts...)
}

func (n *numberNode) eval(*evaluator) (float64, error) { return n.value, nil }

func (n *refNode) eval(ev *evaluator) (float64, error) {
	if ev.env == nil {
		return 0, unknownIdentifier(n.name, n.offset)
	}
	v, ok := ev.env.Value(n.name, n.offset)
	if !ok {
		return 0, unknownIdentifier(n.name, n.offset)
	}
	return v, nil
}

func (n *unaryNode) eval(ev *evaluator) (float64, error) {
	x, err := n.x.eval(ev)
	if err != nil {
		return 0, err
	}
	if n.op == tokNot {
		return boolean(x == 0), nil
	}
	return -x, nil
}

func (n *binaryNode) eval(ev *evaluator) (float64, error) {
	l, err := n.l.eval(ev)
	if err != nil {
		return 0, err
	}
	// && and || short-circuit so a guarded division is safe.
	switch n.op {
	case tokAnd:
		if l == 0 {
			return 0, nil
		}
		r, err := n.r.eval(ev)
		if err != nil {
			return 0, err
		}
		return boolean(r != 0), nil
	case tokOr:
		if l != 0 {
			return 1, nil
		}
		r, err := n.r.eval(ev)
		if err != nil {
			return 0, err
		}
		return boolean(r != 0), nil
	}

	r, err := n.r.eval(ev)
	if err != nil {
		return 0, err
	}
	var v float64
	switch n.op {
	case tokPlus:
		v = l + r
	case tokMinus:
		v = l - r
	case tokStar:
		v = l * r
	case tokSlash:
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		v = l / r
	case tokCaret:
		v = math.Pow(l, r)
	case tokLT:
		v = boolean(l < r)
	case tokLE:
		v = boolean(l <= r)
	case tokGT:
		v = boolean(l > r)
	case tokGE:
		v = boolean(l >= r)
	case tokEQ:
		v = boolean(l == r)
	case tokNE:
		v = boolean(l != r)
	default:
		return 0, fmt.Errorf("%w: unsupported operator %s", ErrSyntax, n.op)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %g %s %g", ErrDomain, l, n.op, r)
	}
	return v, nil
}

func (n *callNode) eval(ev *evaluator) (float64, error) {
	// IF evaluates only the selected branch.
	if n.name == "IF" {
		cond, err := n.args[0].eval(ev)
		if err != nil {
			return 0, err
		}
		if cond != 0 {
			return n.args[1].eval(ev)
		}
		return n.args[2].eval(ev)
	}

	args := make([]float64, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(ev)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	if b, ok := builtins[n.name]; ok {
		return b.fn(args)
	}
	if fn, ok := ev.funcs[n.name]; ok {
		v, err := fn(args)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", n.name, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: function %s", ErrUnknownIdentifier, n.name)
}

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
