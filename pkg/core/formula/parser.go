package formula

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// node is an element of the parsed expression tree.
type node interface {
	eval(ev *evaluator) (float64, error)
}

type numberNode struct{ value float64 }

type refNode struct {
	name   string
	offset int // 0 = same period, -k = k periods back
}

type unaryNode struct {
	op tokenKind
	x  node
}

type binaryNode struct {
	op   tokenKind
	l, r node
}

type callNode struct {
	name string
	args []node
	pos  int
}

// Expr is a parsed formula. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	root node
	deps []Dependency
}

// String returns the formula text the expression was parsed from.
func (e *Expr) String() string { return e.src }

// Dependencies returns the names referenced by the expression, sorted and tagged.
func (e *Expr) Dependencies() []Dependency {
	out := make([]Dependency, len(e.deps))
	copy(out, e.deps)
	return out
}

// Functions returns the upper-cased names of the functions the expression
// calls, sorted and distinct.
func (e *Expr) Functions() []string {
	seen := make(map[string]bool)
	var walk func(n node)
	walk = func(n node) {
		switch x := n.(type) {
		case *unaryNode:
			walk(x.x)
		case *binaryNode:
			walk(x.l)
			walk(x.r)
		case *callNode:
			seen[x.name] = true
			for _, a := range x.args {
				walk(a)
			}
		}
	}
	walk(e.root)

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parse compiles formula text into an expression tree.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Src: src, Pos: 0, Msg: "empty formula"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s", p.peek().kind)
	}
	e := &Expr{src: src, root: root}
	e.deps = collectDependencies(root)
	return e, nil
}

// MustParse is like Parse but panics on error. Intended for fixtures.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate reports whether src is a well-formed formula.
func Validate(src string) error {
	_, err := Parse(src)
	return err
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(kinds ...tokenKind) (token, bool) {
	t := p.peek()
	for _, k := range kinds {
		if t.kind == k {
			p.pos++
			return t, true
		}
	}
	return t, false
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return t, p.errorf("expected %s, found %s", kind, t.kind)
	}
	p.pos++
	return t, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Src: p.src, Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept(tokOr); !ok {
			return l, nil
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: tokOr, l: l, r: r}
	}
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept(tokAnd); !ok {
			return l, nil
		}
		r, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: tokAnd, l: l, r: r}
	}
}

// Comparisons do not chain: "a < b < c" is rejected.
func (p *parser) parseComparison() (node, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t, ok := p.accept(tokLT, tokLE, tokGT, tokGE, tokEQ, tokNE)
	if !ok {
		return l, nil
	}
	r, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokLT, tokLE, tokGT, tokGE, tokEQ, tokNE:
		return nil, p.errorf("comparison operators cannot be chained")
	}
	return &binaryNode{op: t.kind, l: l, r: r}, nil
}

func (p *parser) parseAdditive() (node, error) {
	l, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.accept(tokPlus, tokMinus)
		if !ok {
			return l, nil
		}
		r, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: t.kind, l: l, r: r}
	}
}

func (p *parser) parseTerm() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.accept(tokStar, tokSlash)
		if !ok {
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: t.kind, l: l, r: r}
	}
}

// Unary minus binds looser than '^', so -2^2 is -(2^2).
func (p *parser) parseUnary() (node, error) {
	if t, ok := p.accept(tokMinus, tokPlus, tokNot); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t.kind == tokPlus {
			return x, nil
		}
		return &unaryNode{op: t.kind, x: x}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.accept(tokCaret); !ok {
		return base, nil
	}
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &binaryNode{op: tokCaret, l: base, r: exp}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		return &numberNode{value: t.num}, nil
	case tokLParen:
		p.next()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return x, nil
	case tokIdent:
		p.next()
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.parseRef(t)
	}
	return nil, p.errorf("unexpected %s", t.kind)
}

func (p *parser) parseCall(name token) (node, error) {
	p.next() // '('
	call := &callNode{name: strings.ToUpper(name.text), pos: name.pos}
	if _, ok := p.accept(tokRParen); !ok {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if _, ok := p.accept(tokComma); ok {
				continue
			}
			if _, err := p.expect(tokRParen); err != nil {
				return nil, err
			}
			break
		}
	}
	if b, ok := builtins[call.name]; ok {
		if len(call.args) < b.min || (b.max >= 0 && len(call.args) > b.max) {
			return nil, &SyntaxError{Src: p.src, Pos: name.pos, Msg: fmt.Sprintf("%s expects %s arguments, got %d", call.name, b.arity(), len(call.args))}
		}
	}
	return call, nil
}

// parseRef reads an identifier with an optional time index: X, X[t], X[t-k].
func (p *parser) parseRef(name token) (node, error) {
	ref := &refNode{name: name.text}
	if _, ok := p.accept(tokLBracket); !ok {
		return ref, nil
	}
	t, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	if t.text != "t" && t.text != "T" {
		return nil, &SyntaxError{Src: p.src, Pos: t.pos, Msg: "time index must be written as t or t-k"}
	}
	switch p.peek().kind {
	case tokMinus:
		p.next()
		n, err := p.expect(tokNumber)
		if err != nil {
			return nil, err
		}
		k, convErr := strconv.Atoi(n.text)
		if convErr != nil || k < 0 {
			return nil, &SyntaxError{Src: p.src, Pos: n.pos, Msg: "period lag must be a non-negative integer"}
		}
		ref.offset = -k
	case tokPlus:
		return nil, p.errorf("references to future periods are not allowed")
	}
	if _, err := p.expect(tokRBracket); err != nil {
		return nil, err
	}
	return ref, nil
}
