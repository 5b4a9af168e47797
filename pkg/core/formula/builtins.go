package formula

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

type builtin struct {
	min, max int // max < 0 means variadic
	fn       func(args []float64) (float64, error)
}

func (b builtin) arity() string {
	switch {
	case b.max < 0:
		return fmt.Sprintf("at least %d", b.min)
	case b.min == b.max:
		return fmt.Sprintf("%d", b.min)
	default:
		return fmt.Sprintf("%d to %d", b.min, b.max)
	}
}

// IsBuiltin reports whether name is a built-in function such as IF or MIN.
func IsBuiltin(name string) bool {
	_, ok := builtins[strings.ToUpper(name)]
	return ok
}

var builtins = map[string]builtin{
	"IF": {min: 3, max: 3}, // handled lazily by callNode
	"MIN": {min: 1, max: -1, fn: func(a []float64) (float64, error) {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m, nil
	}},
	"MAX": {min: 1, max: -1, fn: func(a []float64) (float64, error) {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m, nil
	}},
	"SUM": {min: 1, max: -1, fn: func(a []float64) (float64, error) {
		return sum(a), nil
	}},
	"AVG": {min: 1, max: -1, fn: func(a []float64) (float64, error) {
		return sum(a) / float64(len(a)), nil
	}},
	"ABS": {min: 1, max: 1, fn: func(a []float64) (float64, error) {
		return math.Abs(a[0]), nil
	}},
	"ROUND": {min: 1, max: 2, fn: func(a []float64) (float64, error) {
		if len(a) == 1 {
			return math.Round(a[0]), nil
		}
		p := math.Pow(10, math.Trunc(a[1]))
		return math.Round(a[0]*p) / p, nil
	}},
	"AND": {min: 1, max: -1, fn: func(a []float64) (float64, error) {
		for _, v := range a {
			if v == 0 {
				return 0, nil
			}
		}
		return 1, nil
	}},
	"OR": {min: 1, max: -1, fn: func(a []float64) (float64, error) {
		for _, v := range a {
			if v != 0 {
				return 1, nil
			}
		}
		return 0, nil
	}},
	"NOT": {min: 1, max: 1, fn: func(a []float64) (float64, error) {
		return boolean(a[0] == 0), nil
	}},
}

// Builtins lists the function names every formula may call.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sum(a []float64) float64 {
	var s float64
	for _, v := range a {
		s += v
	}
	return s
}
