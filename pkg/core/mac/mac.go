// Package mac builds marginal abatement cost curves: the cost per tonne of
// CO2e avoided by each action, ordered from cheapest to most expensive.
package mac

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"finmodel/pkg/core/action"
	"finmodel/pkg/core/explore"
)

const (
	DefaultAmortizationYears = 10
	// ZeroReductionCost is the marginal cost of an action that avoids nothing.
	ZeroReductionCost = 1e9
	zeroReduction     = 1e-6
)

var (
	ErrInvalidYears = errors.New("amortization years must be positive")
	ErrNoBaseline   = errors.New("exploration has no baseline outcome")
)

// Point is one action on the curve.
type Point struct {
	ActionCode          string  `json:"action_code"`
	ActionName          string  `json:"action_name,omitempty"`
	Category            string  `json:"category,omitempty"`
	Capex               float64 `json:"capex"`
	OpexAnnual          float64 `json:"opex_annual"`
	TotalAnnualCost     float64 `json:"total_annual_cost"`
	AnnualReduction     float64 `json:"annual_reduction"`
	MarginalCost        float64 `json:"marginal_cost"`
	CumulativeReduction float64 `json:"cumulative_reduction"`
}

// Curve is a sorted MAC curve with totals.
type Curve struct {
	Points              []Point `json:"points"`
	AmortizationYears   int     `json:"amortization_years"`
	TotalReduction      float64 `json:"total_reduction"`
	TotalAnnualCost     float64 `json:"total_annual_cost"`
	WeightedAverageCost float64 `json:"weighted_average_cost"`
	TotalCapex          float64 `json:"total_capex"`
	TotalOpex           float64 `json:"total_opex"`

	NegativeCost int `json:"negative_cost_count"` // savings
	LowCost      int `json:"low_cost_count"`      // [0, 50)
	MediumCost   int `json:"medium_cost_count"`   // [50, 100)
	HighCost     int `json:"high_cost_count"`     // >= 100
}

// MarginalCost is (capex/years + opex) / reduction.
func MarginalCost(capex, opexAnnual, reductionAnnual float64, years int) float64 {
	if math.Abs(reductionAnnual) < zeroReduction {
		return ZeroReductionCost
	}
	return (capex/float64(years) + opexAnnual) / reductionAnnual
}

// NewCurve prices, sorts and accumulates points. Cost and reduction fields
// already set on the points are recomputed.
func NewCurve(points []Point, years int) (*Curve, error) {
	if years <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidYears, years)
	}
	c := &Curve{AmortizationYears: years, Points: make([]Point, len(points))}
	for i, p := range points {
		p.TotalAnnualCost = p.Capex/float64(years) + p.OpexAnnual
		p.MarginalCost = MarginalCost(p.Capex, p.OpexAnnual, p.AnnualReduction, years)
		c.Points[i] = p
	}
	sort.SliceStable(c.Points, func(i, j int) bool {
		if c.Points[i].MarginalCost != c.Points[j].MarginalCost {
			return c.Points[i].MarginalCost < c.Points[j].MarginalCost
		}
		return c.Points[i].ActionCode < c.Points[j].ActionCode
	})

	for i := range c.Points {
		p := &c.Points[i]
		c.TotalReduction += p.AnnualReduction
		p.CumulativeReduction = c.TotalReduction
		c.TotalAnnualCost += p.TotalAnnualCost
		c.TotalCapex += p.Capex
		c.TotalOpex += p.OpexAnnual
		switch {
		case p.MarginalCost < 0:
			c.NegativeCost++
		case p.MarginalCost < 50:
			c.LowCost++
		case p.MarginalCost < 100:
			c.MediumCost++
		default:
			c.HighCost++
		}
	}
	if c.TotalReduction > 0 {
		c.WeightedAverageCost = c.TotalAnnualCost / c.TotalReduction
	}
	return c, nil
}

// FromActions builds a curve from the cost and reduction estimates recorded
// on the actions themselves.
func FromActions(actions []action.ManagementAction, years int) (*Curve, error) {
	points := make([]Point, len(actions))
	for i, a := range actions {
		points[i] = point(a, a.EmissionReductionAnnual)
	}
	return NewCurve(points, years)
}

// FromOutcomes measures each action's reduction from a single-action
// exploration: baseline emissions minus the action's scenario emissions,
// averaged over the periods both resolved. Actions without an outcome are
// skipped.
func FromOutcomes(report *explore.Report, emissionsCode string, actions []action.ManagementAction, years int) (*Curve, error) {
	base, ok := report.Outcome("BASE")
	if !ok || base.Result == nil {
		return nil, ErrNoBaseline
	}
	baseline := base.Result.Series(emissionsCode)
	periods := make([]int, 0, len(baseline))
	for p := range baseline {
		periods = append(periods, p)
	}
	sort.Ints(periods)

	var points []Point
	for _, a := range actions {
		o, ok := report.Outcome(a.Code)
		if !ok || o.Result == nil {
			continue
		}
		series := o.Result.Series(emissionsCode)
		var sum float64
		n := 0
		for _, p := range periods {
			if v, ok := series[p]; ok {
				sum += baseline[p] - v
				n++
			}
		}
		if n == 0 {
			continue
		}
		points = append(points, point(a, sum/float64(n)))
	}
	return NewCurve(points, years)
}

func point(a action.ManagementAction, reduction float64) Point {
	return Point{
		ActionCode:      a.Code,
		ActionName:      a.Name,
		Category:        a.Category,
		Capex:           a.Capex,
		OpexAnnual:      a.OpexAnnual,
		AnnualReduction: reduction,
	}
}
