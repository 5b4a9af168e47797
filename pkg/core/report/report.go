// Package report renders run results, explorations and MAC curves as
// Markdown and HTML.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"finmodel/pkg/core/explore"
	"finmodel/pkg/core/mac"
	"finmodel/pkg/core/orchestrator"
)

// DefaultPlaces is the number of decimals shown for values.
const DefaultPlaces = 2

// Missing is shown for values that did not resolve.
const Missing = "n/a"

// FormatValue renders v rounded half away from zero to places decimals with
// thousands separators.
func FormatValue(v float64, places int32) string {
	s := decimal.NewFromFloat(v).StringFixed(places)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	if neg && strings.Trim(s, "0.") != "" {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// Rows returns the line item codes of a run in evaluation order: the first
// period's order followed by codes that only appear later.
func Rows(res *orchestrator.MultiPeriodResult) []string {
	seen := make(map[string]bool)
	var rows []string
	add := func(code string) {
		if !seen[code] {
			seen[code] = true
			rows = append(rows, code)
		}
	}
	for _, p := range res.Periods {
		if len(p.Order) > 0 {
			for _, code := range p.Order {
				add(code)
			}
			continue
		}
		codes := make([]string, 0, len(p.Values))
		for code := range p.Values {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			add(code)
		}
	}
	return rows
}

// Markdown renders a run as a statement table, one column per period. With
// no codes every line item is shown.
func Markdown(res *orchestrator.MultiPeriodResult, codes ...string) string {
	if len(codes) == 0 {
		codes = Rows(res)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Scenario %s", res.Scenario)
	if res.Entity != "" {
		fmt.Fprintf(&b, " (%s)", res.Entity)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Run `%s`, template %s, state %s, success %t.\n\n", res.RunID, res.BaseTemplate, res.State, res.Success)

	if len(res.Periods) > 0 {
		b.WriteString("| Line item |")
		for _, p := range res.Periods {
			fmt.Fprintf(&b, " P%d |", p.Period)
		}
		b.WriteString("\n|---|")
		for range res.Periods {
			b.WriteString("---:|")
		}
		b.WriteByte('\n')
		for _, code := range codes {
			fmt.Fprintf(&b, "| %s |", code)
			for _, p := range res.Periods {
				if v, ok := p.Values[code]; ok {
					fmt.Fprintf(&b, " %s |", FormatValue(v, DefaultPlaces))
				} else {
					fmt.Fprintf(&b, " %s |", Missing)
				}
			}
			b.WriteByte('\n')
		}

		b.WriteString("\n| Period | Template |\n|---|---|\n")
		for _, p := range res.Periods {
			fmt.Fprintf(&b, "| P%d | %s |\n", p.Period, p.TemplateCode)
		}
	}

	if len(res.ActiveActions) > 0 {
		b.WriteString("\n## Active actions\n\n")
		periods := make([]int, 0, len(res.ActiveActions))
		for p := range res.ActiveActions {
			periods = append(periods, p)
		}
		sort.Ints(periods)
		for _, p := range periods {
			fmt.Fprintf(&b, "- P%d: %s\n", p, strings.Join(res.ActiveActions[p], ", "))
		}
	}

	if len(res.Triggers) > 0 {
		b.WriteString("\n## Triggers\n\n| Action | Triggered | At | Evaluations |\n|---|---|---:|---:|\n")
		for _, s := range res.Triggers {
			at := "-"
			if s.Triggered {
				at = fmt.Sprintf("P%d", s.TriggeredAt)
			}
			fmt.Fprintf(&b, "| %s | %t | %s | %d |\n", s.ActionCode, s.Triggered, at, s.Evaluations)
		}
	}

	var unresolved []string
	for _, p := range res.Periods {
		for _, u := range p.Unresolved {
			unresolved = append(unresolved, fmt.Sprintf("- P%d %s: %s", p.Period, u.Code, u.Reason))
		}
	}
	if len(unresolved) > 0 {
		b.WriteString("\n## Unresolved\n\n")
		b.WriteString(strings.Join(unresolved, "\n"))
		b.WriteByte('\n')
	}

	if len(res.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, e := range res.Errors {
			fmt.Fprintf(&b, "- %s\n", e.Error())
		}
	}
	if len(res.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

// ExplorationMarkdown renders every scenario of an exploration with its
// score under the given column label.
func ExplorationMarkdown(r *explore.Report, scoreLabel string) string {
	if scoreLabel == "" {
		scoreLabel = "Score"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Exploration of %s\n\n%s\n\n", r.BaseScenario, r.Summary())
	fmt.Fprintf(&b, "| Combination | Scenario | Success | %s |\n|---|---|---|---:|\n", scoreLabel)
	for _, o := range r.Outcomes {
		score := Missing
		if o.Scored {
			score = FormatValue(o.Score, DefaultPlaces)
		}
		success := false
		if o.Result != nil {
			success = o.Result.Success
		}
		fmt.Fprintf(&b, "| %s | %s | %t | %s |\n", o.Key, o.ScenarioID, success, score)
	}
	if len(r.Steps) > 0 {
		b.WriteString("\n## Greedy steps\n\n")
		for i, s := range r.Steps {
			fmt.Fprintf(&b, "%d. add %s, score %s\n", i+1, s.Added, FormatValue(s.Score, DefaultPlaces))
		}
	}
	if len(r.Rejected) > 0 {
		b.WriteString("\n## Rejected\n\n")
		for _, rj := range r.Rejected {
			fmt.Fprintf(&b, "- %s: %s\n", rj.Key, rj.Reason)
		}
	}
	return b.String()
}

// CurveMarkdown renders a MAC curve, cheapest abatement first.
func CurveMarkdown(c *mac.Curve) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# MAC curve (%d year amortization)\n\n", c.AmortizationYears)
	b.WriteString("| Action | Annual cost | Reduction | Cost per tCO2e | Cumulative |\n|---|---:|---:|---:|---:|\n")
	for _, p := range c.Points {
		cost := FormatValue(p.MarginalCost, DefaultPlaces)
		if p.MarginalCost == mac.ZeroReductionCost {
			cost = Missing
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", p.ActionCode,
			FormatValue(p.TotalAnnualCost, DefaultPlaces), FormatValue(p.AnnualReduction, DefaultPlaces),
			cost, FormatValue(p.CumulativeReduction, DefaultPlaces))
	}
	fmt.Fprintf(&b, "\nTotal reduction %s at %s per year, weighted average %s per tCO2e.\n",
		FormatValue(c.TotalReduction, DefaultPlaces), FormatValue(c.TotalAnnualCost, DefaultPlaces),
		FormatValue(c.WeightedAverageCost, DefaultPlaces))
	return b.String()
}

// HTML converts Markdown to an HTML fragment. Tables get the "statement"
// class and cells holding negative values the "negative" class.
func HTML(markdown string) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return "", fmt.Errorf("failed to parse rendered html: %w", err)
	}
	doc.Find("table").AddClass("statement")
	doc.Find("td").Each(func(_ int, cell *goquery.Selection) {
		if strings.HasPrefix(strings.TrimSpace(cell.Text()), "-") && len(strings.TrimSpace(cell.Text())) > 1 {
			cell.AddClass("negative")
		}
	})
	out, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize html: %w", err)
	}
	return strings.TrimSpace(out), nil
}
