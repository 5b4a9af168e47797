package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"
)

// transformDoc is the stored shape of a transformation. Several field
// names are accepted for the same concept because catalogs were written by
// hand over time.
type transformDoc struct {
	Statement     string   `json:"statement"`
	LineItem      string   `json:"line_item"`
	Type          string   `json:"type"`
	TransformType string   `json:"transformation_type"`
	Formula       string   `json:"formula"`
	NewFormula    string   `json:"new_formula"`
	Adjustment    string   `json:"adjustment"`
	Factor        *float64 `json:"factor"`
	Amount        *float64 `json:"amount"`
	Offset        int      `json:"activation_offset"`
	Duration      int      `json:"duration"`
	RevertAfter   int      `json:"revert_after"`
	Comment       string   `json:"comment"`
	Disabled      bool     `json:"disabled"`
}

// ParseTransformations decodes a stored transformation list. Both an array
// of objects and an object keyed by line item are accepted. Malformed JSON
// is repaired once and, failing that, read as HJSON.
func ParseTransformations(raw string) ([]Transformation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}

	docs, err := decodeDocs([]byte(raw))
	if err != nil {
		repaired, rerr := jsonrepair.RepairJSON(raw)
		if rerr == nil {
			docs, err = decodeDocs([]byte(repaired))
		}
	}
	if err != nil {
		var generic any
		if herr := hjson.Unmarshal([]byte(raw), &generic); herr == nil {
			if b, merr := json.Marshal(generic); merr == nil {
				docs, err = decodeDocs(b)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transformations: %w", ErrInvalidAction, err)
	}

	out := make([]Transformation, 0, len(docs))
	for _, d := range docs {
		t, err := d.transformation()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeDocs(data []byte) ([]transformDoc, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if data[0] == '[' {
		var docs []transformDoc
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var keyed map[string]transformDoc
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(keyed))
	for c := range keyed {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	docs := make([]transformDoc, 0, len(codes))
	for _, c := range codes {
		d := keyed[c]
		if d.LineItem == "" {
			d.LineItem = c
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (d transformDoc) transformation() (Transformation, error) {
	t := Transformation{
		Statement: d.Statement,
		LineItem:  d.LineItem,
		Offset:    d.Offset,
		Duration:  d.Duration,
		Comment:   d.Comment,
	}
	kind := strings.ToLower(strings.TrimSpace(firstNonEmpty(d.Type, d.TransformType)))
	if kind == "" && d.Disabled {
		kind = string(Disable)
	}
	f := firstNonEmpty(d.NewFormula, d.Formula, d.Adjustment)

	switch kind {
	case "formula_override", "override", "replace":
		t.Kind = FormulaOverride
		t.Formula = f
	case "additive_adjustment", "add", "additive":
		t.Kind = AdditiveAdjustment
		t.Formula = f
		if t.Formula == "" && d.Amount != nil {
			t.Formula = number(*d.Amount)
		}
	case "reduce", "subtract":
		t.Kind = AdditiveAdjustment
		switch {
		case f != "":
			t.Formula = "-(" + f + ")"
		case d.Amount != nil:
			t.Formula = number(-*d.Amount)
		}
	case "multiply", "scale":
		t.Kind = Multiply
		t.Formula = f
		if d.Factor != nil {
			t.Factor = *d.Factor
		}
	case "disable", "remove":
		t.Kind = Disable
	case "revert_after_n_periods", "revert_after_n", "temporary_override":
		t.Kind = RevertAfterN
		t.Formula = f
		if t.Duration == 0 {
			t.Duration = d.RevertAfter
		}
	default:
		return t, fmt.Errorf("%w: unknown transformation type %q on %s", ErrInvalidAction, kind, d.LineItem)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// MarshalTransformations encodes ts in the array form ParseTransformations reads.
func MarshalTransformations(ts []Transformation) (string, error) {
	if ts == nil {
		ts = []Transformation{}
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
