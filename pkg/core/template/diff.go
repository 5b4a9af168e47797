package template

import "sort"

// Change is one field-level difference between two templates.
type Change struct {
	Code   string `json:"code"`
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Diff lists the line-item differences from a to b: formula, external
// source and disabled flag changes, plus items present on only one side.
// Identical templates yield nil.
func Diff(a, b *Template) []Change {
	var changes []Change
	for i, li := range a.items {
		j, ok := b.index[li.Code]
		if !ok {
			changes = append(changes, Change{Code: li.Code, Field: "item", Before: "present", After: "absent"})
			continue
		}
		other := b.items[j]
		if a.items[i] == other {
			continue
		}
		if li.Formula != other.Formula {
			changes = append(changes, Change{Code: li.Code, Field: "formula", Before: li.Formula, After: other.Formula})
		}
		if li.ExternalSource != other.ExternalSource {
			changes = append(changes, Change{Code: li.Code, Field: "external_source", Before: li.ExternalSource, After: other.ExternalSource})
		}
		if li.Disabled != other.Disabled {
			changes = append(changes, Change{Code: li.Code, Field: "disabled", Before: boolText(li.Disabled), After: boolText(other.Disabled)})
		}
	}
	var added []string
	for code := range b.index {
		if _, ok := a.index[code]; !ok {
			added = append(added, code)
		}
	}
	sort.Strings(added)
	for _, code := range added {
		changes = append(changes, Change{Code: code, Field: "item", Before: "absent", After: "present"})
	}
	return changes
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
