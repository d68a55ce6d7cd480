// Package budget shapes tool-response payloads to a caller-supplied
// max_chars budget: clamp, measure, trim in a fixed cheap-to-expensive
// schedule, and fall back to a minimal envelope that always preserves the
// response's {id, kind, workspace} binding.
package budget

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Clamp bounds for the caller-supplied max_chars limit.
const (
	MinChars = 256
	MaxChars = 65536
)

type Warning string

const (
	WarningTruncated Warning = "BUDGET_TRUNCATED"
	WarningMinimal   Warning = "BUDGET_MINIMAL"
	WarningClamped   Warning = "BUDGET_CLAMPED"
)

// Binding is the set of fields every shaped response preserves no matter how
// aggressively it's trimmed.
type Binding struct {
	ID        string
	Kind      string
	Workspace string
}

func (b Binding) asMap() map[string]any {
	m := map[string]any{"kind": b.Kind}
	if b.ID != "" {
		m["id"] = b.ID
	}
	if b.Workspace != "" {
		m["workspace"] = b.Workspace
	}
	return m
}

// Meta is the `budget` block attached to every shaped response.
type Meta struct {
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	Truncated bool `json:"truncated"`
}

// Outcome is the result of shaping a value under a budget.
type Outcome struct {
	Value    map[string]any
	Budget   Meta
	Warnings []Warning
	Hint     string
}

// Schedule describes the per-response-shape trim order, from cheapest to
// most expensive. Paths are dot-separated keys into the value's map/array
// tree (e.g. "slice.notes" or "tasks"). The same schedule always produces
// the same output for the same input and limit.
type Schedule struct {
	Name string

	// CompactStrings truncates long string fields in place, cheapest first.
	CompactStrings []string
	// OptionalFields drops whole optional subfields.
	OptionalFields []string
	// TrimArrays shrinks arrays from their oldest (front) element inward,
	// one item at a time, re-measuring after every drop.
	TrimArrays []string
	// DropSections drops entire top-level sections as a last resort before
	// falling to the minimal envelope.
	DropSections []string
}

const compactStringThreshold = 200

// Shape fits value into limit chars, clamping the limit and running sched's
// trim steps in order until it fits or the minimal envelope is all that's
// left. value is mutated in place via a deep copy; the caller's original is
// untouched.
func Shape(value map[string]any, binding Binding, limit int, sched Schedule) *Outcome {
	out := &Outcome{}

	clamped := limit
	if clamped < MinChars {
		clamped = MinChars
	}
	if clamped > MaxChars {
		clamped = MaxChars
	}
	if clamped != limit {
		out.Warnings = append(out.Warnings, WarningClamped)
		out.Hint = fmt.Sprintf("limit clamped to %s", humanize.Bytes(uint64(clamped)))
	}
	limit = clamped

	working := deepCopyMap(value)
	size := sizeOf(working)
	if size <= limit {
		out.Value = working
		out.Budget = Meta{Limit: limit, Used: size, Truncated: false}
		return out
	}

	trimmed := false

	for _, path := range sched.CompactStrings {
		if compactStringAt(working, path) {
			trimmed = true
			size = sizeOf(working)
			if size <= limit {
				break
			}
		}
	}

	if size > limit {
		for _, path := range sched.OptionalFields {
			if deletePath(working, path) {
				trimmed = true
				size = sizeOf(working)
				if size <= limit {
					break
				}
			}
		}
	}

	for size > limit && anyArrayNonEmpty(working, sched.TrimArrays) {
		for _, path := range sched.TrimArrays {
			if dropOldestArrayItem(working, path) {
				trimmed = true
			}
		}
		size = sizeOf(working)
	}

	if size > limit {
		for _, key := range sched.DropSections {
			if _, ok := working[key]; ok {
				delete(working, key)
				trimmed = true
				size = sizeOf(working)
				if size <= limit {
					break
				}
			}
		}
	}

	if size <= limit {
		out.Value = working
		out.Budget = Meta{Limit: limit, Used: size, Truncated: trimmed}
		if trimmed {
			out.Warnings = append(out.Warnings, WarningTruncated)
		}
		return out
	}

	minimal := binding.asMap()
	minimal["truncated"] = true
	minimalSize := sizeOf(minimal)
	if minimalSize <= limit {
		out.Value = minimal
		out.Budget = Meta{Limit: limit, Used: minimalSize, Truncated: true}
		out.Warnings = append(out.Warnings, WarningTruncated, WarningMinimal)
		return out
	}

	final := map[string]any{"signal": "minimal", "truncated": true}
	out.Value = final
	out.Budget = Meta{Limit: limit, Used: sizeOf(final), Truncated: true}
	out.Warnings = append(out.Warnings, WarningTruncated, WarningMinimal)
	return out
}

// RecomputePagination updates count/has_more/next_cursor siblings of an
// array field after trimming, per spec step 5 of the trim algorithm.
func RecomputePagination(value map[string]any, arrayPath string, nextCursor any) {
	arr, parent, key := resolveArray(value, arrayPath)
	if arr == nil {
		return
	}
	parent[key+"_count"] = len(arr)
	if _, ok := parent["count"]; ok {
		parent["count"] = len(arr)
	}
	parent["has_more"] = true
	if nextCursor != nil {
		parent["next_cursor"] = nextCursor
	}
}

func sizeOf(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func getPath(value map[string]any, path string) (any, bool) {
	segs := splitPath(path)
	var cur any = value
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func deletePath(value map[string]any, path string) bool {
	segs := splitPath(path)
	if len(segs) == 0 {
		return false
	}
	cur := value
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := segs[len(segs)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}

func compactStringAt(value map[string]any, path string) bool {
	segs := splitPath(path)
	if len(segs) == 0 {
		return false
	}
	cur := value
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := segs[len(segs)-1]
	s, ok := cur[last].(string)
	if !ok || len(s) <= compactStringThreshold {
		return false
	}
	cur[last] = s[:compactStringThreshold-1] + "…"
	return true
}

func resolveArray(value map[string]any, path string) ([]any, map[string]any, string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, nil, ""
	}
	cur := value
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return nil, nil, ""
		}
		cur = next
	}
	last := segs[len(segs)-1]
	arr, ok := cur[last].([]any)
	if !ok {
		return nil, nil, ""
	}
	return arr, cur, last
}

func anyArrayNonEmpty(value map[string]any, paths []string) bool {
	for _, p := range paths {
		if arr, _, _ := resolveArray(value, p); len(arr) > 0 {
			return true
		}
	}
	return false
}

func dropOldestArrayItem(value map[string]any, path string) bool {
	arr, parent, key := resolveArray(value, path)
	if len(arr) == 0 {
		return false
	}
	parent[key] = arr[1:]
	RecomputePagination(value, path, nil)
	return true
}

// Hint renders a human-readable size comparison for diagnostic warnings,
// e.g. "trimmed from 4.1 kB to 512 B".
func Hint(before, after int) string {
	return "trimmed from " + humanize.Bytes(uint64(before)) + " to " + humanize.Bytes(uint64(after))
}
