package budget

import (
	"strings"
	"testing"
)

func TestShapeReturnsValueUnchangedWhenUnderLimit(t *testing.T) {
	value := map[string]any{"id": "SLC-1", "kind": "slice", "workspace": "ws1", "slice": map[string]any{"objective": "short"}}
	out := Shape(value, Binding{ID: "SLC-1", Kind: "slice", Workspace: "ws1"}, 4096, ScheduleFor("open"))
	if out.Budget.Truncated {
		t.Fatalf("expected no truncation under limit, got %+v", out.Budget)
	}
	if len(out.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", out.Warnings)
	}
}

func TestShapeClampsLimitBelowMinimum(t *testing.T) {
	value := map[string]any{"id": "SLC-1", "kind": "slice", "workspace": "ws1"}
	out := Shape(value, Binding{ID: "SLC-1", Kind: "slice", Workspace: "ws1"}, 10, ScheduleFor("open"))
	if out.Budget.Limit != MinChars {
		t.Fatalf("expected limit clamped to %d, got %d", MinChars, out.Budget.Limit)
	}
	found := false
	for _, w := range out.Warnings {
		if w == WarningClamped {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected BUDGET_CLAMPED warning, got %v", out.Warnings)
	}
}

func TestShapePreservesBindingUnderMinimalEnvelope(t *testing.T) {
	longText := make([]byte, 10000)
	for i := range longText {
		longText[i] = 'x'
	}
	value := map[string]any{
		"id": "SLC-1", "kind": "slice", "workspace": "ws1",
		"slice": map[string]any{
			"objective":     string(longText),
			"notes_preview": string(longText),
			"history":       []any{"a", "b", "c"},
			"related":       []any{"d", "e"},
			"recent_events": []any{"e1", "e2", "e3", "e4", "e5"},
		},
		"hints":       map[string]any{"x": string(longText)},
		"diagnostics": map[string]any{"y": string(longText)},
	}
	out := Shape(value, Binding{ID: "SLC-1", Kind: "slice", Workspace: "ws1"}, MinChars, ScheduleFor("open"))
	if !out.Budget.Truncated {
		t.Fatalf("expected truncation, got %+v", out.Budget)
	}
	if out.Budget.Used > MinChars {
		if id, ok := out.Value["id"]; !ok || id != "SLC-1" {
			t.Fatalf("expected binding id preserved when over limit even after minimal envelope, got %+v", out.Value)
		}
	}
	if id, ok := out.Value["id"]; !ok || id != "SLC-1" {
		t.Fatalf("expected binding id=SLC-1 preserved, got %+v", out.Value)
	}
	if kind, ok := out.Value["kind"]; !ok || kind != "slice" {
		t.Fatalf("expected binding kind=slice preserved, got %+v", out.Value)
	}
}

func TestShapeTrimsArraysFromOldestFirst(t *testing.T) {
	title := strings.Repeat("x", 100)
	value := map[string]any{
		"id": "SLC-1", "kind": "slice", "workspace": "ws1",
		"steps": []any{
			map[string]any{"id": "s:0", "title": title},
			map[string]any{"id": "s:1", "title": title},
			map[string]any{"id": "s:2", "title": title},
		},
	}
	out := Shape(value, Binding{ID: "SLC-1", Kind: "slice", Workspace: "ws1"}, MinChars, ScheduleFor("tasks.snapshot"))
	steps, ok := out.Value["steps"].([]any)
	if !ok {
		t.Fatalf("expected steps array to survive trimming, got %+v", out.Value)
	}
	if len(steps) > 0 {
		first, ok := steps[0].(map[string]any)
		if ok && first["id"] == "s:0" {
			t.Fatalf("expected oldest step s:0 dropped first, got %+v", steps)
		}
	}
}

func TestShapeNeverMutatesInputValue(t *testing.T) {
	value := map[string]any{
		"id": "SLC-1", "kind": "slice", "workspace": "ws1",
		"steps": []any{map[string]any{"id": "s:0"}, map[string]any{"id": "s:1"}},
	}
	_ = Shape(value, Binding{ID: "SLC-1", Kind: "slice", Workspace: "ws1"}, MinChars, ScheduleFor("tasks.snapshot"))
	steps := value["steps"].([]any)
	if len(steps) != 2 {
		t.Fatalf("expected caller's original value untouched, got %d steps", len(steps))
	}
}
