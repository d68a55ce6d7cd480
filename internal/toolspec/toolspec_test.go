package toolspec

import (
	"context"
	"testing"
)

func echoHandler(ctx context.Context, tc Context, args map[string]any) (map[string]any, error) {
	return args, nil
}

func TestRegistryValidatesArgsAgainstSchema(t *testing.T) {
	reg, err := NewRegistry([]CommandSpec{
		{
			Cmd:  "tasks.plan.create",
			Tool: "tasks",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"title"},
				"properties": map[string]any{
					"title": map[string]any{"type": "string"},
				},
			},
			BudgetShape: "tasks.snapshot",
			Safety:      SafetyWrite,
			Handler:     echoHandler,
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	if err := reg.Validate("tasks.plan.create", map[string]any{"title": "ship it"}); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
	if err := reg.Validate("tasks.plan.create", map[string]any{}); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
}

func TestRegistryRejectsDuplicateCommand(t *testing.T) {
	specs := []CommandSpec{
		{Cmd: "tasks.plan.create", Tool: "tasks", Handler: echoHandler},
		{Cmd: "tasks.plan.create", Tool: "tasks", Handler: echoHandler},
	}
	if _, err := NewRegistry(specs); err == nil {
		t.Fatal("expected duplicate cmd registration to fail")
	}
}

func TestByToolReturnsSortedSubset(t *testing.T) {
	reg, err := NewRegistry([]CommandSpec{
		{Cmd: "tasks.step.close", Tool: "tasks", Handler: echoHandler},
		{Cmd: "tasks.plan.create", Tool: "tasks", Handler: echoHandler},
		{Cmd: "graph.apply", Tool: "graph", Handler: echoHandler},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	tasks := reg.ByTool("tasks")
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks commands, got %d", len(tasks))
	}
	if tasks[0].Cmd != "tasks.plan.create" || tasks[1].Cmd != "tasks.step.close" {
		t.Fatalf("expected sorted order, got %+v", tasks)
	}
}

func TestDumpManifestYAMLIsPureFunctionOfRegistry(t *testing.T) {
	reg, err := NewRegistry([]CommandSpec{
		{Cmd: "graph.apply", Tool: "graph", Safety: SafetyWrite, BudgetShape: "graph.query", Handler: echoHandler},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	out1, err := DumpManifestYAML(reg)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	out2, err := DumpManifestYAML(reg)
	if err != nil {
		t.Fatalf("dump again: %v", err)
	}
	if string(out1) != string(out2) {
		t.Fatalf("expected deterministic manifest dump, got differing output")
	}
	if len(out1) == 0 {
		t.Fatal("expected non-empty manifest")
	}
}
