package toolserver

import (
	"context"
	"errors"
	"testing"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/toolspec"
)

func buildRegistry(t *testing.T) *toolspec.Registry {
	t.Helper()
	reg, err := toolspec.NewRegistry([]toolspec.CommandSpec{
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
			Safety:      toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"id": "PLAN-1", "workspace": tc.Workspace, "title": args["title"]}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestDispatchResolvesWorkspaceFromEnvelopeFirst(t *testing.T) {
	s := NewServer(buildRegistry(t), Config{DefaultWorkspace: "default-ws"}, nil, nil)
	sess := &Session{WorkspaceOverride: "session-ws"}

	outcome, err := s.Dispatch(context.Background(), sess, Envelope{
		Workspace: "envelope-ws", Cmd: "tasks.plan.create", Args: map[string]any{"title": "ship it"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Value["workspace"] != "envelope-ws" {
		t.Fatalf("expected envelope workspace to win, got %+v", outcome.Value)
	}
}

func TestDispatchFallsBackToSessionThenDefault(t *testing.T) {
	s := NewServer(buildRegistry(t), Config{DefaultWorkspace: "default-ws"}, nil, nil)

	outcome, err := s.Dispatch(context.Background(), &Session{WorkspaceOverride: "session-ws"}, Envelope{
		Cmd: "tasks.plan.create", Args: map[string]any{"title": "ship it"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Value["workspace"] != "session-ws" {
		t.Fatalf("expected session override, got %+v", outcome.Value)
	}

	outcome, err = s.Dispatch(context.Background(), nil, Envelope{
		Cmd: "tasks.plan.create", Args: map[string]any{"title": "ship it"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Value["workspace"] != "default-ws" {
		t.Fatalf("expected default workspace, got %+v", outcome.Value)
	}
}

func TestSetConfigTakesEffectOnNextDispatch(t *testing.T) {
	s := NewServer(buildRegistry(t), Config{DefaultWorkspace: "default-ws"}, nil, nil)

	outcome, err := s.Dispatch(context.Background(), nil, Envelope{
		Cmd: "tasks.plan.create", Args: map[string]any{"title": "x"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Value["workspace"] != "default-ws" {
		t.Fatalf("expected original default workspace, got %+v", outcome.Value)
	}

	s.SetConfig(Config{DefaultWorkspace: "reloaded-ws"})

	outcome, err = s.Dispatch(context.Background(), nil, Envelope{
		Cmd: "tasks.plan.create", Args: map[string]any{"title": "x"},
	})
	if err != nil {
		t.Fatalf("dispatch after reload: %v", err)
	}
	if outcome.Value["workspace"] != "reloaded-ws" {
		t.Fatalf("expected SetConfig to take effect on the next dispatch, got %+v", outcome.Value)
	}
}

func TestDispatchRejectsWorkspaceOutsideAllowlist(t *testing.T) {
	s := NewServer(buildRegistry(t), Config{WorkspaceAllowlist: []string{"ws-a", "ws-b"}}, nil, nil)
	_, err := s.Dispatch(context.Background(), nil, Envelope{
		Workspace: "ws-z", Cmd: "tasks.plan.create", Args: map[string]any{"title": "x"},
	})
	var storeErr *errs.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != errs.CodeWorkspaceNotAllowed {
		t.Fatalf("expected WORKSPACE_NOT_ALLOWED, got %v", err)
	}
}

func TestDispatchRejectsWorkspaceOutsideLock(t *testing.T) {
	s := NewServer(buildRegistry(t), Config{WorkspaceLock: "ws-locked"}, nil, nil)
	_, err := s.Dispatch(context.Background(), nil, Envelope{
		Workspace: "ws-other", Cmd: "tasks.plan.create", Args: map[string]any{"title": "x"},
	})
	var storeErr *errs.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != errs.CodeWorkspaceLocked {
		t.Fatalf("expected WORKSPACE_LOCKED, got %v", err)
	}
}

func TestDispatchProjectGuardMismatchFailsWithoutRebind(t *testing.T) {
	lookup := func(ctx context.Context, workspace string) (string, error) { return "other-project", nil }
	s := NewServer(buildRegistry(t), Config{ProjectGuard: "this-project"}, lookup, nil)
	_, err := s.Dispatch(context.Background(), nil, Envelope{
		Workspace: "ws1", Cmd: "tasks.plan.create", Args: map[string]any{"title": "x"},
	})
	var storeErr *errs.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != errs.CodeProjectGuardMismatch {
		t.Fatalf("expected PROJECT_GUARD_MISMATCH, got %v", err)
	}
}

func TestDispatchProjectGuardRebindsWhenConfigured(t *testing.T) {
	lookup := func(ctx context.Context, workspace string) (string, error) { return "other-project", nil }
	rebound := false
	rebind := func(ctx context.Context, workspace, guard string) error {
		rebound = true
		if guard != "this-project" {
			t.Fatalf("expected rebind to this-project, got %s", guard)
		}
		return nil
	}
	s := NewServer(buildRegistry(t), Config{ProjectGuard: "this-project", ProjectGuardRebind: true}, lookup, rebind)
	_, err := s.Dispatch(context.Background(), nil, Envelope{
		Workspace: "ws1", Cmd: "tasks.plan.create", Args: map[string]any{"title": "x"},
	})
	if err != nil {
		t.Fatalf("expected rebind to succeed, got %v", err)
	}
	if !rebound {
		t.Fatal("expected rebinder to be invoked")
	}
}

func TestDispatchRejectsArgsFailingSchema(t *testing.T) {
	s := NewServer(buildRegistry(t), Config{}, nil, nil)
	_, err := s.Dispatch(context.Background(), nil, Envelope{
		Workspace: "ws1", Cmd: "tasks.plan.create", Args: map[string]any{},
	})
	var storeErr *errs.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != errs.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for missing title, got %v", err)
	}
}

func TestNormalizeToolNameStripsPrefixes(t *testing.T) {
	cases := map[string]string{
		"status":              "status",
		"branchmind.tasks":    "tasks",
		"mcp-server/graph":    "graph",
		"branchmind.docs":     "docs",
	}
	for in, want := range cases {
		if got := NormalizeToolName(in); got != want {
			t.Fatalf("NormalizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}
