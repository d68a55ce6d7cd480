package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/branchmind/branchmind/internal/toolserver"
	"github.com/branchmind/branchmind/internal/toolspec"
)

func buildTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := toolspec.NewRegistry([]toolspec.CommandSpec{
		{
			Cmd:  "tasks.plan.create",
			Tool: "tasks",
			Schema: map[string]any{
				"type": "object", "required": []any{"title"},
				"properties": map[string]any{"title": map[string]any{"type": "string"}},
			},
			BudgetShape: "tasks.snapshot",
			Safety:      toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"id": "PLAN-1", "kind": "plan", "workspace": tc.Workspace}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	dispatch := toolserver.NewServer(reg, toolserver.Config{DefaultWorkspace: "ws1"}, nil, nil)
	return NewServer(reg, dispatch, nil, nil)
}

func TestHandleInitializeEchoesProtocolVersion(t *testing.T) {
	s := buildTestServer(t)
	resp := s.Handle(context.Background(), Request{
		JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05"}`),
	})
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", resp.Result)
	}
	if result["protocolVersion"] != "2024-11-05" {
		t.Fatalf("expected echoed protocol version, got %+v", result)
	}
}

func TestHandlePingReturnsEmptyResult(t *testing.T) {
	s := buildTestServer(t)
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "ping"})
	if resp.Error != nil {
		t.Fatalf("expected no error, got %+v", resp.Error)
	}
}

func TestHandleToolsListReturnsTenStableTools(t *testing.T) {
	s := buildTestServer(t)
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: json.RawMessage(`3`), Method: "tools/list"})
	result := resp.Result.(map[string]any)
	tools := result["tools"].([]map[string]any)
	if len(tools) != 10 {
		t.Fatalf("expected 10 stable tools, got %d", len(tools))
	}
}

func TestHandleToolsCallDispatchesThroughToolserver(t *testing.T) {
	s := buildTestServer(t)
	params, _ := json.Marshal(ToolsCallParams{
		Name: "branchmind.tasks",
		Arguments: map[string]any{
			"workspace": "ws1", "cmd": "tasks.plan.create", "args": map[string]any{"title": "ship it"},
		},
	})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: json.RawMessage(`4`), Method: "tools/call", Params: params})
	result := resp.Result.(map[string]any)
	if result["isError"] == true {
		t.Fatalf("expected successful call, got %+v", result)
	}
}

func TestHandleToolsCallRejectsUnknownTool(t *testing.T) {
	s := buildTestServer(t)
	params, _ := json.Marshal(ToolsCallParams{Name: "nonexistent", Arguments: map[string]any{}})
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: json.RawMessage(`5`), Method: "tools/call", Params: params})
	if resp.Error == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestHandleUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := buildTestServer(t)
	resp := s.Handle(context.Background(), Request{JSONRPC: "2.0", ID: json.RawMessage(`6`), Method: "bogus/method"})
	if resp.Error == nil || resp.Error.Code != ErrMethodNotFound {
		t.Fatalf("expected ErrMethodNotFound, got %+v", resp.Error)
	}
}

func TestServeStdioProcessesOneLinePerMessage(t *testing.T) {
	s := buildTestServer(t)
	input := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer
	if err := s.ServeStdio(context.Background(), input, &out); err != nil {
		t.Fatalf("serve stdio: %v", err)
	}
	if !strings.Contains(out.String(), `"jsonrpc":"2.0"`) {
		t.Fatalf("expected a JSON-RPC response line, got %q", out.String())
	}
}

func TestServeStdioSkipsNotifications(t *testing.T) {
	s := buildTestServer(t)
	input := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer
	if err := s.ServeStdio(context.Background(), input, &out); err != nil {
		t.Fatalf("serve stdio: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no response written for a notification, got %q", out.String())
	}
}
