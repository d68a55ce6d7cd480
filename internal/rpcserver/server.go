// Package rpcserver implements the JSON-RPC surface from spec §6: a
// newline-delimited stdio loop plus an optional Unix-domain-socket daemon
// using Content-Length framing (internal/rpcserver/daemon.go). The method
// set covers exactly the methods spec §6 names; everything else the MCP
// protocol could carry (prompts, resource templates, roots) is a thin stub
// returning empty/declared-only results.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/toolserver"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// ToolsCallParams is the decoded params of a tools/call request.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ResourceReader returns a workspace's doc snapshot for resources/read.
type ResourceReader func(ctx context.Context, workspace, uri string) (map[string]any, error)

// Server drives the JSON-RPC method dispatch over any line-oriented
// transport (stdio or a UDS connection).
type Server struct {
	registry *toolspec.Registry
	dispatch *toolserver.Server
	reader   ResourceReader
	logger   *slog.Logger

	mu          sync.Mutex
	initialized bool
	protocolVer string
	logLevel    string
}

// NewServer builds an rpcserver.Server. reader may be nil if
// resources/read is never expected to be called.
func NewServer(registry *toolspec.Registry, dispatch *toolserver.Server, reader ResourceReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, dispatch: dispatch, reader: reader, logger: logger, logLevel: "info"}
}

// ServeStdio runs the newline-delimited JSON-RPC loop over r/w until r is
// exhausted or ctx is cancelled. Each line is one JSON-RPC message.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, skip := s.handleLine(ctx, line)
		if skip {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("rpcserver: write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpcserver: read stdio: %w", err)
	}
	return nil
}

func (s *Server) handleLine(ctx context.Context, line []byte) (Response, bool) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return newErrorResponse(nil, ErrParse, err.Error()), false
	}
	if req.Method == "notifications/initialized" {
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		return Response{}, true
	}
	resp := s.Handle(ctx, req)
	if req.IsNotification() {
		return Response{}, true
	}
	return resp, false
}

// Handle dispatches a single JSON-RPC request and returns its response.
// Exported so daemon.go's Content-Length framing can reuse the same
// method table.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	s.mu.Lock()
	if !s.initialized && req.Method != "initialize" {
		// Auto-initialize on first real call for client compatibility.
		s.initialized = true
	}
	s.mu.Unlock()

	switch req.Method {
	case "initialize":
		return newResponse(req.ID, s.handleInitialize(req.Params))
	case "ping":
		return newResponse(req.ID, map[string]any{})
	case "logging/setLevel":
		return newResponse(req.ID, s.handleSetLevel(req.Params))
	case "roots/list":
		return newResponse(req.ID, map[string]any{"roots": []any{}})
	case "prompts/list":
		return newResponse(req.ID, map[string]any{"prompts": []any{}})
	case "prompts/get":
		return newErrorResponse(req.ID, ErrMethodNotFound, "no prompts are declared")
	case "resources/templates/list":
		return newResponse(req.ID, map[string]any{"resourceTemplates": []any{}})
	case "resources/list":
		return newResponse(req.ID, map[string]any{"resources": []any{}})
	case "resources/read":
		return s.handleResourcesRead(ctx, req)
	case "tools/list":
		return newResponse(req.ID, s.handleToolsList())
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return newErrorResponse(req.ID, ErrMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handleInitialize(params json.RawMessage) map[string]any {
	var in struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(params, &in)
	s.mu.Lock()
	s.protocolVer = in.ProtocolVersion
	s.mu.Unlock()
	return map[string]any{
		"protocolVersion": in.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]any{"name": "branchmindd", "version": "dev"},
	}
}

func (s *Server) handleSetLevel(params json.RawMessage) map[string]any {
	var in struct {
		Level string `json:"level"`
	}
	_ = json.Unmarshal(params, &in)
	if in.Level != "" {
		s.mu.Lock()
		s.logLevel = in.Level
		s.mu.Unlock()
	}
	return map[string]any{}
}

// toolNames are the 10 stable envelope tools from spec §6.
var toolNames = []string{"status", "open", "workspace", "tasks", "jobs", "think", "graph", "vcs", "docs", "system"}

func (s *Server) handleToolsList() map[string]any {
	tools := make([]map[string]any, 0, len(toolNames))
	for _, name := range toolNames {
		tools = append(tools, map[string]any{
			"name":        name,
			"description": fmt.Sprintf("Envelope tool dispatching %s.* commands", name),
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"workspace":      map[string]any{"type": "string"},
					"op":             map[string]any{"type": "string"},
					"cmd":            map[string]any{"type": "string"},
					"args":           map[string]any{"type": "object"},
					"budget_profile": map[string]any{"type": "string"},
					"view":           map[string]any{"type": "string"},
					"fmt":            map[string]any{"type": "string"},
				},
				"required": []any{"cmd"},
			},
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i]["name"].(string) < tools[j]["name"].(string) })
	return map[string]any{"tools": tools}
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) Response {
	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newErrorResponse(req.ID, ErrInvalidParams, err.Error())
	}
	normalized := toolserver.NormalizeToolName(params.Name)
	if !knownTool(normalized) {
		return newErrorResponse(req.ID, ErrInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}

	var env struct {
		Workspace     string         `json:"workspace"`
		Op            string         `json:"op"`
		Cmd           string         `json:"cmd"`
		Args          map[string]any `json:"args"`
		BudgetProfile string         `json:"budget_profile"`
		View          string         `json:"view"`
		Fmt           string         `json:"fmt"`
		MaxChars      int            `json:"max_chars"`
	}
	raw, err := json.Marshal(params.Arguments)
	if err != nil {
		return newErrorResponse(req.ID, ErrInvalidParams, err.Error())
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return newErrorResponse(req.ID, ErrInvalidParams, err.Error())
	}

	outcome, err := s.dispatch.Dispatch(ctx, nil, toolserver.Envelope{
		Workspace: env.Workspace, Op: env.Op, Cmd: env.Cmd, Args: env.Args,
		BudgetProfile: env.BudgetProfile, View: env.View, Format: env.Fmt, MaxChars: env.MaxChars,
	})
	if err != nil {
		return newResponse(req.ID, toolCallErrorResult(err))
	}
	return newResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": mustJSON(outcome.Value)}},
		"isError": false,
	})
}

func (s *Server) handleResourcesRead(ctx context.Context, req Request) Response {
	var in struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &in); err != nil {
		return newErrorResponse(req.ID, ErrInvalidParams, err.Error())
	}
	if s.reader == nil {
		return newErrorResponse(req.ID, ErrMethodNotFound, "resources/read is not configured")
	}
	workspace, _ := parseWorkspaceResourceURI(in.URI)
	doc, err := s.reader(ctx, workspace, in.URI)
	if err != nil {
		return newErrorResponse(req.ID, ErrInternal, err.Error())
	}
	return newResponse(req.ID, map[string]any{
		"contents": []map[string]any{{"uri": in.URI, "mimeType": "application/json", "text": mustJSON(doc)}},
	})
}

func parseWorkspaceResourceURI(uri string) (workspace, rest string) {
	const prefix = "branchmind://workspace/"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", uri
	}
	tail := uri[len(prefix):]
	for i := 0; i < len(tail); i++ {
		if tail[i] == '/' {
			return tail[:i], tail[i+1:]
		}
	}
	return tail, ""
}

func knownTool(name string) bool {
	for _, t := range toolNames {
		if t == name {
			return true
		}
	}
	return false
}

func toolCallErrorResult(err error) map[string]any {
	code := errs.CodeOf(err)
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("%s: %s", code, err.Error())}},
		"isError": true,
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
