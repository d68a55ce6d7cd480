// Package toolserver is the thin dispatch layer between the external
// envelope tools and the internal/store operations: it resolves a
// workspace, enforces the allowlist/lock/project-guard gates, normalizes
// args, delegates to the registry, then shapes the result under C9's
// response budget.
package toolserver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/branchmind/branchmind/internal/budget"
	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// Session holds the per-connection state the spec calls out as the one
// piece of mutable state allowed to leak across requests: the
// workspace_use override.
type Session struct {
	WorkspaceOverride string
}

// Config is the subset of server config toolserver consults at the call
// site, per spec's "decorator-ish feature gates" design note: explicit
// bools/strings, no hidden global state.
type Config struct {
	DefaultWorkspace     string
	WorkspaceAllowlist   []string // empty means "no allowlist restriction"
	WorkspaceLock        string   // empty means "not locked"
	ProjectGuard         string   // empty means "guard disabled"
	ProjectGuardRebind   bool
	StrictProgressSchema bool
}

// ProjectGuardLookup resolves a workspace's bound project_guard value so
// toolserver can compare it against Config.ProjectGuard without importing
// internal/store directly (keeps this package storage-agnostic).
type ProjectGuardLookup func(ctx context.Context, workspace string) (string, error)

// ProjectGuardRebinder persists a rebound project_guard value for a
// workspace, used when Config.ProjectGuardRebind is set.
type ProjectGuardRebinder func(ctx context.Context, workspace, guard string) error

// Envelope is the incoming command envelope from spec §4.9/§6.
type Envelope struct {
	Workspace     string
	Op            string
	Cmd           string
	Args          map[string]any
	BudgetProfile string
	View          string
	Format        string
	MaxChars      int
}

// Server dispatches envelopes against a toolspec.Registry. cfg is guarded by
// cfgMu so a config-reload SIGHUP can swap in new allowlist/lock/guard
// settings without racing an in-flight Dispatch.
type Server struct {
	registry    *toolspec.Registry
	cfgMu       sync.RWMutex
	cfg         Config
	guardLookup ProjectGuardLookup
	guardRebind ProjectGuardRebinder
}

// NewServer builds a dispatch server. guardLookup/guardRebind may be nil
// when Config.ProjectGuard is empty (the guard is disabled).
func NewServer(registry *toolspec.Registry, cfg Config, guardLookup ProjectGuardLookup, guardRebind ProjectGuardRebinder) *Server {
	return &Server{registry: registry, cfg: cfg, guardLookup: guardLookup, guardRebind: guardRebind}
}

// SetConfig swaps in a new dispatch config, picked up by the next Dispatch
// call. Used by a config-reload signal handler; DefaultWorkspace changes take
// effect immediately, but callers already holding a workspace-locked
// connection keep behaving per the lock check on every call.
func (s *Server) SetConfig(cfg Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Server) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// NormalizeToolName strips the `branchmind.<x>` / `<namespace>/<x>` prefix
// conventions down to the bare stable tool name, per spec §6.
func NormalizeToolName(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimPrefix(name, "branchmind.")
	return name
}

// Dispatch resolves the workspace, runs the allowlist/lock/project-guard
// gates, validates args against the command's schema, invokes the
// handler, and shapes the result under the caller's budget.
func (s *Server) Dispatch(ctx context.Context, sess *Session, env Envelope) (*budget.Outcome, error) {
	if env.Cmd == "workspace.use" {
		return s.dispatchWorkspaceUse(sess, env)
	}

	spec, ok := s.registry.Lookup(env.Cmd)
	if !ok {
		return nil, errs.New(errs.CodeInvalidInput, "unknown command %q", env.Cmd)
	}

	cfg := s.config()
	workspace := resolveWorkspace(env.Workspace, sess, cfg.DefaultWorkspace)
	if workspace == "" {
		return nil, errs.New(errs.CodeInvalidInput, "no workspace resolved: pass workspace, set workspace_use, or configure --workspace")
	}

	if err := s.checkAllowlist(workspace); err != nil {
		return nil, err
	}
	if err := s.checkLock(workspace); err != nil {
		return nil, err
	}
	if err := s.checkProjectGuard(ctx, workspace); err != nil {
		return nil, err
	}

	if err := s.registry.Validate(env.Cmd, env.Args); err != nil {
		return nil, errs.New(errs.CodeInvalidInput, "%s", err)
	}

	toolCtx := toolspec.Context{Workspace: workspace, BudgetProfile: env.BudgetProfile, View: env.View, Format: env.Format}
	result, err := spec.Handler(ctx, toolCtx, env.Args)
	if err != nil {
		return nil, err
	}

	binding := budget.Binding{Kind: env.Cmd, Workspace: workspace}
	if id, ok := result["id"].(string); ok {
		binding.ID = id
	}
	limit := env.MaxChars
	if limit == 0 {
		limit = budget.MaxChars
	}
	sched := budget.ScheduleFor(spec.BudgetShape)
	outcome := budget.Shape(result, binding, limit, sched)
	return outcome, nil
}

// dispatchWorkspaceUse is handled outside the registry because it mutates
// the one piece of per-connection state the spec allows: the session's
// workspace_override. Ordinary CommandSpec handlers never see *Session.
func (s *Server) dispatchWorkspaceUse(sess *Session, env Envelope) (*budget.Outcome, error) {
	workspace, _ := env.Args["workspace"].(string)
	if workspace == "" {
		workspace = env.Workspace
	}
	if workspace == "" {
		return nil, errs.New(errs.CodeInvalidInput, "workspace.use requires a workspace")
	}
	if err := s.checkAllowlist(workspace); err != nil {
		return nil, err
	}
	if sess != nil {
		sess.WorkspaceOverride = workspace
	}
	limit := env.MaxChars
	if limit == 0 {
		limit = budget.MaxChars
	}
	binding := budget.Binding{Kind: env.Cmd, Workspace: workspace}
	result := map[string]any{"workspace": workspace, "active": true}
	return budget.Shape(result, binding, limit, budget.ScheduleFor("open")), nil
}

func resolveWorkspace(envelopeArg string, sess *Session, fallback string) string {
	if envelopeArg != "" {
		return envelopeArg
	}
	if sess != nil && sess.WorkspaceOverride != "" {
		return sess.WorkspaceOverride
	}
	return fallback
}

func (s *Server) checkAllowlist(workspace string) error {
	cfg := s.config()
	if len(cfg.WorkspaceAllowlist) == 0 {
		return nil
	}
	for _, allowed := range cfg.WorkspaceAllowlist {
		if allowed == workspace {
			return nil
		}
	}
	return errs.New(errs.CodeWorkspaceNotAllowed, "workspace %q is not in the allowlist", workspace)
}

func (s *Server) checkLock(workspace string) error {
	cfg := s.config()
	if cfg.WorkspaceLock == "" {
		return nil
	}
	if cfg.WorkspaceLock != workspace {
		return errs.New(errs.CodeWorkspaceLocked, "server is locked to workspace %q", cfg.WorkspaceLock)
	}
	return nil
}

func (s *Server) checkProjectGuard(ctx context.Context, workspace string) error {
	cfg := s.config()
	if cfg.ProjectGuard == "" || s.guardLookup == nil {
		return nil
	}
	current, err := s.guardLookup(ctx, workspace)
	if err != nil {
		return fmt.Errorf("toolserver: resolve project guard: %w", err)
	}
	if current == "" || current == cfg.ProjectGuard {
		return nil
	}
	if cfg.ProjectGuardRebind {
		if s.guardRebind == nil {
			return fmt.Errorf("toolserver: project guard rebind requested but no rebinder configured")
		}
		return s.guardRebind(ctx, workspace, cfg.ProjectGuard)
	}
	return errs.New(errs.CodeProjectGuardMismatch, "workspace %q is bound to project guard %q, server is running with %q", workspace, current, cfg.ProjectGuard)
}
