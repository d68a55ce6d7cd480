package commands

import (
	"context"
	"strings"
	"time"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// registryBox lets system.manifest reference the fully-built registry from
// inside one of its own CommandSpec handlers without a circular build step:
// BuildRegistry fills it in right after toolspec.NewRegistry succeeds.
type registryBox struct {
	reg *toolspec.Registry
}

// workspaceSpecs registers workspace.list. workspace.use is handled
// specially by toolserver.Dispatch since it mutates session state no
// ordinary handler can see.
func workspaceSpecs(st *store.Store) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "workspace.list", Tool: "workspace", Schema: anySchema,
			BudgetShape: "open", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				names, err := st.ListWorkspaces(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"workspaces": names}, nil
			},
		},
	}
}

// statusSpecs registers the status envelope tool's single command: a cheap
// liveness/identity snapshot, safe to call before any workspace exists.
func statusSpecs(buildFingerprint string, startedAt time.Time) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "status", Tool: "status", Schema: anySchema,
			BudgetShape: "open", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{
					"ok":                true,
					"workspace":         tc.Workspace,
					"build_fingerprint": buildFingerprint,
					"uptime_seconds":    int64(time.Since(startedAt).Seconds()),
				}, nil
			},
		},
	}
}

// openSpecs registers the open envelope tool's single command: resolves a
// PLAN-, TASK-, JOB- or a: id by its prefix convention to its owning entity
// kind and returns a shaped view; ids with any other prefix fail UNKNOWN_ID.
func openSpecs(st *store.Store) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "open", Tool: "open", Schema: objSchema("id"),
			BudgetShape: "open", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				return openByID(ctx, st, tc.Workspace, id)
			},
		},
	}
}

func openByID(ctx context.Context, st *store.Store, workspace, id string) (map[string]any, error) {
	switch {
	case strings.HasPrefix(id, "PLAN-"):
		plan, err := st.GetPlan(ctx, workspace, id)
		if err != nil {
			return nil, err
		}
		out, err := wrap("plan", plan)
		if err != nil {
			return nil, err
		}
		out["id"] = plan.Id
		out["kind"] = "plan"
		return out, nil
	case strings.HasPrefix(id, "TASK-"):
		task, err := st.GetTask(ctx, workspace, id)
		if err != nil {
			return nil, err
		}
		out, err := wrap("task", task)
		if err != nil {
			return nil, err
		}
		out["id"] = task.Id
		out["kind"] = "task"
		return out, nil
	case strings.HasPrefix(id, "JOB-"):
		open, err := st.JobOpen(ctx, workspace, id, 20)
		if err != nil {
			return nil, err
		}
		out, err := wrap("job", open)
		if err != nil {
			return nil, err
		}
		out["id"] = open.Job.Id
		out["kind"] = "job"
		return out, nil
	case strings.HasPrefix(id, "a:"):
		anchor, err := st.GetAnchor(ctx, workspace, id)
		if err != nil {
			return nil, err
		}
		out, err := wrap("anchor", anchor)
		if err != nil {
			return nil, err
		}
		out["id"] = anchor.Id
		out["kind"] = "anchor"
		return out, nil
	default:
		return nil, errs.UnknownId("entity", id)
	}
}

// systemSpecs registers system.* commands: tool discovery / manifest dump,
// per §9's "schema generation is a pure function of the registry".
func systemSpecs(box *registryBox) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "system.manifest", Tool: "system", Schema: anySchema,
			BudgetShape: "open", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				manifest, err := toolspec.DumpManifestYAML(box.reg)
				if err != nil {
					return nil, err
				}
				return map[string]any{"manifest_yaml": string(manifest)}, nil
			},
		},
	}
}
