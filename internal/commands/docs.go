package commands

import (
	"context"

	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// vcsSpecs registers vcs.* commands: branch lineage management (C4).
func vcsSpecs(st *store.Store) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "vcs.branch.create", Tool: "vcs", Schema: objSchema("name"),
			BudgetShape: "open", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				name, _ := args["name"].(string)
				from, _ := args["from"].(string)
				branch, err := st.BranchCreate(ctx, tc.Workspace, name, from)
				if err != nil {
					return nil, err
				}
				return wrap("branch", branch)
			},
		},
		{
			Cmd: "vcs.branch.checkout", Tool: "vcs", Schema: objSchema("name"),
			BudgetShape: "open", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				name, _ := args["name"].(string)
				if err := st.BranchCheckout(ctx, tc.Workspace, name); err != nil {
					return nil, err
				}
				return map[string]any{"name": name, "checked_out": true}, nil
			},
		},
	}
}

// docSpecs registers docs.* commands: the append-only branch document log
// and its cross-branch notes/plan-spec merges (C4).
func docSpecs(st *store.Store) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "docs.append", Tool: "docs", Schema: objSchema("branch", "doc", "kind", "content"),
			BudgetShape: "open", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				branch, _ := args["branch"].(string)
				doc, _ := args["doc"].(string)
				kind, _ := args["kind"].(string)
				title, _ := args["title"].(string)
				format, _ := args["format"].(string)
				content, _ := args["content"].(string)
				meta, _ := args["meta"].(map[string]any)
				entry, err := st.DocAppend(ctx, tc.Workspace, branch, doc, kind, title, format, meta, content)
				if err != nil {
					return nil, err
				}
				return wrap("entry", entry)
			},
		},
		{
			Cmd: "docs.entries", Tool: "docs", Schema: objSchema("branch", "doc"),
			BudgetShape: "open", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				branch, _ := args["branch"].(string)
				doc, _ := args["doc"].(string)
				cursor := int64(0)
				if v, ok := args["cursor"].(float64); ok {
					cursor = int64(v)
				}
				limit := 100
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				entries, hasMore, nextCursor, err := st.DocEntriesVisible(ctx, tc.Workspace, branch, doc, cursor, limit)
				if err != nil {
					return nil, err
				}
				out, err := wrapList("entries", entries)
				if err != nil {
					return nil, err
				}
				out["has_more"] = hasMore
				out["next_cursor"] = nextCursor
				return out, nil
			},
		},
		{
			Cmd: "docs.merge_notes", Tool: "docs", Schema: objSchema("from", "into", "doc"),
			BudgetShape: "open", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				from, _ := args["from"].(string)
				into, _ := args["into"].(string)
				doc, _ := args["doc"].(string)
				dryRun, _ := args["dry_run"].(bool)
				cursor := int64(0)
				if v, ok := args["cursor"].(float64); ok {
					cursor = int64(v)
				}
				limit := 500
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				result, err := st.DocMergeNotes(ctx, tc.Workspace, from, into, doc, cursor, limit, dryRun)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
		{
			Cmd: "docs.merge_plan_spec", Tool: "docs", Schema: objSchema("from", "into"),
			BudgetShape: "open", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				from, _ := args["from"].(string)
				into, _ := args["into"].(string)
				dryRun, _ := args["dry_run"].(bool)
				status, err := st.DocMergePlanSpec(ctx, tc.Workspace, from, into, dryRun)
				if err != nil {
					return nil, err
				}
				return map[string]any{"status": string(status)}, nil
			},
		},
		{
			Cmd: "docs.import_slice_plan", Tool: "docs", Schema: objSchema("branch", "spec"),
			BudgetShape: "open", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				branch, _ := args["branch"].(string)
				doc, _ := args["doc"].(string)
				spec, ok := args["spec"].(string)
				if !ok {
					// spec may arrive as a decoded JSON object rather than a raw
					// string; re-marshal it to the JSON text DocImportSlicePlan parses.
					buf, err := toJSONBytes(args["spec"])
					if err != nil {
						return nil, err
					}
					spec = string(buf)
				}
				result, err := st.DocImportSlicePlan(ctx, tc.Workspace, branch, doc, spec)
				if err != nil {
					return nil, err
				}
				return wrap("import", result)
			},
		},
	}
}
