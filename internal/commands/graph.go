package commands

import (
	"context"

	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// graphSpecs registers every graph.* command: the versioned graph engine
// (C5) and, since the stable tool surface has no dedicated anchors tool,
// anchors/knowledge-keys (C7) as well — both operate on the same
// append-only versioned-row model.
func graphSpecs(st *store.Store) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "graph.apply", Tool: "graph", Schema: objSchema("branch", "doc", "ops"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				branch, _ := args["branch"].(string)
				doc, _ := args["doc"].(string)
				var payload struct{ Ops []store.GraphOp }
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				result, err := st.GraphApplyOps(ctx, tc.Workspace, branch, doc, payload.Ops)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
		{
			Cmd: "graph.query", Tool: "graph", Schema: objSchema("branch", "doc"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				branch, _ := args["branch"].(string)
				doc, _ := args["doc"].(string)
				var filter store.GraphQueryFilter
				if err := decodeArgs(args, &filter); err != nil {
					return nil, err
				}
				result, err := st.GraphQuery(ctx, tc.Workspace, branch, doc, filter)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
		{
			Cmd: "graph.validate", Tool: "graph", Schema: objSchema("branch", "doc"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				branch, _ := args["branch"].(string)
				doc, _ := args["doc"].(string)
				maxErrors := 50
				if v, ok := args["max_errors"].(float64); ok {
					maxErrors = int(v)
				}
				result, err := st.GraphValidate(ctx, tc.Workspace, branch, doc, maxErrors)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
		{
			Cmd: "graph.diff", Tool: "graph", Schema: objSchema("from", "to", "doc"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				from, _ := args["from"].(string)
				to, _ := args["to"].(string)
				doc, _ := args["doc"].(string)
				cursor := int64(0)
				if v, ok := args["cursor"].(float64); ok {
					cursor = int64(v)
				}
				limit := 200
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				result, err := st.GraphDiff(ctx, tc.Workspace, from, to, doc, cursor, limit)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
		{
			Cmd: "graph.merge", Tool: "graph", Schema: objSchema("from", "into", "doc"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				from, _ := args["from"].(string)
				into, _ := args["into"].(string)
				doc, _ := args["doc"].(string)
				dryRun, _ := args["dry_run"].(bool)
				result, err := st.GraphMerge(ctx, tc.Workspace, from, into, doc, dryRun)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
		{
			Cmd: "graph.conflict.show", Tool: "graph", Schema: objSchema("doc", "into", "from"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				doc, _ := args["doc"].(string)
				into, _ := args["into"].(string)
				from, _ := args["from"].(string)
				openOnly, _ := args["open_only"].(bool)
				conflicts, err := st.GraphConflictShow(ctx, tc.Workspace, doc, into, from, openOnly)
				if err != nil {
					return nil, err
				}
				return wrapList("conflicts", conflicts)
			},
		},
		{
			Cmd: "graph.conflict.resolve", Tool: "graph", Schema: objSchema("conflict_id", "resolution"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				conflictID, _ := args["conflict_id"].(string)
				resolution, _ := args["resolution"].(string)
				var manual []byte
				if args["manual_value"] != nil {
					encoded, err := toJSONBytes(args["manual_value"])
					if err != nil {
						return nil, err
					}
					manual = encoded
				}
				if err := st.GraphConflictResolve(ctx, tc.Workspace, conflictID, resolution, manual); err != nil {
					return nil, err
				}
				return map[string]any{"conflict_id": conflictID, "applied": true}, nil
			},
		},
		{
			Cmd: "graph.anchor.create", Tool: "graph", Schema: objSchema("title"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				var in store.AnchorCreateInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				anchor, err := st.AnchorCreate(ctx, tc.Workspace, in)
				if err != nil {
					return nil, err
				}
				return wrap("anchor", anchor)
			},
		},
		{
			Cmd: "graph.anchor.get", Tool: "graph", Schema: objSchema("id"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				anchor, err := st.GetAnchor(ctx, tc.Workspace, id)
				if err != nil {
					return nil, err
				}
				return wrap("anchor", anchor)
			},
		},
		{
			Cmd: "graph.anchor.rename", Tool: "graph", Schema: objSchema("old_id", "new_id"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				oldID, _ := args["old_id"].(string)
				newID, _ := args["new_id"].(string)
				anchor, err := st.AnchorRename(ctx, tc.Workspace, oldID, newID)
				if err != nil {
					return nil, err
				}
				return wrap("anchor", anchor)
			},
		},
		{
			Cmd: "graph.anchor.merge", Tool: "graph", Schema: objSchema("into", "from"),
			BudgetShape: "graph.query", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				into, _ := args["into"].(string)
				var payload struct{ From []string }
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				result, err := st.AnchorsMerge(ctx, tc.Workspace, into, payload.From)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
		{
			Cmd: "graph.anchor.lint", Tool: "graph", Schema: anySchema,
			BudgetShape: "graph.query", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				issues, err := st.AnchorLint(ctx, tc.Workspace)
				if err != nil {
					return nil, err
				}
				return wrapList("issues", issues)
			},
		},
	}
}
