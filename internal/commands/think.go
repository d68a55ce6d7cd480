package commands

import (
	"context"

	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// thinkSpecs registers the think.* command: the atomic think-card commit
// (C6) that co-writes the trace document and the versioned graph.
func thinkSpecs(st *store.Store) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "think.commit", Tool: "think", Schema: objSchema("branch", "card"),
			BudgetShape: "think.trace", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				var in store.ThinkCommitInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				result, err := st.ThinkCommit(ctx, tc.Workspace, in)
				if err != nil {
					return nil, err
				}
				return wrap("result", result)
			},
		},
	}
}
