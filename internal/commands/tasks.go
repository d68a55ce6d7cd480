package commands

import (
	"context"

	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// taskSpecs registers every tasks.* command (C2/C3: plans, tasks, steps,
// step-leases, checkpoints, evidence, undo/redo history, batch).
func taskSpecs(st *store.Store, strictProgressSchema bool) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "tasks.plan.create", Tool: "tasks", Schema: objSchema("title"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				var in store.PlanCreateInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				plan, err := st.PlanCreate(ctx, tc.Workspace, in)
				if err != nil {
					return nil, err
				}
				return wrap("plan", plan)
			},
		},
		{
			Cmd: "tasks.plan.get", Tool: "tasks", Schema: objSchema("id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				plan, err := st.GetPlan(ctx, tc.Workspace, id)
				if err != nil {
					return nil, err
				}
				return wrap("plan", plan)
			},
		},
		{
			Cmd: "tasks.plan.edit", Tool: "tasks", Schema: objSchema("id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				var patch store.PlanEditPatch
				if err := decodeArgs(args, &patch); err != nil {
					return nil, err
				}
				plan, err := st.EditPlan(ctx, tc.Workspace, id, patch)
				if err != nil {
					return nil, err
				}
				return wrap("plan", plan)
			},
		},
		{
			Cmd: "tasks.plan.delete", Tool: "tasks", Schema: objSchema("id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyAdmin,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				if err := st.DeletePlan(ctx, tc.Workspace, id); err != nil {
					return nil, err
				}
				return map[string]any{"id": id, "deleted": true}, nil
			},
		},
		{
			Cmd: "tasks.bootstrap", Tool: "tasks", Schema: objSchema("plan", "task"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				var in store.TasksBootstrapInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				result, err := st.TasksBootstrap(ctx, tc.Workspace, in)
				if err != nil {
					return nil, err
				}
				return wrap("bootstrap", result)
			},
		},
		{
			Cmd: "tasks.task.create", Tool: "tasks", Schema: objSchema("parent_plan_id", "title"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				var in store.TaskCreateInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				task, err := st.TaskCreate(ctx, tc.Workspace, in)
				if err != nil {
					return nil, err
				}
				return wrap("task", task)
			},
		},
		{
			Cmd: "tasks.task.get", Tool: "tasks", Schema: objSchema("id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				task, err := st.GetTask(ctx, tc.Workspace, id)
				if err != nil {
					return nil, err
				}
				return wrap("task", task)
			},
		},
		{
			Cmd: "tasks.task.edit", Tool: "tasks", Schema: objSchema("id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				var patch store.TaskEditPatch
				if err := decodeArgs(args, &patch); err != nil {
					return nil, err
				}
				task, err := st.EditTask(ctx, tc.Workspace, id, patch)
				if err != nil {
					return nil, err
				}
				return wrap("task", task)
			},
		},
		{
			Cmd: "tasks.task.ready", Tool: "tasks", Schema: anySchema,
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				ready, err := st.ReadyTasks(ctx, tc.Workspace)
				if err != nil {
					return nil, err
				}
				return wrapList("tasks", ready)
			},
		},
		{
			Cmd: "tasks.dag.validate", Tool: "tasks", Schema: anySchema,
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				issues, err := st.ValidateTaskGraph(ctx, tc.Workspace)
				if err != nil {
					return nil, err
				}
				return wrapList("issues", issues)
			},
		},
		{
			Cmd: "tasks.step.decompose", Tool: "tasks", Schema: objSchema("task_id", "steps"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				taskID, _ := args["task_id"].(string)
				parentPath, _ := args["parent_path"].(string)
				var payload struct {
					Steps []store.StepSpec
				}
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				refs, err := st.StepsDecompose(ctx, tc.Workspace, taskID, parentPath, payload.Steps)
				if err != nil {
					return nil, err
				}
				return wrapList("steps", refs)
			},
		},
		{
			Cmd: "tasks.step.define", Tool: "tasks", Schema: objSchema("task_id", "sel"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				taskID, _ := args["task_id"].(string)
				var payload struct {
					Sel   store.StepSelector
					Patch store.StepDefinePatch
				}
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				step, err := st.StepDefine(ctx, tc.Workspace, taskID, payload.Sel, payload.Patch)
				if err != nil {
					return nil, err
				}
				return wrap("step", step)
			},
		},
		{
			Cmd: "tasks.step.block", Tool: "tasks", Schema: objSchema("task_id", "sel", "blocked"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				taskID, _ := args["task_id"].(string)
				blocked, _ := args["blocked"].(bool)
				reason, _ := args["reason"].(string)
				var payload struct{ Sel store.StepSelector }
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				step, err := st.StepBlockSet(ctx, tc.Workspace, taskID, payload.Sel, blocked, reason)
				if err != nil {
					return nil, err
				}
				return wrap("step", step)
			},
		},
		{
			Cmd: "tasks.step.close", Tool: "tasks", Schema: objSchema("task_id", "sel"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				taskID, _ := args["task_id"].(string)
				force, _ := args["force"].(bool)
				var payload struct {
					Sel     store.StepSelector
					Confirm store.StepProgressConfirm
				}
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				step, err := st.StepClose(ctx, tc.Workspace, taskID, payload.Sel, payload.Confirm, force)
				if err != nil {
					return nil, err
				}
				return wrap("step", step)
			},
		},
		{
			Cmd: "tasks.step.lease.claim", Tool: "tasks", Schema: objSchema("step_id", "agent_id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				stepID, _ := args["step_id"].(string)
				agentID, _ := args["agent_id"].(string)
				force, _ := args["force"].(bool)
				ttl := int64(0)
				if v, ok := args["ttl_seq"].(float64); ok {
					ttl = int64(v)
				}
				lease, err := st.StepLeaseClaim(ctx, tc.Workspace, stepID, agentID, ttl, force)
				if err != nil {
					return nil, err
				}
				return wrap("lease", lease)
			},
		},
		{
			Cmd: "tasks.step.lease.renew", Tool: "tasks", Schema: objSchema("step_id", "agent_id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				stepID, _ := args["step_id"].(string)
				agentID, _ := args["agent_id"].(string)
				ttl := int64(0)
				if v, ok := args["ttl_seq"].(float64); ok {
					ttl = int64(v)
				}
				lease, err := st.StepLeaseRenew(ctx, tc.Workspace, stepID, agentID, ttl)
				if err != nil {
					return nil, err
				}
				return wrap("lease", lease)
			},
		},
		{
			Cmd: "tasks.step.lease.release", Tool: "tasks", Schema: objSchema("step_id", "agent_id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				stepID, _ := args["step_id"].(string)
				agentID, _ := args["agent_id"].(string)
				if err := st.StepLeaseRelease(ctx, tc.Workspace, stepID, agentID); err != nil {
					return nil, err
				}
				return map[string]any{"step_id": stepID, "released": true}, nil
			},
		},
		{
			Cmd: "tasks.checkpoint.require", Tool: "tasks", Schema: objSchema("entity_kind", "entity_id", "checkpoint"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				kind, _ := args["entity_kind"].(string)
				id, _ := args["entity_id"].(string)
				checkpoint, _ := args["checkpoint"].(string)
				if err := st.CheckpointRequire(ctx, tc.Workspace, kind, id, checkpoint); err != nil {
					return nil, err
				}
				return map[string]any{"entity_id": id, "checkpoint": checkpoint, "required": true}, nil
			},
		},
		{
			Cmd: "tasks.evidence.capture", Tool: "tasks", Schema: objSchema("entity_kind", "entity_id", "checkpoints"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				kind, _ := args["entity_kind"].(string)
				id, _ := args["entity_id"].(string)
				var payload struct {
					Checkpoints []string
					Artifacts   []store.EvidenceArtifact
				}
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				if err := st.EvidenceCapture(ctx, tc.Workspace, kind, id, payload.Checkpoints, payload.Artifacts); err != nil {
					return nil, err
				}
				return map[string]any{"entity_id": id, "captured": true}, nil
			},
		},
		{
			Cmd: "tasks.history.undo", Tool: "tasks", Schema: objSchema("task_id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				taskID, _ := args["task_id"].(string)
				entry, err := st.UndoLast(ctx, tc.Workspace, taskID)
				if err != nil {
					return nil, err
				}
				return wrap("entry", entry)
			},
		},
		{
			Cmd: "tasks.history.redo", Tool: "tasks", Schema: objSchema("task_id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				taskID, _ := args["task_id"].(string)
				entry, err := st.RedoLast(ctx, tc.Workspace, taskID)
				if err != nil {
					return nil, err
				}
				return wrap("entry", entry)
			},
		},
		{
			Cmd: "tasks.history", Tool: "tasks", Schema: objSchema("task_id"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				taskID, _ := args["task_id"].(string)
				var beforeID, beforeSeq int64
				if v, ok := args["before_id"].(float64); ok {
					beforeID = int64(v)
				}
				if v, ok := args["before_seq"].(float64); ok {
					beforeSeq = int64(v)
				}
				limit := 0
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				page, err := st.TaskHistory(ctx, tc.Workspace, taskID, beforeID, beforeSeq, limit)
				if err != nil {
					return nil, err
				}
				return wrap("page", page)
			},
		},
		{
			Cmd: "tasks.batch", Tool: "tasks", Schema: objSchema("ops"),
			BudgetShape: "tasks.snapshot", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				atomic, _ := args["atomic"].(bool)
				var payload struct{ Ops []store.BatchOp }
				if err := decodeArgs(args, &payload); err != nil {
					return nil, err
				}
				result, err := st.TasksBatch(ctx, tc.Workspace, payload.Ops, atomic)
				if err != nil {
					return nil, err
				}
				out := map[string]any{
					"applied": result.Applied,
					"failed":  result.Failed,
				}
				if result.Err != nil {
					out["error_message"] = result.Err.Error()
				}
				return map[string]any{"batch": out}, nil
			},
		},
	}
}
