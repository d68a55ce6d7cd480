package commands

import (
	"context"

	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// jobSpecs registers every jobs.* command (C8: jobs, runners, mesh, sweep).
func jobSpecs(st *store.Store, strictProgressSchema bool) []toolspec.CommandSpec {
	return []toolspec.CommandSpec{
		{
			Cmd: "jobs.create", Tool: "jobs", Schema: objSchema("title", "prompt"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				var in store.JobCreateInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				job, err := st.JobCreate(ctx, tc.Workspace, in)
				if err != nil {
					return nil, err
				}
				return wrap("job", job)
			},
		},
		{
			Cmd: "jobs.get", Tool: "jobs", Schema: objSchema("id"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				job, err := st.GetJob(ctx, tc.Workspace, id)
				if err != nil {
					return nil, err
				}
				return wrap("job", job)
			},
		},
		{
			Cmd: "jobs.claim", Tool: "jobs", Schema: objSchema("id", "runner_id"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				runnerID, _ := args["runner_id"].(string)
				allowStale, _ := args["allow_stale"].(bool)
				ttl := int64(60000)
				if v, ok := args["lease_ttl_ms"].(float64); ok {
					ttl = int64(v)
				}
				job, err := st.JobClaim(ctx, tc.Workspace, id, runnerID, ttl, allowStale)
				if err != nil {
					return nil, err
				}
				return wrap("job", job)
			},
		},
		{
			Cmd: "jobs.report", Tool: "jobs", Schema: objSchema("id", "runner_id", "claim_revision", "kind"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				var in store.JobReportInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				job, err := st.JobReport(ctx, tc.Workspace, id, in, strictProgressSchema)
				if err != nil {
					return nil, err
				}
				return wrap("job", job)
			},
		},
		{
			Cmd: "jobs.complete", Tool: "jobs", Schema: objSchema("id", "runner_id", "claim_revision", "status"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				var in store.JobCompleteInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				job, err := st.JobComplete(ctx, tc.Workspace, id, in)
				if err != nil {
					return nil, err
				}
				return wrap("job", job)
			},
		},
		{
			Cmd: "jobs.requeue", Tool: "jobs", Schema: objSchema("id"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				job, err := st.JobRequeue(ctx, tc.Workspace, id)
				if err != nil {
					return nil, err
				}
				return wrap("job", job)
			},
		},
		{
			Cmd: "jobs.runner.heartbeat", Tool: "jobs", Schema: objSchema("runner_id", "status"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				runnerID, _ := args["runner_id"].(string)
				status, _ := args["status"].(string)
				activeJobID, _ := args["active_job_id"].(string)
				ttl := int64(0)
				if v, ok := args["lease_ttl_ms"].(float64); ok {
					ttl = int64(v)
				}
				meta, _ := args["meta"].(map[string]any)
				lease, err := st.RunnerHeartbeat(ctx, tc.Workspace, runnerID, status, activeJobID, ttl, meta)
				if err != nil {
					return nil, err
				}
				return wrap("lease", lease)
			},
		},
		{
			Cmd: "jobs.runner.liveness", Tool: "jobs", Schema: objSchema("runner_id"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				runnerID, _ := args["runner_id"].(string)
				state, err := st.RunnerLiveness(ctx, tc.Workspace, runnerID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"runner_id": runnerID, "state": state}, nil
			},
		},
		{
			Cmd: "jobs.runner.stale", Tool: "jobs", Schema: anySchema,
			BudgetShape: "jobs.status", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				stale, err := st.ListStaleRunners(ctx, tc.Workspace)
				if err != nil {
					return nil, err
				}
				return map[string]any{"stale_runner_ids": stale}, nil
			},
		},
		{
			Cmd: "jobs.open", Tool: "jobs", Schema: objSchema("id"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				id, _ := args["id"].(string)
				limit := 20
				if v, ok := args["event_limit"].(float64); ok {
					limit = int(v)
				}
				open, err := st.JobOpen(ctx, tc.Workspace, id, limit)
				if err != nil {
					return nil, err
				}
				return wrap("job", open)
			},
		},
		{
			Cmd: "jobs.mesh.snapshot", Tool: "jobs", Schema: anySchema,
			BudgetShape: "jobs.status", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				threads, err := st.MeshSnapshot(ctx, tc.Workspace)
				if err != nil {
					return nil, err
				}
				return wrapList("threads", threads)
			},
		},
		{
			Cmd: "jobs.mesh.publish", Tool: "jobs", Schema: objSchema("thread_id", "idempotency_key", "payload"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				threadID, _ := args["thread_id"].(string)
				key, _ := args["idempotency_key"].(string)
				payload, _ := args["payload"].(map[string]any)
				msg, err := st.MeshPublish(ctx, tc.Workspace, threadID, key, payload)
				if err != nil {
					return nil, err
				}
				return wrap("message", msg)
			},
		},
		{
			Cmd: "jobs.mesh.pull", Tool: "jobs", Schema: objSchema("thread_id"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyRead,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				threadID, _ := args["thread_id"].(string)
				afterSeq := int64(0)
				if v, ok := args["after_seq"].(float64); ok {
					afterSeq = int64(v)
				}
				limit := 100
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				msgs, err := st.MeshPull(ctx, tc.Workspace, threadID, afterSeq, limit)
				if err != nil {
					return nil, err
				}
				return wrapList("messages", msgs)
			},
		},
		{
			Cmd: "jobs.mesh.ack", Tool: "jobs", Schema: objSchema("thread_id", "consumer_id", "acked_seq"),
			BudgetShape: "jobs.status", Safety: toolspec.SafetyWrite,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				threadID, _ := args["thread_id"].(string)
				consumerID, _ := args["consumer_id"].(string)
				ackedSeq := int64(0)
				if v, ok := args["acked_seq"].(float64); ok {
					ackedSeq = int64(v)
				}
				if err := st.MeshAck(ctx, tc.Workspace, threadID, consumerID, ackedSeq); err != nil {
					return nil, err
				}
				return map[string]any{"thread_id": threadID, "acked_seq": ackedSeq}, nil
			},
		},
		{
			Cmd: "jobs.sweep", Tool: "jobs", Schema: anySchema,
			BudgetShape: "jobs.status", Safety: toolspec.SafetyAdmin,
			Handler: func(ctx context.Context, tc toolspec.Context, args map[string]any) (map[string]any, error) {
				result, err := st.Sweep(ctx, tc.Workspace)
				if err != nil {
					return nil, err
				}
				return wrap("sweep", result)
			},
		},
	}
}
