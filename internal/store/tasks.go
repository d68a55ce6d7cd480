package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/ids"
)

const (
	intentPlanCreate   = "plan_created"
	intentTaskCreate   = "task_created"
	intentEditPlan     = "plan_edited"
	intentEditTask     = "task_edited"
	intentPlanDelete   = "plan_deleted"
	intentStepDefine   = "step_defined"
	intentStepBlockSet = "step_block_set"
	intentStepProgress = "step_progress"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// mintShortId generates a random uppercase suffix of 4 characters (one more
// every 3 attempts), retrying on collision. It does not search for the
// shortest unused suffix. maxAttempts mirrors the teacher's retry budget
// for mint-on-create ids (internal/graph task id minting).
func mintShortId(exists func(string) (bool, error)) (string, error) {
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		length := 4 + attempt/3
		suffix := make([]byte, length)
		for i := range suffix {
			k, err := rand.Int(rand.Reader, big.NewInt(int64(len(idAlphabet))))
			if err != nil {
				return "", fmt.Errorf("store: mint id: %w", err)
			}
			suffix[i] = idAlphabet[k.Int64()]
		}
		candidate := strings.ToUpper(string(suffix))
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("store: exhausted %d attempts minting a unique id", maxAttempts)
}

// Plan is the in-memory projection of a plans row.
type Plan struct {
	Id            string
	Title         string
	Description   string
	Context       string
	Contract      string
	ContractJson  string
	Priority      int
	Tags          []string
	DependsOn     []string
	Status        string
	Revision      int64
	CreatedAtMs   int64
	UpdatedAtMs   int64
}

// Task is the in-memory projection of a tasks row.
type Task struct {
	Id           string
	ParentPlanId string
	Title        string
	Description  string
	Context      string
	Priority     int
	Domain       string
	Phase        string
	Component    string
	Assignee     string
	Tags         []string
	DependsOn    []string
	Status       string
	Revision     int64
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

// PlanCreateInput are the caller-supplied fields for plan_create.
type PlanCreateInput struct {
	Id           string
	Title        string
	Description  string
	Context      string
	Contract     string
	ContractJson string
	Priority     int
	Tags         []string
	DependsOn    []string
}

// PlanCreate allocates a new plan (minting an id when one isn't supplied),
// sets revision=1, and emits plan_created, per spec §4.2.
func (s *Store) PlanCreate(ctx context.Context, workspace string, in PlanCreateInput) (*Plan, error) {
	if in.Title == "" {
		return nil, errs.InvalidInput("plan title must not be empty")
	}
	var result *Plan
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		p, err := tx.createPlan(in)
		result = p
		return err
	})
	return result, err
}

// TasksBootstrapInput is tasks_bootstrap's argument set: a plan, its first
// task, and the task's initial step decomposition, created in one
// transaction instead of three round trips.
type TasksBootstrapInput struct {
	Plan  PlanCreateInput
	Task  TaskCreateInput
	Steps []StepSpec
}

// TasksBootstrapResult bundles the three entities tasks_bootstrap creates.
type TasksBootstrapResult struct {
	Plan  *Plan
	Task  *Task
	Steps []StepRef
}

// TasksBootstrap creates a plan, its first task, and an initial step
// decomposition atomically, per the macro-finish convenience composite: a
// caller standing up a new piece of work otherwise needs plan_create then
// task_create then steps_decompose as three separate calls, each of which
// can independently fail partway and leave the other two absent.
func (s *Store) TasksBootstrap(ctx context.Context, workspace string, in TasksBootstrapInput) (*TasksBootstrapResult, error) {
	if in.Plan.Title == "" {
		return nil, errs.InvalidInput("plan title must not be empty")
	}
	if in.Task.Title == "" {
		return nil, errs.InvalidInput("task title must not be empty")
	}
	var result *TasksBootstrapResult
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		plan, err := tx.createPlan(in.Plan)
		if err != nil {
			return err
		}
		taskIn := in.Task
		taskIn.ParentPlanId = plan.Id
		task, err := tx.createTask(taskIn)
		if err != nil {
			return err
		}
		var steps []StepRef
		if len(in.Steps) > 0 {
			steps, err = tx.stepsDecompose(task.Id, "", in.Steps)
			if err != nil {
				return err
			}
		}
		result = &TasksBootstrapResult{Plan: plan, Task: task, Steps: steps}
		return nil
	})
	return result, err
}

// createPlan is PlanCreate's transaction body, factored out so
// TasksBootstrap can run it inside a transaction it already holds open.
func (tx *Tx) createPlan(in PlanCreateInput) (*Plan, error) {
	tags, err := ids.NormalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}
	planID := in.Id
	if planID == "" {
		short, err := mintShortId(func(candidate string) (bool, error) {
			return tx.planExists("PLAN-" + candidate)
		})
		if err != nil {
			return nil, err
		}
		planID = "PLAN-" + short
	} else if _, err := ids.PlanId(planID); err != nil {
		return nil, err
	}
	if exists, err := tx.planExists(planID); err != nil {
		return nil, err
	} else if exists {
		return nil, errs.InvalidInput(fmt.Sprintf("plan %s already exists", planID))
	}

	p := &Plan{
		Id: planID, Title: in.Title, Description: in.Description, Context: in.Context,
		Contract: in.Contract, ContractJson: in.ContractJson, Priority: in.Priority,
		Tags: tags, DependsOn: in.DependsOn, Status: "open", Revision: 1,
		CreatedAtMs: tx.NowMs, UpdatedAtMs: tx.NowMs,
	}
	if err := tx.insertPlan(p); err != nil {
		return nil, err
	}
	if _, err := tx.emitEvent(intentPlanCreate, "", "", map[string]any{"plan_id": planID, "title": in.Title}); err != nil {
		return nil, err
	}
	return p, nil
}

// createTask is TaskCreate's transaction body, factored out for
// TasksBootstrap. Unlike TaskCreate, it does not itself validate
// depends_on for cycles — a brand-new task inside a brand-new plan has no
// pre-existing edges to cycle through, and cycle validation needs its own
// read transaction, which would deadlock against the single open
// connection this transaction already holds.
func (tx *Tx) createTask(in TaskCreateInput) (*Task, error) {
	if in.ParentPlanId == "" {
		return nil, errs.InvalidInput("task requires parent_plan_id")
	}
	if exists, err := tx.planExists(in.ParentPlanId); err != nil {
		return nil, err
	} else if !exists {
		return nil, errs.UnknownId("plan", in.ParentPlanId)
	}
	tags, err := ids.NormalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}

	taskID := in.Id
	if taskID == "" {
		short, err := mintShortId(func(candidate string) (bool, error) {
			return tx.taskExists("TASK-" + candidate)
		})
		if err != nil {
			return nil, err
		}
		taskID = "TASK-" + short
	} else if _, err := ids.TaskId(taskID); err != nil {
		return nil, err
	}
	if exists, err := tx.taskExists(taskID); err != nil {
		return nil, err
	} else if exists {
		return nil, errs.InvalidInput(fmt.Sprintf("task %s already exists", taskID))
	}

	t := &Task{
		Id: taskID, ParentPlanId: in.ParentPlanId, Title: in.Title, Description: in.Description,
		Context: in.Context, Priority: in.Priority, Domain: in.Domain, Phase: in.Phase,
		Component: in.Component, Assignee: in.Assignee, Tags: tags, DependsOn: in.DependsOn,
		Status: "open", Revision: 1, CreatedAtMs: tx.NowMs, UpdatedAtMs: tx.NowMs,
	}
	if err := tx.insertTask(t); err != nil {
		return nil, err
	}
	if _, err := tx.emitEvent(intentTaskCreate, taskID, "", map[string]any{"task_id": taskID, "plan_id": in.ParentPlanId, "title": in.Title}); err != nil {
		return nil, err
	}
	return t, nil
}

func (tx *Tx) planExists(id string) (bool, error) {
	var n int
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM plans WHERE workspace = ? AND id = ?`, tx.Workspace, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check plan exists: %w", err)
	}
	return n > 0, nil
}

func (tx *Tx) insertPlan(p *Plan) error {
	tagsJSON, _ := json.Marshal(p.Tags)
	depJSON, _ := json.Marshal(p.DependsOn)
	_, err := tx.tx.Exec(
		`INSERT INTO plans (workspace, id, title, description, context, contract, contract_json, priority, tags_json, depends_on_json, status, revision, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, p.Id, p.Title, p.Description, p.Context, p.Contract, p.ContractJson,
		p.Priority, string(tagsJSON), string(depJSON), p.Status, p.Revision, p.CreatedAtMs, p.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert plan %s: %w", p.Id, err)
	}
	return nil
}

// TaskCreateInput are the caller-supplied fields for task_create.
type TaskCreateInput struct {
	Id           string
	ParentPlanId string
	Title        string
	Description  string
	Context      string
	Priority     int
	Domain       string
	Phase        string
	Component    string
	Assignee     string
	Tags         []string
	DependsOn    []string
}

// TaskCreate requires parent_plan_id to reference an existing plan, mints a
// TASK-<short> id when one isn't supplied, and emits task_created.
func (s *Store) TaskCreate(ctx context.Context, workspace string, in TaskCreateInput) (*Task, error) {
	if len(in.DependsOn) > 0 && in.Id != "" {
		cycle, err := s.ValidateTaskDependencyGraph(ctx, workspace, in.Id, in.DependsOn)
		if err != nil {
			return nil, err
		}
		if cycle != nil {
			return nil, errs.InvalidInput(fmt.Sprintf("depends_on would create a cycle: %s", strings.Join(cycle, " -> ")))
		}
	}
	if in.Title == "" {
		return nil, errs.InvalidInput("task title must not be empty")
	}
	var result *Task
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		t, err := tx.createTask(in)
		result = t
		return err
	})
	return result, err
}

func (tx *Tx) taskExists(id string) (bool, error) {
	var n int
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE workspace = ? AND id = ?`, tx.Workspace, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check task exists: %w", err)
	}
	return n > 0, nil
}

func (tx *Tx) insertTask(t *Task) error {
	tagsJSON, _ := json.Marshal(t.Tags)
	depJSON, _ := json.Marshal(t.DependsOn)
	_, err := tx.tx.Exec(
		`INSERT INTO tasks (workspace, id, parent_plan_id, title, description, context, priority, domain, phase, component, assignee, tags_json, depends_on_json, status, revision, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, t.Id, t.ParentPlanId, t.Title, t.Description, t.Context, t.Priority,
		t.Domain, t.Phase, t.Component, t.Assignee, string(tagsJSON), string(depJSON),
		t.Status, t.Revision, t.CreatedAtMs, t.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert task %s: %w", t.Id, err)
	}
	return nil
}

func (tx *Tx) getTask(id string) (*Task, error) {
	var t Task
	var tagsJSON, depJSON string
	row := tx.tx.QueryRow(
		`SELECT id, parent_plan_id, title, description, context, priority, domain, phase, component, assignee, tags_json, depends_on_json, status, revision, created_at_ms, updated_at_ms
		 FROM tasks WHERE workspace = ? AND id = ?`, tx.Workspace, id)
	err := row.Scan(&t.Id, &t.ParentPlanId, &t.Title, &t.Description, &t.Context, &t.Priority,
		&t.Domain, &t.Phase, &t.Component, &t.Assignee, &tagsJSON, &depJSON, &t.Status, &t.Revision,
		&t.CreatedAtMs, &t.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, errs.UnknownId("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	_ = json.Unmarshal([]byte(depJSON), &t.DependsOn)
	return &t, nil
}

func (tx *Tx) getPlan(id string) (*Plan, error) {
	var p Plan
	var tagsJSON, depJSON string
	row := tx.tx.QueryRow(
		`SELECT id, title, description, context, contract, contract_json, priority, tags_json, depends_on_json, status, revision, created_at_ms, updated_at_ms
		 FROM plans WHERE workspace = ? AND id = ?`, tx.Workspace, id)
	err := row.Scan(&p.Id, &p.Title, &p.Description, &p.Context, &p.Contract, &p.ContractJson,
		&p.Priority, &tagsJSON, &depJSON, &p.Status, &p.Revision, &p.CreatedAtMs, &p.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, errs.UnknownId("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get plan %s: %w", id, err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &p.Tags)
	_ = json.Unmarshal([]byte(depJSON), &p.DependsOn)
	return &p, nil
}

// GetTask reads a task in its own read-only transaction.
func (s *Store) GetTask(ctx context.Context, workspace, id string) (*Task, error) {
	var result *Task
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		t, err := tx.getTask(id)
		result = t
		return err
	})
	return result, err
}

// GetPlan reads a plan in its own read-only transaction.
func (s *Store) GetPlan(ctx context.Context, workspace, id string) (*Plan, error) {
	var result *Plan
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		p, err := tx.getPlan(id)
		result = p
		return err
	})
	return result, err
}

// TaskEditPatch carries optional fields for edit_task; nil means "leave
// unchanged" per spec §4.2.
type TaskEditPatch struct {
	Title            *string
	Description      *string
	Context          *string
	Priority         *int
	Domain           *string
	Phase            *string
	Component        *string
	Assignee         *string
	Tags             []string
	TagsSet          bool
	DependsOn        []string
	DependsOnSet     bool
	Status           *string
	ExpectedRevision *int64
}

// EditTask applies patch, optionally revision-checked, bumps revision, and
// emits task_edited. Records an undoable ops_history row with full
// before/after snapshots.
func (s *Store) EditTask(ctx context.Context, workspace, taskID string, patch TaskEditPatch) (*Task, error) {
	if patch.DependsOnSet && len(patch.DependsOn) > 0 {
		cycle, err := s.ValidateTaskDependencyGraph(ctx, workspace, taskID, patch.DependsOn)
		if err != nil {
			return nil, err
		}
		if cycle != nil {
			return nil, errs.InvalidInput(fmt.Sprintf("depends_on would create a cycle: %s", strings.Join(cycle, " -> ")))
		}
	}
	var result *Task
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		before, err := tx.getTask(taskID)
		if err != nil {
			return err
		}
		if patch.ExpectedRevision != nil && *patch.ExpectedRevision != before.Revision {
			return errs.NewRevisionMismatch(*patch.ExpectedRevision, before.Revision)
		}

		after := *before
		if patch.Title != nil {
			after.Title = *patch.Title
		}
		if patch.Description != nil {
			after.Description = *patch.Description
		}
		if patch.Context != nil {
			after.Context = *patch.Context
		}
		if patch.Priority != nil {
			after.Priority = *patch.Priority
		}
		if patch.Domain != nil {
			after.Domain = *patch.Domain
		}
		if patch.Phase != nil {
			after.Phase = *patch.Phase
		}
		if patch.Component != nil {
			after.Component = *patch.Component
		}
		if patch.Assignee != nil {
			after.Assignee = *patch.Assignee
		}
		if patch.Status != nil {
			after.Status = *patch.Status
		}
		if patch.TagsSet {
			tags, err := ids.NormalizeTags(patch.Tags)
			if err != nil {
				return err
			}
			after.Tags = tags
		}
		if patch.DependsOnSet {
			after.DependsOn = patch.DependsOn
		}
		after.Revision = before.Revision + 1
		after.UpdatedAtMs = tx.NowMs

		if err := tx.updateTask(&after); err != nil {
			return err
		}
		if _, err := tx.emitEvent("task_edited", taskID, "", map[string]any{"task_id": taskID, "revision": after.Revision}); err != nil {
			return err
		}
		if _, err := tx.recordHistory(intentEditTask, taskID, "", patch, before, &after, true); err != nil {
			return err
		}
		result = &after
		return nil
	})
	return result, err
}

func (tx *Tx) updateTask(t *Task) error {
	tagsJSON, _ := json.Marshal(t.Tags)
	depJSON, _ := json.Marshal(t.DependsOn)
	_, err := tx.tx.Exec(
		`UPDATE tasks SET title=?, description=?, context=?, priority=?, domain=?, phase=?, component=?, assignee=?,
		 tags_json=?, depends_on_json=?, status=?, revision=?, updated_at_ms=?
		 WHERE workspace=? AND id=?`,
		t.Title, t.Description, t.Context, t.Priority, t.Domain, t.Phase, t.Component, t.Assignee,
		string(tagsJSON), string(depJSON), t.Status, t.Revision, t.UpdatedAtMs, tx.Workspace, t.Id,
	)
	if err != nil {
		return fmt.Errorf("store: update task %s: %w", t.Id, err)
	}
	return nil
}

// PlanEditPatch mirrors TaskEditPatch for plans.
type PlanEditPatch struct {
	Title            *string
	Description      *string
	Context          *string
	Contract         *string
	ContractJson     *string
	Priority         *int
	Tags             []string
	TagsSet          bool
	DependsOn        []string
	DependsOnSet     bool
	Status           *string
	ExpectedRevision *int64
}

// EditPlan is EditTask's counterpart for plans.
func (s *Store) EditPlan(ctx context.Context, workspace, planID string, patch PlanEditPatch) (*Plan, error) {
	var result *Plan
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		before, err := tx.getPlan(planID)
		if err != nil {
			return err
		}
		if patch.ExpectedRevision != nil && *patch.ExpectedRevision != before.Revision {
			return errs.NewRevisionMismatch(*patch.ExpectedRevision, before.Revision)
		}

		after := *before
		if patch.Title != nil {
			after.Title = *patch.Title
		}
		if patch.Description != nil {
			after.Description = *patch.Description
		}
		if patch.Context != nil {
			after.Context = *patch.Context
		}
		if patch.Contract != nil {
			after.Contract = *patch.Contract
		}
		if patch.ContractJson != nil {
			after.ContractJson = *patch.ContractJson
		}
		if patch.Priority != nil {
			after.Priority = *patch.Priority
		}
		if patch.Status != nil {
			after.Status = *patch.Status
		}
		if patch.TagsSet {
			tags, err := ids.NormalizeTags(patch.Tags)
			if err != nil {
				return err
			}
			after.Tags = tags
		}
		if patch.DependsOnSet {
			after.DependsOn = patch.DependsOn
		}
		after.Revision = before.Revision + 1
		after.UpdatedAtMs = tx.NowMs

		if err := tx.updatePlan(&after); err != nil {
			return err
		}
		if _, err := tx.emitEvent("plan_edited", "", "", map[string]any{"plan_id": planID, "revision": after.Revision}); err != nil {
			return err
		}
		if _, err := tx.recordHistory(intentEditPlan, "", "", patch, before, &after, true); err != nil {
			return err
		}
		result = &after
		return nil
	})
	return result, err
}

func (tx *Tx) updatePlan(p *Plan) error {
	tagsJSON, _ := json.Marshal(p.Tags)
	depJSON, _ := json.Marshal(p.DependsOn)
	_, err := tx.tx.Exec(
		`UPDATE plans SET title=?, description=?, context=?, contract=?, contract_json=?, priority=?,
		 tags_json=?, depends_on_json=?, status=?, revision=?, updated_at_ms=?
		 WHERE workspace=? AND id=?`,
		p.Title, p.Description, p.Context, p.Contract, p.ContractJson, p.Priority,
		string(tagsJSON), string(depJSON), p.Status, p.Revision, p.UpdatedAtMs, tx.Workspace, p.Id,
	)
	if err != nil {
		return fmt.Errorf("store: update plan %s: %w", p.Id, err)
	}
	return nil
}

// DeletePlan cascades to the plan's tasks (and their steps), emitting a
// deletion event per task plus one for the plan, per spec §3.
func (s *Store) DeletePlan(ctx context.Context, workspace, planID string) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		if _, err := tx.getPlan(planID); err != nil {
			return err
		}
		rows, err := tx.tx.Query(`SELECT id FROM tasks WHERE workspace = ? AND parent_plan_id = ?`, tx.Workspace, planID)
		if err != nil {
			return fmt.Errorf("store: list tasks for plan %s: %w", planID, err)
		}
		var taskIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("store: scan task id: %w", err)
			}
			taskIDs = append(taskIDs, id)
		}
		rows.Close()

		for _, taskID := range taskIDs {
			if err := tx.deleteTaskCascade(taskID); err != nil {
				return err
			}
		}
		if _, err := tx.tx.Exec(`DELETE FROM plans WHERE workspace = ? AND id = ?`, tx.Workspace, planID); err != nil {
			return fmt.Errorf("store: delete plan %s: %w", planID, err)
		}
		_, err = tx.emitEvent(intentPlanDelete, "", "", map[string]any{"plan_id": planID, "cascaded_tasks": taskIDs})
		return err
	})
}

func (tx *Tx) deleteTaskCascade(taskID string) error {
	if _, err := tx.tx.Exec(`DELETE FROM step_leases WHERE workspace = ? AND step_id IN (SELECT step_id FROM steps WHERE workspace = ? AND task_id = ?)`, tx.Workspace, tx.Workspace, taskID); err != nil {
		return fmt.Errorf("store: delete leases for task %s: %w", taskID, err)
	}
	if _, err := tx.tx.Exec(`DELETE FROM steps WHERE workspace = ? AND task_id = ?`, tx.Workspace, taskID); err != nil {
		return fmt.Errorf("store: delete steps for task %s: %w", taskID, err)
	}
	if _, err := tx.tx.Exec(`DELETE FROM tasks WHERE workspace = ? AND id = ?`, tx.Workspace, taskID); err != nil {
		return fmt.Errorf("store: delete task %s: %w", taskID, err)
	}
	_, err := tx.emitEvent("task_deleted", taskID, "", map[string]any{"task_id": taskID})
	return err
}

// restoreSnapshot dispatches an undo/redo target snapshot to the right
// table's update path by intent.
func (tx *Tx) restoreSnapshot(intent string, snapshot json.RawMessage) error {
	if len(snapshot) == 0 {
		return errs.InvalidInput("history entry has no snapshot to restore")
	}
	switch intent {
	case intentEditTask:
		var t Task
		if err := json.Unmarshal(snapshot, &t); err != nil {
			return fmt.Errorf("store: decode task snapshot: %w", err)
		}
		return tx.updateTask(&t)
	case intentEditPlan:
		var p Plan
		if err := json.Unmarshal(snapshot, &p); err != nil {
			return fmt.Errorf("store: decode plan snapshot: %w", err)
		}
		return tx.updatePlan(&p)
	case intentStepDefine, intentStepBlockSet, intentStepProgress:
		var st Step
		if err := json.Unmarshal(snapshot, &st); err != nil {
			return fmt.Errorf("store: decode step snapshot: %w", err)
		}
		return tx.updateStep(&st)
	default:
		return errs.InvalidInput(fmt.Sprintf("intent %q has no restore handler", intent))
	}
}
