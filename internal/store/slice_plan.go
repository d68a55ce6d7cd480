package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/branchmind/branchmind/internal/errs"
)

const (
	minSliceTasks = 3
	maxSliceTasks = 10
	minSliceSteps = 3
	maxSliceSteps = 10
)

// SliceStepSpec is one step inside a slice_plan_spec.v1 task.
type SliceStepSpec struct {
	Title           string   `json:"title"`
	SuccessCriteria []string `json:"success_criteria"`
	Tests           []string `json:"tests"`
	Blockers        []string `json:"blockers"`
}

// SliceTaskSpec is one task inside a slice_plan_spec.v1 document.
type SliceTaskSpec struct {
	Title           string          `json:"title"`
	SuccessCriteria []string        `json:"success_criteria"`
	Tests           []string        `json:"tests"`
	Blockers        []string        `json:"blockers"`
	Steps           []SliceStepSpec `json:"steps"`
}

// SlicePlanSpec is the JSON plan_spec.v1 document doc_import_slice_plan
// parses: an objective, a definition-of-done, and 3-10 tasks each broken
// into 3-10 steps.
type SlicePlanSpec struct {
	Title             string   `json:"title"`
	Objective         string   `json:"objective"`
	NonGoals          []string `json:"non_goals"`
	SharedContextRefs []string `json:"shared_context_refs"`
	Dod               struct {
		Criteria []string `json:"criteria"`
		Tests    []string `json:"tests"`
		Blockers []string `json:"blockers"`
	} `json:"dod"`
	Tasks []SliceTaskSpec `json:"tasks"`
}

// parseSlicePlanSpec decodes and validates a slice_plan_spec.v1 document,
// mirroring original_source's parse_slice_plan_spec: objective required,
// 3-10 tasks, each with 3-10 steps, no duplicate task or step titles within
// a task (case-insensitive).
func parseSlicePlanSpec(raw string) (*SlicePlanSpec, error) {
	var spec SlicePlanSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, errs.InvalidInput("slice_plan_spec: invalid JSON: %v", err)
	}
	spec.Objective = strings.TrimSpace(spec.Objective)
	if spec.Objective == "" {
		return nil, errs.InvalidInput("slice_plan_spec.objective is required")
	}
	if spec.Title == "" {
		title := spec.Objective
		if len(title) > 96 {
			title = title[:96]
		}
		spec.Title = "Slice: " + title
	}
	if len(spec.Tasks) < minSliceTasks || len(spec.Tasks) > maxSliceTasks {
		return nil, errs.InvalidInput("slice_plan_spec.tasks length must be in range %d..%d", minSliceTasks, maxSliceTasks)
	}

	seenTasks := make(map[string]bool, len(spec.Tasks))
	for i, task := range spec.Tasks {
		if task.Title == "" {
			return nil, errs.InvalidInput("slice_plan_spec.tasks[%d].title is required", i)
		}
		key := strings.ToLower(task.Title)
		if seenTasks[key] {
			return nil, errs.InvalidInput("slice_plan_spec.tasks: duplicate task titles are forbidden")
		}
		seenTasks[key] = true

		if len(task.Steps) < minSliceSteps || len(task.Steps) > maxSliceSteps {
			return nil, errs.InvalidInput("slice_plan_spec.tasks[%d].steps length must be in range %d..%d", i, minSliceSteps, maxSliceSteps)
		}
		seenSteps := make(map[string]bool, len(task.Steps))
		for j, step := range task.Steps {
			if step.Title == "" {
				return nil, errs.InvalidInput("slice_plan_spec.tasks[%d].steps[%d].title is required", i, j)
			}
			stepKey := strings.ToLower(step.Title)
			if seenSteps[stepKey] {
				return nil, errs.InvalidInput("slice_plan_spec.tasks[%d].steps: duplicate step titles are forbidden", i)
			}
			seenSteps[stepKey] = true
		}
	}
	return &spec, nil
}

// SlicePlanImportResult bundles the plan, tasks, and steps materialized
// from one doc_import_slice_plan call.
type SlicePlanImportResult struct {
	Plan  *Plan
	Tasks []TaskWithSteps
}

// TaskWithSteps pairs a created task with the step refs decomposed under it.
type TaskWithSteps struct {
	Task  *Task
	Steps []StepRef
}

// DocImportSlicePlan parses a raw JSON plan_spec.v1 document (not wrapped in
// a markdown fence) into a plan, its
// tasks, and each task's step decomposition, appending the raw document
// itself to the branch's doc log so a later doc_merge_plan_spec can still
// propagate it elsewhere. All in one transaction: a spec that fails partway
// through (an invalid task, a duplicate step title) leaves no partial plan
// behind.
func (s *Store) DocImportSlicePlan(ctx context.Context, workspace, branch, doc, rawSpec string) (*SlicePlanImportResult, error) {
	spec, err := parseSlicePlanSpec(rawSpec)
	if err != nil {
		return nil, err
	}
	if doc == "" {
		doc = "plan_spec.v1"
	}

	var result *SlicePlanImportResult
	txErr := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if exists, err := tx.branchExists(branch); err != nil {
			return err
		} else if !exists {
			return errs.UnknownBranch(branch)
		}

		planIn := PlanCreateInput{
			Title:       spec.Title,
			Description: spec.Objective,
			Context:     strings.Join(spec.SharedContextRefs, "\n"),
			Tags:        spec.NonGoals,
		}
		plan, err := tx.createPlan(planIn)
		if err != nil {
			return err
		}

		tasks := make([]TaskWithSteps, 0, len(spec.Tasks))
		for _, taskSpec := range spec.Tasks {
			task, err := tx.createTask(TaskCreateInput{
				ParentPlanId: plan.Id,
				Title:        taskSpec.Title,
				Description:  strings.Join(taskSpec.SuccessCriteria, "; "),
			})
			if err != nil {
				return err
			}
			stepSpecs := make([]StepSpec, 0, len(taskSpec.Steps))
			for _, step := range taskSpec.Steps {
				tests := step.Tests
				if len(tests) == 0 {
					tests = taskSpec.Tests
				}
				stepSpecs = append(stepSpecs, StepSpec{
					Title:           step.Title,
					SuccessCriteria: step.SuccessCriteria,
					Tests:           tests,
				})
			}
			refs, err := tx.stepsDecompose(task.Id, "", stepSpecs)
			if err != nil {
				return err
			}
			tasks = append(tasks, TaskWithSteps{Task: task, Steps: refs})
		}

		meta := map[string]any{"import": map[string]any{"plan_id": plan.Id, "task_count": len(tasks)}}
		if _, err := tx.appendDoc(branch, doc, "plan_spec", spec.Title, "json", meta, rawSpec); err != nil {
			return fmt.Errorf("store: append imported plan_spec doc: %w", err)
		}

		result = &SlicePlanImportResult{Plan: plan, Tasks: tasks}
		return nil
	})
	return result, txErr
}
