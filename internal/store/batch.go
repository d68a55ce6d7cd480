package store

import (
	"context"

	"github.com/branchmind/branchmind/internal/errs"
)

// BatchOp is one operation in a tasks_batch call. Kind selects which
// whitelisted mutation to run; the concrete args are passed through to the
// matching Store method.
type BatchOp struct {
	Kind         string
	TaskId       string
	PlanId       string
	StepSelector StepSelector
	TaskPatch    TaskEditPatch
	PlanPatch    PlanEditPatch
	StepPatch    StepDefinePatch
	Blocked      bool
	BlockReason  string
	Confirm      StepProgressConfirm
	Force        bool
}

// Batch operation kinds; these are the only intents tasks_batch may run,
// and the only ones undo() will ever be asked to reverse, per spec §4.2.
const (
	BatchEditTask     = "edit_task"
	BatchEditPlan     = "edit_plan"
	BatchStepDefine   = "step_define"
	BatchStepBlockSet = "step_block_set"
	BatchStepClose    = "step_close"
)

// BatchResult reports the per-operation outcome of tasks_batch.
type BatchResult struct {
	Applied []int
	Failed  int
	Err     error
}

// TasksBatch runs each operation serially. If atomic=true and any operation
// fails, it undoes every successfully-applied operation in reverse order
// and reports BATCH_FAILED; non-atomic batches stop at the first failure,
// keep the operations already applied, and report the failing index and
// error. Nested batches are forbidden by construction: BatchOp has no
// "batch" kind.
func (s *Store) TasksBatch(ctx context.Context, workspace string, ops []BatchOp, atomic bool) (*BatchResult, error) {
	result := &BatchResult{}
	var taskIDsTouched []string

	for i, op := range ops {
		taskID, err := s.applyBatchOp(ctx, workspace, op)
		if err != nil {
			if !atomic {
				result.Failed = i
				result.Err = err
				return result, nil
			}
			// Roll back everything applied so far, in reverse order.
			for j := len(taskIDsTouched) - 1; j >= 0; j-- {
				_, _ = s.UndoLast(ctx, workspace, taskIDsTouched[j])
			}
			return nil, errs.BatchFailed("operation %d (%s) failed: %v", i, op.Kind, err)
		}
		result.Applied = append(result.Applied, i)
		taskIDsTouched = append(taskIDsTouched, taskID)
	}
	return result, nil
}

func (s *Store) applyBatchOp(ctx context.Context, workspace string, op BatchOp) (string, error) {
	switch op.Kind {
	case BatchEditTask:
		_, err := s.EditTask(ctx, workspace, op.TaskId, op.TaskPatch)
		return op.TaskId, err
	case BatchEditPlan:
		_, err := s.EditPlan(ctx, workspace, op.PlanId, op.PlanPatch)
		return "", err
	case BatchStepDefine:
		_, err := s.StepDefine(ctx, workspace, op.TaskId, op.StepSelector, op.StepPatch)
		return op.TaskId, err
	case BatchStepBlockSet:
		_, err := s.StepBlockSet(ctx, workspace, op.TaskId, op.StepSelector, op.Blocked, op.BlockReason)
		return op.TaskId, err
	case BatchStepClose:
		_, err := s.StepClose(ctx, workspace, op.TaskId, op.StepSelector, op.Confirm, op.Force)
		return op.TaskId, err
	default:
		return "", errs.InvalidInput("unknown batch op kind %q", op.Kind)
	}
}
