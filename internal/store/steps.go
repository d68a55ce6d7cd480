package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/ids"
)

// Step is the in-memory projection of a steps row.
type Step struct {
	StepId            string
	TaskId             string
	ParentStepId       string
	Ordinal            int
	Path               string
	Title              string
	SuccessCriteria    []string
	Tests              []string
	Blockers           []string
	NextAction         string
	StopCriteria       string
	Completed          bool
	CompletedAtMs      *int64
	Blocked            bool
	BlockedReason      string
	CriteriaConfirmed  bool
	TestsConfirmed     bool
	SecurityConfirmed  bool
	PerfConfirmed      bool
	DocsConfirmed      bool
	ProofTestsMode     string
	ProofSecurityMode  string
	ProofPerfMode      string
	ProofDocsMode      string
	CreatedAtMs        int64
	UpdatedAtMs        int64
}

// StepSelector resolves to a step_id, preferring an explicit one and
// otherwise deriving it from path, per spec §4.2.
type StepSelector struct {
	StepId string
	Path   string
}

// StepRef is what steps_decompose returns per inserted step.
type StepRef struct {
	StepId string
	Path   string
}

func (tx *Tx) resolveStep(taskID string, sel StepSelector) (*Step, error) {
	if sel.StepId != "" {
		return tx.getStep(sel.StepId)
	}
	if sel.Path != "" {
		if _, err := ids.ParseStepPath(sel.Path); err != nil {
			return nil, err
		}
		return tx.getStepByPath(taskID, sel.Path)
	}
	return nil, errs.InvalidInput("step selector requires step_id or path")
}

func (tx *Tx) getStep(stepID string) (*Step, error) {
	row := tx.tx.QueryRow(stepSelectSQL+` WHERE workspace = ? AND step_id = ?`, tx.Workspace, stepID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeUnknownID, "step %q not found", stepID)
	}
	return st, err
}

func (tx *Tx) getStepByPath(taskID, path string) (*Step, error) {
	row := tx.tx.QueryRow(stepSelectSQL+` WHERE workspace = ? AND task_id = ? AND path = ?`, tx.Workspace, taskID, path)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeUnknownID, "step at path %q not found", path)
	}
	return st, err
}

const stepSelectSQL = `SELECT step_id, task_id, parent_step_id, ordinal, path, title,
	success_criteria_json, tests_json, blockers_json, next_action, stop_criteria,
	completed, completed_at_ms, blocked, blocked_reason,
	criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
	proof_tests_mode, proof_security_mode, proof_perf_mode, proof_docs_mode,
	created_at_ms, updated_at_ms
	FROM steps`

func scanStep(row *sql.Row) (*Step, error) {
	var st Step
	var successJSON, testsJSON, blockersJSON string
	var completedAt sql.NullInt64
	err := row.Scan(&st.StepId, &st.TaskId, &st.ParentStepId, &st.Ordinal, &st.Path, &st.Title,
		&successJSON, &testsJSON, &blockersJSON, &st.NextAction, &st.StopCriteria,
		&st.Completed, &completedAt, &st.Blocked, &st.BlockedReason,
		&st.CriteriaConfirmed, &st.TestsConfirmed, &st.SecurityConfirmed, &st.PerfConfirmed, &st.DocsConfirmed,
		&st.ProofTestsMode, &st.ProofSecurityMode, &st.ProofPerfMode, &st.ProofDocsMode,
		&st.CreatedAtMs, &st.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(successJSON), &st.SuccessCriteria)
	_ = json.Unmarshal([]byte(testsJSON), &st.Tests)
	_ = json.Unmarshal([]byte(blockersJSON), &st.Blockers)
	if completedAt.Valid {
		st.CompletedAtMs = &completedAt.Int64
	}
	return &st, nil
}

func (tx *Tx) insertStep(st *Step) error {
	successJSON, _ := json.Marshal(st.SuccessCriteria)
	testsJSON, _ := json.Marshal(st.Tests)
	blockersJSON, _ := json.Marshal(st.Blockers)
	_, err := tx.tx.Exec(
		`INSERT INTO steps (workspace, step_id, task_id, parent_step_id, ordinal, path, title,
		 success_criteria_json, tests_json, blockers_json, next_action, stop_criteria,
		 completed, completed_at_ms, blocked, blocked_reason,
		 criteria_confirmed, tests_confirmed, security_confirmed, perf_confirmed, docs_confirmed,
		 proof_tests_mode, proof_security_mode, proof_perf_mode, proof_docs_mode,
		 created_at_ms, updated_at_ms)
		 VALUES (?,?,?,?,?,?,?, ?,?,?,?,?, ?,?,?,?, ?,?,?,?,?, ?,?,?,?, ?,?)`,
		tx.Workspace, st.StepId, st.TaskId, st.ParentStepId, st.Ordinal, st.Path, st.Title,
		string(successJSON), string(testsJSON), string(blockersJSON), st.NextAction, st.StopCriteria,
		st.Completed, nullableInt64(st.CompletedAtMs), st.Blocked, st.BlockedReason,
		st.CriteriaConfirmed, st.TestsConfirmed, st.SecurityConfirmed, st.PerfConfirmed, st.DocsConfirmed,
		st.ProofTestsMode, st.ProofSecurityMode, st.ProofPerfMode, st.ProofDocsMode,
		st.CreatedAtMs, st.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("store: insert step %s: %w", st.StepId, err)
	}
	return nil
}

func (tx *Tx) updateStep(st *Step) error {
	successJSON, _ := json.Marshal(st.SuccessCriteria)
	testsJSON, _ := json.Marshal(st.Tests)
	blockersJSON, _ := json.Marshal(st.Blockers)
	_, err := tx.tx.Exec(
		`UPDATE steps SET title=?, success_criteria_json=?, tests_json=?, blockers_json=?,
		 next_action=?, stop_criteria=?, completed=?, completed_at_ms=?, blocked=?, blocked_reason=?,
		 criteria_confirmed=?, tests_confirmed=?, security_confirmed=?, perf_confirmed=?, docs_confirmed=?,
		 proof_tests_mode=?, proof_security_mode=?, proof_perf_mode=?, proof_docs_mode=?, updated_at_ms=?
		 WHERE workspace=? AND step_id=?`,
		st.Title, string(successJSON), string(testsJSON), string(blockersJSON),
		st.NextAction, st.StopCriteria, st.Completed, nullableInt64(st.CompletedAtMs), st.Blocked, st.BlockedReason,
		st.CriteriaConfirmed, st.TestsConfirmed, st.SecurityConfirmed, st.PerfConfirmed, st.DocsConfirmed,
		st.ProofTestsMode, st.ProofSecurityMode, st.ProofPerfMode, st.ProofDocsMode, st.UpdatedAtMs,
		tx.Workspace, st.StepId,
	)
	if err != nil {
		return fmt.Errorf("store: update step %s: %w", st.StepId, err)
	}
	return nil
}

func nullableInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// StepSpec is one caller-supplied step in steps_decompose.
type StepSpec struct {
	StepId          string
	Title           string
	SuccessCriteria []string
	Tests           []string
}

// StepsDecompose inserts N new steps under the root or a specified parent,
// dense ordinal starting at max+1, per spec §4.2.
func (s *Store) StepsDecompose(ctx context.Context, workspace, taskID, parentPath string, specs []StepSpec) ([]StepRef, error) {
	var result []StepRef
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		refs, err := tx.stepsDecompose(taskID, parentPath, specs)
		result = refs
		return err
	})
	return result, err
}

// stepsDecompose is StepsDecompose's transaction body, factored out so
// composite operations (tasks_bootstrap) can run it inside a transaction
// they already hold open, instead of nesting a second WithTx call.
func (tx *Tx) stepsDecompose(taskID, parentPath string, specs []StepSpec) ([]StepRef, error) {
	if _, err := tx.getTask(taskID); err != nil {
		return nil, err
	}
	parent := ids.RootStepPath()
	if parentPath != "" {
		p, err := ids.ParseStepPath(parentPath)
		if err != nil {
			return nil, err
		}
		parent = p
	}

	maxOrdinal, err := tx.maxSiblingOrdinal(taskID, parent.String())
	if err != nil {
		return nil, err
	}

	refs := make([]StepRef, 0, len(specs))
	for i, spec := range specs {
		if spec.Title == "" {
			return nil, errs.InvalidInput("step title must not be empty")
		}
		ordinal := maxOrdinal + 1 + i
		path := parent.Child(ordinal)
		stepID := spec.StepId
		if stepID == "" {
			stepID = fmt.Sprintf("%s-%s", taskID, path.String())
		}
		st := &Step{
			StepId: stepID, TaskId: taskID, ParentStepId: "", Ordinal: ordinal, Path: path.String(),
			Title: spec.Title, SuccessCriteria: spec.SuccessCriteria, Tests: spec.Tests,
			ProofTestsMode: "off", ProofSecurityMode: "off", ProofPerfMode: "off", ProofDocsMode: "off",
			CreatedAtMs: tx.NowMs, UpdatedAtMs: tx.NowMs,
		}
		if parentID, ok := tx.stepIDAtPath(taskID, parent); ok {
			st.ParentStepId = parentID
		}
		if err := tx.insertStep(st); err != nil {
			return nil, err
		}
		if _, err := tx.emitEvent("step_created", taskID, st.Path, map[string]any{"step_id": stepID, "path": st.Path}); err != nil {
			return nil, err
		}
		refs = append(refs, StepRef{StepId: stepID, Path: st.Path})
	}
	return refs, nil
}

func (tx *Tx) maxSiblingOrdinal(taskID, parentPath string) (int, error) {
	var max sql.NullInt64
	query := `SELECT MAX(ordinal) FROM steps WHERE workspace = ? AND task_id = ? AND parent_step_id = (
			SELECT step_id FROM steps WHERE workspace = ? AND task_id = ? AND path = ?
		)`
	args := []any{tx.Workspace, taskID, tx.Workspace, taskID, parentPath}
	if parentPath == ids.RootStepPath().String() {
		// No row sits at the root path; root steps carry an empty parent_step_id.
		query = `SELECT MAX(ordinal) FROM steps WHERE workspace = ? AND task_id = ? AND parent_step_id = ''`
		args = []any{tx.Workspace, taskID}
	}
	err := tx.tx.QueryRow(query, args...).Scan(&max)
	if err != nil {
		return -1, fmt.Errorf("store: max sibling ordinal: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

func (tx *Tx) stepIDAtPath(taskID string, path ids.StepPath) (string, bool) {
	if path.Depth() == 0 {
		return "", false
	}
	var stepID string
	err := tx.tx.QueryRow(`SELECT step_id FROM steps WHERE workspace = ? AND task_id = ? AND path = ?`,
		tx.Workspace, taskID, path.String()).Scan(&stepID)
	if err != nil {
		return "", false
	}
	return stepID, true
}

// StepDefinePatch carries optional fields for step_define; nil/unset means
// "leave unchanged".
type StepDefinePatch struct {
	Title             *string
	SuccessCriteria   []string
	SuccessCriteriaSet bool
	Tests             []string
	TestsSet          bool
	Blockers          []string
	BlockersSet       bool
	NextAction        *string
	StopCriteria      *string
	ProofTestsMode    *string
	ProofSecurityMode *string
	ProofPerfMode     *string
	ProofDocsMode     *string
}

// StepDefine replaces listed fields on the selected step.
func (s *Store) StepDefine(ctx context.Context, workspace, taskID string, sel StepSelector, patch StepDefinePatch) (*Step, error) {
	var result *Step
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		before, err := tx.resolveStep(taskID, sel)
		if err != nil {
			return err
		}
		if err := tx.enforceStepLease(before.StepId, ""); err != nil {
			return err
		}

		after := *before
		if patch.Title != nil {
			after.Title = *patch.Title
		}
		if patch.SuccessCriteriaSet {
			after.SuccessCriteria = patch.SuccessCriteria
		}
		if patch.TestsSet {
			after.Tests = patch.Tests
		}
		if patch.BlockersSet {
			after.Blockers = patch.Blockers
		}
		if patch.NextAction != nil {
			after.NextAction = *patch.NextAction
		}
		if patch.StopCriteria != nil {
			after.StopCriteria = *patch.StopCriteria
		}
		if patch.ProofTestsMode != nil {
			after.ProofTestsMode = *patch.ProofTestsMode
		}
		if patch.ProofSecurityMode != nil {
			after.ProofSecurityMode = *patch.ProofSecurityMode
		}
		if patch.ProofPerfMode != nil {
			after.ProofPerfMode = *patch.ProofPerfMode
		}
		if patch.ProofDocsMode != nil {
			after.ProofDocsMode = *patch.ProofDocsMode
		}
		after.UpdatedAtMs = tx.NowMs

		if err := tx.updateStep(&after); err != nil {
			return err
		}
		if _, err := tx.emitEvent("step_defined", taskID, after.Path, map[string]any{"step_id": after.StepId}); err != nil {
			return err
		}
		if _, err := tx.recordHistory(intentStepDefine, taskID, after.Path, patch, before, &after, true); err != nil {
			return err
		}
		result = &after
		return nil
	})
	return result, err
}

// StepBlockSet sets or clears the step's blocked flag and optional reason.
func (s *Store) StepBlockSet(ctx context.Context, workspace, taskID string, sel StepSelector, blocked bool, reason string) (*Step, error) {
	var result *Step
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		before, err := tx.resolveStep(taskID, sel)
		if err != nil {
			return err
		}
		if err := tx.enforceStepLease(before.StepId, ""); err != nil {
			return err
		}
		after := *before
		after.Blocked = blocked
		after.BlockedReason = reason
		after.UpdatedAtMs = tx.NowMs

		if err := tx.updateStep(&after); err != nil {
			return err
		}
		eventType := "step_unblocked"
		if blocked {
			eventType = "step_blocked"
		}
		if _, err := tx.emitEvent(eventType, taskID, after.Path, map[string]any{"step_id": after.StepId, "reason": reason}); err != nil {
			return err
		}
		if _, err := tx.recordHistory(intentStepBlockSet, taskID, after.Path, map[string]any{"blocked": blocked, "reason": reason}, before, &after, true); err != nil {
			return err
		}
		result = &after
		return nil
	})
	return result, err
}

// StepProgressConfirm carries the confirmation booleans step_close inspects.
type StepProgressConfirm struct {
	CriteriaConfirmed *bool
	TestsConfirmed    *bool
	SecurityConfirmed *bool
	PerfConfirmed     *bool
	DocsConfirmed     *bool
}

// StepClose inspects the confirmation booleans and required checkpoints; on
// success marks the step completed and emits step_verified then step_done
// with the same ts_ms, per spec §4.2.
func (s *Store) StepClose(ctx context.Context, workspace, taskID string, sel StepSelector, confirm StepProgressConfirm, force bool) (*Step, error) {
	var result *Step
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		before, err := tx.resolveStep(taskID, sel)
		if err != nil {
			return err
		}
		if err := tx.enforceStepLease(before.StepId, ""); err != nil {
			return err
		}

		after := *before
		if confirm.CriteriaConfirmed != nil {
			after.CriteriaConfirmed = *confirm.CriteriaConfirmed
		}
		if confirm.TestsConfirmed != nil {
			after.TestsConfirmed = *confirm.TestsConfirmed
		}
		if confirm.SecurityConfirmed != nil {
			after.SecurityConfirmed = *confirm.SecurityConfirmed
		}
		if confirm.PerfConfirmed != nil {
			after.PerfConfirmed = *confirm.PerfConfirmed
		}
		if confirm.DocsConfirmed != nil {
			after.DocsConfirmed = *confirm.DocsConfirmed
		}

		if !force {
			required, err := tx.explicitCheckpoints("step", after.StepId)
			if err != nil {
				return err
			}
			if !after.CriteriaConfirmed || !after.TestsConfirmed {
				return errs.NewCheckpointsNotConfirmed(!after.CriteriaConfirmed, !after.TestsConfirmed, false, false, false)
			}
			needSecurity := required["security"] || after.ProofSecurityMode == "require"
			needPerf := required["perf"] || after.ProofPerfMode == "require"
			needDocs := required["docs"] || after.ProofDocsMode == "require"
			if (needSecurity && !after.SecurityConfirmed) || (needPerf && !after.PerfConfirmed) || (needDocs && !after.DocsConfirmed) {
				return errs.NewCheckpointsNotConfirmed(false, false, needSecurity && !after.SecurityConfirmed, needPerf && !after.PerfConfirmed, needDocs && !after.DocsConfirmed)
			}

			missingTests, missingSecurity, missingPerf, missingDocs := false, false, false, false
			if after.ProofTestsMode == "require" {
				missingTests, err = tx.missingEvidence("step", after.StepId, "tests")
				if err != nil {
					return err
				}
			}
			if after.ProofSecurityMode == "require" {
				missingSecurity, err = tx.missingEvidence("step", after.StepId, "security")
				if err != nil {
					return err
				}
			}
			if after.ProofPerfMode == "require" {
				missingPerf, err = tx.missingEvidence("step", after.StepId, "perf")
				if err != nil {
					return err
				}
			}
			if after.ProofDocsMode == "require" {
				missingDocs, err = tx.missingEvidence("step", after.StepId, "docs")
				if err != nil {
					return err
				}
			}
			if missingTests || missingSecurity || missingPerf || missingDocs {
				return errs.NewProofMissing(missingTests, missingSecurity, missingPerf, missingDocs)
			}
		}

		completedAt := tx.NowMs
		after.Completed = true
		after.CompletedAtMs = &completedAt
		after.UpdatedAtMs = tx.NowMs

		if err := tx.updateStep(&after); err != nil {
			return err
		}
		if _, err := tx.emitEvent("step_verified", taskID, after.Path, map[string]any{"step_id": after.StepId}); err != nil {
			return err
		}
		if _, err := tx.emitEvent("step_done", taskID, after.Path, map[string]any{"step_id": after.StepId}); err != nil {
			return err
		}
		if _, err := tx.recordHistory(intentStepProgress, taskID, after.Path, map[string]any{"force": force}, before, &after, true); err != nil {
			return err
		}
		result = &after
		return nil
	})
	return result, err
}

func (tx *Tx) explicitCheckpoints(entityKind, entityID string) (map[string]bool, error) {
	rows, err := tx.tx.Query(`SELECT checkpoint FROM checkpoint_required WHERE workspace = ? AND entity_kind = ? AND entity_id = ?`,
		tx.Workspace, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("store: read checkpoint_required: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var cp string
		if err := rows.Scan(&cp); err != nil {
			return nil, fmt.Errorf("store: scan checkpoint_required: %w", err)
		}
		out[cp] = true
	}
	return out, nil
}

func (tx *Tx) missingEvidence(entityKind, entityID, checkpoint string) (bool, error) {
	var n int
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM checkpoint_evidence WHERE workspace = ? AND entity_kind = ? AND entity_id = ? AND checkpoint = ?`,
		tx.Workspace, entityKind, entityID, checkpoint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check checkpoint evidence: %w", err)
	}
	return n == 0, nil
}

// CheckpointRequire adds an explicit checkpoint requirement row for an
// entity (spec §3 checkpoint_required).
func (s *Store) CheckpointRequire(ctx context.Context, workspace, entityKind, entityID, checkpoint string) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		_, err := tx.tx.Exec(
			`INSERT INTO checkpoint_required (workspace, entity_kind, entity_id, checkpoint, created_at_ms)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			tx.Workspace, entityKind, entityID, checkpoint, tx.NowMs)
		if err != nil {
			return fmt.Errorf("store: require checkpoint: %w", err)
		}
		return nil
	})
}

// EvidenceArtifact is one attached evidence item for EvidenceCapture.
type EvidenceArtifact struct {
	Kind        string
	Command     string
	Stdout      string
	Stderr      string
	ExitCode    *int
	Diff        string
	Content     string
	Url         string
	ExternalUri string
	Meta        map[string]any
}

// EvidenceCapture records checkpoint_evidence refs and evidence_items rows
// for the given checkpoints/artifacts, per spec §3.
func (s *Store) EvidenceCapture(ctx context.Context, workspace, entityKind, entityID string, checkpoints []string, artifacts []EvidenceArtifact) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		for i, a := range artifacts {
			metaJSON, err := json.Marshal(a.Meta)
			if err != nil {
				return fmt.Errorf("store: marshal evidence meta: %w", err)
			}
			ref := fmt.Sprintf("%s:%s:artifact:%d", entityKind, entityID, i)
			_, err = tx.tx.Exec(
				`INSERT INTO evidence_items (workspace, entity_kind, entity_id, item_kind, ordinal, kind, command, stdout, stderr, exit_code, diff, content, url, external_uri, meta_json, created_at_ms)
				 VALUES (?, ?, ?, 'artifact', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				tx.Workspace, entityKind, entityID, i, a.Kind, a.Command, a.Stdout, a.Stderr,
				nullableIntPtr(a.ExitCode), a.Diff, a.Content, a.Url, a.ExternalUri, string(metaJSON), tx.NowMs)
			if err != nil {
				return fmt.Errorf("store: insert evidence artifact: %w", err)
			}
			for _, cp := range checkpoints {
				if _, err := tx.tx.Exec(
					`INSERT INTO checkpoint_evidence (workspace, entity_kind, entity_id, checkpoint, ordinal, ref, created_at_ms)
					 VALUES (?, ?, ?, ?, ?, ?, ?)`,
					tx.Workspace, entityKind, entityID, cp, i, ref, tx.NowMs); err != nil {
					return fmt.Errorf("store: insert checkpoint evidence: %w", err)
				}
			}
		}
		_, err := tx.emitEvent("evidence_captured", "", "", map[string]any{"entity_kind": entityKind, "entity_id": entityID, "checkpoints": checkpoints})
		return err
	})
}

func nullableIntPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
