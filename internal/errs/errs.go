// Package errs implements the StoreError taxonomy from spec §4.1/§7. Every
// C3-C8 operation returns one of these types (or wraps one with fmt.Errorf
// and %w), and internal/toolserver translates them to the stable surface
// codes in the response envelope.
package errs

import "fmt"

// Code is one of the stable surface codes from spec §7.
type Code string

const (
	CodeInvalidInput             Code = "INVALID_INPUT"
	CodeUnknownID                Code = "UNKNOWN_ID"
	CodeRevisionMismatch         Code = "REVISION_MISMATCH"
	CodeStepLeaseHeld            Code = "STEP_LEASE_HELD"
	CodeStepLeaseNotHeld         Code = "STEP_LEASE_NOT_HELD"
	CodeCheckpointsNotConfirmed  Code = "CHECKPOINTS_NOT_CONFIRMED"
	CodeProofRequired            Code = "PROOF_REQUIRED"
	CodeConflict                 Code = "CONFLICT"
	CodeWorkspaceLocked          Code = "WORKSPACE_LOCKED"
	CodeWorkspaceNotAllowed      Code = "WORKSPACE_NOT_ALLOWED"
	CodeProjectGuardMismatch     Code = "PROJECT_GUARD_MISMATCH"
	CodeFeatureDisabled          Code = "FEATURE_DISABLED"
	CodeBudgetTruncated          Code = "BUDGET_TRUNCATED"
	CodeBudgetMinimal            Code = "BUDGET_MINIMAL"
	CodeBudgetClamped            Code = "BUDGET_CLAMPED"
	CodeStoreError               Code = "STORE_ERROR"
	CodeBatchFailed              Code = "BATCH_FAILED"
	CodeRateLimited              Code = "RATE_LIMITED"
)

// StoreError is the base typed error every engine operation returns.
type StoreError struct {
	Code    Code
	Message string
	// Recovery is an optional human hint for how to retry/fix the call.
	Recovery string
}

func (e *StoreError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a plain StoreError for the given code.
func New(code Code, format string, args ...any) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRecovery attaches a recovery hint and returns the same error for chaining.
func (e *StoreError) WithRecovery(hint string) *StoreError {
	e.Recovery = hint
	return e
}

func UnknownId(kind, id string) *StoreError {
	return New(CodeUnknownID, "%s %q not found", kind, id)
}

func InvalidInput(format string, args ...any) *StoreError {
	return New(CodeInvalidInput, format, args...)
}

// RateLimited reports that a caller is heartbeating/claiming faster than the
// per-runner throttle allows.
func RateLimited(runnerID string) *StoreError {
	return New(CodeRateLimited, "runner %q is heartbeating too frequently", runnerID)
}

// RevisionMismatch reports an optimistic-concurrency failure.
type RevisionMismatch struct {
	*StoreError
	Expected int64
	Actual   int64
}

func NewRevisionMismatch(expected, actual int64) *RevisionMismatch {
	return &RevisionMismatch{
		StoreError: New(CodeRevisionMismatch, "expected revision %d, got %d", expected, actual),
		Expected:   expected,
		Actual:     actual,
	}
}

// StepLeaseHeld reports a step-lease protocol violation by a non-holder.
type StepLeaseHeld struct {
	*StoreError
	StepID      string
	HolderAgent string
	NowSeq      int64
	ExpiresSeq  int64
}

func NewStepLeaseHeld(stepID, holder string, nowSeq, expiresSeq int64) *StepLeaseHeld {
	return &StepLeaseHeld{
		StoreError:  New(CodeStepLeaseHeld, "step %s leased by %s until seq %d (now %d)", stepID, holder, expiresSeq, nowSeq),
		StepID:      stepID,
		HolderAgent: holder,
		NowSeq:      nowSeq,
		ExpiresSeq:  expiresSeq,
	}
}

// StepLeaseNotHeld reports a renew/release attempted by a non-holder or against no lease.
type StepLeaseNotHeld struct {
	*StoreError
	StepID string
	Agent  string
}

func NewStepLeaseNotHeld(stepID, agent string) *StepLeaseNotHeld {
	return &StepLeaseNotHeld{
		StoreError: New(CodeStepLeaseNotHeld, "step %s has no lease held by %s", stepID, agent),
		StepID:     stepID,
		Agent:      agent,
	}
}

// CheckpointsNotConfirmed reports which checkpoints still need confirming.
type CheckpointsNotConfirmed struct {
	*StoreError
	Criteria bool
	Tests    bool
	Security bool
	Perf     bool
	Docs     bool
}

func NewCheckpointsNotConfirmed(criteria, tests, security, perf, docs bool) *CheckpointsNotConfirmed {
	return &CheckpointsNotConfirmed{
		StoreError: New(CodeCheckpointsNotConfirmed, "required checkpoints not confirmed"),
		Criteria:   criteria, Tests: tests, Security: security, Perf: perf, Docs: docs,
	}
}

// ProofMissing reports required proof_*_mode=require checkpoints lacking evidence.
type ProofMissing struct {
	*StoreError
	Tests    bool
	Security bool
	Perf     bool
	Docs     bool
}

func NewProofMissing(tests, security, perf, docs bool) *ProofMissing {
	return &ProofMissing{
		StoreError: New(CodeProofRequired, "required proof evidence missing"),
		Tests:      tests, Security: security, Perf: perf, Docs: docs,
	}
}

// JobNotClaimable reports a claim attempted against a job that isn't queued
// (or isn't a stale running lease with allow_stale).
type JobNotClaimable struct {
	*StoreError
	JobID  string
	Status string
}

func NewJobNotClaimable(jobID, status string) *JobNotClaimable {
	return &JobNotClaimable{
		StoreError: New(CodeConflict, "job %s is not claimable (status=%s)", jobID, status),
		JobID:      jobID, Status: status,
	}
}

// JobClaimMismatch reports a report/complete call whose runner_id/claim_revision
// doesn't match the job's current claim.
type JobClaimMismatch struct {
	*StoreError
	JobID string
}

func NewJobClaimMismatch(jobID string) *JobClaimMismatch {
	return &JobClaimMismatch{
		StoreError: New(CodeConflict, "job %s claim_revision/runner_id mismatch", jobID),
		JobID:      jobID,
	}
}

// JobNotRunning reports an operation requiring RUNNING status against a job
// that is not.
type JobNotRunning struct {
	*StoreError
	JobID  string
	Status string
}

func NewJobNotRunning(jobID, status string) *JobNotRunning {
	return &JobNotRunning{
		StoreError: New(CodeConflict, "job %s is not running (status=%s)", jobID, status),
		JobID:      jobID, Status: status,
	}
}

func BranchAlreadyExists(name string) *StoreError {
	return New(CodeInvalidInput, "branch %q already exists", name)
}

func UnknownBranch(name string) *StoreError {
	return New(CodeUnknownID, "branch %q not found", name)
}

func BatchFailed(format string, args ...any) *StoreError {
	return New(CodeBatchFailed, format, args...)
}

func StoreFailure(op string, err error) *StoreError {
	return New(CodeStoreError, "%s: %v", op, err)
}

// CodeOf extracts the stable surface code from any error in this taxonomy,
// including the narrower wrapper types that embed *StoreError. Returns
// CodeStoreError for errors outside the taxonomy.
func CodeOf(err error) Code {
	switch e := err.(type) {
	case *StoreError:
		return e.Code
	case *RevisionMismatch:
		return e.Code
	case *StepLeaseHeld:
		return e.Code
	case *StepLeaseNotHeld:
		return e.Code
	case *CheckpointsNotConfirmed:
		return e.Code
	case *ProofMissing:
		return e.Code
	case *JobNotClaimable:
		return e.Code
	case *JobClaimMismatch:
		return e.Code
	case *JobNotRunning:
		return e.Code
	default:
		return CodeStoreError
	}
}
