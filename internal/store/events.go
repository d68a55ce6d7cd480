package store

import (
	"encoding/json"
	"fmt"
)

// Event mirrors one row of the append-only events log: per-workspace audit
// trail and the clock that step-lease TTLs measure themselves against.
type Event struct {
	Workspace string
	Seq       int64
	TsMs      int64
	TaskId    string
	Path      string
	EventType string
	Payload   json.RawMessage
}

// emitEvent appends an event row, allocating the next shared workspace seq.
// Mutating paths that keep an audit event call this (directly or through a
// helper) inside the enclosing WithTx so the event shares the operation's
// now_ms; graph version, anchor, job and mesh writes record no events row.
func (tx *Tx) emitEvent(eventType, taskID, path string, payload any) (int64, error) {
	seq, err := tx.nextSeq()
	if err != nil {
		return 0, err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event payload: %w", err)
	}
	_, err = tx.tx.Exec(
		`INSERT INTO events (workspace, seq, ts_ms, task_id, path, event_type, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, seq, tx.NowMs, taskID, path, eventType, string(buf),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert event %s: %w", eventType, err)
	}
	return seq, nil
}

// currentSeq returns the workspace's last-allocated seq without allocating a
// new one, used by the step-lease protocol to compare "now" against a
// lease's expires_seq.
func (tx *Tx) currentSeq() (int64, error) {
	var next int64
	row := tx.tx.QueryRow(`SELECT next_seq FROM workspaces WHERE workspace = ?`, tx.Workspace)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("store: read current seq: %w", err)
	}
	return next - 1, nil
}
