package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/internal/errs"
)

// HistoryEntry mirrors one ops_history row: the undo/redo stack described in
// spec §4.2.
type HistoryEntry struct {
	Id        int64
	Workspace string
	TsMs      int64
	TaskId    string
	Path      string
	Intent    string
	Payload   json.RawMessage
	Before    json.RawMessage
	After     json.RawMessage
	Undoable  bool
	Undone    bool
}

// recordHistory appends an ops_history row. before/after may be nil for
// non-undoable intents.
func (tx *Tx) recordHistory(intent, taskID, path string, payload, before, after any, undoable bool) (int64, error) {
	payloadBuf, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("store: marshal history payload: %w", err)
	}
	beforeBuf, err := marshalOrEmpty(before)
	if err != nil {
		return 0, err
	}
	afterBuf, err := marshalOrEmpty(after)
	if err != nil {
		return 0, err
	}

	res, err := tx.tx.Exec(
		`INSERT INTO ops_history (workspace, ts_ms, task_id, path, intent, payload_json, before_json, after_json, undoable, undone)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		tx.Workspace, tx.NowMs, taskID, path, intent, string(payloadBuf), beforeBuf, afterBuf, boolToInt(undoable),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert ops_history: %w", err)
	}
	return res.LastInsertId()
}

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: marshal history snapshot: %w", err)
	}
	return string(buf), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TaskHistoryPage is task_history's paged result: a task's ops_history
// entries interleaved conceptually with its events, newest first, plus a
// cursor for the next page.
type TaskHistoryPage struct {
	History    []HistoryEntry
	Events     []Event
	NextBefore int64
	HasMore    bool
}

// TaskHistory returns a task's ops_history rows and events, newest first,
// the read-side companion to undo/redo: a caller auditing what happened to
// a task (or deciding whether to call undo) needs to see the trail, not
// just replay the top of the stack. beforeID/beforeSeq of 0 start from the
// newest row; pass NextBefore back in to page older.
func (s *Store) TaskHistory(ctx context.Context, workspace, taskID string, beforeID, beforeSeq int64, limit int) (*TaskHistoryPage, error) {
	if limit <= 0 {
		limit = 50
	}
	var result *TaskHistoryPage
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		history, err := tx.listTaskHistory(taskID, beforeID, limit+1)
		if err != nil {
			return err
		}
		events, err := tx.listTaskEvents(taskID, beforeSeq, limit+1)
		if err != nil {
			return err
		}
		page := &TaskHistoryPage{History: history, Events: events}
		if len(history) > limit {
			page.History = history[:limit]
			page.HasMore = true
		}
		if len(events) > limit {
			page.Events = events[:limit]
			page.HasMore = true
		}
		if len(page.History) > 0 {
			page.NextBefore = page.History[len(page.History)-1].Id
		}
		result = page
		return nil
	})
	return result, err
}

func (tx *Tx) listTaskHistory(taskID string, beforeID int64, limit int) ([]HistoryEntry, error) {
	query := `SELECT id, ts_ms, task_id, path, intent, payload_json, before_json, after_json, undoable, undone
		FROM ops_history WHERE workspace = ? AND task_id = ?`
	args := []any{tx.Workspace, taskID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list task history for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (tx *Tx) listTaskEvents(taskID string, beforeSeq int64, limit int) ([]Event, error) {
	query := `SELECT workspace, seq, ts_ms, task_id, path, event_type, payload_json
		FROM events WHERE workspace = ? AND task_id = ?`
	args := []any{tx.Workspace, taskID}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list task events for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.Workspace, &e.Seq, &e.TsMs, &e.TaskId, &e.Path, &e.EventType, &payload); err != nil {
			return nil, fmt.Errorf("store: scan task event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UndoLast replays the inverse of the newest undoable-not-undone ops_history
// row scoped to the task (or, if taskID is empty, the whole workspace), per
// spec §4.2's undo/redo stack.
func (s *Store) UndoLast(ctx context.Context, workspace, taskID string) (*HistoryEntry, error) {
	var result *HistoryEntry
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		entry, err := tx.findUndoable(taskID)
		if err != nil {
			return err
		}
		if entry == nil {
			return errs.InvalidInput("no undoable history entry found")
		}
		if err := tx.applyInverse(entry); err != nil {
			return err
		}
		if _, err := tx.tx.Exec(`UPDATE ops_history SET undone = 1 WHERE id = ?`, entry.Id); err != nil {
			return fmt.Errorf("store: mark undone: %w", err)
		}
		entry.Undone = true
		result = entry
		return nil
	})
	return result, err
}

// RedoLast restores the newest undone ops_history row for the task (or
// workspace), re-applying its "after" state.
func (s *Store) RedoLast(ctx context.Context, workspace, taskID string) (*HistoryEntry, error) {
	var result *HistoryEntry
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		entry, err := tx.findRedoable(taskID)
		if err != nil {
			return err
		}
		if entry == nil {
			return errs.InvalidInput("no redoable history entry found")
		}
		if err := tx.applyForward(entry); err != nil {
			return err
		}
		if _, err := tx.tx.Exec(`UPDATE ops_history SET undone = 0 WHERE id = ?`, entry.Id); err != nil {
			return fmt.Errorf("store: mark redone: %w", err)
		}
		entry.Undone = false
		result = entry
		return nil
	})
	return result, err
}

func (tx *Tx) findUndoable(taskID string) (*HistoryEntry, error) {
	query := `SELECT id, ts_ms, task_id, path, intent, payload_json, before_json, after_json, undoable, undone
		FROM ops_history WHERE workspace = ? AND undoable = 1 AND undone = 0`
	args := []any{tx.Workspace}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT 1`
	return scanHistoryEntry(tx.tx.QueryRow(query, args...))
}

func (tx *Tx) findRedoable(taskID string) (*HistoryEntry, error) {
	query := `SELECT id, ts_ms, task_id, path, intent, payload_json, before_json, after_json, undoable, undone
		FROM ops_history WHERE workspace = ? AND undoable = 1 AND undone = 1`
	args := []any{tx.Workspace}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT 1`
	return scanHistoryEntry(tx.tx.QueryRow(query, args...))
}

func scanHistoryEntry(row interface{ Scan(...any) error }) (*HistoryEntry, error) {
	var e HistoryEntry
	var payload, before, after string
	var undoable, undone int
	err := row.Scan(&e.Id, &e.TsMs, &e.TaskId, &e.Path, &e.Intent, &payload, &before, &after, &undoable, &undone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan history entry: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	if before != "" {
		e.Before = json.RawMessage(before)
	}
	if after != "" {
		e.After = json.RawMessage(after)
	}
	e.Undoable = undoable != 0
	e.Undone = undone != 0
	return &e, nil
}

// applyInverse restores the before_json snapshot for the entry's intent.
// Only intents recorded with undoable=true reach here; the switch covers
// every such intent emitted by this package.
func (tx *Tx) applyInverse(e *HistoryEntry) error {
	switch e.Intent {
	case intentEditTask, intentEditPlan, intentStepDefine, intentStepBlockSet, intentStepProgress:
		return tx.restoreSnapshot(e.Intent, e.Before)
	default:
		return errs.InvalidInput(fmt.Sprintf("intent %q is not undoable", e.Intent))
	}
}

func (tx *Tx) applyForward(e *HistoryEntry) error {
	return tx.restoreSnapshot(e.Intent, e.After)
}
