package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// MeshMessage mirrors one mesh_messages row, per spec §4.7's runner mesh.
type MeshMessage struct {
	ThreadId       string
	Seq            int64
	TsMs           int64
	IdempotencyKey string
	Payload        map[string]any
}

// MeshPublish appends a message to a thread, deduping on idempotency_key
// within the thread: republishing the same key is a no-op that returns the
// original message.
func (s *Store) MeshPublish(ctx context.Context, workspace, threadID, idempotencyKey string, payload map[string]any) (*MeshMessage, error) {
	var result *MeshMessage
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if idempotencyKey != "" {
			existing, err := tx.findMeshMessageByIdempotencyKey(threadID, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}
		}
		seq, err := tx.nextSeq()
		if err != nil {
			return err
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("store: marshal mesh payload: %w", err)
		}
		_, err = tx.tx.Exec(
			`INSERT INTO mesh_messages (workspace, thread_id, seq, ts_ms, idempotency_key, payload_json) VALUES (?, ?, ?, ?, ?, ?)`,
			tx.Workspace, threadID, seq, tx.NowMs, idempotencyKey, string(payloadJSON))
		if err != nil {
			return fmt.Errorf("store: publish mesh message on %s: %w", threadID, err)
		}
		result = &MeshMessage{ThreadId: threadID, Seq: seq, TsMs: tx.NowMs, IdempotencyKey: idempotencyKey, Payload: payload}
		return nil
	})
	return result, err
}

func (tx *Tx) findMeshMessageByIdempotencyKey(threadID, key string) (*MeshMessage, error) {
	var m MeshMessage
	var payloadJSON string
	row := tx.tx.QueryRow(
		`SELECT thread_id, seq, ts_ms, idempotency_key, payload_json FROM mesh_messages WHERE workspace = ? AND thread_id = ? AND idempotency_key = ?`,
		tx.Workspace, threadID, key)
	if err := row.Scan(&m.ThreadId, &m.Seq, &m.TsMs, &m.IdempotencyKey, &payloadJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find mesh message by idempotency key: %w", err)
	}
	_ = json.Unmarshal([]byte(payloadJSON), &m.Payload)
	return &m, nil
}

// MeshPull returns messages on a thread after the given cursor seq, in
// ascending seq order (oldest first).
func (s *Store) MeshPull(ctx context.Context, workspace, threadID string, afterSeq int64, limit int) ([]MeshMessage, error) {
	var out []MeshMessage
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		if limit <= 0 {
			limit = 100
		}
		rows, err := tx.tx.Query(
			`SELECT thread_id, seq, ts_ms, idempotency_key, payload_json FROM mesh_messages
			 WHERE workspace = ? AND thread_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			workspace, threadID, afterSeq, limit)
		if err != nil {
			return fmt.Errorf("store: pull mesh messages on %s: %w", threadID, err)
		}
		defer rows.Close()
		for rows.Next() {
			var m MeshMessage
			var payloadJSON string
			if err := rows.Scan(&m.ThreadId, &m.Seq, &m.TsMs, &m.IdempotencyKey, &payloadJSON); err != nil {
				return fmt.Errorf("store: scan mesh message: %w", err)
			}
			_ = json.Unmarshal([]byte(payloadJSON), &m.Payload)
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// MeshThreadSnapshot is one thread's summary row for jobs_mesh_snapshot: the
// newest published seq and how many messages the thread's slowest consumer
// has not acked, so a caller can tell at a glance whether anyone is falling
// behind without pulling every message.
type MeshThreadSnapshot struct {
	ThreadId     string
	LastSeq      int64
	UnackedCount int64
}

// MeshSnapshot summarizes every thread a workspace has published to: each
// thread's last_seq plus how many of its messages remain unacked by its
// slowest consumer (or all of them, if the thread has no consumers yet).
func (s *Store) MeshSnapshot(ctx context.Context, workspace string) ([]MeshThreadSnapshot, error) {
	var out []MeshThreadSnapshot
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		rows, err := tx.tx.Query(
			`SELECT thread_id, MAX(seq) FROM mesh_messages WHERE workspace = ? GROUP BY thread_id ORDER BY thread_id`,
			workspace)
		if err != nil {
			return fmt.Errorf("store: snapshot mesh threads: %w", err)
		}
		defer rows.Close()
		var threads []MeshThreadSnapshot
		for rows.Next() {
			var t MeshThreadSnapshot
			if err := rows.Scan(&t.ThreadId, &t.LastSeq); err != nil {
				return fmt.Errorf("store: scan mesh thread: %w", err)
			}
			threads = append(threads, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range threads {
			var minAcked sql.NullInt64
			row := tx.tx.QueryRow(`SELECT MIN(acked_seq) FROM mesh_acks WHERE workspace = ? AND thread_id = ?`, workspace, threads[i].ThreadId)
			if err := row.Scan(&minAcked); err != nil {
				return fmt.Errorf("store: read mesh acks for %s: %w", threads[i].ThreadId, err)
			}
			acked := int64(0)
			if minAcked.Valid {
				acked = minAcked.Int64
			}
			var unacked int64
			row = tx.tx.QueryRow(`SELECT COUNT(*) FROM mesh_messages WHERE workspace = ? AND thread_id = ? AND seq > ?`, workspace, threads[i].ThreadId, acked)
			if err := row.Scan(&unacked); err != nil {
				return fmt.Errorf("store: count unacked mesh messages for %s: %w", threads[i].ThreadId, err)
			}
			threads[i].UnackedCount = unacked
		}
		out = threads
		return nil
	})
	return out, err
}

// MeshAck records how far a consumer has progressed through a thread, per
// spec §4.7. Acks only move forward: acking an older seq than already
// recorded is a no-op.
func (s *Store) MeshAck(ctx context.Context, workspace, threadID, consumerID string, ackedSeq int64) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		var current int64
		row := tx.tx.QueryRow(`SELECT acked_seq FROM mesh_acks WHERE workspace = ? AND thread_id = ? AND consumer_id = ?`, tx.Workspace, threadID, consumerID)
		err := row.Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("store: read mesh ack: %w", err)
		}
		if ackedSeq <= current {
			return nil
		}
		_, err = tx.tx.Exec(
			`INSERT INTO mesh_acks (workspace, thread_id, consumer_id, acked_seq, updated_at_ms) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(workspace, thread_id, consumer_id) DO UPDATE SET acked_seq = excluded.acked_seq, updated_at_ms = excluded.updated_at_ms`,
			tx.Workspace, threadID, consumerID, ackedSeq, tx.NowMs)
		if err != nil {
			return fmt.Errorf("store: ack mesh thread %s: %w", threadID, err)
		}
		return nil
	})
}
