package store

import (
	"context"
	"testing"
)

func TestMeshPublishDedupesOnIdempotencyKey(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	first, err := s.MeshPublish(ctx, "ws1", "thread-1", "idem-1", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := s.MeshPublish(ctx, "ws1", "thread-1", "idem-1", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("publish again: %v", err)
	}
	if second.Seq != first.Seq {
		t.Fatalf("expected duplicate idempotency key to return the original message, got seq %d vs %d", second.Seq, first.Seq)
	}

	messages, err := s.MeshPull(ctx, "ws1", "thread-1", 0, 100)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected exactly one message on the thread, got %d", len(messages))
	}
}

func TestMeshAckOnlyMovesForward(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.MeshPublish(ctx, "ws1", "thread-1", "", map[string]any{"i": i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if err := s.MeshAck(ctx, "ws1", "thread-1", "consumer-a", 2); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.MeshAck(ctx, "ws1", "thread-1", "consumer-a", 1); err != nil {
		t.Fatalf("ack backward: %v", err)
	}

	var acked int64
	row := s.DB().QueryRow(`SELECT acked_seq FROM mesh_acks WHERE workspace = 'ws1' AND thread_id = 'thread-1' AND consumer_id = 'consumer-a'`)
	if err := row.Scan(&acked); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if acked != 2 {
		t.Fatalf("expected ack to stay at 2 after a backward ack attempt, got %d", acked)
	}
}

func TestMeshSnapshotSummarizesUnackedCount(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.MeshPublish(ctx, "ws1", "thread-1", "", map[string]any{"i": i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if _, err := s.MeshPublish(ctx, "ws1", "thread-2", "", map[string]any{"only": true}); err != nil {
		t.Fatalf("publish thread-2: %v", err)
	}

	snapshot, err := s.MeshSnapshot(ctx, "ws1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	byThread := make(map[string]MeshThreadSnapshot, len(snapshot))
	for _, snap := range snapshot {
		byThread[snap.ThreadId] = snap
	}

	t1 := byThread["thread-1"]
	if t1.LastSeq == 0 || t1.UnackedCount != 3 {
		t.Fatalf("expected thread-1 to show 3 unacked with no consumers yet, got %+v", t1)
	}

	if err := s.MeshAck(ctx, "ws1", "thread-1", "consumer-a", t1.LastSeq-1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	snapshot, err = s.MeshSnapshot(ctx, "ws1")
	if err != nil {
		t.Fatalf("snapshot after ack: %v", err)
	}
	byThread = make(map[string]MeshThreadSnapshot, len(snapshot))
	for _, snap := range snapshot {
		byThread[snap.ThreadId] = snap
	}
	if byThread["thread-1"].UnackedCount != 1 {
		t.Fatalf("expected 1 unacked message after acking 2 of 3, got %+v", byThread["thread-1"])
	}
	if byThread["thread-2"].UnackedCount != 1 {
		t.Fatalf("expected thread-2's single message to remain unacked, got %+v", byThread["thread-2"])
	}
}
