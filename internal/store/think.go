package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/ids"
)

// ThinkCard is the payload of one think_commit call, per spec §4.5.
type ThinkCard struct {
	Id         string
	Type       string
	Title      string
	Text       string
	Status     string
	Tags       []string
	Meta       map[string]any
	Content    string
	PayloadJSON map[string]any
}

// ThinkCommitInput is think_commit's full argument set.
type ThinkCommitInput struct {
	Branch    string
	TraceDoc  string
	GraphDoc  string
	Card      ThinkCard
	Supports  []string
	Blocks    []string
}

// ThinkCommitResult is think_commit's return shape.
type ThinkCommitResult struct {
	Inserted      bool
	NodesUpserted int
	EdgesUpserted int
	LastSeq       int64
	CardId        string
	Fingerprint   string
}

// ThinkCommit atomically records a think-card note in the trace doc and
// mirrors it into the versioned graph, per spec §4.5. Re-committing the same
// card with the same canonical payload is a no-op; re-committing the same
// card id with a different payload is rejected.
func (s *Store) ThinkCommit(ctx context.Context, workspace string, in ThinkCommitInput) (*ThinkCommitResult, error) {
	key := workspace + "\x00" + in.Branch + "\x00" + in.Card.Id
	v, err, _ := s.thinkCommitGroup.Do(key, func() (any, error) {
		return s.thinkCommitLocked(ctx, workspace, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ThinkCommitResult), nil
}

func (s *Store) thinkCommitLocked(ctx context.Context, workspace string, in ThinkCommitInput) (*ThinkCommitResult, error) {
	result := &ThinkCommitResult{CardId: in.Card.Id}
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if exists, err := tx.branchExists(in.Branch); err != nil {
			return err
		} else if !exists {
			return errs.UnknownBranch(in.Branch)
		}
		if _, err := ids.GraphNodeId(in.Card.Id); err != nil {
			return err
		}

		fingerprint := canonicalFingerprint(in.Card.PayloadJSON)
		result.Fingerprint = fingerprint

		sources, err := tx.ancestorChain(in.Branch)
		if err != nil {
			return err
		}
		existing, err := tx.findTraceNoteByCardID(sources, in.TraceDoc, in.Card.Id)
		if err != nil {
			return err
		}
		if existing != nil {
			existingFingerprint, _ := existing.Meta["fingerprint"].(string)
			if existingFingerprint == fingerprint {
				return nil // idempotent: inserted stays false, counts stay 0
			}
			return errs.InvalidInput("card payload mismatch for existing id %q", in.Card.Id)
		}

		noteMeta := map[string]any{"card_id": in.Card.Id, "fingerprint": fingerprint}
		if _, err := tx.appendDoc(in.Branch, in.TraceDoc, "note", in.Card.Title, "", noteMeta, in.Card.Content); err != nil {
			return err
		}

		ops := []GraphOp{{NodeUpsert: &NodeUpsert{
			Id: in.Card.Id, Type: in.Card.Type, Title: in.Card.Title, Text: in.Card.Text,
			Tags: in.Card.Tags, Status: in.Card.Status, Meta: in.Card.Meta,
		}}}
		for _, s := range in.Supports {
			ops = append(ops, GraphOp{EdgeUpsert: &EdgeUpsert{From: in.Card.Id, Rel: "supports", To: s}})
		}
		for _, b := range in.Blocks {
			ops = append(ops, GraphOp{EdgeUpsert: &EdgeUpsert{From: in.Card.Id, Rel: "blocks", To: b}})
		}
		for _, op := range ops {
			switch {
			case op.NodeUpsert != nil:
				n := op.NodeUpsert
				tags, err := ids.NormalizeTags(n.Tags)
				if err != nil {
					return err
				}
				seq, err := tx.writeNodeVersion(in.Branch, in.GraphDoc, n.Id, n.Type, n.Title, n.Text, tags, n.Status, n.Meta, false)
				if err != nil {
					return err
				}
				result.NodesUpserted++
				result.LastSeq = seq
			case op.EdgeUpsert != nil:
				e := op.EdgeUpsert
				if _, err := ids.GraphNodeId(e.To); err != nil {
					return err
				}
				seq, err := tx.writeEdgeVersion(in.Branch, in.GraphDoc, e.From, e.Rel, e.To, nil, false)
				if err != nil {
					return err
				}
				result.EdgesUpserted++
				result.LastSeq = seq
			}
		}

		if in.Card.Type == "knowledge" {
			if err := tx.indexKnowledgeKey(in.Card); err != nil {
				return err
			}
		}

		result.Inserted = true
		return nil
	})
	return result, err
}

func (tx *Tx) findTraceNoteByCardID(sources []visibleSource, traceDoc, cardID string) (*DocEntry, error) {
	entries, err := tx.visibleDocEntries(sources, traceDoc, 0, 1000000)
	if err != nil {
		return nil, err
	}
	var latest *DocEntry
	for i := range entries {
		e := &entries[i]
		if e.Kind != "note" {
			continue
		}
		if id, _ := e.Meta["card_id"].(string); id != cardID {
			continue
		}
		if latest == nil || e.Seq > latest.Seq {
			latest = e
		}
	}
	return latest, nil
}

// canonicalFingerprint sorts tags and object keys, strips null values, and
// hashes the result, so semantically identical payloads fingerprint equal
// regardless of field order, per spec §4.5.
func canonicalFingerprint(payload map[string]any) string {
	canonical := canonicalizeValue(payload)
	b, _ := json.Marshal(canonical)
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func canonicalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, canonicalizeValue(t[k]))
		}
		return out
	case []any:
		strs := make([]string, len(t))
		canon := make([]any, len(t))
		allStrings := true
		for i, e := range t {
			canon[i] = canonicalizeValue(e)
			if s, ok := canon[i].(string); ok {
				strs[i] = s
			} else {
				allStrings = false
			}
		}
		if allStrings {
			sort.Strings(strs)
			out := make([]any, len(strs))
			for i, s := range strs {
				out[i] = s
			}
			return out
		}
		return canon
	default:
		return t
	}
}

// indexKnowledgeKey upserts (anchor_id, key) -> card_id for a knowledge card
// tagged with a k:<slug> tag and at least one a:<id> anchor tag, per spec
// §4.5; when several k: tags are present the last one is used. Anchor refs
// are normalized through anchor_aliases first.
func (tx *Tx) indexKnowledgeKey(card ThinkCard) error {
	var key string
	var anchorTags []string
	for _, tag := range card.Tags {
		switch {
		case len(tag) > 2 && tag[:2] == "k:":
			key = tag[2:]
		case len(tag) > 2 && tag[:2] == "a:":
			anchorTags = append(anchorTags, tag[2:])
		}
	}
	if key == "" || len(anchorTags) == 0 {
		return nil
	}
	for _, rawAnchor := range anchorTags {
		anchorID, err := tx.resolveAnchorAlias(rawAnchor)
		if err != nil {
			return err
		}
		_, err = tx.tx.Exec(
			`INSERT INTO knowledge_keys (workspace, anchor_id, key, card_id, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(workspace, anchor_id, key) DO UPDATE SET card_id = excluded.card_id, updated_at_ms = excluded.updated_at_ms`,
			tx.Workspace, anchorID, key, card.Id, tx.NowMs, tx.NowMs)
		if err != nil {
			return fmt.Errorf("store: index knowledge key %s/%s: %w", anchorID, key, err)
		}
	}
	return nil
}
