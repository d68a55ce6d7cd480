package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/internal/errs"
)

// Branch mirrors one branches row: a named lineage with an optional parent
// and the workspace seq at which it forked.
type Branch struct {
	Name        string
	BaseBranch  string
	BaseSeq     int64
	CreatedAtMs int64
}

// DocEntry mirrors one doc_entries row.
type DocEntry struct {
	Branch string
	Doc    string
	Seq    int64
	TsMs   int64
	Kind   string
	Title  string
	Format string
	Meta   map[string]any
	Content string
}

// BranchCreate requires the parent branch to exist when from is given (an
// empty from creates a root branch with no parent, whatever its name) and
// stamps base_seq at the current workspace seq, per spec §4.3.
func (s *Store) BranchCreate(ctx context.Context, workspace, name, from string) (*Branch, error) {
	var result *Branch
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if exists, err := tx.branchExists(name); err != nil {
			return err
		} else if exists {
			return errs.BranchAlreadyExists(name)
		}
		if from != "" {
			if exists, err := tx.branchExists(from); err != nil {
				return err
			} else if !exists {
				return errs.UnknownBranch(from)
			}
		}
		baseSeq, err := tx.currentSeq()
		if err != nil {
			return err
		}
		b := &Branch{Name: name, BaseBranch: from, BaseSeq: baseSeq, CreatedAtMs: tx.NowMs}
		if _, err := tx.tx.Exec(
			`INSERT INTO branches (workspace, name, base_branch, base_seq, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
			tx.Workspace, b.Name, b.BaseBranch, b.BaseSeq, b.CreatedAtMs); err != nil {
			return fmt.Errorf("store: insert branch %s: %w", name, err)
		}
		if _, err := tx.emitEvent("branch_created", "", "", map[string]any{"name": name, "from": from}); err != nil {
			return err
		}
		result = b
		return nil
	})
	return result, err
}

func (tx *Tx) branchExists(name string) (bool, error) {
	var n int
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM branches WHERE workspace = ? AND name = ?`, tx.Workspace, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check branch exists: %w", err)
	}
	return n > 0, nil
}

func (tx *Tx) getBranch(name string) (*Branch, error) {
	var b Branch
	row := tx.tx.QueryRow(`SELECT name, base_branch, base_seq, created_at_ms FROM branches WHERE workspace = ? AND name = ?`, tx.Workspace, name)
	if err := row.Scan(&b.Name, &b.BaseBranch, &b.BaseSeq, &b.CreatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.UnknownBranch(name)
		}
		return nil, fmt.Errorf("store: get branch %s: %w", name, err)
	}
	return &b, nil
}

// BranchCheckout persists the workspace's current_branch pointer.
func (s *Store) BranchCheckout(ctx context.Context, workspace, name string) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		if exists, err := tx.branchExists(name); err != nil {
			return err
		} else if !exists {
			return errs.UnknownBranch(name)
		}
		_, err := tx.tx.Exec(`UPDATE workspaces SET current_branch = ?, updated_at_ms = ? WHERE workspace = ?`, name, tx.NowMs, tx.Workspace)
		if err != nil {
			return fmt.Errorf("store: checkout branch %s: %w", name, err)
		}
		return nil
	})
}

// visibleSource is one link in the ancestor chain with the seq cutoff above
// which its entries are NOT visible from the query branch (a negative
// cutoff means no cutoff, i.e. the query branch itself).
type visibleSource struct {
	Branch string
	Cutoff int64 // inclusive upper bound on seq; <0 means unbounded
}

// ancestorChain walks the branch's parent links, per spec §4.3's ancestor
// union. Bounded to guard against a cyclic branch graph, which should never
// occur since base_branch must exist at creation time.
func (tx *Tx) ancestorChain(branch string) ([]visibleSource, error) {
	const maxHops = 1000
	sources := []visibleSource{{Branch: branch, Cutoff: -1}}
	current := branch
	cutoff := int64(-1)
	for hop := 0; hop < maxHops; hop++ {
		b, err := tx.getBranch(current)
		if err != nil {
			return nil, err
		}
		if b.BaseBranch == "" {
			break
		}
		cutoff = b.BaseSeq
		sources = append(sources, visibleSource{Branch: b.BaseBranch, Cutoff: cutoff})
		current = b.BaseBranch
	}
	return sources, nil
}

// DocAppend appends a row with a fresh shared workspace seq, creating the
// (branch, doc) pair implicitly on first append, per spec §4.3.
func (s *Store) DocAppend(ctx context.Context, workspace, branch, doc, kind, title, format string, meta map[string]any, content string) (*DocEntry, error) {
	var result *DocEntry
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if exists, err := tx.branchExists(branch); err != nil {
			return err
		} else if !exists {
			return errs.UnknownBranch(branch)
		}
		entry, err := tx.appendDoc(branch, doc, kind, title, format, meta, content)
		if err != nil {
			return err
		}
		result = entry
		return nil
	})
	return result, err
}

func (tx *Tx) appendDoc(branch, doc, kind, title, format string, meta map[string]any, content string) (*DocEntry, error) {
	seq, err := tx.nextSeq()
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("store: marshal doc meta: %w", err)
	}
	_, err = tx.tx.Exec(
		`INSERT INTO doc_entries (workspace, branch, doc, seq, ts_ms, kind, title, format, meta_json, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, branch, doc, seq, tx.NowMs, kind, title, format, string(metaJSON), content)
	if err != nil {
		return nil, fmt.Errorf("store: append doc entry: %w", err)
	}
	if _, err := tx.emitEvent("doc_appended", "", "", map[string]any{"branch": branch, "doc": doc, "kind": kind, "seq": seq}); err != nil {
		return nil, err
	}
	return &DocEntry{Branch: branch, Doc: doc, Seq: seq, TsMs: tx.NowMs, Kind: kind, Title: title, Format: format, Meta: meta, Content: content}, nil
}

// DocEntriesVisible returns entries visible on branch for doc, cursor-paged
// newest-first by seq, per spec §4.3's visibility union.
func (s *Store) DocEntriesVisible(ctx context.Context, workspace, branch, doc string, cursor int64, limit int) ([]DocEntry, bool, int64, error) {
	var entries []DocEntry
	var hasMore bool
	var nextCursor int64
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		sources, err := tx.ancestorChain(branch)
		if err != nil {
			return err
		}
		all, err := tx.visibleDocEntries(sources, doc, cursor, limit+1)
		if err != nil {
			return err
		}
		hasMore = len(all) > limit
		if hasMore {
			all = all[:limit]
		}
		if len(all) > 0 {
			nextCursor = all[len(all)-1].Seq
		}
		entries = all
		return nil
	})
	return entries, hasMore, nextCursor, err
}

func (tx *Tx) visibleDocEntries(sources []visibleSource, doc string, cursor int64, limit int) ([]DocEntry, error) {
	query := `SELECT branch, doc, seq, ts_ms, kind, title, format, meta_json, content FROM doc_entries WHERE workspace = ? AND doc = ? AND (`
	args := []any{tx.Workspace, doc}
	for i, src := range sources {
		if i > 0 {
			query += ` OR `
		}
		if src.Cutoff < 0 {
			query += `branch = ?`
			args = append(args, src.Branch)
		} else {
			query += `(branch = ? AND seq <= ?)`
			args = append(args, src.Branch, src.Cutoff)
		}
	}
	query += `)`
	if cursor > 0 {
		query += ` AND seq < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query visible doc entries: %w", err)
	}
	defer rows.Close()

	var out []DocEntry
	for rows.Next() {
		var e DocEntry
		var metaJSON string
		if err := rows.Scan(&e.Branch, &e.Doc, &e.Seq, &e.TsMs, &e.Kind, &e.Title, &e.Format, &metaJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("store: scan doc entry: %w", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		out = append(out, e)
	}
	return out, nil
}

// MergeNotesResult is doc_merge_notes's return shape.
type MergeNotesResult struct {
	Merged     int
	Skipped    int
	NextCursor int64
	HasMore    bool
	Count      int
}

// DocMergeNotes selects visible-but-not-yet-on-into entries from from with
// seq > cursor, re-appending on into each one that has no (content, title,
// format, meta_json) match among into's entries from before this call, per
// spec §4.3.
func (s *Store) DocMergeNotes(ctx context.Context, workspace, from, into, doc string, cursor int64, limit int, dryRun bool) (*MergeNotesResult, error) {
	result := &MergeNotesResult{}
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if _, err := tx.getBranch(into); err != nil {
			return err
		}
		sources, err := tx.ancestorChain(from)
		if err != nil {
			return err
		}
		candidates, err := tx.entriesAfterCursor(sources, doc, cursor, limit+1)
		if err != nil {
			return err
		}
		hasMore := len(candidates) > limit
		if hasMore {
			candidates = candidates[:limit]
		}
		result.HasMore = hasMore
		result.Count = len(candidates)

		// Compare against into as it stood before this call, so identical
		// candidates merged earlier in this same pass do not skip each other.
		seqBefore, err := tx.currentSeq()
		if err != nil {
			return err
		}
		existingIntoSources := []visibleSource{{Branch: into, Cutoff: seqBefore}}
		for _, c := range candidates {
			dup, err := tx.duplicateOnBranch(existingIntoSources, doc, c)
			if err != nil {
				return err
			}
			if dup {
				result.Skipped++
			} else {
				if !dryRun {
					if _, err := tx.appendDoc(into, doc, c.Kind, c.Title, c.Format, c.Meta, c.Content); err != nil {
						return err
					}
				}
				result.Merged++
			}
			result.NextCursor = c.Seq
		}
		return nil
	})
	return result, err
}

func (tx *Tx) entriesAfterCursor(sources []visibleSource, doc string, cursor int64, limit int) ([]DocEntry, error) {
	query := `SELECT branch, doc, seq, ts_ms, kind, title, format, meta_json, content FROM doc_entries WHERE workspace = ? AND doc = ? AND seq > ? AND (`
	args := []any{tx.Workspace, doc, cursor}
	for i, src := range sources {
		if i > 0 {
			query += ` OR `
		}
		if src.Cutoff < 0 {
			query += `branch = ?`
			args = append(args, src.Branch)
		} else {
			query += `(branch = ? AND seq <= ?)`
			args = append(args, src.Branch, src.Cutoff)
		}
	}
	query += `) ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query entries after cursor: %w", err)
	}
	defer rows.Close()

	var out []DocEntry
	for rows.Next() {
		var e DocEntry
		var metaJSON string
		if err := rows.Scan(&e.Branch, &e.Doc, &e.Seq, &e.TsMs, &e.Kind, &e.Title, &e.Format, &metaJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("store: scan doc entry: %w", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		out = append(out, e)
	}
	return out, nil
}

func (tx *Tx) duplicateOnBranch(sources []visibleSource, doc string, candidate DocEntry) (bool, error) {
	entries, err := tx.visibleDocEntries(sources, doc, 0, 100000)
	if err != nil {
		return false, err
	}
	candMeta, _ := json.Marshal(candidate.Meta)
	for _, e := range entries {
		eMeta, _ := json.Marshal(e.Meta)
		if e.Content == candidate.Content && e.Title == candidate.Title && e.Format == candidate.Format && string(eMeta) == string(candMeta) {
			return true, nil
		}
	}
	return false, nil
}

// PlanSpecMergeStatus is doc_merge_plan_spec's status taxonomy.
type PlanSpecMergeStatus string

const (
	PlanSpecMissingFrom       PlanSpecMergeStatus = "missing_from"
	PlanSpecAlreadyIdentical  PlanSpecMergeStatus = "already_identical"
	PlanSpecWouldMerge        PlanSpecMergeStatus = "would_merge"
	PlanSpecMerged            PlanSpecMergeStatus = "merged"
)

// DocMergePlanSpec merges the latest plan_spec.v1 entry from one branch
// onto another, per spec §4.3.
func (s *Store) DocMergePlanSpec(ctx context.Context, workspace, from, into string, dryRun bool) (PlanSpecMergeStatus, error) {
	var status PlanSpecMergeStatus
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		fromSources, err := tx.ancestorChain(from)
		if err != nil {
			return err
		}
		fromLatest, err := tx.latestDocEntry(fromSources, "plan_spec.v1")
		if err != nil {
			return err
		}
		if fromLatest == nil {
			status = PlanSpecMissingFrom
			return nil
		}
		intoSources, err := tx.ancestorChain(into)
		if err != nil {
			return err
		}
		intoLatest, err := tx.latestDocEntry(intoSources, "plan_spec.v1")
		if err != nil {
			return err
		}
		if intoLatest != nil && intoLatest.Content == fromLatest.Content {
			status = PlanSpecAlreadyIdentical
			return nil
		}
		if dryRun {
			status = PlanSpecWouldMerge
			return nil
		}
		meta := map[string]any{"merge": map[string]any{"doc_kind": "plan_spec", "from_branch": from, "from_seq": fromLatest.Seq}}
		if _, err := tx.appendDoc(into, "plan_spec.v1", fromLatest.Kind, fromLatest.Title, fromLatest.Format, meta, fromLatest.Content); err != nil {
			return err
		}
		status = PlanSpecMerged
		return nil
	})
	return status, err
}

func (tx *Tx) latestDocEntry(sources []visibleSource, doc string) (*DocEntry, error) {
	entries, err := tx.visibleDocEntries(sources, doc, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}
