package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/ids"
)

// GraphDiffChange describes one entity whose projection on `to` differs
// from its projection on `from`.
type GraphDiffChange struct {
	Kind    string // "node" or "edge"
	Key     string
	Node    *ProjectedNode
	Edge    *ProjectedEdge
	Removed bool
}

// GraphDiffResult is graph_diff's return shape.
type GraphDiffResult struct {
	Changes    []GraphDiffChange
	NextCursor int64
	HasMore    bool
}

// GraphDiff reports entities whose latest projection differs between two
// branches, per spec §4.4.
func (s *Store) GraphDiff(ctx context.Context, workspace, from, to, doc string, cursor int64, limit int) (*GraphDiffResult, error) {
	result := &GraphDiffResult{}
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		fromSources, err := tx.ancestorChain(from)
		if err != nil {
			return err
		}
		toSources, err := tx.ancestorChain(to)
		if err != nil {
			return err
		}
		fromNodes, err := tx.projectNodes(fromSources, doc, 0)
		if err != nil {
			return err
		}
		toNodes, err := tx.projectNodes(toSources, doc, 0)
		if err != nil {
			return err
		}
		fromEdges, err := tx.projectEdges(fromSources, doc, 0)
		if err != nil {
			return err
		}
		toEdges, err := tx.projectEdges(toSources, doc, 0)
		if err != nil {
			return err
		}

		var changes []GraphDiffChange
		seen := make(map[string]bool)
		for key, tn := range toNodes {
			seen[key] = true
			fn := fromNodes[key]
			if nodesEqual(fn, tn) {
				continue
			}
			cp := *tn
			changes = append(changes, GraphDiffChange{Kind: "node", Key: key, Node: &cp, Removed: tn.Deleted})
		}
		for key := range fromNodes {
			if seen[key] {
				continue
			}
			changes = append(changes, GraphDiffChange{Kind: "node", Key: key, Removed: true})
		}
		seenEdge := make(map[string]bool)
		for key, te := range toEdges {
			seenEdge[key] = true
			fe := fromEdges[key]
			if edgesEqual(fe, te) {
				continue
			}
			cp := *te
			changes = append(changes, GraphDiffChange{Kind: "edge", Key: key, Edge: &cp, Removed: te.Deleted})
		}
		for key := range fromEdges {
			if seenEdge[key] {
				continue
			}
			changes = append(changes, GraphDiffChange{Kind: "edge", Key: key, Removed: true})
		}

		sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })

		start := 0
		if cursor > 0 {
			start = int(cursor)
		}
		if start > len(changes) {
			start = len(changes)
		}
		changes = changes[start:]
		if limit <= 0 {
			limit = 100
		}
		hasMore := len(changes) > limit
		if hasMore {
			changes = changes[:limit]
		}
		result.Changes = changes
		result.HasMore = hasMore
		result.NextCursor = int64(start + len(changes))
		return nil
	})
	return result, err
}

func nodesEqual(a, b *ProjectedNode) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Deleted != b.Deleted {
		return false
	}
	if a.Deleted && b.Deleted {
		return true
	}
	return a.NodeType == b.NodeType && a.Title == b.Title && a.Text == b.Text &&
		a.Status == b.Status && jsonEqual(a.Tags, b.Tags) && jsonEqual(a.Meta, b.Meta)
}

func edgesEqual(a, b *ProjectedEdge) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Deleted != b.Deleted {
		return false
	}
	if a.Deleted && b.Deleted {
		return true
	}
	return jsonEqual(a.Meta, b.Meta)
}

func jsonEqual(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// baseProjectionSources computes the visible sources representing the
// common ancestor state of from and into. The direct-fork case (one is a
// child of the other) is handled exactly; for more distant topologies this
// falls back to into's own ancestor chain, which is a conservative
// approximation documented as an open question.
func (tx *Tx) baseProjectionSources(from, into string) ([]visibleSource, error) {
	fromBranch, err := tx.getBranch(from)
	if err != nil {
		return nil, err
	}
	intoBranch, err := tx.getBranch(into)
	if err != nil {
		return nil, err
	}

	if fromBranch.BaseBranch == into {
		sources, err := tx.ancestorChain(into)
		if err != nil {
			return nil, err
		}
		return capSources(sources, fromBranch.BaseSeq), nil
	}
	if intoBranch.BaseBranch == from {
		sources, err := tx.ancestorChain(from)
		if err != nil {
			return nil, err
		}
		return capSources(sources, intoBranch.BaseSeq), nil
	}
	return tx.ancestorChain(into)
}

func capSources(sources []visibleSource, cutoff int64) []visibleSource {
	capped := make([]visibleSource, len(sources))
	for i, s := range sources {
		c := s.Cutoff
		if c < 0 || c > cutoff {
			c = cutoff
		}
		capped[i] = visibleSource{Branch: s.Branch, Cutoff: c}
	}
	return capped
}

// GraphMergeResult is graph_merge's return shape.
type GraphMergeResult struct {
	Merged    int
	Skipped   int
	Conflicts []string
	DryRun    bool
}

// GraphMerge three-way merges from into into, appending fast-forwardable
// changes as new versions on into and recording a graph_conflicts row for
// anything that changed on both sides since the common base, per spec §4.4.
func (s *Store) GraphMerge(ctx context.Context, workspace, from, into, doc string, dryRun bool) (*GraphMergeResult, error) {
	result := &GraphMergeResult{DryRun: dryRun}
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if exists, err := tx.branchExists(from); err != nil {
			return err
		} else if !exists {
			return errs.UnknownBranch(from)
		}
		if exists, err := tx.branchExists(into); err != nil {
			return err
		} else if !exists {
			return errs.UnknownBranch(into)
		}

		fromSources, err := tx.ancestorChain(from)
		if err != nil {
			return err
		}
		intoSources, err := tx.ancestorChain(into)
		if err != nil {
			return err
		}
		baseSources, err := tx.baseProjectionSources(from, into)
		if err != nil {
			return err
		}

		fromNodes, err := tx.projectNodes(fromSources, doc, 0)
		if err != nil {
			return err
		}
		intoNodes, err := tx.projectNodes(intoSources, doc, 0)
		if err != nil {
			return err
		}
		baseNodes, err := tx.projectNodes(baseSources, doc, 0)
		if err != nil {
			return err
		}

		alreadyResolved, err := tx.resolvedConflictKeys(workspace, doc, into, from)
		if err != nil {
			return err
		}

		nodeKeys := make(map[string]bool)
		for k := range fromNodes {
			nodeKeys[k] = true
		}
		for k := range intoNodes {
			nodeKeys[k] = true
		}
		for _, key := range sortedKeys(nodeKeys) {
			theirs := fromNodes[key]
			ours := intoNodes[key]
			base := baseNodes[key]
			action := classifyMerge(nodesEqual(base, theirs), nodesEqual(base, ours), nodesEqual(theirs, ours))
			switch action {
			case mergeNoop:
				result.Skipped++
			case mergeFastForward:
				if !dryRun {
					if theirs == nil {
						continue
					}
					if _, err := tx.writeNodeVersion(into, doc, key, theirs.NodeType, theirs.Title, theirs.Text, theirs.Tags, theirs.Status, theirs.Meta, theirs.Deleted); err != nil {
						return err
					}
				}
				result.Merged++
			case mergeConflict:
				conflictID := ids.NewConflictId(workspace, doc, into, from, "node", key)
				if alreadyResolved[conflictID] {
					result.Skipped++
					continue
				}
				result.Conflicts = append(result.Conflicts, conflictID)
				if !dryRun {
					if err := tx.recordConflict(conflictID, workspace, doc, into, from, "node", key, base, theirs, ours); err != nil {
						return err
					}
				}
			}
		}

		// Edge projection and classification run regardless of dry_run: a
		// preview that skipped this would silently hide edge-only conflicts
		// from the caller. Only the actual writes below are gated.
		fromEdges, err := tx.projectEdges(fromSources, doc, 0)
		if err != nil {
			return err
		}
		intoEdges, err := tx.projectEdges(intoSources, doc, 0)
		if err != nil {
			return err
		}
		baseEdges, err := tx.projectEdges(baseSources, doc, 0)
		if err != nil {
			return err
		}
		edgeKeys := make(map[string]bool)
		for k := range fromEdges {
			edgeKeys[k] = true
		}
		for k := range intoEdges {
			edgeKeys[k] = true
		}
		for _, key := range sortedKeys(edgeKeys) {
			theirs := fromEdges[key]
			ours := intoEdges[key]
			base := baseEdges[key]
			action := classifyMerge(edgesEqual(base, theirs), edgesEqual(base, ours), edgesEqual(theirs, ours))
			switch action {
			case mergeNoop:
				result.Skipped++
			case mergeFastForward:
				if theirs == nil {
					continue
				}
				if !dryRun {
					if _, err := tx.writeEdgeVersion(into, doc, theirs.From, theirs.Rel, theirs.To, theirs.Meta, theirs.Deleted); err != nil {
						return err
					}
				}
				result.Merged++
			case mergeConflict:
				conflictID := ids.NewConflictId(workspace, doc, into, from, "edge", key)
				if alreadyResolved[conflictID] {
					result.Skipped++
					continue
				}
				result.Conflicts = append(result.Conflicts, conflictID)
				if !dryRun {
					if err := tx.recordEdgeConflict(conflictID, workspace, doc, into, from, key, base, theirs, ours); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	return result, err
}

type mergeAction int

const (
	mergeNoop mergeAction = iota
	mergeFastForward
	mergeConflict
)

// classifyMerge implements the three-way classification table: unchanged
// theirs never needs anything; unchanged ours fast-forwards to theirs;
// both changed identically is a noop; both changed differently conflicts.
func classifyMerge(theirsUnchanged, oursUnchanged, theirsEqualsOurs bool) mergeAction {
	switch {
	case theirsUnchanged:
		return mergeNoop
	case oursUnchanged:
		return mergeFastForward
	case theirsEqualsOurs:
		return mergeNoop
	default:
		return mergeConflict
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (tx *Tx) resolvedConflictKeys(workspace, doc, into, from string) (map[string]bool, error) {
	rows, err := tx.tx.Query(
		`SELECT conflict_id FROM graph_conflicts WHERE workspace = ? AND doc = ? AND into_branch = ? AND from_branch = ? AND status != 'open'`,
		workspace, doc, into, from)
	if err != nil {
		return nil, fmt.Errorf("store: query resolved conflicts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, nil
}

func (tx *Tx) recordConflict(conflictID, workspace, doc, into, from, kind, key string, base, theirs, ours *ProjectedNode) error {
	baseSeq, theirsSeq, oursSeq := seqOf(base), seqOf(theirs), seqOf(ours)
	_, err := tx.tx.Exec(
		`INSERT INTO graph_conflicts (conflict_id, workspace, doc, into_branch, from_branch, kind, key, base_seq, theirs_seq, ours_seq, status, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)
		 ON CONFLICT(conflict_id) DO UPDATE SET theirs_seq = excluded.theirs_seq, ours_seq = excluded.ours_seq`,
		conflictID, workspace, doc, into, from, kind, key, baseSeq, theirsSeq, oursSeq, tx.NowMs)
	if err != nil {
		return fmt.Errorf("store: record conflict %s: %w", conflictID, err)
	}
	return nil
}

func (tx *Tx) recordEdgeConflict(conflictID, workspace, doc, into, from, key string, base, theirs, ours *ProjectedEdge) error {
	baseSeq, theirsSeq, oursSeq := seqOfEdge(base), seqOfEdge(theirs), seqOfEdge(ours)
	_, err := tx.tx.Exec(
		`INSERT INTO graph_conflicts (conflict_id, workspace, doc, into_branch, from_branch, kind, key, base_seq, theirs_seq, ours_seq, status, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, 'edge', ?, ?, ?, ?, 'open', ?)
		 ON CONFLICT(conflict_id) DO UPDATE SET theirs_seq = excluded.theirs_seq, ours_seq = excluded.ours_seq`,
		conflictID, workspace, doc, into, from, key, baseSeq, theirsSeq, oursSeq, tx.NowMs)
	if err != nil {
		return fmt.Errorf("store: record edge conflict %s: %w", conflictID, err)
	}
	return nil
}

func seqOf(n *ProjectedNode) int64 {
	if n == nil {
		return 0
	}
	return n.Seq
}

func seqOfEdge(e *ProjectedEdge) int64 {
	if e == nil {
		return 0
	}
	return e.Seq
}

// GraphConflict is the row shape returned by graph_conflict_show.
type GraphConflict struct {
	ConflictId   string
	Doc          string
	IntoBranch   string
	FromBranch   string
	Kind         string
	Key          string
	BaseSeq      int64
	TheirsSeq    int64
	OursSeq      int64
	Status       string
	ResolvedAtMs *int64
	CreatedAtMs  int64
}

// GraphConflictShow lists conflict rows for a merge pairing, optionally
// filtered to open ones only.
func (s *Store) GraphConflictShow(ctx context.Context, workspace, doc, into, from string, openOnly bool) ([]GraphConflict, error) {
	var out []GraphConflict
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		query := `SELECT conflict_id, doc, into_branch, from_branch, kind, key, base_seq, theirs_seq, ours_seq, status, resolved_at_ms, created_at_ms
			FROM graph_conflicts WHERE workspace = ? AND doc = ? AND into_branch = ? AND from_branch = ?`
		args := []any{workspace, doc, into, from}
		if openOnly {
			query += ` AND status = 'open'`
		}
		query += ` ORDER BY kind, key`
		rows, err := tx.tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("store: query conflicts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c GraphConflict
			if err := rows.Scan(&c.ConflictId, &c.Doc, &c.IntoBranch, &c.FromBranch, &c.Kind, &c.Key, &c.BaseSeq, &c.TheirsSeq, &c.OursSeq, &c.Status, &c.ResolvedAtMs, &c.CreatedAtMs); err != nil {
				return fmt.Errorf("store: scan conflict: %w", err)
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// GraphConflictResolve applies a resolution to a single conflict: use_from
// fast-forwards theirs onto into, use_into leaves ours untouched, drop
// tombstones the entity, manual writes an explicit replacement value.
func (s *Store) GraphConflictResolve(ctx context.Context, workspace, conflictID, resolution string, manualValue json.RawMessage) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		var c GraphConflict
		row := tx.tx.QueryRow(
			`SELECT conflict_id, doc, into_branch, from_branch, kind, key, status FROM graph_conflicts WHERE workspace = ? AND conflict_id = ?`,
			workspace, conflictID)
		if err := row.Scan(&c.ConflictId, &c.Doc, &c.IntoBranch, &c.FromBranch, &c.Kind, &c.Key, &c.Status); err != nil {
			return errs.UnknownId("conflict", conflictID)
		}
		if c.Status != "open" {
			return errs.InvalidInput("conflict %s already resolved", conflictID)
		}

		switch resolution {
		case "use_from":
			if err := tx.applyConflictResolution(c, true, nil); err != nil {
				return err
			}
		case "use_into":
			// no-op on the data: ours already reflects this choice.
		case "drop":
			if err := tx.applyConflictResolution(c, false, nil); err != nil {
				return err
			}
		case "manual":
			if err := tx.applyConflictResolution(c, false, manualValue); err != nil {
				return err
			}
		default:
			return errs.InvalidInput("unknown conflict resolution %q", resolution)
		}

		_, err := tx.tx.Exec(
			`UPDATE graph_conflicts SET status = ?, resolved_at_ms = ? WHERE workspace = ? AND conflict_id = ?`,
			resolution, tx.NowMs, workspace, conflictID)
		if err != nil {
			return fmt.Errorf("store: resolve conflict %s: %w", conflictID, err)
		}
		return nil
	})
}

func (tx *Tx) applyConflictResolution(c GraphConflict, useFrom bool, manual json.RawMessage) error {
	if c.Kind == "node" {
		if manual != nil {
			var n NodeUpsert
			if err := json.Unmarshal(manual, &n); err != nil {
				return errs.InvalidInput("manual resolution payload: %v", err)
			}
			n.Id = c.Key
			_, err := tx.writeNodeVersion(c.IntoBranch, c.Doc, n.Id, n.Type, n.Title, n.Text, n.Tags, n.Status, n.Meta, false)
			return err
		}
		if useFrom {
			fromSources, err := tx.ancestorChain(c.FromBranch)
			if err != nil {
				return err
			}
			projected, err := tx.projectNodes(fromSources, c.Doc, 0)
			if err != nil {
				return err
			}
			theirs, ok := projected[c.Key]
			if !ok {
				return nil
			}
			_, err = tx.writeNodeVersion(c.IntoBranch, c.Doc, theirs.NodeId, theirs.NodeType, theirs.Title, theirs.Text, theirs.Tags, theirs.Status, theirs.Meta, theirs.Deleted)
			return err
		}
		_, err := tx.writeNodeVersion(c.IntoBranch, c.Doc, c.Key, "", "", "", nil, "", nil, true)
		return err
	}

	// edge
	if useFrom {
		fromSources, err := tx.ancestorChain(c.FromBranch)
		if err != nil {
			return err
		}
		projected, err := tx.projectEdges(fromSources, c.Doc, 0)
		if err != nil {
			return err
		}
		theirs, ok := projected[c.Key]
		if !ok {
			return nil
		}
		_, err = tx.writeEdgeVersion(c.IntoBranch, c.Doc, theirs.From, theirs.Rel, theirs.To, theirs.Meta, theirs.Deleted)
		return err
	}
	from, rel, to := splitEdgeKey(c.Key)
	if manual != nil {
		var e EdgeUpsert
		if err := json.Unmarshal(manual, &e); err != nil {
			return errs.InvalidInput("manual resolution payload: %v", err)
		}
		_, err := tx.writeEdgeVersion(c.IntoBranch, c.Doc, from, rel, to, e.Meta, false)
		return err
	}
	_, err := tx.writeEdgeVersion(c.IntoBranch, c.Doc, from, rel, to, nil, true)
	return err
}

func splitEdgeKey(key string) (from, rel, to string) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	if len(parts) != 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}
