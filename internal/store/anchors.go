package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/ids"
)

// Anchor mirrors one anchors row, per spec §4.6.
type Anchor struct {
	Id          string
	Title       string
	Kind        string
	Description string
	Refs        []string
	ParentId    string
	DependsOn   []string
	Status      string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// AnchorCreateInput is anchor_create's argument set.
type AnchorCreateInput struct {
	Id          string
	Title       string
	Kind        string
	Description string
	Refs        []string
	ParentId    string
	DependsOn   []string
	Status      string
}

// AnchorCreate validates the id shape and parent/depends_on references, per
// spec §4.6.
func (s *Store) AnchorCreate(ctx context.Context, workspace string, in AnchorCreateInput) (*Anchor, error) {
	var result *Anchor
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		id, err := ids.AnchorId(in.Id)
		if err != nil {
			return err
		}
		if in.ParentId == id {
			return errs.InvalidInput("anchor %q cannot be its own parent", id)
		}
		for _, dep := range in.DependsOn {
			if dep == id {
				return errs.InvalidInput("anchor %q cannot depend on itself", id)
			}
		}
		if in.ParentId != "" {
			if _, err := tx.resolveAnchorAlias(in.ParentId); err != nil {
				return err
			}
		}
		for _, dep := range in.DependsOn {
			if _, err := tx.resolveAnchorAlias(dep); err != nil {
				return err
			}
		}
		status := in.Status
		if status == "" {
			status = "active"
		}
		a := &Anchor{
			Id: id, Title: in.Title, Kind: in.Kind, Description: in.Description,
			Refs: in.Refs, ParentId: in.ParentId, DependsOn: in.DependsOn, Status: status,
			CreatedAtMs: tx.NowMs, UpdatedAtMs: tx.NowMs,
		}
		if err := tx.insertAnchor(a); err != nil {
			return err
		}
		result = a
		return nil
	})
	return result, err
}

func (tx *Tx) insertAnchor(a *Anchor) error {
	refsJSON, _ := json.Marshal(a.Refs)
	depsJSON, _ := json.Marshal(a.DependsOn)
	_, err := tx.tx.Exec(
		`INSERT INTO anchors (workspace, id, title, kind, description, refs_json, parent_id, depends_on_json, status, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, a.Id, a.Title, a.Kind, a.Description, string(refsJSON), a.ParentId, string(depsJSON), a.Status, a.CreatedAtMs, a.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert anchor %s: %w", a.Id, err)
	}
	return nil
}

const anchorSelectSQL = `SELECT id, title, kind, description, refs_json, parent_id, depends_on_json, status, created_at_ms, updated_at_ms
	FROM anchors WHERE workspace = ? AND id = ?`

func (tx *Tx) getAnchor(id string) (*Anchor, error) {
	var a Anchor
	var refsJSON, depsJSON string
	row := tx.tx.QueryRow(anchorSelectSQL, tx.Workspace, id)
	if err := row.Scan(&a.Id, &a.Title, &a.Kind, &a.Description, &refsJSON, &a.ParentId, &depsJSON, &a.Status, &a.CreatedAtMs, &a.UpdatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.UnknownId("anchor", id)
		}
		return nil, fmt.Errorf("store: get anchor %s: %w", id, err)
	}
	_ = json.Unmarshal([]byte(refsJSON), &a.Refs)
	_ = json.Unmarshal([]byte(depsJSON), &a.DependsOn)
	return &a, nil
}

// GetAnchor is the read-only wrapper over getAnchor.
func (s *Store) GetAnchor(ctx context.Context, workspace, id string) (*Anchor, error) {
	var result *Anchor
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		a, err := tx.getAnchor(id)
		if err != nil {
			return err
		}
		result = a
		return nil
	})
	return result, err
}

// resolveAnchorAlias resolves a raw anchor reference — either a canonical
// anchor id or an alias — to its canonical anchor id.
func (tx *Tx) resolveAnchorAlias(raw string) (string, error) {
	var n int
	if err := tx.tx.QueryRow(`SELECT COUNT(*) FROM anchors WHERE workspace = ? AND id = ?`, tx.Workspace, raw).Scan(&n); err != nil {
		return "", fmt.Errorf("store: check anchor %s: %w", raw, err)
	}
	if n > 0 {
		return raw, nil
	}
	var canonical string
	err := tx.tx.QueryRow(`SELECT anchor_id FROM anchor_aliases WHERE workspace = ? AND alias_id = ?`, tx.Workspace, raw).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", errs.UnknownId("anchor", raw)
	}
	if err != nil {
		return "", fmt.Errorf("store: resolve anchor alias %s: %w", raw, err)
	}
	return canonical, nil
}

// AnchorRename preserves history by recording (alias_id=old, anchor_id=new),
// migrating existing aliases, knowledge key references, and relation fields
// in other anchors that pointed at old, per spec §4.6.
func (s *Store) AnchorRename(ctx context.Context, workspace, oldID, newID string) (*Anchor, error) {
	var result *Anchor
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		newID, err := ids.AnchorId(newID)
		if err != nil {
			return err
		}
		a, err := tx.getAnchor(oldID)
		if err != nil {
			return err
		}
		if exists, err := tx.anchorOrAliasExists(newID); err != nil {
			return err
		} else if exists {
			return errs.InvalidInput("anchor id %q already in use", newID)
		}

		if _, err := tx.tx.Exec(`DELETE FROM anchors WHERE workspace = ? AND id = ?`, tx.Workspace, oldID); err != nil {
			return fmt.Errorf("store: delete old anchor row %s: %w", oldID, err)
		}
		a.Id = newID
		a.UpdatedAtMs = tx.NowMs
		if err := tx.insertAnchor(a); err != nil {
			return err
		}

		if _, err := tx.tx.Exec(
			`INSERT INTO anchor_aliases (workspace, alias_id, anchor_id, created_at_ms) VALUES (?, ?, ?, ?)`,
			tx.Workspace, oldID, newID, tx.NowMs); err != nil {
			return fmt.Errorf("store: record alias %s -> %s: %w", oldID, newID, err)
		}
		if _, err := tx.tx.Exec(
			`UPDATE anchor_aliases SET anchor_id = ? WHERE workspace = ? AND anchor_id = ? AND alias_id != ?`,
			newID, tx.Workspace, oldID, oldID); err != nil {
			return fmt.Errorf("store: migrate aliases %s -> %s: %w", oldID, newID, err)
		}
		if _, err := tx.tx.Exec(
			`UPDATE knowledge_keys SET anchor_id = ? WHERE workspace = ? AND anchor_id = ?`,
			newID, tx.Workspace, oldID); err != nil {
			return fmt.Errorf("store: migrate knowledge keys %s -> %s: %w", oldID, newID, err)
		}
		if err := tx.rewriteAnchorReferences(oldID, newID); err != nil {
			return err
		}
		result = a
		return nil
	})
	return result, err
}

func (tx *Tx) anchorOrAliasExists(id string) (bool, error) {
	var n int
	if err := tx.tx.QueryRow(`SELECT COUNT(*) FROM anchors WHERE workspace = ? AND id = ?`, tx.Workspace, id).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := tx.tx.QueryRow(`SELECT COUNT(*) FROM anchor_aliases WHERE workspace = ? AND alias_id = ?`, tx.Workspace, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// rewriteAnchorReferences retargets parent_id and depends_on entries across
// all anchors that referenced oldID to newID.
func (tx *Tx) rewriteAnchorReferences(oldID, newID string) error {
	rows, err := tx.tx.Query(`SELECT id, parent_id, depends_on_json FROM anchors WHERE workspace = ?`, tx.Workspace)
	if err != nil {
		return fmt.Errorf("store: scan anchors for reference rewrite: %w", err)
	}
	type rewrite struct {
		id        string
		parentID  string
		dependsOn []string
	}
	var toUpdate []rewrite
	for rows.Next() {
		var id, parentID, depsJSON string
		if err := rows.Scan(&id, &parentID, &depsJSON); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan anchor reference row: %w", err)
		}
		var deps []string
		_ = json.Unmarshal([]byte(depsJSON), &deps)
		changed := false
		if parentID == oldID {
			parentID = newID
			changed = true
		}
		for i, d := range deps {
			if d == oldID {
				deps[i] = newID
				changed = true
			}
		}
		if changed {
			toUpdate = append(toUpdate, rewrite{id: id, parentID: parentID, dependsOn: deps})
		}
	}
	rows.Close()
	for _, u := range toUpdate {
		depsJSON, _ := json.Marshal(u.dependsOn)
		if _, err := tx.tx.Exec(
			`UPDATE anchors SET parent_id = ?, depends_on_json = ?, updated_at_ms = ? WHERE workspace = ? AND id = ?`,
			u.parentID, string(depsJSON), tx.NowMs, tx.Workspace, u.id); err != nil {
			return fmt.Errorf("store: rewrite references on anchor %s: %w", u.id, err)
		}
	}
	return nil
}

// AnchorsMergeResult is anchors_merge's return shape.
type AnchorsMergeResult struct {
	Into    string
	Merged  []string
	Skipped []string
}

// AnchorsMerge folds each from_id into into: moving aliases, knowledge key
// bindings, and cross-anchor references, then deleting the from anchor, per
// spec §4.6.
func (s *Store) AnchorsMerge(ctx context.Context, workspace, into string, from []string) (*AnchorsMergeResult, error) {
	result := &AnchorsMergeResult{Into: into}
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if _, err := tx.getAnchor(into); err != nil {
			return err
		}
		for _, fromID := range from {
			if fromID == into {
				continue
			}
			canonical, err := tx.resolveAnchorAlias(fromID)
			if err == nil && canonical == into {
				result.Skipped = append(result.Skipped, fromID)
				continue
			}
			if err == nil && canonical != fromID && canonical != into {
				return errs.InvalidInput("from id %q resolves to anchor %q, not %q", fromID, canonical, into)
			}
			if _, err := tx.getAnchor(fromID); err != nil {
				return err
			}

			if _, err := tx.tx.Exec(
				`UPDATE anchor_aliases SET anchor_id = ? WHERE workspace = ? AND anchor_id = ?`,
				into, tx.Workspace, fromID); err != nil {
				return fmt.Errorf("store: move aliases %s -> %s: %w", fromID, into, err)
			}
			if _, err := tx.tx.Exec(
				`INSERT OR IGNORE INTO anchor_aliases (workspace, alias_id, anchor_id, created_at_ms) VALUES (?, ?, ?, ?)`,
				tx.Workspace, fromID, into, tx.NowMs); err != nil {
				return fmt.Errorf("store: alias %s -> %s: %w", fromID, into, err)
			}

			if _, err := tx.tx.Exec(
				`UPDATE OR IGNORE knowledge_keys SET anchor_id = ? WHERE workspace = ? AND anchor_id = ?`,
				into, tx.Workspace, fromID); err != nil {
				return fmt.Errorf("store: move knowledge keys %s -> %s: %w", fromID, into, err)
			}
			if _, err := tx.tx.Exec(`DELETE FROM knowledge_keys WHERE workspace = ? AND anchor_id = ?`, tx.Workspace, fromID); err != nil {
				return fmt.Errorf("store: drop leftover knowledge keys for %s: %w", fromID, err)
			}

			if _, err := tx.tx.Exec(`DELETE FROM anchors WHERE workspace = ? AND id = ?`, tx.Workspace, fromID); err != nil {
				return fmt.Errorf("store: delete merged anchor %s: %w", fromID, err)
			}
			if err := tx.rewriteAnchorReferences(fromID, into); err != nil {
				return err
			}
			result.Merged = append(result.Merged, fromID)
		}

		if _, err := tx.tx.Exec(
			`UPDATE anchors SET parent_id = '' WHERE workspace = ? AND id = ? AND parent_id = ?`,
			tx.Workspace, into, into); err != nil {
			return fmt.Errorf("store: strip self-parent on %s: %w", into, err)
		}
		return nil
	})
	return result, err
}

// LintIssue is one anchor_lint finding, per spec §4.6.
type LintIssue struct {
	Code     string
	Severity string
	Anchor   string
	Message  string
	Hint     string
}

// AnchorLint reports alias, parent, and depends_on integrity problems across
// every anchor in the workspace, per spec §4.6.
func (s *Store) AnchorLint(ctx context.Context, workspace string) ([]LintIssue, error) {
	var issues []LintIssue
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		anchors, err := tx.listAnchors()
		if err != nil {
			return err
		}
		anchorIDs := make(map[string]bool, len(anchors))
		for _, a := range anchors {
			anchorIDs[a.Id] = true
		}
		aliases, err := tx.listAliases()
		if err != nil {
			return err
		}
		aliasTargets := make(map[string]string, len(aliases))
		for alias, target := range aliases {
			aliasTargets[alias] = target
			if anchorIDs[alias] {
				issues = append(issues, LintIssue{
					Code: "ALIAS_COLLIDES_WITH_ANCHOR_ID", Severity: "error", Anchor: target,
					Message: fmt.Sprintf("alias %q collides with an existing anchor id", alias),
					Hint:    "rename or remove the colliding anchor",
				})
			}
			if !anchorIDs[target] {
				issues = append(issues, LintIssue{
					Code: "ALIAS_DANGLING", Severity: "error", Anchor: alias,
					Message: fmt.Sprintf("alias %q points at missing anchor %q", alias, target),
					Hint:    "repoint or remove the alias",
				})
			}
		}

		referenced := make(map[string]bool)
		for _, a := range anchors {
			if a.ParentId == a.Id {
				issues = append(issues, LintIssue{Code: "SELF_PARENT", Severity: "error", Anchor: a.Id, Message: "anchor is its own parent"})
			} else if a.ParentId != "" {
				referenced[a.ParentId] = true
				if !anchorIDs[a.ParentId] {
					if _, ok := aliasTargets[a.ParentId]; ok {
						issues = append(issues, LintIssue{
							Code: "RELATION_USES_ALIAS", Severity: "warning", Anchor: a.Id,
							Message: fmt.Sprintf("parent_id %q is an alias, not a canonical anchor id", a.ParentId),
						})
					} else {
						issues = append(issues, LintIssue{Code: "UNKNOWN_PARENT", Severity: "error", Anchor: a.Id, Message: fmt.Sprintf("parent_id %q does not exist", a.ParentId)})
					}
				}
			}
			for _, dep := range a.DependsOn {
				if dep == a.Id {
					issues = append(issues, LintIssue{Code: "SELF_DEPENDS_ON", Severity: "error", Anchor: a.Id, Message: "anchor depends on itself"})
					continue
				}
				referenced[dep] = true
				if !anchorIDs[dep] {
					if _, ok := aliasTargets[dep]; ok {
						issues = append(issues, LintIssue{
							Code: "RELATION_USES_ALIAS", Severity: "warning", Anchor: a.Id,
							Message: fmt.Sprintf("depends_on %q is an alias, not a canonical anchor id", dep),
						})
					} else {
						issues = append(issues, LintIssue{Code: "UNKNOWN_DEPENDS_ON", Severity: "error", Anchor: a.Id, Message: fmt.Sprintf("depends_on %q does not exist", dep)})
					}
				}
			}
		}

		if cycles := detectParentCycles(anchors); len(cycles) > 0 {
			for _, id := range cycles {
				issues = append(issues, LintIssue{Code: "PARENT_CYCLE", Severity: "error", Anchor: id, Message: "anchor's parent chain cycles back to itself"})
			}
		}

		for _, a := range anchors {
			if a.ParentId == "" && !referenced[a.Id] {
				issues = append(issues, LintIssue{Code: "ORPHAN_ANCHOR", Severity: "warning", Anchor: a.Id, Message: "anchor has no parent and nothing depends on it", Hint: "consider linking it into the anchor tree"})
			}
		}

		sort.Slice(issues, func(i, j int) bool {
			if issues[i].Severity != issues[j].Severity {
				return severityRank(issues[i].Severity) < severityRank(issues[j].Severity)
			}
			if issues[i].Code != issues[j].Code {
				return issues[i].Code < issues[j].Code
			}
			if issues[i].Anchor != issues[j].Anchor {
				return issues[i].Anchor < issues[j].Anchor
			}
			return issues[i].Message < issues[j].Message
		})
		return nil
	})
	return issues, err
}

func severityRank(s string) int {
	if s == "error" {
		return 0
	}
	return 1
}

func (tx *Tx) listAnchors() ([]*Anchor, error) {
	rows, err := tx.tx.Query(
		`SELECT id, title, kind, description, refs_json, parent_id, depends_on_json, status, created_at_ms, updated_at_ms FROM anchors WHERE workspace = ?`,
		tx.Workspace)
	if err != nil {
		return nil, fmt.Errorf("store: list anchors: %w", err)
	}
	defer rows.Close()
	var out []*Anchor
	for rows.Next() {
		var a Anchor
		var refsJSON, depsJSON string
		if err := rows.Scan(&a.Id, &a.Title, &a.Kind, &a.Description, &refsJSON, &a.ParentId, &depsJSON, &a.Status, &a.CreatedAtMs, &a.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan anchor: %w", err)
		}
		_ = json.Unmarshal([]byte(refsJSON), &a.Refs)
		_ = json.Unmarshal([]byte(depsJSON), &a.DependsOn)
		out = append(out, &a)
	}
	return out, nil
}

func (tx *Tx) listAliases() (map[string]string, error) {
	rows, err := tx.tx.Query(`SELECT alias_id, anchor_id FROM anchor_aliases WHERE workspace = ?`, tx.Workspace)
	if err != nil {
		return nil, fmt.Errorf("store: list aliases: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var alias, anchor string
		if err := rows.Scan(&alias, &anchor); err != nil {
			return nil, fmt.Errorf("store: scan alias: %w", err)
		}
		out[alias] = anchor
	}
	return out, nil
}

// detectParentCycles returns the ids of anchors whose parent chain loops.
func detectParentCycles(anchors []*Anchor) []string {
	byID := make(map[string]*Anchor, len(anchors))
	for _, a := range anchors {
		byID[a.Id] = a
	}
	var cyclic []string
	for _, start := range anchors {
		visited := map[string]bool{}
		cur := start.Id
		for {
			next, ok := byID[cur]
			if !ok || next.ParentId == "" {
				break
			}
			if visited[next.ParentId] || next.ParentId == start.Id {
				cyclic = append(cyclic, start.Id)
				break
			}
			visited[cur] = true
			cur = next.ParentId
			if len(visited) > len(anchors)+1 {
				break
			}
		}
	}
	return cyclic
}
