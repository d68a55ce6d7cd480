package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/branchmind/branchmind/internal/errs"
	"github.com/branchmind/branchmind/internal/ids"
)

// NodeUpsert is the op that creates or updates a graph node.
type NodeUpsert struct {
	Id     string
	Type   string
	Title  string
	Text   string
	Tags   []string
	Status string
	Meta   map[string]any
}

// NodeDelete tombstones a graph node.
type NodeDelete struct{ Id string }

// EdgeUpsert is the op that creates or updates a graph edge.
type EdgeUpsert struct {
	From string
	Rel  string
	To   string
	Meta map[string]any
}

// EdgeDelete tombstones a graph edge.
type EdgeDelete struct {
	From string
	Rel  string
	To   string
}

// GraphOp is a tagged union of the four op kinds graph_apply_ops accepts.
// Exactly one of the pointer fields is non-nil.
type GraphOp struct {
	NodeUpsert *NodeUpsert
	NodeDelete *NodeDelete
	EdgeUpsert *EdgeUpsert
	EdgeDelete *EdgeDelete
}

// GraphApplyResult is graph_apply_ops's return shape.
type GraphApplyResult struct {
	NodesUpserted int
	NodesDeleted  int
	EdgesUpserted int
	EdgesDeleted  int
	LastSeq       int64
	LastTsMs      int64
}

// ProjectedNode is the latest-per-branch view of a node.
type ProjectedNode struct {
	NodeId   string
	Seq      int64
	TsMs     int64
	NodeType string
	Title    string
	Text     string
	Tags     []string
	Status   string
	Meta     map[string]any
	Deleted  bool
}

// ProjectedEdge is the latest-per-branch view of an edge.
type ProjectedEdge struct {
	From    string
	Rel     string
	To      string
	Seq     int64
	TsMs    int64
	Meta    map[string]any
	Deleted bool
}

// GraphApplyOps is the only write path into the versioned graph: each op
// appends a new version row on branch with a fresh shared workspace seq,
// per spec §4.4.
func (s *Store) GraphApplyOps(ctx context.Context, workspace, branch, doc string, ops []GraphOp) (*GraphApplyResult, error) {
	result := &GraphApplyResult{}
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if exists, err := tx.branchExists(branch); err != nil {
			return err
		} else if !exists {
			return errs.UnknownBranch(branch)
		}
		for _, op := range ops {
			switch {
			case op.NodeUpsert != nil:
				n := op.NodeUpsert
				if _, err := ids.GraphNodeId(n.Id); err != nil {
					return err
				}
				if n.Type != "" {
					if _, err := ids.GraphType(n.Type); err != nil {
						return err
					}
				}
				tags, err := ids.NormalizeTags(n.Tags)
				if err != nil {
					return err
				}
				seq, err := tx.writeNodeVersion(branch, doc, n.Id, n.Type, n.Title, n.Text, tags, n.Status, n.Meta, false)
				if err != nil {
					return err
				}
				result.NodesUpserted++
				result.LastSeq = seq
				result.LastTsMs = tx.NowMs
			case op.NodeDelete != nil:
				seq, err := tx.writeNodeVersion(branch, doc, op.NodeDelete.Id, "", "", "", nil, "", nil, true)
				if err != nil {
					return err
				}
				result.NodesDeleted++
				result.LastSeq = seq
				result.LastTsMs = tx.NowMs
			case op.EdgeUpsert != nil:
				e := op.EdgeUpsert
				if _, err := ids.GraphNodeId(e.From); err != nil {
					return err
				}
				if _, err := ids.GraphNodeId(e.To); err != nil {
					return err
				}
				if _, err := ids.GraphRel(e.Rel); err != nil {
					return err
				}
				seq, err := tx.writeEdgeVersion(branch, doc, e.From, e.Rel, e.To, e.Meta, false)
				if err != nil {
					return err
				}
				result.EdgesUpserted++
				result.LastSeq = seq
				result.LastTsMs = tx.NowMs
			case op.EdgeDelete != nil:
				e := op.EdgeDelete
				seq, err := tx.writeEdgeVersion(branch, doc, e.From, e.Rel, e.To, nil, true)
				if err != nil {
					return err
				}
				result.EdgesDeleted++
				result.LastSeq = seq
				result.LastTsMs = tx.NowMs
			default:
				return errs.InvalidInput("graph op has no recognized variant set")
			}
		}
		return nil
	})
	return result, err
}

func (tx *Tx) writeNodeVersion(branch, doc, nodeID, nodeType, title, text string, tags []string, status string, meta map[string]any, deleted bool) (int64, error) {
	seq, err := tx.nextSeq()
	if err != nil {
		return 0, err
	}
	tagsJSON, _ := json.Marshal(tags)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("store: marshal node meta: %w", err)
	}
	_, err = tx.tx.Exec(
		`INSERT INTO graph_node_versions (workspace, doc, branch, node_id, seq, ts_ms, node_type, title, text, tags_json, status, meta_json, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, doc, branch, nodeID, seq, tx.NowMs, nodeType, title, text, string(tagsJSON), status, string(metaJSON), deleted)
	if err != nil {
		return 0, fmt.Errorf("store: write node version %s: %w", nodeID, err)
	}
	return seq, nil
}

func (tx *Tx) writeEdgeVersion(branch, doc, from, rel, to string, meta map[string]any, deleted bool) (int64, error) {
	seq, err := tx.nextSeq()
	if err != nil {
		return 0, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("store: marshal edge meta: %w", err)
	}
	_, err = tx.tx.Exec(
		`INSERT INTO graph_edge_versions (workspace, doc, branch, from_id, rel, to_id, seq, ts_ms, meta_json, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, doc, branch, from, rel, to, seq, tx.NowMs, string(metaJSON), deleted)
	if err != nil {
		return 0, fmt.Errorf("store: write edge version %s-%s->%s: %w", from, rel, to, err)
	}
	return seq, nil
}

// projectNodes computes the latest-per-node_id projection across the given
// visible sources, excluding an overall seq cutoff of 0 (no cutoff).
func (tx *Tx) projectNodes(sources []visibleSource, doc string, globalCutoff int64) (map[string]*ProjectedNode, error) {
	query := `SELECT node_id, seq, ts_ms, node_type, title, text, tags_json, status, meta_json, deleted
		FROM graph_node_versions WHERE workspace = ? AND doc = ? AND (`
	args := []any{tx.Workspace, doc}
	for i, src := range sources {
		if i > 0 {
			query += ` OR `
		}
		cutoff := src.Cutoff
		if globalCutoff > 0 && (cutoff < 0 || cutoff > globalCutoff) {
			cutoff = globalCutoff
		}
		if cutoff < 0 {
			query += `branch = ?`
			args = append(args, src.Branch)
		} else {
			query += `(branch = ? AND seq <= ?)`
			args = append(args, src.Branch, cutoff)
		}
	}
	query += `)`

	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: project nodes: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]*ProjectedNode)
	for rows.Next() {
		var n ProjectedNode
		var tagsJSON, metaJSON string
		if err := rows.Scan(&n.NodeId, &n.Seq, &n.TsMs, &n.NodeType, &n.Title, &n.Text, &tagsJSON, &n.Status, &metaJSON, &n.Deleted); err != nil {
			return nil, fmt.Errorf("store: scan node version: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)
		_ = json.Unmarshal([]byte(metaJSON), &n.Meta)
		if existing, ok := latest[n.NodeId]; !ok || n.Seq > existing.Seq {
			cp := n
			latest[n.NodeId] = &cp
		}
	}
	return latest, nil
}

func edgeKey(from, rel, to string) string { return from + "\x00" + rel + "\x00" + to }

func (tx *Tx) projectEdges(sources []visibleSource, doc string, globalCutoff int64) (map[string]*ProjectedEdge, error) {
	query := `SELECT from_id, rel, to_id, seq, ts_ms, meta_json, deleted
		FROM graph_edge_versions WHERE workspace = ? AND doc = ? AND (`
	args := []any{tx.Workspace, doc}
	for i, src := range sources {
		if i > 0 {
			query += ` OR `
		}
		cutoff := src.Cutoff
		if globalCutoff > 0 && (cutoff < 0 || cutoff > globalCutoff) {
			cutoff = globalCutoff
		}
		if cutoff < 0 {
			query += `branch = ?`
			args = append(args, src.Branch)
		} else {
			query += `(branch = ? AND seq <= ?)`
			args = append(args, src.Branch, cutoff)
		}
	}
	query += `)`

	rows, err := tx.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: project edges: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]*ProjectedEdge)
	for rows.Next() {
		var e ProjectedEdge
		var metaJSON string
		if err := rows.Scan(&e.From, &e.Rel, &e.To, &e.Seq, &e.TsMs, &metaJSON, &e.Deleted); err != nil {
			return nil, fmt.Errorf("store: scan edge version: %w", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		key := edgeKey(e.From, e.Rel, e.To)
		if existing, ok := latest[key]; !ok || e.Seq > existing.Seq {
			cp := e
			latest[key] = &cp
		}
	}
	return latest, nil
}

// GraphQueryFilter is graph_query's predicate set.
type GraphQueryFilter struct {
	Ids          []string
	Types        []string
	Status       string
	TagsAny      []string
	TagsAll      []string
	Text         string
	Cursor       int64
	Limit        int
	IncludeEdges bool
	EdgesLimit   int
}

// GraphQueryResult is graph_query's return shape.
type GraphQueryResult struct {
	Nodes      []ProjectedNode
	Edges      []ProjectedEdge
	NextCursor int64
	HasMore    bool
}

// GraphQuery projects the latest-per-branch view and applies filter
// predicates, per spec §4.4.
func (s *Store) GraphQuery(ctx context.Context, workspace, branch, doc string, filter GraphQueryFilter) (*GraphQueryResult, error) {
	result := &GraphQueryResult{}
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		sources, err := tx.ancestorChain(branch)
		if err != nil {
			return err
		}
		projected, err := tx.projectNodes(sources, doc, 0)
		if err != nil {
			return err
		}

		idSet := toSet(filter.Ids)
		typeSet := toSet(filter.Types)
		tagsAny, err := ids.NormalizeTags(filter.TagsAny)
		if err != nil {
			return err
		}
		tagsAll, err := ids.NormalizeTags(filter.TagsAll)
		if err != nil {
			return err
		}

		var nodes []ProjectedNode
		for _, n := range projected {
			if n.Deleted {
				continue
			}
			if len(idSet) > 0 && !idSet[n.NodeId] {
				continue
			}
			if len(typeSet) > 0 && !typeSet[n.NodeType] {
				continue
			}
			if filter.Status != "" && n.Status != filter.Status {
				continue
			}
			if len(tagsAny) > 0 && !anyTagMatches(n.Tags, tagsAny) {
				continue
			}
			if len(tagsAll) > 0 && !allTagsMatch(n.Tags, tagsAll) {
				continue
			}
			if filter.Text != "" && !strings.Contains(n.Title+"\n"+n.Text, filter.Text) {
				continue
			}
			if filter.Cursor > 0 && n.Seq >= filter.Cursor {
				continue
			}
			nodes = append(nodes, *n)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq > nodes[j].Seq })

		limit := filter.Limit
		if limit <= 0 {
			limit = 50
		}
		hasMore := len(nodes) > limit
		if hasMore {
			nodes = nodes[:limit]
		}
		result.Nodes = nodes
		result.HasMore = hasMore
		if len(nodes) > 0 {
			result.NextCursor = nodes[len(nodes)-1].Seq
		}

		if filter.IncludeEdges {
			nodeIDs := make(map[string]bool, len(nodes))
			for _, n := range nodes {
				nodeIDs[n.NodeId] = true
			}
			edgesProjected, err := tx.projectEdges(sources, doc, 0)
			if err != nil {
				return err
			}
			var edges []ProjectedEdge
			for _, e := range edgesProjected {
				if e.Deleted {
					continue
				}
				if !nodeIDs[e.From] || !nodeIDs[e.To] {
					continue
				}
				edges = append(edges, *e)
			}
			sort.Slice(edges, func(i, j int) bool { return edges[i].Seq > edges[j].Seq })
			edgesLimit := filter.EdgesLimit
			if edgesLimit <= 0 {
				edgesLimit = 100
			}
			if len(edges) > edgesLimit {
				edges = edges[:edgesLimit]
			}
			result.Edges = edges
		}
		return nil
	})
	return result, err
}

func toSet(xs []string) map[string]bool {
	if len(xs) == 0 {
		return nil
	}
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func anyTagMatches(tags, wanted []string) bool {
	set := toSet(tags)
	for _, w := range wanted {
		if set[w] {
			return true
		}
	}
	return false
}

func allTagsMatch(tags, wanted []string) bool {
	set := toSet(tags)
	for _, w := range wanted {
		if !set[w] {
			return false
		}
	}
	return true
}

// GraphValidateResult is graph_validate's return shape.
type GraphValidateResult struct {
	Ok     bool
	Nodes  int
	Edges  int
	Errors []string
}

// GraphValidate walks the projected graph and reports dangling edges and
// id/type/rel violations, per spec §4.4. The projection holds one entry per
// node id and per edge key, so duplicate keys cannot occur in it and none
// are reported.
func (s *Store) GraphValidate(ctx context.Context, workspace, branch, doc string, maxErrors int) (*GraphValidateResult, error) {
	result := &GraphValidateResult{Ok: true}
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		sources, err := tx.ancestorChain(branch)
		if err != nil {
			return err
		}
		nodes, err := tx.projectNodes(sources, doc, 0)
		if err != nil {
			return err
		}
		edges, err := tx.projectEdges(sources, doc, 0)
		if err != nil {
			return err
		}
		if maxErrors <= 0 {
			maxErrors = 100
		}
		addErr := func(msg string) {
			if len(result.Errors) < maxErrors {
				result.Errors = append(result.Errors, msg)
			}
			result.Ok = false
		}
		for _, n := range nodes {
			if n.Deleted {
				continue
			}
			result.Nodes++
			if _, err := ids.GraphNodeId(n.NodeId); err != nil {
				addErr(fmt.Sprintf("node %s: invalid id", n.NodeId))
			}
			if n.NodeType != "" {
				if _, err := ids.GraphType(n.NodeType); err != nil {
					addErr(fmt.Sprintf("node %s: invalid type %q", n.NodeId, n.NodeType))
				}
			}
		}
		for _, e := range edges {
			if e.Deleted {
				continue
			}
			result.Edges++
			if _, err := ids.GraphRel(e.Rel); err != nil {
				addErr(fmt.Sprintf("edge %s-%s->%s: invalid rel", e.From, e.Rel, e.To))
			}
			from, fromOk := nodes[e.From]
			to, toOk := nodes[e.To]
			if !fromOk || from.Deleted {
				addErr(fmt.Sprintf("edge %s-%s->%s: dangling from endpoint", e.From, e.Rel, e.To))
			}
			if !toOk || to.Deleted {
				addErr(fmt.Sprintf("edge %s-%s->%s: dangling to endpoint", e.From, e.Rel, e.To))
			}
		}
		return nil
	})
	return result, err
}
