package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ListTasks returns every task row in a workspace, used by dependency-graph
// validation and the ready-tasks projection.
func (s *Store) ListTasks(ctx context.Context, workspace string) ([]*Task, error) {
	var out []*Task
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.Query(
			`SELECT id, parent_plan_id, title, description, context, priority, domain, phase, component, assignee, tags_json, depends_on_json, status, revision, created_at_ms, updated_at_ms
			 FROM tasks WHERE workspace = ? ORDER BY id`, workspace)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t := &Task{}
			var tagsJSON, depJSON string
			if err := rows.Scan(&t.Id, &t.ParentPlanId, &t.Title, &t.Description, &t.Context, &t.Priority,
				&t.Domain, &t.Phase, &t.Component, &t.Assignee, &tagsJSON, &depJSON,
				&t.Status, &t.Revision, &t.CreatedAtMs, &t.UpdatedAtMs); err != nil {
				return err
			}
			_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
			_ = json.Unmarshal([]byte(depJSON), &t.DependsOn)
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list tasks for %s: %w", workspace, err)
	}
	return out, nil
}

// taskDepGraph is a directed depends_on graph over this workspace's tasks,
// built fresh per call (a workspace's task count is small enough that this
// beats maintaining a persistent adjacency index).
type taskDepGraph struct {
	byID    map[string]*Task
	forward map[string][]string // task id -> ids it depends on
}

func buildTaskDepGraph(tasks []*Task) *taskDepGraph {
	g := &taskDepGraph{
		byID:    make(map[string]*Task, len(tasks)),
		forward: make(map[string][]string, len(tasks)),
	}
	for _, t := range tasks {
		g.byID[t.Id] = t
		if len(t.DependsOn) > 0 {
			g.forward[t.Id] = append([]string(nil), t.DependsOn...)
		}
	}
	return g
}

func (g *taskDepGraph) dependsOn(id string) []string {
	return g.forward[id]
}

// filterReady returns open tasks whose depends_on set is either empty or
// entirely closed, sorted by priority ascending, tasks carrying a
// "stage:"-prefixed tag first on ties, then by creation order.
func filterReady(tasks []*Task, g *taskDepGraph) []*Task {
	var out []*Task
	for _, t := range tasks {
		if t.Status != "open" {
			continue
		}
		if isBlockedByOpenDep(t, g) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		iStage, jStage := hasStageTag(out[i]), hasStageTag(out[j])
		if iStage != jStage {
			return iStage
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	return out
}

func hasStageTag(t *Task) bool {
	for _, tag := range t.Tags {
		if strings.HasPrefix(tag, "stage:") {
			return true
		}
	}
	return false
}

func isBlockedByOpenDep(t *Task, g *taskDepGraph) bool {
	for _, depID := range t.DependsOn {
		dep, exists := g.byID[depID]
		if !exists || dep.Status != "closed" {
			return true
		}
	}
	return false
}

// ValidateTaskDependencyGraph builds the workspace's depends_on graph and
// reports any dependency cycle reachable from candidateID, treating
// candidateDeps as candidateID's (possibly not yet persisted) depends_on
// list. Returns the cycle path as a slice of task ids, or nil if the graph
// stays acyclic.
func (s *Store) ValidateTaskDependencyGraph(ctx context.Context, workspace, candidateID string, candidateDeps []string) ([]string, error) {
	tasks, err := s.ListTasks(ctx, workspace)
	if err != nil {
		return nil, err
	}
	seen := false
	for _, t := range tasks {
		if t.Id == candidateID {
			t.DependsOn = append([]string(nil), candidateDeps...)
			seen = true
			break
		}
	}
	if !seen {
		tasks = append(tasks, &Task{Id: candidateID, Status: "open", DependsOn: candidateDeps})
	}
	g := buildTaskDepGraph(tasks)

	visiting := map[string]bool{}
	visited := map[string]bool{}
	var path []string
	var cycle []string

	var walk func(id string) bool
	walk = func(id string) bool {
		if visiting[id] {
			for i, p := range path {
				if p == id {
					cycle = append(append([]string(nil), path[i:]...), id)
					return true
				}
			}
			cycle = []string{id}
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		path = append(path, id)
		for _, dep := range g.dependsOn(id) {
			if walk(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		visiting[id] = false
		visited[id] = true
		return false
	}

	if walk(candidateID) {
		return cycle, nil
	}
	return nil, nil
}

// DagIssue is one lint finding from ValidateTaskGraph.
type DagIssue struct {
	Code   string // UNKNOWN_DEPENDS_ON or DEPENDS_ON_CYCLE
	TaskId string
	Detail string
}

// ValidateTaskGraph lints every task's depends_on set in a workspace: a
// reference to a task id that doesn't exist (UNKNOWN_DEPENDS_ON), and every
// task that lies on a cycle in the depends_on graph (DEPENDS_ON_CYCLE); a
// task that merely depends on a cycle is not flagged.
func (s *Store) ValidateTaskGraph(ctx context.Context, workspace string) ([]DagIssue, error) {
	tasks, err := s.ListTasks(ctx, workspace)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.Id] = t
	}

	var issues []DagIssue
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				issues = append(issues, DagIssue{Code: "UNKNOWN_DEPENDS_ON", TaskId: t.Id, Detail: dep})
			}
		}
	}

	inCycle := map[string]bool{}
	for _, t := range tasks {
		if inCycle[t.Id] {
			continue
		}
		cycle, err := s.ValidateTaskDependencyGraph(ctx, workspace, t.Id, t.DependsOn)
		if err != nil {
			return nil, err
		}
		for _, id := range cycle {
			if !inCycle[id] {
				inCycle[id] = true
				issues = append(issues, DagIssue{Code: "DEPENDS_ON_CYCLE", TaskId: id})
			}
		}
	}
	return issues, nil
}

// ReadyTasks returns open tasks in a workspace whose dependencies are all
// closed, per the filterReady projection above.
func (s *Store) ReadyTasks(ctx context.Context, workspace string) ([]*Task, error) {
	tasks, err := s.ListTasks(ctx, workspace)
	if err != nil {
		return nil, err
	}
	g := buildTaskDepGraph(tasks)
	return filterReady(tasks, g), nil
}
