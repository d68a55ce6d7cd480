package ids

import (
	"fmt"
	"strconv"
	"strings"
)

// StepPath is a rooted integer path (s:0, s:0/1, ...) that identifies a node
// in a task's step tree independent of the step_id assigned to it.
type StepPath struct {
	segments []int
}

// RootStepPath returns the empty root path "s:".
func RootStepPath() StepPath { return StepPath{} }

// ParseStepPath parses a path string of the form "s:0", "s:0/1", ...
func ParseStepPath(s string) (StepPath, error) {
	rest, ok := strings.CutPrefix(s, "s:")
	if !ok {
		return StepPath{}, fmt.Errorf("%w: step path %q must start with \"s:\"", ErrInvalid, s)
	}
	if rest == "" {
		return StepPath{}, nil
	}
	parts := strings.Split(rest, "/")
	segs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return StepPath{}, fmt.Errorf("%w: step path %q has non-integer segment %q", ErrInvalid, s, p)
		}
		segs = append(segs, n)
	}
	return StepPath{segments: segs}, nil
}

// Child returns the path for the ordinal-th child of p.
func (p StepPath) Child(ordinal int) StepPath {
	next := make([]int, len(p.segments)+1)
	copy(next, p.segments)
	next[len(p.segments)] = ordinal
	return StepPath{segments: next}
}

// Parent returns the parent path and whether p has one (false at the root).
func (p StepPath) Parent() (StepPath, bool) {
	if len(p.segments) == 0 {
		return StepPath{}, false
	}
	return StepPath{segments: p.segments[:len(p.segments)-1]}, true
}

// Depth returns the number of segments (0 for the root).
func (p StepPath) Depth() int { return len(p.segments) }

// String renders the canonical "s:0/1" form.
func (p StepPath) String() string {
	if len(p.segments) == 0 {
		return "s:"
	}
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		parts[i] = strconv.Itoa(s)
	}
	return "s:" + strings.Join(parts, "/")
}

// IsDescendantOf reports whether p is a (possibly indirect) descendant of other.
func (p StepPath) IsDescendantOf(other StepPath) bool {
	if len(other.segments) >= len(p.segments) {
		return false
	}
	for i, s := range other.segments {
		if p.segments[i] != s {
			return false
		}
	}
	return true
}
