// Package ids validates and constructs the stable string identifiers used
// throughout the workbench store: workspace ids, graph node/edge kinds,
// tags, conflict ids, anchor ids, and knowledge keys.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalid is wrapped by every validation failure in this package so
// callers can match on it with errors.Is regardless of which id kind failed.
var ErrInvalid = errors.New("invalid id")

var workspaceRe = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,128}$`)

// WorkspaceId validates a workspace identifier: [A-Za-z0-9._/-], 1..128 bytes.
func WorkspaceId(s string) (string, error) {
	if !workspaceRe.MatchString(s) {
		return "", fmt.Errorf("%w: workspace id %q must match [A-Za-z0-9._/-]{1,128}", ErrInvalid, s)
	}
	return s, nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func validateBounded(kind, s string, max int) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s must not be empty", ErrInvalid, kind)
	}
	if len(trimmed) > max {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalid, kind, max)
	}
	if strings.Contains(trimmed, "|") {
		return "", fmt.Errorf("%w: %s must not contain '|'", ErrInvalid, kind)
	}
	if hasControlChars(trimmed) {
		return "", fmt.Errorf("%w: %s must not contain control characters", ErrInvalid, kind)
	}
	return trimmed, nil
}

// GraphNodeId validates a graph node id: trimmed, non-empty, no '|', no
// control chars, max 256 bytes.
func GraphNodeId(s string) (string, error) { return validateBounded("graph node id", s, 256) }

// GraphType validates a graph node/card type: same charset rules, max 128 bytes.
func GraphType(s string) (string, error) { return validateBounded("graph type", s, 128) }

// GraphRel validates a graph edge relation name: same charset rules, max 128 bytes.
func GraphRel(s string) (string, error) { return validateBounded("graph relation", s, 128) }

// Tag validates, trims, and lowercases a single tag (max 128 bytes).
func Tag(s string) (string, error) {
	v, err := validateBounded("tag", s, 128)
	if err != nil {
		return "", err
	}
	return strings.ToLower(v), nil
}

// NormalizeTags trims, lowercases, deduplicates, sorts, and validates a tag
// set. It rejects any tag containing '|' or control characters.
func NormalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		v, err := Tag(t)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sortStrings(out)
	return out, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

var conflictIDRe = regexp.MustCompile(`^CONFLICT-[0-9a-f]{32}$`)

// ConflictId validates a conflict id of the form CONFLICT-<32 lowercase hex>.
func ConflictId(s string) (string, error) {
	if !conflictIDRe.MatchString(s) {
		return "", fmt.Errorf("%w: conflict id %q must match CONFLICT-<32 lowercase hex>", ErrInvalid, s)
	}
	return s, nil
}

// NewConflictId derives a deterministic conflict id from the tuple that
// identifies a merge conflict, per spec §3/§9: no timestamps, no randomness,
// so retrying a merge reproduces the same id.
func NewConflictId(workspace, doc, into, from, kind, key string) string {
	h := sha256.Sum256([]byte(workspace + "|" + doc + "|" + into + "|" + from + "|" + kind + "|" + key))
	return "CONFLICT-" + hex.EncodeToString(h[:16])
}

var slugRe = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

func validateSlug(kind, s string) (string, error) {
	if !slugRe.MatchString(s) {
		return "", fmt.Errorf("%w: %s %q must match [a-z0-9-]{1,64}", ErrInvalid, kind, s)
	}
	return s, nil
}

// AnchorId validates an anchor id of the form a:<slug>.
func AnchorId(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, "a:")
	if !ok {
		return "", fmt.Errorf("%w: anchor id %q must start with \"a:\"", ErrInvalid, s)
	}
	slug, err := validateSlug("anchor slug", rest)
	if err != nil {
		return "", err
	}
	return "a:" + slug, nil
}

// KnowledgeKey validates a knowledge key of the form k:<slug>.
func KnowledgeKey(s string) (string, error) {
	rest, ok := strings.CutPrefix(s, "k:")
	if !ok {
		return "", fmt.Errorf("%w: knowledge key %q must start with \"k:\"", ErrInvalid, s)
	}
	slug, err := validateSlug("knowledge key slug", rest)
	if err != nil {
		return "", err
	}
	return "k:" + slug, nil
}

var planIDRe = regexp.MustCompile(`^PLAN-[A-Za-z0-9]{1,32}$`)
var taskIDRe = regexp.MustCompile(`^TASK-[A-Za-z0-9]{1,32}$`)

// PlanId validates a plan id of the form PLAN-<short>.
func PlanId(s string) (string, error) {
	if !planIDRe.MatchString(s) {
		return "", fmt.Errorf("%w: plan id %q must match PLAN-<short>", ErrInvalid, s)
	}
	return s, nil
}

// TaskId validates a task id of the form TASK-<short>.
func TaskId(s string) (string, error) {
	if !taskIDRe.MatchString(s) {
		return "", fmt.Errorf("%w: task id %q must match TASK-<short>", ErrInvalid, s)
	}
	return s, nil
}
