// Package commands wires internal/store's operations into the toolspec
// registry, translating between the wire envelope's snake_case args/results
// and the store package's plain Go structs.
package commands

import (
	"encoding/json"
	"strings"
	"unicode"
)

// toPascalKey converts a snake_case wire key ("parent_plan_id") to the
// exported Go field name store's input structs use ("ParentPlanId").
func toPascalKey(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

// toSnakeKey converts an exported Go field name ("ParentPlanId") back to
// the wire's snake_case convention ("parent_plan_id").
func toSnakeKey(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func remapKeys(v any, convert func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[convert(k)] = remapKeys(val, convert)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = remapKeys(val, convert)
		}
		return out
	default:
		return v
	}
}

// decodeArgs remaps a wire-shaped args map to Go field names and unmarshals
// it into target, a pointer to one of store's *Input/*Patch/*Selector types.
func decodeArgs(args map[string]any, target any) error {
	remapped := remapKeys(map[string]any(args), toPascalKey)
	buf, err := json.Marshal(remapped)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, target)
}

// toResultMap marshals a store return value (struct, slice, or scalar) and
// remaps its field names back to snake_case for the response envelope.
func toResultMap(v any) (map[string]any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(buf, &generic); err != nil {
		return nil, err
	}
	remapped := remapKeys(generic, toSnakeKey)
	m, ok := remapped.(map[string]any)
	if !ok {
		return map[string]any{"value": remapped}, nil
	}
	return m, nil
}

// wrap builds the {key: <remapped result>} single-field envelope used by
// most handlers so budget shaping has a dot-path to address.
func wrap(key string, v any) (map[string]any, error) {
	m, err := toResultMap(v)
	if err != nil {
		return nil, err
	}
	return map[string]any{key: m}, nil
}

func toJSONBytes(v any) ([]byte, error) {
	return json.Marshal(v)
}

func wrapList(key string, v any) (map[string]any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(buf, &generic); err != nil {
		return nil, err
	}
	return map[string]any{key: remapKeys(generic, toSnakeKey)}, nil
}
