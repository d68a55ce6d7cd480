package commands

// objSchema is a small helper for the common "object with these required
// string/array/etc. properties, anything else allowed" shape used across
// almost every command in this registry.
func objSchema(required ...string) map[string]any {
	s := map[string]any{"type": "object"}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var anySchema = map[string]any{"type": "object"}
