package toolspec

import "gopkg.in/yaml.v3"

// ManifestEntry is the discovery-dump projection of a CommandSpec: enough
// for a human or an external tool-discovery client to see what's callable,
// without exposing the handler closure.
type ManifestEntry struct {
	Cmd         string         `yaml:"cmd"`
	Tool        string         `yaml:"tool"`
	Safety      string         `yaml:"safety"`
	BudgetShape string         `yaml:"budget_shape"`
	Schema      map[string]any `yaml:"schema,omitempty"`
}

// DumpManifestYAML renders every registered command as a YAML document,
// used by the `--dump-tools-yaml` debug flag. Pure function of the
// registry: no reflection, no handler invocation.
func DumpManifestYAML(r *Registry) ([]byte, error) {
	entries := make([]ManifestEntry, 0, len(r.specs))
	for _, spec := range r.All() {
		entries = append(entries, ManifestEntry{
			Cmd:         spec.Cmd,
			Tool:        spec.Tool,
			Safety:      string(spec.Safety),
			BudgetShape: spec.BudgetShape,
			Schema:      spec.Schema,
		})
	}
	return yaml.Marshal(entries)
}
