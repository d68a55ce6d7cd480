package commands

import (
	"time"

	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// BuildOptions configures the command registry's behavior-affecting knobs,
// mirroring the feature gates in internal/config.
type BuildOptions struct {
	StrictProgressSchema bool
	BuildFingerprint     string
	StartedAt            time.Time
}

// BuildRegistry assembles the full toolspec.Registry wiring every tasks/
// jobs/think/graph/vcs/docs/workspace/status/open/system command against
// st, per spec §9's "polymorphic tool envelope" design note.
func BuildRegistry(st *store.Store, opts BuildOptions) (*toolspec.Registry, error) {
	box := &registryBox{}

	var specs []toolspec.CommandSpec
	specs = append(specs, taskSpecs(st, opts.StrictProgressSchema)...)
	specs = append(specs, jobSpecs(st, opts.StrictProgressSchema)...)
	specs = append(specs, thinkSpecs(st)...)
	specs = append(specs, graphSpecs(st)...)
	specs = append(specs, vcsSpecs(st)...)
	specs = append(specs, docSpecs(st)...)
	specs = append(specs, workspaceSpecs(st)...)
	specs = append(specs, statusSpecs(opts.BuildFingerprint, opts.StartedAt)...)
	specs = append(specs, openSpecs(st)...)
	specs = append(specs, systemSpecs(box)...)

	reg, err := toolspec.NewRegistry(specs)
	if err != nil {
		return nil, err
	}
	box.reg = reg
	return reg, nil
}
