package budget

// Schedules holds the fixed trim order per response shape, keyed by the
// tool/cmd that produces it (e.g. "tasks.snapshot", "open"). Shapes not
// listed here fall back to DefaultSchedule.
var Schedules = map[string]Schedule{
	"open": {
		Name:           "open",
		CompactStrings: []string{"slice.objective", "slice.notes_preview"},
		OptionalFields: []string{"slice.history", "slice.related"},
		TrimArrays:     []string{"slice.recent_events"},
		DropSections:   []string{"hints", "diagnostics"},
	},
	"tasks.snapshot": {
		Name:           "tasks.snapshot",
		CompactStrings: []string{"task.description"},
		OptionalFields: []string{"task.notes", "plan.notes"},
		TrimArrays:     []string{"steps", "checkpoints"},
		DropSections:   []string{"hints"},
	},
	"graph.query": {
		Name:           "graph.query",
		CompactStrings: []string{},
		OptionalFields: []string{},
		TrimArrays:     []string{"nodes", "edges"},
		DropSections:   []string{"hints"},
	},
	"jobs.status": {
		Name:           "jobs.status",
		CompactStrings: []string{"job.summary"},
		OptionalFields: []string{"job.meta"},
		TrimArrays:     []string{"events"},
		DropSections:   []string{"hints"},
	},
	"think.trace": {
		Name:           "think.trace",
		CompactStrings: []string{"card.body"},
		OptionalFields: []string{"card.refs"},
		TrimArrays:     []string{"trace"},
		DropSections:   []string{"hints"},
	},
}

// DefaultSchedule is used for response shapes with no named entry: trim
// the generic "items"/"notes" conventions most handlers emit.
var DefaultSchedule = Schedule{
	Name:           "default",
	CompactStrings: []string{"summary", "message"},
	OptionalFields: []string{"meta", "notes"},
	TrimArrays:     []string{"items", "events"},
	DropSections:   []string{"hints", "diagnostics"},
}

// ScheduleFor resolves the trim schedule for a response shape name,
// falling back to DefaultSchedule for unlisted shapes.
func ScheduleFor(shape string) Schedule {
	if s, ok := Schedules[shape]; ok {
		return s
	}
	return DefaultSchedule
}
