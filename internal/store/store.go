// Package store is the transactional backing store for the reasoning
// workbench: a single-writer SQLite wrapper (modernc.org/sqlite, matching
// the teacher's driver choice), its schema, and the migration mechanism.
// Every public mutation in the sibling tasks/docs/graph/think/anchors/jobs
// files runs inside WithTx, which enforces the single-writer discipline,
// stamps one now_ms across every row touched, and rolls back cleanly on
// any error.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/branchmind/branchmind/internal/clock"
)

// Store provides SQLite-backed persistence for the workbench.
type Store struct {
	db    *sql.DB
	clock clock.Clock

	// writerSlot serializes public mutations within this process, mirroring
	// the single-writer discipline spec §5 describes. SQLite itself also
	// serializes at the file level; this mutex additionally gives callers a
	// clean queueing point and a single place to hang future write-path
	// instrumentation, adapted from the teacher's leader-election lock
	// (internal/scheduler/leader_lock.go), repurposed from cross-process
	// leadership to an in-process writer slot.
	writerSlot sync.Mutex

	// thinkCommitGroup collapses concurrent think_commit calls for the same
	// workspace+branch+card id into a single write, so two agents racing to
	// commit the identical card don't both pay for a write-tx round trip.
	thinkCommitGroup singleflight.Group

	// heartbeatLimiters throttles RunnerHeartbeat and progress-kind JobReport
	// calls per workspace+runner so a misbehaving runner can't hammer the
	// writer slot.
	heartbeatLimiters sync.Map // string -> *rate.Limiter
}

// heartbeatLimiter returns (creating on first use) the per-runner token
// bucket guarding heartbeat and progress-report frequency.
func (s *Store) heartbeatLimiter(workspace, runnerID string) *rate.Limiter {
	key := workspace + "\x00" + runnerID
	if v, ok := s.heartbeatLimiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 3)
	actual, _ := s.heartbeatLimiters.LoadOrStore(key, limiter)
	return actual.(*rate.Limiter)
}

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	workspace TEXT PRIMARY KEY,
	current_branch TEXT NOT NULL DEFAULT 'main',
	project_guard TEXT NOT NULL DEFAULT '',
	next_seq INTEGER NOT NULL DEFAULT 1,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	contract TEXT NOT NULL DEFAULT '',
	contract_json TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	tags_json TEXT NOT NULL DEFAULT '[]',
	depends_on_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'open',
	revision INTEGER NOT NULL DEFAULT 1,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS tasks (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	parent_plan_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	domain TEXT NOT NULL DEFAULT '',
	phase TEXT NOT NULL DEFAULT '',
	component TEXT NOT NULL DEFAULT '',
	assignee TEXT NOT NULL DEFAULT '',
	tags_json TEXT NOT NULL DEFAULT '[]',
	depends_on_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'open',
	revision INTEGER NOT NULL DEFAULT 1,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks(workspace, parent_plan_id);

CREATE TABLE IF NOT EXISTS steps (
	workspace TEXT NOT NULL,
	step_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	parent_step_id TEXT NOT NULL DEFAULT '',
	ordinal INTEGER NOT NULL,
	path TEXT NOT NULL,
	title TEXT NOT NULL,
	success_criteria_json TEXT NOT NULL DEFAULT '[]',
	tests_json TEXT NOT NULL DEFAULT '[]',
	blockers_json TEXT NOT NULL DEFAULT '[]',
	next_action TEXT NOT NULL DEFAULT '',
	stop_criteria TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	completed_at_ms INTEGER,
	blocked INTEGER NOT NULL DEFAULT 0,
	blocked_reason TEXT NOT NULL DEFAULT '',
	criteria_confirmed INTEGER NOT NULL DEFAULT 0,
	tests_confirmed INTEGER NOT NULL DEFAULT 0,
	security_confirmed INTEGER NOT NULL DEFAULT 0,
	perf_confirmed INTEGER NOT NULL DEFAULT 0,
	docs_confirmed INTEGER NOT NULL DEFAULT 0,
	proof_tests_mode TEXT NOT NULL DEFAULT 'off',
	proof_security_mode TEXT NOT NULL DEFAULT 'off',
	proof_perf_mode TEXT NOT NULL DEFAULT 'off',
	proof_docs_mode TEXT NOT NULL DEFAULT 'off',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, step_id)
);
CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(workspace, task_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_path ON steps(workspace, task_id, path);

CREATE TABLE IF NOT EXISTS step_leases (
	workspace TEXT NOT NULL,
	step_id TEXT NOT NULL,
	holder_agent_id TEXT NOT NULL,
	acquired_seq INTEGER NOT NULL,
	expires_seq INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, step_id)
);

CREATE TABLE IF NOT EXISTS events (
	workspace TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace, seq)
);

CREATE TABLE IF NOT EXISTS ops_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	intent TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	before_json TEXT NOT NULL DEFAULT '',
	after_json TEXT NOT NULL DEFAULT '',
	undoable INTEGER NOT NULL DEFAULT 0,
	undone INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ops_history_ws ON ops_history(workspace, id DESC);
CREATE INDEX IF NOT EXISTS idx_ops_history_task ON ops_history(workspace, task_id, id DESC);

CREATE TABLE IF NOT EXISTS checkpoint_required (
	workspace TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	checkpoint TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, entity_kind, entity_id, checkpoint)
);

CREATE TABLE IF NOT EXISTS checkpoint_evidence (
	workspace TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	checkpoint TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	ref TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, entity_kind, entity_id, checkpoint, ordinal)
);

CREATE TABLE IF NOT EXISTS evidence_items (
	workspace TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	item_kind TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	diff TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	external_uri TEXT NOT NULL DEFAULT '',
	meta_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, entity_kind, entity_id, item_kind, ordinal)
);

CREATE TABLE IF NOT EXISTS branches (
	workspace TEXT NOT NULL,
	name TEXT NOT NULL,
	base_branch TEXT NOT NULL DEFAULT '',
	base_seq INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, name)
);

CREATE TABLE IF NOT EXISTS doc_entries (
	workspace TEXT NOT NULL,
	branch TEXT NOT NULL,
	doc TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	kind TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT '',
	meta_json TEXT NOT NULL DEFAULT '{}',
	content TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workspace, branch, doc, seq)
);
CREATE INDEX IF NOT EXISTS idx_doc_entries_seq ON doc_entries(workspace, seq);

CREATE TABLE IF NOT EXISTS graph_node_versions (
	workspace TEXT NOT NULL,
	doc TEXT NOT NULL,
	branch TEXT NOT NULL,
	node_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	node_type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	tags_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT '',
	meta_json TEXT NOT NULL DEFAULT '{}',
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, doc, branch, node_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_gnv_lookup ON graph_node_versions(workspace, doc, branch, node_id, seq DESC);

CREATE TABLE IF NOT EXISTS graph_edge_versions (
	workspace TEXT NOT NULL,
	doc TEXT NOT NULL,
	branch TEXT NOT NULL,
	from_id TEXT NOT NULL,
	rel TEXT NOT NULL,
	to_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	meta_json TEXT NOT NULL DEFAULT '{}',
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, doc, branch, from_id, rel, to_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_gev_lookup ON graph_edge_versions(workspace, doc, branch, from_id, rel, to_id, seq DESC);

CREATE TABLE IF NOT EXISTS graph_conflicts (
	conflict_id TEXT PRIMARY KEY,
	workspace TEXT NOT NULL,
	doc TEXT NOT NULL,
	into_branch TEXT NOT NULL,
	from_branch TEXT NOT NULL,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	base_seq INTEGER NOT NULL DEFAULT 0,
	theirs_seq INTEGER NOT NULL DEFAULT 0,
	ours_seq INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'open',
	resolved_at_ms INTEGER,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_lookup ON graph_conflicts(workspace, doc, into_branch, from_branch, kind, key);

CREATE TABLE IF NOT EXISTS anchors (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	refs_json TEXT NOT NULL DEFAULT '[]',
	parent_id TEXT NOT NULL DEFAULT '',
	depends_on_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'active',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);

CREATE TABLE IF NOT EXISTS anchor_aliases (
	workspace TEXT NOT NULL,
	alias_id TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, alias_id)
);

CREATE TABLE IF NOT EXISTS knowledge_keys (
	workspace TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	key TEXT NOT NULL,
	card_id TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, anchor_id, key)
);

CREATE TABLE IF NOT EXISTS jobs (
	workspace TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'QUEUED',
	runner_id TEXT NOT NULL DEFAULT '',
	claim_revision INTEGER NOT NULL DEFAULT 0,
	lease_expires_at_ms INTEGER,
	executor TEXT NOT NULL DEFAULT '',
	profile TEXT NOT NULL DEFAULT '',
	meta_json TEXT NOT NULL DEFAULT '{}',
	refs_json TEXT NOT NULL DEFAULT '[]',
	prompt TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(workspace, status);

CREATE TABLE IF NOT EXISTS job_events (
	workspace TEXT NOT NULL,
	job_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	kind TEXT NOT NULL,
	runner_id TEXT NOT NULL DEFAULT '',
	claim_revision INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	percent INTEGER,
	refs_json TEXT NOT NULL DEFAULT '[]',
	meta_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace, job_id, seq)
);

CREATE TABLE IF NOT EXISTS runner_leases (
	workspace TEXT NOT NULL,
	runner_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle',
	active_job_id TEXT NOT NULL DEFAULT '',
	lease_expires_at_ms INTEGER NOT NULL,
	meta_json TEXT NOT NULL DEFAULT '{}',
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, runner_id)
);

CREATE TABLE IF NOT EXISTS mesh_messages (
	workspace TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (workspace, thread_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mesh_idem ON mesh_messages(workspace, thread_id, idempotency_key)
	WHERE idempotency_key != '';

CREATE TABLE IF NOT EXISTS mesh_acks (
	workspace TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	consumer_id TEXT NOT NULL,
	acked_seq INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (workspace, thread_id, consumer_id)
);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at_ms INTEGER NOT NULL
);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists, mirroring the teacher's Open(): WAL mode, a bounded busy
// timeout, schema-then-migrate.
func Open(dbPath string) (*Store, error) {
	return OpenWithClock(dbPath, clock.System{})
}

// OpenWithClock is Open with an injectable clock, used by tests that need a
// deterministic now_ms.
func OpenWithClock(dbPath string, c clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, clock: c}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-only ad-hoc queries (viewer/debug paths).
func (s *Store) DB() *sql.DB { return s.db }

// ListWorkspaces returns every workspace that has ever been touched, used by
// the sweep cron to iterate all of them without the caller tracking a
// separate registry.
func (s *Store) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT workspace FROM workspaces ORDER BY workspace`)
	if err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("store: scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, nil
}

// ProjectGuard returns a workspace's bound project_guard value, ensuring
// the workspace row exists first (an unseen workspace guards to "").
func (s *Store) ProjectGuard(ctx context.Context, workspace string) (string, error) {
	var guard string
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		return tx.tx.QueryRow(`SELECT project_guard FROM workspaces WHERE workspace = ?`, workspace).Scan(&guard)
	})
	if err != nil {
		return "", fmt.Errorf("store: project guard for %s: %w", workspace, err)
	}
	return guard, nil
}

// SetProjectGuard rebinds a workspace's project_guard, used by toolserver's
// --project-guard-rebind path.
func (s *Store) SetProjectGuard(ctx context.Context, workspace, guard string) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		_, err := tx.tx.Exec(`UPDATE workspaces SET project_guard = ? WHERE workspace = ?`, guard, workspace)
		return err
	})
}

type migration struct {
	version int
	apply   func(*sql.DB) error
}

// migrate applies incremental schema migrations, in the teacher's
// probe-then-ALTER style, tracked in schema_migrations instead of
// per-column pragma_table_info probes (this schema has many more tables
// than the teacher's, so a version table scales better).
func migrate(db *sql.DB) error {
	migrations := []migration{
		// Reserved for forward schema evolution; none needed yet since this
		// is the repo's first schema version.
	}
	for _, m := range migrations {
		var applied int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations(version, applied_at_ms) VALUES (?, ?)`, m.version, 0); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Tx is the transaction handle passed to every engine operation. It bundles
// the *sql.Tx with the one now_ms stamped for this operation and the
// workspace being touched.
type Tx struct {
	tx        *sql.Tx
	NowMs     int64
	Workspace string
}

// WithTx runs fn inside a single ACID transaction against the given
// workspace, per spec §4.1: ensures the workspace row exists, runs fn, and
// commits; any error rolls back the whole transaction so nothing partial is
// observable. now_ms is read once and shared by every row fn touches.
func (s *Store) WithTx(ctx context.Context, workspace string, fn func(tx *Tx) error) error {
	s.writerSlot.Lock()
	defer s.writerSlot.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	nowMs := s.clock.NowMs()
	if err := ensureWorkspace(sqlTx, workspace, nowMs); err != nil {
		return err
	}

	tx := &Tx{tx: sqlTx, NowMs: nowMs, Workspace: workspace}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	committed = true
	return nil
}

// WithReadTx runs fn inside a read-only snapshot transaction. The pool holds
// a single connection (SetMaxOpenConns(1) in OpenWithClock), so read
// transactions do not run concurrently with each other or with a write
// transaction: each waits for the connection to be free.
func (s *Store) WithReadTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("store: begin read tx: %w", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{tx: sqlTx, NowMs: s.clock.NowMs()})
}

func ensureWorkspace(tx *sql.Tx, workspace string, nowMs int64) error {
	_, err := tx.Exec(
		`INSERT INTO workspaces (workspace, next_seq, created_at_ms, updated_at_ms)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(workspace) DO NOTHING`,
		workspace, nowMs, nowMs,
	)
	if err != nil {
		return fmt.Errorf("store: ensure workspace %s: %w", workspace, err)
	}
	return nil
}

// nextSeq allocates the next monotonic seq for the workspace, shared by
// events, doc_entries, graph version rows, and job_events, per spec §3/§5
// ("doc_entries.seq is the same counter" as events.seq).
func (tx *Tx) nextSeq() (int64, error) {
	var seq int64
	row := tx.tx.QueryRow(`UPDATE workspaces SET next_seq = next_seq + 1, updated_at_ms = ?
		WHERE workspace = ? RETURNING next_seq - 1`, tx.NowMs, tx.Workspace)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: allocate seq: %w", err)
	}
	return seq, nil
}
