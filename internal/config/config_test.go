package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "branchmind.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
state_db = "/tmp/branchmind-test.db"
log_level = "info"

[workspace]
default = "main"

[budget]
default_max_chars = 4096
min_chars = 256
max_chars = 32768

[jobs]
strict_progress_schema = true
default_lease_ttl = "60s"

[daemon]
enabled = true
socket_path = "/tmp/branchmind-test.sock"

[projects.acme]
guard = "acme-repo"
`

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workspace.Default != "main" {
		t.Fatalf("expected default workspace main, got %s", cfg.Workspace.Default)
	}
	if cfg.Budget.DefaultMaxChars != 4096 {
		t.Fatalf("expected default_max_chars=4096, got %d", cfg.Budget.DefaultMaxChars)
	}
	if !cfg.Jobs.StrictProgressSchema {
		t.Fatal("expected strict_progress_schema=true")
	}
	if cfg.GuardForProject("acme") != "acme-repo" {
		t.Fatalf("expected per-project guard override, got %q", cfg.GuardForProject("acme"))
	}
}

func TestLoadFillsDefaultsWhenSectionsOmitted(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/branchmind-minimal.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Budget.MinChars != 256 || cfg.Budget.MaxChars != 65536 {
		t.Fatalf("expected budget defaults, got %+v", cfg.Budget)
	}
	if cfg.Daemon.SocketPath == "" {
		t.Fatal("expected a default daemon socket path")
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/x.db"
log_level = "verbose"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestLoadRejectsBudgetBoundsOutOfOrder(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/x.db"

[budget]
min_chars = 1000
max_chars = 500
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for max_chars < min_chars")
	}
}

func TestLoadRejectsLockOutsideAllowlist(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/x.db"

[workspace]
allowlist = ["ws-a", "ws-b"]
lock = "ws-z"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for lock outside allowlist")
	}
}

func TestExpandHomeExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandHome("~/branchmind/state.db")
	want := filepath.Join(home, "branchmind/state.db")
	if got != want {
		t.Fatalf("ExpandHome: got %q, want %q", got, want)
	}
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	cfg := &Config{Workspace: Workspace{Allowlist: []string{"ws-a"}}}
	clone := cfg.Clone()
	clone.Workspace.Allowlist[0] = "ws-mutated"
	if cfg.Workspace.Allowlist[0] != "ws-a" {
		t.Fatalf("expected original allowlist untouched, got %v", cfg.Workspace.Allowlist)
	}
}
