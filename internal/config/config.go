// Package config loads and validates the branchmindd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of branchmindd's TOML configuration.
type Config struct {
	General   General              `toml:"general"`
	Workspace Workspace             `toml:"workspace"`
	Budget    BudgetConfig          `toml:"budget"`
	Jobs      JobsConfig            `toml:"jobs"`
	Daemon    Daemon                `toml:"daemon"`
	Features  Features              `toml:"features"`
	Projects  map[string]ProjectGuard `toml:"projects"`
}

// General holds process-wide settings: storage location and logging.
type General struct {
	StateDB  string `toml:"state_db"`
	LogLevel string `toml:"log_level"` // debug, info, warn, error
	LogDev   bool   `toml:"log_dev"`   // text handler instead of JSON
	LockFile string `toml:"lock_file"`
}

// Workspace controls which workspaces this server will operate on.
type Workspace struct {
	Default            string   `toml:"default"`
	Allowlist          []string `toml:"allowlist"`            // empty = unrestricted
	Lock               string   `toml:"lock"`                 // empty = unlocked
	ProjectGuard       string   `toml:"project_guard"`        // empty = guard disabled
	ProjectGuardRebind bool     `toml:"project_guard_rebind"`
}

// ProjectGuard records a per-project guard binding override, keyed by
// project name, for multi-project deployments sharing one config file.
type ProjectGuard struct {
	Guard string `toml:"guard"`
}

// BudgetConfig controls the default response-shaping limits from spec §4.8.
type BudgetConfig struct {
	DefaultMaxChars int `toml:"default_max_chars"`
	MinChars        int `toml:"min_chars"`
	MaxChars        int `toml:"max_chars"`
}

// JobsConfig controls job-queue behavior from spec §4.7.
type JobsConfig struct {
	StrictProgressSchema bool     `toml:"strict_progress_schema"`
	DefaultLeaseTTL      Duration `toml:"default_lease_ttl"`
	SweepInterval        string   `toml:"sweep_interval"` // cron spec, e.g. "@every 30s"
}

// Daemon controls the optional shared Unix-domain-socket server from §5/§6.
type Daemon struct {
	Enabled    bool   `toml:"enabled"`
	SocketPath string `toml:"socket_path"`
}

// Features are explicit boolean gates consulted at the call site, per the
// "decorator-ish feature gates" design note: no hidden global state beyond
// the session workspace_override.
type Features struct {
	ThinkCardCommit bool `toml:"think_card_commit"`
	GraphMerge      bool `toml:"graph_merge"`
	JobsMesh        bool `toml:"jobs_mesh"`
}

// Clone returns a deep copy so RWMutexManager.Get/Set never leak shared
// mutable state across readers.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Workspace.Allowlist = cloneStringSlice(cfg.Workspace.Allowlist)
	cloned.Projects = cloneProjectGuards(cfg.Projects)
	return &cloned
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneProjectGuards(in map[string]ProjectGuard) map[string]ProjectGuard {
	if in == nil {
		return nil
	}
	out := make(map[string]ProjectGuard, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Load reads and validates a branchmindd TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads and re-validates the configuration at path.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed
// thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.branchmind/branchmind.db"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "~/.branchmind/branchmind.lock"
	}
	if cfg.Workspace.Default == "" {
		cfg.Workspace.Default = "main"
	}
	if cfg.Budget.MinChars == 0 {
		cfg.Budget.MinChars = 256
	}
	if cfg.Budget.MaxChars == 0 {
		cfg.Budget.MaxChars = 65536
	}
	if cfg.Budget.DefaultMaxChars == 0 {
		cfg.Budget.DefaultMaxChars = 8192
	}
	if cfg.Jobs.DefaultLeaseTTL.Duration == 0 {
		cfg.Jobs.DefaultLeaseTTL.Duration = 60 * time.Second
	}
	if cfg.Jobs.SweepInterval == "" {
		cfg.Jobs.SweepInterval = "@every 30s"
	}
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = "~/.branchmind/branchmind.sock"
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	cfg.Daemon.SocketPath = ExpandHome(cfg.Daemon.SocketPath)
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.log_level: unknown level %q", cfg.General.LogLevel)
	}
	if cfg.Budget.MinChars <= 0 {
		return fmt.Errorf("budget.min_chars must be positive")
	}
	if cfg.Budget.MaxChars < cfg.Budget.MinChars {
		return fmt.Errorf("budget.max_chars (%d) must be >= budget.min_chars (%d)", cfg.Budget.MaxChars, cfg.Budget.MinChars)
	}
	if cfg.Budget.DefaultMaxChars < cfg.Budget.MinChars || cfg.Budget.DefaultMaxChars > cfg.Budget.MaxChars {
		return fmt.Errorf("budget.default_max_chars (%d) must be within [%d, %d]", cfg.Budget.DefaultMaxChars, cfg.Budget.MinChars, cfg.Budget.MaxChars)
	}
	if cfg.Workspace.Lock != "" && len(cfg.Workspace.Allowlist) > 0 {
		found := false
		for _, w := range cfg.Workspace.Allowlist {
			if w == cfg.Workspace.Lock {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("workspace.lock %q is not present in workspace.allowlist", cfg.Workspace.Lock)
		}
	}
	return nil
}

// GuardForProject resolves the project_guard value for a named project,
// falling back to the server-wide default.
func (cfg *Config) GuardForProject(project string) string {
	if p, ok := cfg.Projects[project]; ok && p.Guard != "" {
		return p.Guard
	}
	return cfg.Workspace.ProjectGuard
}

// SortedProjectNames returns project names in a stable (sorted) order.
func (cfg *Config) SortedProjectNames() []string {
	names := make([]string, 0, len(cfg.Projects))
	for name := range cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
