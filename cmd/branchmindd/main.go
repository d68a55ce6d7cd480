package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/branchmind/branchmind/internal/commands"
	"github.com/branchmind/branchmind/internal/config"
	"github.com/branchmind/branchmind/internal/rpcserver"
	"github.com/branchmind/branchmind/internal/store"
	"github.com/branchmind/branchmind/internal/toolserver"
	"github.com/branchmind/branchmind/internal/toolspec"
)

// buildFingerprint and buildTimeMs are stamped by -ldflags at release build
// time; the zero-value defaults are fine for local/dev builds.
var (
	buildFingerprint = "dev"
	buildTimeMs      = "0"
)

// validateRuntimeConfigReload rejects a SIGHUP reload that would change a
// setting only read once at startup (the sqlite path is already open, the
// daemon socket already bound); those require a restart instead.
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if strings.TrimSpace(oldCfg.General.StateDB) != strings.TrimSpace(newCfg.General.StateDB) {
		return fmt.Errorf("general.state_db changed (%q -> %q) and requires restart", oldCfg.General.StateDB, newCfg.General.StateDB)
	}
	if strings.TrimSpace(oldCfg.Daemon.SocketPath) != strings.TrimSpace(newCfg.Daemon.SocketPath) {
		return fmt.Errorf("daemon.socket_path changed (%q -> %q) and requires restart", oldCfg.Daemon.SocketPath, newCfg.Daemon.SocketPath)
	}
	return nil
}

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "branchmind.toml", "path to config file")
	storageDir := flag.String("storage-dir", "", "directory holding the workspace sqlite file (overrides general.state_db)")
	workspace := flag.String("workspace", "", "default workspace (overrides workspace.default)")
	workspaceLock := flag.String("workspace-lock", "", "restrict this server to a single workspace")
	workspaceAllowlist := flag.String("workspace-allowlist", "", "comma-separated allowed workspaces")
	projectGuard := flag.String("project-guard", "", "required project_guard binding for the active workspace")
	projectGuardRebind := flag.Bool("project-guard-rebind", false, "rebind a mismatched workspace's project_guard instead of failing")
	agentID := flag.String("agent-id", "", "agent identity used for step-lease claims")
	toolset := flag.String("toolset", "full", "{core,daily,full} tool subset (reserved, all commands are always registered)")
	verbosity := flag.String("response-verbosity", "compact", "{compact,full} default response verbosity")
	shared := flag.Bool("shared", false, "run as a client proxy against a shared daemon over --socket")
	daemon := flag.Bool("daemon", false, "run as the shared daemon, listening on --socket")
	socketPath := flag.String("socket", "", "unix socket path for --daemon/--shared (overrides daemon.socket_path)")
	noViewer := flag.Bool("no-viewer", false, "disable the read-only HTTP viewer (reserved)")
	dumpToolsYAML := flag.Bool("dump-tools-yaml", false, "print the tool manifest as YAML and exit")
	strictProgressSchema := flag.Bool("jobs-strict-progress-schema", false, "require meta.step.command/result|error on progress/checkpoint job reports")
	flag.Parse()

	_ = toolset
	_ = verbosity
	_ = noViewer

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("branchmindd starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	if *workspace != "" {
		cfg.Workspace.Default = *workspace
	}
	if *workspaceLock != "" {
		cfg.Workspace.Lock = *workspaceLock
	}
	if *workspaceAllowlist != "" {
		cfg.Workspace.Allowlist = strings.Split(*workspaceAllowlist, ",")
	}
	if *projectGuard != "" {
		cfg.Workspace.ProjectGuard = *projectGuard
	}
	if *projectGuardRebind {
		cfg.Workspace.ProjectGuardRebind = true
	}
	if *strictProgressSchema {
		cfg.Jobs.StrictProgressSchema = true
	}
	if *socketPath != "" {
		cfg.Daemon.SocketPath = *socketPath
	}
	if env := os.Getenv("BRANCHMIND_WORKSPACE"); env != "" {
		cfg.Workspace.Default = env
	}
	if env := os.Getenv("BRANCHMIND_WORKSPACE_LOCK"); env != "" {
		cfg.Workspace.Lock = env
	}
	if env := os.Getenv("BRANCHMIND_WORKSPACE_ALLOWLIST"); env != "" {
		cfg.Workspace.Allowlist = strings.Split(env, ",")
	}

	logger = configureLogger(cfg.General.LogLevel, cfg.General.LogDev)
	slog.SetDefault(logger)

	lockPath := cfg.General.LockFile
	if lockPath == "" {
		lockPath = "/tmp/branchmind.lock"
	}
	lockFile, err := acquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer releaseFlock(lockFile)

	dbPath := cfg.General.StateDB
	if *storageDir != "" {
		dbPath = filepath.Join(*storageDir, "branchmind.sqlite")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		logger.Error("failed to create storage directory", "path", dbPath, "error", err)
		os.Exit(1)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	registry, err := commands.BuildRegistry(st, commands.BuildOptions{
		StrictProgressSchema: cfg.Jobs.StrictProgressSchema,
		BuildFingerprint:     buildFingerprint,
		StartedAt:            time.Now(),
	})
	if err != nil {
		logger.Error("failed to build command registry", "error", err)
		os.Exit(1)
	}

	if *dumpToolsYAML {
		manifest, err := toolspec.DumpManifestYAML(registry)
		if err != nil {
			logger.Error("failed to dump tool manifest", "error", err)
			os.Exit(1)
		}
		fmt.Println(string(manifest))
		return
	}

	guardLookup := func(ctx context.Context, workspace string) (string, error) {
		return st.ProjectGuard(ctx, workspace)
	}
	guardRebind := func(ctx context.Context, workspace, guard string) error {
		return st.SetProjectGuard(ctx, workspace, guard)
	}

	dispatchCfg := toolserver.Config{
		DefaultWorkspace:     cfg.Workspace.Default,
		WorkspaceAllowlist:   cfg.Workspace.Allowlist,
		WorkspaceLock:        cfg.Workspace.Lock,
		ProjectGuard:         cfg.Workspace.ProjectGuard,
		ProjectGuardRebind:   cfg.Workspace.ProjectGuardRebind,
		StrictProgressSchema: cfg.Jobs.StrictProgressSchema,
	}
	dispatch := toolserver.NewServer(registry, dispatchCfg, guardLookup, guardRebind)
	cfgManager.OnChange(func(newCfg *config.Config) {
		dispatch.SetConfig(toolserver.Config{
			DefaultWorkspace:     newCfg.Workspace.Default,
			WorkspaceAllowlist:   newCfg.Workspace.Allowlist,
			WorkspaceLock:        newCfg.Workspace.Lock,
			ProjectGuard:         newCfg.Workspace.ProjectGuard,
			ProjectGuardRebind:   newCfg.Workspace.ProjectGuardRebind,
			StrictProgressSchema: newCfg.Jobs.StrictProgressSchema,
		})
	})

	resourceReader := func(ctx context.Context, workspace, uri string) (map[string]any, error) {
		return map[string]any{"workspace": workspace, "uri": uri}, nil
	}
	rpc := rpcserver.NewServer(registry, dispatch, resourceReader, logger.With("component", "rpc"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sweeperMu sync.Mutex
	sweeper, err := store.NewCronSweeper(st, cfg.Jobs.SweepInterval, logger.With("component", "sweeper"))
	if err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer func() {
		sweeperMu.Lock()
		defer sweeperMu.Unlock()
		sweeper.Stop()
	}()

	// applyReload re-reads configPath on SIGHUP. validateRuntimeConfigReload
	// rejects changes to settings read only once at process start
	// (state_db, the daemon socket); everything else propagates through
	// cfgManager.Set, which fans out to the dispatch server via the
	// OnChange subscriber registered above. The sweep schedule and log
	// level aren't manager-driven components, so they're refreshed here
	// directly.
	applyReload := func() error {
		updatedCfg, err := config.Reload(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(cfg, updatedCfg); err != nil {
			return err
		}
		cfgManager.Set(updatedCfg)
		cfg = updatedCfg

		logger = configureLogger(cfg.General.LogLevel, cfg.General.LogDev)
		slog.SetDefault(logger)

		sweeperMu.Lock()
		defer sweeperMu.Unlock()
		sweeper.Stop()
		rebuilt, err := store.NewCronSweeper(st, cfg.Jobs.SweepInterval, logger.With("component", "sweeper"))
		if err != nil {
			return fmt.Errorf("rebuild sweeper after reload: %w", err)
		}
		sweeper = rebuilt
		sweeper.Start()
		return nil
	}

	var wg sync.WaitGroup

	if cfg.Daemon.Enabled || *daemon {
		d := rpcserver.NewDaemon(rpc, cfg.Daemon.SocketPath, buildFingerprint, parseBuildTimeMs(buildTimeMs), logger.With("component", "daemon"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Serve(ctx); err != nil {
				logger.Error("daemon exited", "error", err)
			}
		}()
		logger.Info("branchmindd running as daemon", "socket", cfg.Daemon.SocketPath)
	} else {
		_ = agentID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rpc.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
				logger.Error("stdio server exited", "error", err)
			}
			cancel()
		}()
		logger.Info("branchmindd running over stdio")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

signalLoop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := applyReload(); err != nil {
					logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				logger.Info("config reloaded", "config", *configPath)
				continue
			}
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			break signalLoop
		case <-ctx.Done():
			break signalLoop
		}
	}

	wg.Wait()
	logger.Info("branchmindd stopped")
}

func parseBuildTimeMs(s string) int64 {
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}
