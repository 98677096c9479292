package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/backends"
	"github.com/tengil/tengil/pkg/config"
	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/output"
	"github.com/tengil/tengil/pkg/policy"
	"github.com/tengil/tengil/pkg/stores"
	"github.com/tengil/tengil/pkg/telemetry"
	"github.com/tengil/tengil/pkg/transports/ssh"
)

// MockStateDir is the state subdirectory used by --mock.
const MockStateDir = "mock"

// environment holds what a command needs to reach the host and the state
// directory. It is built once per invocation from the global flags.
type environment struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	store    *stores.FileStateStore
	backends *engine.Backends
	memory   *backends.Memory
	printer  *output.Printer
	history  *stores.HistoryStore
	remote   *ssh.Client
}

// evaluation is one resolve, scan, drift and plan pass.
type evaluation struct {
	Desired     *engine.Desired
	Fingerprint string
	Previous    *engine.StateSnapshot
	Reality     *engine.Reality
	Drift       *engine.DriftReport
	Plan        *engine.Plan
}

// setup loads settings and telemetry, opens the state store and wires the
// backends. The returned context carries the telemetry.
func setup(cmd *cobra.Command) (*environment, context.Context, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, ctx, err
	}

	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, ctx, err
	}
	if stateDir != "" {
		settings.StateDir = stateDir
	}
	if mockMode {
		settings.Mock = true
	}
	if remoteHost != "" {
		settings.Remote.Host = remoteHost
	}

	tcfg := settings.Telemetry(buildVersion)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	store, err := stores.NewFileStateStore(settings.StateDir)
	if err != nil {
		return nil, ctx, err
	}

	env := &environment{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger,
		store:    store,
		printer:  output.NewPrinter(cmd.OutOrStdout(), format),
	}

	if settings.Mock {
		if err := env.useMock(ctx); err != nil {
			return nil, ctx, err
		}
	} else {
		var (
			runner backends.Runner = backends.NewExecRunner(tel.Logger)
			fsys   backends.FileSystem
		)
		if settings.Remote.Host != "" {
			client, err := dialRemote(ctx, settings.Remote, tel.Logger)
			if err != nil {
				return nil, ctx, err
			}
			env.remote = client
			runner, fsys = client, client
		}

		env.backends = backends.NewHost(runner, backends.HostConfig{
			ZFS: backends.ZFSConfig{CacheTTL: settings.Backends.PropertyCacheTTL},
			PCT: backends.PCTConfig{
				Storage:         settings.Backends.Storage,
				TemplateStorage: settings.Backends.TemplateStorage,
				ImageCacheDir:   settings.Backends.ImageCacheDir,
				StopTimeout:     settings.Backends.StopTimeout,
			},
			SMB: backends.SMBConfig{ConfPath: settings.Backends.SMBConf},
			NFS: backends.NFSConfig{ExportsPath: settings.Backends.NFSExports},
			FS:  fsys,
		}, tel.Logger)
	}

	log.Debug().
		Str("settings", settings.File).
		Str("state_dir", settings.StateDir).
		Bool("mock", settings.Mock).
		Str("host", settings.Remote.Host).
		Msg("Environment ready")
	return env, ctx, nil
}

// dialRemote connects to the managed host and checks it answers.
func dialRemote(ctx context.Context, rs config.RemoteSettings, logger *telemetry.Logger) (*ssh.Client, error) {
	cfg, err := ssh.ParseTarget(rs.Host)
	if err != nil {
		return nil, err
	}
	cfg.AuthMethod = ssh.AuthMethod(rs.Auth)
	cfg.PrivateKeyPath = rs.PrivateKey
	cfg.Password = rs.Password
	if rs.KnownHosts != "" {
		cfg.KnownHostsPath = rs.KnownHosts
	}
	cfg.StrictHostKeyChecking = rs.StrictHostKey
	cfg.Sudo = rs.Sudo
	cfg.ConnectionTimeout = rs.ConnectTimeout
	cfg.KeepAliveInterval = rs.KeepAlive

	client, err := ssh.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rs.Host, err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("host %s is not usable: %w", rs.Host, err)
	}
	return client, nil
}

// useMock swaps the backends for an in-memory host. Mock runs keep their
// own state and history under <state_dir>/mock; the first one is seeded
// from the last real scan.
func (e *environment) useMock(ctx context.Context) error {
	seed, err := e.store.Load(ctx, "")
	if err != nil {
		return err
	}

	dir := filepath.Join(e.settings.StateDir, MockStateDir)
	mockStore, err := stores.NewFileStateStore(dir)
	if err != nil {
		return err
	}
	own, err := mockStore.Load(ctx, "")
	if err != nil {
		return err
	}
	if own.Reality != nil {
		seed = own
	}

	e.store = mockStore
	e.settings.HistoryDB = filepath.Join(dir, "history.db")
	e.memory = backends.NewMemory(seed.Reality)
	e.backends = e.memory.Backends()
	if e.settings.Remote.Host != "" {
		log.Warn().Str("host", e.settings.Remote.Host).Msg("Mock mode ignores the remote host")
	}
	log.Warn().Str("state_dir", dir).Msg("Mock mode: no host command will run")
	return nil
}

// Close releases the history database and flushes traces.
func (e *environment) Close() {
	if e == nil {
		return
	}
	if e.history != nil {
		if err := e.history.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close history")
		}
		e.history = nil
	}
	if e.remote != nil {
		if err := e.remote.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close SSH connection")
		}
		e.remote = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}
}

// openHistory opens the history database on first use.
func (e *environment) openHistory(ctx context.Context) (*stores.HistoryStore, error) {
	if e.history != nil {
		return e.history, nil
	}
	h, err := stores.OpenHistory(ctx, e.settings.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", e.settings.HistoryDB, err)
	}
	e.history = h
	return h, nil
}

// recorder returns the history store as a run recorder, or nil when it
// cannot be opened. History never blocks a run.
func (e *environment) recorder(ctx context.Context) engine.Recorder {
	h, err := e.openHistory(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Run history disabled")
		return nil
	}
	return h
}

// audit writes an operator action to history. Failures are logged only.
func (e *environment) audit(ctx context.Context, action, target, details string) {
	h, err := e.openHistory(ctx)
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Audit entry not recorded")
		return
	}
	actor := os.Getenv("SUDO_USER")
	if actor == "" {
		actor = os.Getenv("USER")
	}
	if err := h.CreateAuditEntry(ctx, &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  target,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Audit entry not recorded")
	}
}

// policyEngine builds the policy gate from settings.
func (e *environment) policyEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(*e.logger.Zerolog(), policy.Options{
		ProtectedPools:      e.settings.ProtectedPools,
		ProtectedContainers: e.settings.ProtectedContainers,
	})
	if err != nil {
		return nil, err
	}
	if len(e.settings.PolicyPaths) > 0 {
		if err := pe.LoadPolicies(ctx, e.settings.PolicyPaths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// loadDesired reads, validates and resolves the document. The fingerprint
// is the content hash of the bytes read.
func (e *environment) loadDesired(ctx context.Context) (*engine.Desired, string, error) {
	data, err := os.ReadFile(documentPath)
	if err != nil {
		return nil, "", engine.NewResolutionError(fmt.Sprintf("failed to read document %s", documentPath), err).
			WithResource(documentPath)
	}
	doc, err := config.NewLoader(e.logger).Parse(ctx, documentPath, data)
	if err != nil {
		return nil, "", err
	}
	desired, err := engine.Resolve(doc)
	if err != nil {
		return nil, "", err
	}

	if e.memory != nil {
		// Mock hosts have whatever pools the document needs.
		for name := range desired.Pools {
			e.memory.AddPool(name)
		}
	}
	for _, note := range desired.Notes {
		log.Debug().Msg(note)
	}
	return desired, e.store.Fingerprint(data), nil
}

// scanner returns the Reality scanner over the wired backends.
func (e *environment) scanner() engine.Scanner {
	return engine.NewBackendScanner(e.backends)
}

// evaluate runs resolve, scan, drift and plan without mutating anything.
func (e *environment) evaluate(ctx context.Context) (*evaluation, error) {
	desired, fingerprint, err := e.loadDesired(ctx)
	if err != nil {
		return nil, err
	}

	previous, err := e.store.Load(ctx, fingerprint)
	if err != nil {
		return nil, err
	}

	reality, err := e.scanner().Scan(ctx)
	if err != nil {
		return nil, err
	}

	plan, err := engine.NewPlanner(engine.DefaultContainerRules()).Plan(ctx, desired, reality)
	if err != nil {
		return nil, err
	}

	return &evaluation{
		Desired:     desired,
		Fingerprint: fingerprint,
		Previous:    previous,
		Reality:     reality,
		Drift:       engine.ClassifyDrift(previous.Reality, reality, desired),
		Plan:        plan,
	}, nil
}

// applyOptions starts from the engine defaults and layers settings on top.
func (e *environment) applyOptions(ev *evaluation) engine.ApplyOptions {
	opts := engine.DefaultApplyOptions()
	opts.AutoAcceptSafeDrift = e.settings.AutoAcceptSafeDrift
	opts.Parallelism = e.settings.Parallelism
	opts.ActionTimeout = e.settings.ActionTimeout
	opts.CheckpointThreshold = e.settings.CheckpointThreshold
	if ev != nil {
		opts.Desired = ev.Desired
		opts.Fingerprint = ev.Fingerprint
		opts.Reality = ev.Reality
	}
	return opts
}

// orchestrator wires an orchestrator to this environment.
func (e *environment) orchestrator(ctx context.Context, gate engine.PolicyGate) *engine.Orchestrator {
	return engine.NewOrchestrator(engine.OrchestratorConfig{
		Backends: e.backends,
		Store:    e.store,
		Locker:   e.store,
		Scanner:  e.scanner(),
		Recorder: e.recorder(ctx),
		Policy:   gate,
		Planner:  engine.NewPlanner(engine.DefaultContainerRules()),
		Logger:   e.logger,
		Metrics:  e.tel.Metrics,
		Tracer:   e.tel.Tracer,
	})
}
