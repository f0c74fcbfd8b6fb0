package commands

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/pkg/compiler"
	"github.com/openfroyo/skiff/pkg/config"
	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/output"
	"github.com/openfroyo/skiff/pkg/pkgbuild"
	"github.com/openfroyo/skiff/pkg/policy"
	"github.com/openfroyo/skiff/pkg/roster"
	"github.com/openfroyo/skiff/pkg/session"
	"github.com/openfroyo/skiff/pkg/stores"
	"github.com/openfroyo/skiff/pkg/telemetry"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

// app holds the collaborators of one CLI invocation.
type app struct {
	cfg      *config.Config
	version  string
	tel      *telemetry.Telemetry
	renderer *output.Renderer
	cache    *stores.SQLiteStore
	roster   *roster.Flat
	policy   *policy.Engine
	sessions *session.Factory
	keys     *session.KeyDeployer
}

// newApp sets up telemetry and the renderer. Run collaborators are added by setupRun.
func newApp(ctx context.Context, cfg *config.Config, version string) (*app, error) {
	cfg.Telemetry.ServiceVersion = version
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()
	if err := tel.StartMetricsServer(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	return &app{
		cfg:      cfg,
		version:  version,
		tel:      tel,
		renderer: output.NewRenderer(os.Stdout),
	}, nil
}

// setupRun builds everything a run needs: roster, compiler, package builder, sessions,
// admission policy and job cache.
func (a *app) setupRun(ctx context.Context) error {
	cfg := a.cfg

	r, err := roster.NewFlat(cfg.RosterFile)
	if err != nil {
		return fmt.Errorf("failed to create roster: %w", err)
	}
	a.roster = r

	files := compiler.NewLocalFileStore(cfg.FileRoots)
	builder, err := pkgbuild.NewBuilder(pkgbuild.Config{
		Version:    a.version,
		CacheDir:   cfg.CacheDir,
		RunnerDir:  cfg.RunnerDir,
		ExtraTrees: cfg.ExtraTrees,
	}, files, a.tel.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create package builder: %w", err)
	}

	wrappers := session.NewWrapperRegistry()
	if _, err := session.LoadStarlarkWrappers(wrappers, cfg.WrappersDir, cfg.WrapperTimeout); err != nil {
		return err
	}

	extMods, err := pkgbuild.ExtMods(cfg.ExtensionModules)
	if err != nil {
		return err
	}

	a.sessions = session.NewFactory(session.Options{
		Backend:               ssh.Backend(cfg.SSH.Backend),
		Packager:              builder,
		Compiler:              compiler.NewFlat(files),
		Wrappers:              wrappers,
		ExtMods:               extMods,
		ThinDir:               cfg.ThinDir,
		RandThinDir:           cfg.RandThinDir,
		IgnoreHostKeys:        cfg.SSH.IgnoreHostKeys,
		StrictHostKeyChecking: cfg.SSH.StrictHostKeyChecking,
		TTY:                   cfg.SSH.TTY,
		PasswordRetries:       cfg.SSH.PasswordRetries,
		ConnectionTimeout:     cfg.SSH.Timeout,
		Telemetry:             a.tel,
	})
	if cfg.KeyDeploy {
		a.keys = session.NewKeyDeployer(a.sessions, cfg.SSH.Priv, os.Stdin, os.Stderr)
	}

	if a.policy, err = newPolicyEngine(ctx, cfg); err != nil {
		return err
	}
	if a.cache, err = openCache(ctx, cfg); err != nil {
		return err
	}
	return nil
}

// newPolicyEngine loads the builtin and configured admission policies.
func newPolicyEngine(ctx context.Context, cfg *config.Config) (*policy.Engine, error) {
	eng, err := policy.NewEngine(log.Logger.With().Str("component", "policy").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.PolicyPaths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		if cfg.PolicyWatch {
			if err := eng.Watch(ctx, cfg.PolicyPaths); err != nil {
				return nil, fmt.Errorf("failed to watch policies: %w", err)
			}
		}
	}
	for _, name := range cfg.PolicyDisable {
		if err := eng.DisablePolicy(name); err != nil {
			log.Warn().Err(err).Str("policy", name).Msg("Cannot disable policy")
		}
	}
	return eng, nil
}

// openCache opens the job cache and purges expired jobs. It returns nil when the cache
// is disabled.
func openCache(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if cfg.JobCache == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.JobCache), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create job cache dir: %w", err)
	}
	store, err := stores.Open(ctx, cfg.JobCache)
	if err != nil {
		return nil, err
	}
	if cfg.JobCacheKeep > 0 {
		n, err := store.PurgeOlderThan(ctx, time.Now().Add(-cfg.JobCacheKeep))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to purge expired jobs")
		} else if n > 0 {
			log.Debug().Int64("jobs", n).Msg("Purged expired jobs")
		}
	}
	return store, nil
}

// run resolves pattern and runs job against the matching targets.
func (a *app) run(ctx context.Context, pattern string, match engine.MatchType, job *engine.JobDescriptor) error {
	job.Pattern = pattern
	job.MatchType = match
	if job.User == "" {
		job.User = currentUser()
	}

	targets, err := a.roster.Resolve(ctx, pattern, match)
	if err != nil {
		return err
	}

	deps := engine.Dependencies{
		Sessions:  a.sessions,
		Policy:    a.policy,
		Renderer:  a.renderer,
		Telemetry: a.tel,
		Out:       os.Stdout,
	}
	if a.cache != nil {
		deps.Cache = a.cache
	}
	if a.keys != nil {
		deps.KeyDeployer = a.keys
	}

	orch, err := engine.NewOrchestrator(targets, job, engine.OrchestratorConfig{
		MaxProcs:  a.cfg.MaxProcs,
		Defaults:  a.cfg.Defaults(),
		Timeout:   a.cfg.SSH.Timeout,
		Static:    a.cfg.Static,
		KeyDeploy: a.cfg.KeyDeploy,
		Format:    a.cfg.Format(),
	}, deps)
	if err != nil {
		return err
	}

	summary, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	if summary.ExitCode != 0 {
		return &ExitError{Code: summary.ExitCode}
	}
	return nil
}

// Close releases the job cache and flushes telemetry.
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close job cache")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// runJob is the body of every command that runs a job.
func runJob(ctx context.Context, cfg *config.Config, version, pattern string, match engine.MatchType, job *engine.JobDescriptor) error {
	a, err := newApp(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.setupRun(ctx); err != nil {
		return err
	}
	return a.run(ctx, pattern, match, job)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
