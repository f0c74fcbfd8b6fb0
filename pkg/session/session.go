package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/pkgbuild"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
	"github.com/openfroyo/skiff/pkg/telemetry"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

// ShellFactory opens the transport for one target.
type ShellFactory func(cfg *ssh.Config) (ssh.Shell, error)

// Packager builds the packages a session ships. *pkgbuild.Builder implements it.
type Packager interface {
	Stamp() (string, error)
	RuntimeBundle(ctx context.Context) (*pkgbuild.Package, error)
	TransactionPackage(ctx context.Context, req pkgbuild.TransRequest) (*pkgbuild.Package, error)
}

// Options are shared by every session of a run.
type Options struct {
	// Backend selects the transport when NewShell is nil.
	Backend ssh.Backend

	// NewShell overrides how shells are opened.
	NewShell ShellFactory

	Packager Packager
	Compiler engine.Compiler
	Wrappers *WrapperRegistry

	// ExtMods is served to runners that ask for extension modules.
	ExtMods *protocol.ExtMods

	// ExtraFileRefs are shipped with every transaction package.
	ExtraFileRefs []string

	// ThinDir is the remote staging dir used when a target names none.
	ThinDir string

	// RandThinDir stages into a random dir that the runner wipes after the call.
	RandThinDir bool

	IgnoreHostKeys        bool
	StrictHostKeyChecking bool
	TTY                   bool
	PasswordRetries       int

	// ConnectionTimeout applies to targets without their own timeout.
	ConnectionTimeout time.Duration

	Telemetry *telemetry.Telemetry
}

func (o Options) withDefaults() Options {
	if o.NewShell == nil {
		backend := o.Backend
		o.NewShell = func(cfg *ssh.Config) (ssh.Shell, error) {
			return ssh.New(cfg, backend)
		}
	}
	if o.Wrappers == nil {
		o.Wrappers = NewWrapperRegistry()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Noop()
	}
	return o
}

// Factory creates sessions that share one set of Options.
type Factory struct {
	opts Options
}

// NewFactory creates a session factory.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

// NewSession implements engine.SessionFactory.
func (f *Factory) NewSession(target engine.Target, job *engine.JobDescriptor) engine.Session {
	return NewSingle(target, job, f.opts)
}

// Single is the session of one target. It is not safe for concurrent use; the
// orchestrator gives each target its own.
type Single struct {
	target engine.Target
	job    *engine.JobDescriptor
	opts   Options

	mode    Mode
	fun     string
	phase   Phase
	thinDir string
	wipe    bool

	shell    ssh.Shell
	deployed bool
	touched  bool
	last     *ssh.ExecResult
	span     trace.Span
	log      zerolog.Logger
}

// NewSingle creates the session for target.
func NewSingle(target engine.Target, job *engine.JobDescriptor, opts Options) *Single {
	opts = opts.withDefaults()
	if target.Host == "" {
		target.Host = target.ID
	}
	if target.User == "" {
		target.User = "root"
	}
	s := &Single{
		target: target,
		job:    job,
		opts:   opts,
		span:   trace.SpanFromContext(context.Background()),
	}
	s.mode, s.fun = selectMode(job, opts.Wrappers)
	s.thinDir, s.wipe = resolveThinDir(target, opts)
	s.log = opts.Telemetry.Logger.WithComponent("session").
		WithJID(job.JID).
		WithTarget(target.ID, target.Host).
		Zerolog()
	return s
}

func selectMode(job *engine.JobDescriptor, wrappers *WrapperRegistry) (Mode, string) {
	switch job.Kind {
	case engine.JobRaw:
		return ModeRaw, ""
	case engine.JobState:
		return ModeWrapped, "state.apply"
	}
	if _, ok := wrappers.Lookup(job.Fun); ok {
		return ModeWrapped, job.Fun
	}
	return ModeRemote, job.Fun
}

// Mode returns the execution mode picked for the job.
func (s *Single) Mode() Mode {
	return s.mode
}

// Phase returns the current phase.
func (s *Single) Phase() Phase {
	return s.phase
}

// Deployed reports whether the runtime was pushed during this session.
func (s *Single) Deployed() bool {
	return s.deployed
}

// ThinDir returns the remote staging dir.
func (s *Single) ThinDir() string {
	return s.thinDir
}

// LastResult returns the output of the last remote command, or nil.
func (s *Single) LastResult() *ssh.ExecResult {
	return s.last
}

// Run executes the job and always returns exactly one record.
func (s *Single) Run(ctx context.Context) engine.ResultRecord {
	start := time.Now()
	tel := s.opts.Telemetry

	ctx, span := tel.Tracer.StartSessionSpan(ctx, s.target.ID, s.target.Host, s.mode.String())
	defer span.End()
	s.span = span
	tel.Metrics.RecordSessionStarted()
	s.setPhase(PhaseInit)

	s.log.Debug().
		Str("mode", s.mode.String()).
		Str("thin_dir", s.thinDir).
		Msg("Starting session")

	rec := s.run(ctx)
	rec.ID = s.target.ID
	rec.Duration = time.Since(start)
	s.setPhase(PhaseDone)

	status := "ok"
	switch {
	case rec.Err != nil:
		status = string(engine.KindOf(rec.Err))
		telemetry.RecordError(span, rec.Err)
	case rec.Retcode != 0:
		status = "failed"
	default:
		telemetry.RecordSuccess(span)
	}
	tel.Metrics.RecordSessionCompleted(s.mode.String(), status, rec.Duration)
	_ = tel.Events.PublishSessionCompleted(s.job.JID, s.target.ID, rec.Retcode, rec.Duration)

	s.log.Debug().
		Int("retcode", rec.Retcode).
		Str("status", status).
		Dur("duration", rec.Duration).
		Msg("Session finished")
	return rec
}

func (s *Single) run(ctx context.Context) engine.ResultRecord {
	shell, err := s.opts.NewShell(s.shellConfig())
	if err != nil {
		return s.failure(engine.NewTransportError(err.Error(), err).WithOp("connect"))
	}
	s.shell = shell
	if c, ok := shell.(io.Closer); ok {
		defer c.Close()
	}

	switch s.mode {
	case ModeRaw:
		return s.runRaw(ctx)
	case ModeWrapped:
		return s.runWrapped(ctx)
	default:
		return s.runRemote(ctx)
	}
}

func (s *Single) setPhase(p Phase) {
	s.phase = p
	tel := s.opts.Telemetry
	tel.Metrics.RecordPhase(p.String())
	telemetry.AddPhaseEvent(s.span, p.String())
	_ = tel.Events.PublishSessionPhase(s.job.JID, s.target.ID, p.String())
}

// shellConfig maps the target onto transport parameters. Raw sessions get no delimiter,
// so all output comes back unmarked.
func (s *Single) shellConfig() *ssh.Config {
	t := s.target
	cfg := ssh.DefaultConfig(t.Host, t.User)
	if t.Port != 0 {
		cfg.Port = t.Port
	}
	cfg.Password = t.Password
	cfg.PrivateKeyPath = t.Priv
	cfg.KnownHostsPath = t.KnownHostsFile
	cfg.StrictHostKeyChecking = s.opts.StrictHostKeyChecking
	if t.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *t.StrictHostKeyChecking
	}
	cfg.IgnoreHostKeys = s.opts.IgnoreHostKeys
	cfg.IdentitiesOnly = t.IdentitiesOnly
	cfg.SSHOptions = t.SSHOptions
	cfg.RemotePortForwards = t.RemotePortForwards
	cfg.TTY = s.opts.TTY
	if s.opts.PasswordRetries > 0 {
		cfg.PasswordRetries = s.opts.PasswordRetries
	}
	switch {
	case t.Timeout > 0:
		cfg.ConnectionTimeout = t.Timeout
	case s.opts.ConnectionTimeout > 0:
		cfg.ConnectionTimeout = s.opts.ConnectionTimeout
	}
	cfg.CommandTimeout = s.job.Timeout

	if s.mode != ModeRaw {
		cfg.Delimiter = protocol.Delimiter
		cfg.AuxMarker = protocol.AuxMarker
		cfg.Aux = ssh.AuxProviderFunc(s.auxPayload)
	}
	return cfg
}

func (s *Single) auxPayload(name string) (any, error) {
	if name == protocol.ExtModsToken && s.opts.ExtMods != nil {
		s.log.Debug().Str("version", s.opts.ExtMods.Version).Msg("Serving extension modules")
		return s.opts.ExtMods, nil
	}
	return nil, fmt.Errorf("no aux payload named %q", name)
}

// failure turns err into this target's record.
func (s *Single) failure(err *engine.Error) engine.ResultRecord {
	return engine.FailureRecord(s.target.ID, err.WithTarget(s.target.ID))
}

// callArgs returns the job's positional and keyword arguments.
func (s *Single) callArgs() ([]string, map[string]any) {
	args, kw := engine.SplitArgs(s.job.Args)
	kwargs := make(map[string]any, len(kw)+len(s.job.Kwargs))
	for k, v := range kw {
		kwargs[k] = v
	}
	for k, v := range s.job.Kwargs {
		if k == "__kwarg__" {
			continue
		}
		kwargs[k] = v
	}
	return args, kwargs
}
