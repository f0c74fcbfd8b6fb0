package session

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
	"github.com/openfroyo/skiff/pkg/telemetry"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

// runRaw runs the literal command. The runtime is never involved.
func (s *Single) runRaw(ctx context.Context) engine.ResultRecord {
	cmd := s.job.RawCommand
	if len(s.job.RawArgv) > 0 {
		cmd = ssh.EscapeArgv(s.job.RawArgv)
	}

	s.setPhase(PhaseRunning)
	res, err := s.exec(ctx, cmd)
	if err != nil {
		return s.transportFailure(err, "exec")
	}
	if rec, failed := s.loginFailure(res); failed {
		return rec
	}
	return rawRecord(res)
}

// runRemote runs the job's function through the runner.
func (s *Single) runRemote(ctx context.Context) engine.ResultRecord {
	args, kwargs := s.callArgs()
	req := s.request(s.fun, args, kwargs)
	req.Wipe = s.wipe

	res, rerr := s.execRequest(ctx, req)
	if rerr != nil {
		return s.failure(rerr)
	}
	return s.remoteRecord(res)
}

// request builds a runner request for this target.
func (s *Single) request(fun string, args []string, kwargs map[string]any) *protocol.Request {
	req := &protocol.Request{
		JID:    s.job.JID,
		ID:     s.target.ID,
		Fun:    fun,
		Args:   args,
		Kwargs: kwargs,
	}
	if s.opts.ExtMods != nil {
		req.ExtModsVersion = s.opts.ExtMods.Version
	}
	if s.job.Timeout > 0 {
		req.Timeout = int(math.Ceil(s.job.Timeout.Seconds()))
	}
	return req
}

// execRequest probes the host and runs req, deploying the runtime at most once per
// session. The result has been through neither login-failure matching nor parsing.
func (s *Single) execRequest(ctx context.Context, req *protocol.Request) (*ssh.ExecResult, *engine.Error) {
	if s.opts.Packager == nil {
		return nil, engine.NewDeployError("no runtime bundle is configured", nil).WithOp("probe")
	}
	stamp, err := s.opts.Packager.Stamp()
	if err != nil {
		return nil, engine.NewDeployError(fmt.Sprintf("failed to compute runtime stamp: %v", err), err).WithOp("probe")
	}
	encoded, err := req.Encode()
	if err != nil {
		return nil, engine.NewTransportError(err.Error(), err).WithOp("probe")
	}
	script := probeScript(s.thinDir, stamp, sudoPrefix(s.target), encoded)

	for {
		s.setPhase(PhaseProbe)
		res, err := s.exec(ctx, script)
		if err != nil {
			return nil, s.mapTransportError(err, "probe")
		}
		if !needsDeploy(res) {
			s.setPhase(PhaseRunning)
			return res, nil
		}
		if s.deployed {
			s.opts.Telemetry.Metrics.RecordDeploy("repeated")
			return nil, engine.NewDeployError("runtime still missing after deploy", nil).WithOp("probe")
		}
		s.setPhase(PhaseNeedsDeploy)
		if derr := s.deploy(ctx, stamp); derr != nil {
			return nil, derr
		}
	}
}

// deploy pushes and unpacks the runtime bundle. It runs at most once per session.
func (s *Single) deploy(ctx context.Context, stamp string) *engine.Error {
	s.deployed = true
	tel := s.opts.Telemetry
	ctx, span := tel.Tracer.StartDeploySpan(ctx, s.target.ID, stamp)
	defer span.End()

	s.log.Info().
		Str("stamp", stamp).
		Str("thin_dir", s.thinDir).
		Msg("Deploying runtime")

	derr := s.pushRuntime(ctx)
	if derr != nil {
		tel.Metrics.RecordDeploy("failed")
		telemetry.RecordError(span, derr)
		_ = tel.Events.PublishDeploy(s.job.JID, s.target.ID, stamp, derr)
		return derr
	}
	tel.Metrics.RecordDeploy("ok")
	telemetry.RecordSuccess(span)
	_ = tel.Events.PublishDeploy(s.job.JID, s.target.ID, stamp, nil)
	return nil
}

func (s *Single) pushRuntime(ctx context.Context) *engine.Error {
	pkg, err := s.opts.Packager.RuntimeBundle(ctx)
	if err != nil {
		return engine.NewDeployError(fmt.Sprintf("failed to build runtime bundle: %v", err), err).WithOp("deploy")
	}

	remote := path.Join(s.thinDir, protocol.ThinArchive)
	res, err := s.shell.Send(ctx, pkg.Path, remote, true)
	if err != nil {
		return engine.NewDeployError(fmt.Sprintf("failed to send runtime bundle: %v", err), err).WithOp("deploy")
	}
	if res.ExitCode != 0 {
		return engine.NewDeployError("failed to send runtime bundle: "+strings.TrimSpace(res.Stderr), nil).WithOp("deploy")
	}

	res, err = s.exec(ctx, unpackCommand(s.thinDir))
	if err != nil {
		return engine.NewDeployError(fmt.Sprintf("failed to unpack runtime bundle: %v", err), err).WithOp("deploy")
	}
	switch res.ExitCode {
	case 0:
		return nil
	case protocol.ExitCorrupt:
		return engine.NewDeployError("ERROR: "+msgThinCorrupt, nil).WithOp("deploy")
	default:
		return engine.NewDeployError("failed to unpack runtime bundle: "+strings.TrimSpace(res.Stderr), nil).WithOp("deploy")
	}
}

// exec runs cmd and remembers its output.
func (s *Single) exec(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	s.touched = true
	res, err := s.shell.Exec(ctx, cmd)
	if res != nil {
		s.last = res
	}
	return res, err
}

// send copies local to remote below the thin dir when remote is relative.
func (s *Single) send(ctx context.Context, local, remote string) error {
	s.touched = true
	if !path.IsAbs(remote) {
		remote = path.Join(s.thinDir, remote)
	}
	res, err := s.shell.Send(ctx, local, remote, true)
	if err != nil {
		return s.mapTransportError(err, "send")
	}
	if res.ExitCode != 0 {
		return engine.NewTransportError(fmt.Sprintf("failed to send %s: %s", local, strings.TrimSpace(res.Stderr)), nil).
			WithTarget(s.target.ID).WithOp("send")
	}
	return nil
}
