package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/skiff/pkg/telemetry"
)

// DefaultMaxProcs is the default number of concurrently running sessions.
const DefaultMaxProcs = 25

// abortedMessage is the return of targets that were never admitted before cancellation.
const abortedMessage = "job aborted before target was contacted"

// OrchestratorConfig configures a run.
type OrchestratorConfig struct {
	// MaxProcs bounds the number of sessions in flight.
	MaxProcs int

	// Defaults supplies connection parameters missing from a target.
	Defaults Target

	// Timeout is the connection timeout for targets that set none.
	Timeout time.Duration

	// Static renders all results at once after the run instead of as they arrive.
	Static bool

	// KeyDeploy offers to push the operator's key to targets that deny access.
	KeyDeploy bool

	// Format selects the output format. Defaults to FormatNested.
	Format Format
}

// Dependencies are the collaborators of an Orchestrator. Only Sessions is required.
type Dependencies struct {
	Sessions    SessionFactory
	Policy      AdmissionPolicy
	Cache       JobCache
	Renderer    Renderer
	KeyDeployer KeyDeployer
	Telemetry   *telemetry.Telemetry
	Out         io.Writer
}

// RunSummary is the outcome of Orchestrator.Run.
type RunSummary struct {
	JID       string
	Total     int
	Succeeded int
	Failed    int
	Records   map[string]ResultRecord
	Duration  time.Duration

	// ExitCode is 1 when any record failed, 0 otherwise.
	ExitCode int
}

// Orchestrator runs one job against a set of targets through a bounded sliding window of
// sessions. Records are produced in completion order, exactly one per target.
type Orchestrator struct {
	targets map[string]Target
	ids     []string
	job     *JobDescriptor
	cfg     OrchestratorConfig
	deps    Dependencies
	log     zerolog.Logger
}

// NewOrchestrator creates an orchestrator. An empty target set is a resolution error.
func NewOrchestrator(targets map[string]Target, job *JobDescriptor, cfg OrchestratorConfig, deps Dependencies) (*Orchestrator, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	if len(targets) == 0 {
		return nil, NewResolutionError(
			fmt.Sprintf("No hosts found with target %s of type %s", job.Pattern, matchTypeOrGlob(job.MatchType)), nil)
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("no session factory configured")
	}
	if cfg.MaxProcs <= 0 {
		cfg.MaxProcs = DefaultMaxProcs
	}
	if cfg.Format == "" {
		cfg.Format = FormatNested
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if job.JID == "" {
		job.JID = uuid.New().String()
	}

	defaults := cfg.Defaults
	if defaults.Timeout == 0 {
		defaults.Timeout = cfg.Timeout
	}

	merged := make(map[string]Target, len(targets))
	ids := make([]string, 0, len(targets))
	for id, t := range targets {
		t.ID = id
		merged[id] = t.WithDefaults(defaults)
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var logger *telemetry.Logger
	if deps.Telemetry != nil {
		logger = deps.Telemetry.Logger
	}

	return &Orchestrator{
		targets: merged,
		ids:     ids,
		job:     job,
		cfg:     cfg,
		deps:    deps,
		log:     logger.WithComponent("orchestrator").WithJID(job.JID).Zerolog(),
	}, nil
}

func matchTypeOrGlob(m MatchType) MatchType {
	if m == "" {
		return MatchGlob
	}
	return m
}

// JID returns the job id of the run.
func (o *Orchestrator) JID() string {
	return o.job.JID
}

// Targets returns the target ids in admission order.
func (o *Orchestrator) Targets() []string {
	return append([]string(nil), o.ids...)
}

// RunIter starts the run and returns a channel that yields exactly one record per target
// and is then closed. The caller must drain it.
//
// Cancelling ctx stops admission: in-flight sessions see the cancelled context, and targets
// that were never admitted each get an aborted record.
func (o *Orchestrator) RunIter(ctx context.Context) <-chan ResultRecord {
	out := make(chan ResultRecord)
	go o.admit(ctx, out)
	return out
}

func (o *Orchestrator) admit(ctx context.Context, out chan<- ResultRecord) {
	defer close(out)

	total := len(o.ids)
	sem := make(chan struct{}, o.cfg.MaxProcs)
	done := make(chan ResultRecord, total)

	next, emitted := 0, 0
	for emitted < total {
		if next < total && ctx.Err() == nil {
			select {
			case sem <- struct{}{}:
				if ctx.Err() != nil {
					<-sem
					continue
				}
				o.start(ctx, o.ids[next], sem, done)
				next++
			case rec := <-done:
				out <- rec
				emitted++
			case <-ctx.Done():
			}
			continue
		}

		if next < total {
			o.log.Warn().Int("remaining", total-next).Msg("Run cancelled, skipping remaining targets")
			for ; next < total; next++ {
				id := o.ids[next]
				out <- FailureRecord(id, NewTransportError(abortedMessage, ctx.Err()).WithTarget(id).WithOp("admit"))
				emitted++
			}
			continue
		}

		out <- <-done
		emitted++
	}
}

// start admits one target. It holds a slot in sem until the target's record is on done.
func (o *Orchestrator) start(ctx context.Context, id string, sem chan struct{}, done chan<- ResultRecord) {
	target := o.targets[id]
	tel := o.deps.Telemetry

	if o.deps.Policy != nil {
		if err := o.deps.Policy.Admit(ctx, target, o.job); err != nil {
			var perr *Error
			if !errors.As(err, &perr) || perr.Kind != KindPolicy {
				perr = NewPolicyError(err.Error())
			}
			o.log.Warn().Str("target", id).Str("reason", perr.Message).Msg("Target refused by admission policy")
			if tel != nil {
				tel.Metrics.RecordPolicyDenial("admission")
				_ = tel.Events.PublishPolicyDenied(o.job.JID, id, perr.Message)
			}
			done <- FailureRecord(id, perr.WithTarget(id).WithOp("admit"))
			<-sem
			return
		}
	}

	if tel != nil {
		_ = tel.Events.PublishSessionAdmitted(o.job.JID, id, len(sem))
	}
	o.log.Debug().Str("target", id).Int("in_flight", len(sem)).Msg("Target admitted")

	go func() {
		defer func() { <-sem }()
		done <- o.runSession(ctx, target)
	}()
}

// runSession runs one session. A panic or an empty record becomes a no-data record.
func (o *Orchestrator) runSession(ctx context.Context, target Target) (rec ResultRecord) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("target", target.ID).Interface("panic", r).Msg("Session panicked")
			rec = NoDataRecord(target.ID)
		}
	}()

	rec = o.deps.Sessions.NewSession(target, o.job).Run(ctx)
	if rec.ID == "" && rec.Return == nil && rec.Err == nil {
		return NoDataRecord(target.ID)
	}
	rec.ID = target.ID
	return rec
}

// Run drains RunIter. It offers key deploy on permission failures, renders the records,
// and saves the job and its returns to the job cache. Target failures are in the summary;
// the error is non-nil only when ctx was cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	tel := o.deps.Telemetry
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, o.job.JID, o.job.FunName(), len(o.ids))
	defer span.End()
	tel.Metrics.RecordRunStarted(len(o.ids))
	_ = tel.Events.PublishRunStarted(o.job.JID, o.job.FunName(), len(o.ids))

	o.log.Info().
		Str("fun", o.job.FunName()).
		Int("targets", len(o.ids)).
		Int("max_procs", o.cfg.MaxProcs).
		Msg("Starting run")

	if o.deps.Cache != nil {
		if err := o.deps.Cache.SaveLoad(ctx, o.job, o.ids); err != nil {
			o.log.Warn().Err(err).Msg("Failed to save job load")
		}
	}

	summary := &RunSummary{
		JID:     o.job.JID,
		Total:   len(o.ids),
		Records: make(map[string]ResultRecord, len(o.ids)),
	}

	for rec := range o.RunIter(ctx) {
		if o.cfg.KeyDeploy && o.deps.KeyDeployer != nil && IsPermission(rec.Err) && ctx.Err() == nil {
			if retried, ok := o.deps.KeyDeployer.DeployKey(ctx, o.targets[rec.ID], o.job, rec); ok {
				rec = retried
			}
		}

		if o.deps.Cache != nil {
			if err := o.deps.Cache.SaveReturn(ctx, o.job.JID, rec); err != nil {
				o.log.Warn().Err(err).Str("target", rec.ID).Msg("Failed to save return")
			}
		}

		summary.Records[rec.ID] = rec
		if rec.Failed() {
			summary.Failed++
		} else {
			summary.Succeeded++
		}

		if !o.cfg.Static {
			o.render(map[string]any{rec.ID: rec.Return})
		}
	}

	if o.cfg.Static {
		data := make(map[string]any, len(summary.Records))
		for id, rec := range summary.Records {
			data[id] = rec.Return
		}
		o.render(data)
	}

	summary.Duration = time.Since(start)
	status := "ok"
	if summary.Failed > 0 {
		summary.ExitCode = 1
		status = "failed"
		telemetry.RecordError(span, fmt.Errorf("%d of %d targets failed", summary.Failed, summary.Total))
	} else {
		telemetry.RecordSuccess(span)
	}
	tel.Metrics.RecordRunCompleted(status, summary.Duration)
	_ = tel.Events.PublishRunCompleted(o.job.JID, summary.Failed, summary.Duration)

	o.log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Run completed")

	return summary, ctx.Err()
}

func (o *Orchestrator) render(data map[string]any) {
	if o.deps.Renderer == nil {
		return
	}
	if err := o.deps.Renderer.Display(o.deps.Out, data, o.cfg.Format); err != nil {
		o.log.Warn().Err(err).Msg("Failed to render output")
	}
}
