package policy

import (
	"strings"
	"time"

	"github.com/openfroyo/skiff/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks a job.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the job for the target.
	SeverityError Severity = "error"

	// SeverityCritical blocks the job for the target.
	SeverityCritical Severity = "critical"
)

// Blocking returns true if a violation of this severity refuses admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its deny rule yields violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with skiff. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Target is the target id the violation applies to.
	Target string `json:"target,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against one input.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block admission.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that refuse admission.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as input.
type Input struct {
	Target  TargetInput `json:"target"`
	Job     JobInput    `json:"job"`
	Context Context     `json:"context"`
}

// TargetInput is the policy view of a target. Credentials are never included.
type TargetInput struct {
	ID       string         `json:"id"`
	Host     string         `json:"host"`
	User     string         `json:"user,omitempty"`
	Port     int            `json:"port,omitempty"`
	Sudo     bool           `json:"sudo"`
	SudoUser string         `json:"sudo_user,omitempty"`
	Minion   map[string]any `json:"minion_opts,omitempty"`
}

// JobInput is the policy view of a job.
type JobInput struct {
	JID        string   `json:"jid"`
	Kind       string   `json:"kind"`
	Fun        string   `json:"fun"`
	Args       []string `json:"arg,omitempty"`
	RawCommand string   `json:"raw_command,omitempty"`
	Mods       []string `json:"mods,omitempty"`
	Env        string   `json:"saltenv,omitempty"`
	Test       bool     `json:"test"`
	Pattern    string   `json:"tgt"`
	MatchType  string   `json:"tgt_type"`
}

// Context carries evaluation context.
type Context struct {
	// User is the local operator running the job.
	User string `json:"user,omitempty"`

	// Timestamp is when the evaluation is occurring, in RFC 3339.
	Timestamp string `json:"timestamp"`
}

// NewInput builds the policy input for one (target, job) pair.
func NewInput(target engine.Target, job *engine.JobDescriptor) *Input {
	in := &Input{
		Target: TargetInput{
			ID:       target.ID,
			Host:     target.Host,
			User:     target.User,
			Port:     target.Port,
			Sudo:     target.Sudo,
			SudoUser: target.SudoUser,
			Minion:   target.Minion,
		},
		Job: JobInput{
			JID:       job.JID,
			Kind:      string(job.Kind),
			Fun:       job.FunName(),
			Args:      job.ArgList(),
			Pattern:   job.Pattern,
			MatchType: string(job.MatchType),
		},
		Context: Context{
			User:      job.User,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if job.Kind == engine.JobRaw {
		in.Job.RawCommand = job.RawCommand
		if in.Job.RawCommand == "" && len(job.RawArgv) > 0 {
			in.Job.RawCommand = strings.Join(job.RawArgv, " ")
		}
	}
	if job.State != nil {
		in.Job.Mods = job.State.Mods
		in.Job.Env = job.State.Env
		in.Job.Test = job.State.Test
	}
	return in
}
