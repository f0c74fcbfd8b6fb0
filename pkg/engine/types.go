package engine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Target is one remote host and its connection parameters.
// Targets are created by roster resolution and never modified after admission.
type Target struct {
	// ID is the roster id of the target.
	ID string `json:"id" yaml:"-"`

	// Host is the address to connect to. Defaults to ID when empty.
	Host string `json:"host" yaml:"host"`

	// User is the login user.
	User string `json:"user,omitempty" yaml:"user,omitempty"`

	// Port is the SSH port.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Password is the login password. Never logged.
	Password string `json:"-" yaml:"passwd,omitempty"`

	// Priv is the private key path.
	Priv string `json:"priv,omitempty" yaml:"priv,omitempty"`

	// Sudo runs the remote runtime under sudo.
	Sudo bool `json:"sudo,omitempty" yaml:"sudo,omitempty"`

	// SudoUser runs the remote runtime as this user via sudo -u.
	SudoUser string `json:"sudo_user,omitempty" yaml:"sudo_user,omitempty"`

	// Timeout is the per-target connection timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// IdentitiesOnly restricts authentication to the configured identity.
	IdentitiesOnly bool `json:"identities_only,omitempty" yaml:"identities_only,omitempty"`

	// RemotePortForwards is a comma separated list of -R specs.
	RemotePortForwards string `json:"remote_port_forwards,omitempty" yaml:"remote_port_forwards,omitempty"`

	// SSHOptions are extra -o options.
	SSHOptions []string `json:"ssh_options,omitempty" yaml:"ssh_options,omitempty"`

	// StrictHostKeyChecking overrides the global host key policy when set.
	StrictHostKeyChecking *bool `json:"strict_host_key_checking,omitempty" yaml:"strict_host_key_checking,omitempty"`

	// KnownHostsFile overrides the known hosts file.
	KnownHostsFile string `json:"known_hosts_file,omitempty" yaml:"known_hosts_file,omitempty"`

	// ThinDir overrides the remote staging directory.
	ThinDir string `json:"thin_dir,omitempty" yaml:"thin_dir,omitempty"`

	// Minion holds extra roster-supplied fields, exposed to wrappers as roster grains.
	Minion map[string]any `json:"minion_opts,omitempty" yaml:"minion_opts,omitempty"`
}

// Address returns host:port for the target.
func (t *Target) Address() string {
	host := t.Host
	if host == "" {
		host = t.ID
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// WithDefaults returns a copy of t with every unset connection parameter taken from d.
func (t Target) WithDefaults(d Target) Target {
	if t.Host == "" {
		t.Host = t.ID
	}
	if t.User == "" {
		t.User = d.User
	}
	if t.Port == 0 {
		t.Port = d.Port
	}
	if t.Password == "" {
		t.Password = d.Password
	}
	if t.Priv == "" {
		t.Priv = d.Priv
	}
	if !t.Sudo {
		t.Sudo = d.Sudo
	}
	if t.SudoUser == "" {
		t.SudoUser = d.SudoUser
	}
	if t.Timeout == 0 {
		t.Timeout = d.Timeout
	}
	if !t.IdentitiesOnly {
		t.IdentitiesOnly = d.IdentitiesOnly
	}
	if t.RemotePortForwards == "" {
		t.RemotePortForwards = d.RemotePortForwards
	}
	if len(t.SSHOptions) == 0 && len(d.SSHOptions) > 0 {
		t.SSHOptions = append([]string(nil), d.SSHOptions...)
	}
	if t.StrictHostKeyChecking == nil {
		t.StrictHostKeyChecking = d.StrictHostKeyChecking
	}
	if t.KnownHostsFile == "" {
		t.KnownHostsFile = d.KnownHostsFile
	}
	if t.ThinDir == "" {
		t.ThinDir = d.ThinDir
	}
	return t
}

// JobKind selects what a job runs on each target.
type JobKind string

const (
	// JobRaw runs a literal shell command with no runtime involvement.
	JobRaw JobKind = "raw"

	// JobFunction runs a named function, either a local wrapper or a remote runner function.
	JobFunction JobKind = "function"

	// JobState applies compiled state through the state.apply wrapper.
	JobState JobKind = "state"
)

// MatchType is the roster pattern match type.
type MatchType string

const (
	MatchGlob MatchType = "glob"
	MatchList MatchType = "list"
	MatchPCRE MatchType = "pcre"
	MatchAll  MatchType = "all"
)

// StateRequest describes a state-apply job.
type StateRequest struct {
	Mods    []string       `json:"mods"`
	Env     string         `json:"saltenv"`
	Test    bool           `json:"test"`
	Exclude []string       `json:"exclude,omitempty"`
	Pillar  map[string]any `json:"pillar,omitempty"`
}

// JobDescriptor is the operation to perform. It is built once per run and shared read-only.
type JobDescriptor struct {
	// JID is the job id.
	JID string `json:"jid"`

	// Kind selects raw, function or state.
	Kind JobKind `json:"kind"`

	// Fun is the function name for JobFunction.
	Fun string `json:"fun,omitempty"`

	// Args are positional arguments; key=value entries are keyword arguments.
	Args []string `json:"arg,omitempty"`

	// Kwargs are explicit keyword arguments.
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// RawCommand is the literal command for JobRaw.
	RawCommand string `json:"raw_command,omitempty"`

	// RawArgv is the command for JobRaw given as an argv list; each element is escaped.
	RawArgv []string `json:"raw_argv,omitempty"`

	// State is the state request for JobState.
	State *StateRequest `json:"state,omitempty"`

	// Pattern and MatchType record how the targets were selected.
	Pattern   string    `json:"tgt"`
	MatchType MatchType `json:"tgt_type"`

	// User is the local operator.
	User string `json:"user,omitempty"`

	// Timeout bounds the remote execution, added to the connection timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// FunName returns the function name stored in the job cache.
func (j *JobDescriptor) FunName() string {
	switch j.Kind {
	case JobRaw:
		return "ssh._raw"
	case JobState:
		return "state.apply"
	default:
		return j.Fun
	}
}

// ArgList returns the job's arguments as stored in the job cache.
func (j *JobDescriptor) ArgList() []string {
	switch j.Kind {
	case JobRaw:
		if len(j.RawArgv) > 0 {
			return j.RawArgv
		}
		return []string{j.RawCommand}
	case JobState:
		if j.State != nil {
			return j.State.Mods
		}
	}
	return ConvertArgs(j.Args, j.Kwargs)
}

var kwargRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// SplitArgs splits key=value arguments out of args.
func SplitArgs(args []string) (positional []string, kwargs map[string]string) {
	kwargs = make(map[string]string)
	for _, a := range args {
		if m := kwargRe.FindStringSubmatch(a); m != nil {
			kwargs[m[1]] = m[2]
			continue
		}
		positional = append(positional, a)
	}
	return positional, kwargs
}

// ConvertArgs renders positional args and kwargs as command-line arguments.
// Keyword arguments become key=value, sorted by key; __kwarg__ markers are dropped.
func ConvertArgs(args []string, kwargs map[string]any) []string {
	out := append([]string(nil), args...)
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		if k == "__kwarg__" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%v", k, kwargs[k]))
	}
	return out
}

// LowChunk is one compiled, directly executable unit of state.
type LowChunk map[string]any

// ResultRecord is the outcome for one target. Exactly one exists per target per run.
type ResultRecord struct {
	// ID is the target id.
	ID string `json:"id"`

	// Return is the parsed payload, a raw string or a failure message.
	Return any `json:"return"`

	// Retcode is the remote exit status, or 1 for failures raised locally.
	Retcode int `json:"retcode"`

	// Stderr is remote stderr, kept when the payload could not be parsed.
	Stderr string `json:"stderr,omitempty"`

	// Err is the typed failure, if any.
	Err error `json:"-"`

	// Duration is the session's wall time.
	Duration time.Duration `json:"duration"`
}

// Failed returns true if the record carries a failure or a non-zero retcode.
func (r *ResultRecord) Failed() bool {
	return r.Err != nil || r.Retcode != 0
}

// FailureRecord builds a record for a typed failure.
func FailureRecord(id string, err error) ResultRecord {
	rec := ResultRecord{ID: id, Retcode: 1, Err: err}
	var e *Error
	if errors.As(err, &e) {
		rec.Return = e.Message
	} else if err != nil {
		rec.Return = err.Error()
	}
	return rec
}

// NoDataRecord is the record for a session that ended without producing a result.
func NoDataRecord(id string) ResultRecord {
	msg := fmt.Sprintf("Target '%s' did not return any data, probably due to an error.", id)
	return ResultRecord{ID: id, Return: msg, Retcode: 1, Err: &Error{Kind: KindProtocol, Target: id, Message: msg}}
}
