// Package protocol defines what passes between a skiff session and the remote runner:
// the probe constants, the request handed to the runner, and the envelope it prints.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Delimiter separates login noise from runner output. The runner prints it as a line of
// its own on stdout and stderr before anything else.
const Delimiter = "_edbc7885e4f9aac9b83b35999b68d015148caf467b78fa39c05f669c0ff89878"

// AuxMarker prefixes a line in which the runner asks the session for a payload. The
// session answers with one base64 JSON line on the runner's stdin.
const AuxMarker = "_SKIFF_AUX_"

// Shim tokens printed after the delimiter.
const (
	// DeployToken means the runtime is missing or stale.
	DeployToken = "deploy"

	// ExtModsToken names the extension module payload.
	ExtModsToken = "ext_mods"
)

// Exit codes of the probe script.
const (
	ExitDeploy  = 11
	ExitCorrupt = 12
)

// Remote layout below the thin dir.
const (
	ThinArchive  = "skiff-thin.tgz"
	StateArchive = "skiff_state.tgz"
	RunningData  = "running_data"
	VersionFile  = "version"
	EntryScript  = "skiff-call"
	BinDir       = "bin"
	ExtDir       = "ext"
	RunnerPrefix = "skiff-runner-"
)

// Transaction package layout.
const (
	LowstateFile     = "lowstate.json"
	PillarFile       = "pillar.json"
	RosterGrainsFile = "roster_grains.json"
)

// FileScheme prefixes file references inside low chunks.
const FileScheme = "skiff://"

// DefaultEnv is the file environment used when a chunk names none.
const DefaultEnv = "base"

// ParseFileRef splits a reference such as skiff://app/app.conf?saltenv=dev into its path
// and environment. env is empty when the reference does not name one.
func ParseFileRef(ref string) (path, env string, ok bool) {
	if !strings.HasPrefix(ref, FileScheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(ref, FileScheme)
	rest, query, _ := strings.Cut(rest, "?")
	for _, kv := range strings.Split(query, "&") {
		if k, v, found := strings.Cut(kv, "="); found && k == "saltenv" {
			env = v
		}
	}
	path = strings.TrimLeft(rest, "/")
	if path == "" || strings.Contains("/"+path+"/", "/../") {
		return "", "", false
	}
	return path, env, true
}

// ChunkEnv returns the file environment of a low chunk.
func ChunkEnv(chunk map[string]any) string {
	for _, key := range []string{"__env__", "saltenv"} {
		if v, ok := chunk[key].(string); ok && v != "" {
			return v
		}
	}
	return DefaultEnv
}

// RunnerName returns the runner binary name for a platform, e.g. skiff-runner-linux-amd64.
func RunnerName(goos, goarch string) string {
	return RunnerPrefix + goos + "-" + goarch
}

// PlatformScript is a POSIX shell fragment that sets skiff_os and skiff_arch to the Go
// platform names of the host it runs on.
const PlatformScript = `skiff_os=$(uname -s | tr '[:upper:]' '[:lower:]')
case "$(uname -m)" in
  x86_64|amd64) skiff_arch=amd64 ;;
  aarch64|arm64) skiff_arch=arm64 ;;
  armv6*|armv7*) skiff_arch=arm ;;
  i386|i686) skiff_arch=386 ;;
  *) skiff_arch=$(uname -m) ;;
esac`

// Request is one function call for the runner.
type Request struct {
	// JID is the job id.
	JID string `json:"jid"`

	// ID is the target id, echoed back in the return.
	ID string `json:"id"`

	// Fun is the function name, e.g. test.ping.
	Fun string `json:"fun"`

	// Args are positional arguments.
	Args []string `json:"arg,omitempty"`

	// Kwargs are keyword arguments.
	Kwargs map[string]any `json:"kwarg,omitempty"`

	// ExtModsVersion is the version of the extension modules the session can supply.
	// The runner asks for them over the aux marker when its copy differs.
	ExtModsVersion string `json:"ext_mods_version,omitempty"`

	// Wipe removes the thin dir after the call.
	Wipe bool `json:"wipe,omitempty"`

	// Timeout bounds the call in seconds; zero means no limit.
	Timeout int `json:"timeout,omitempty"`
}

// Validate checks if the request is usable.
func (r *Request) Validate() error {
	if r.Fun == "" {
		return fmt.Errorf("fun is required")
	}
	if strings.ContainsAny(r.Fun, " /\t\n") {
		return fmt.Errorf("invalid function name: %q", r.Fun)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// Encode returns the request as base64 JSON, safe to place on a shell command line.
func (r *Request) Encode() (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequest parses a request produced by Encode.
func DecodeRequest(s string) (*Request, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &r, nil
}

// Return is the result of one call.
type Return struct {
	JID     string `json:"jid"`
	ID      string `json:"id"`
	Fun     string `json:"fun"`
	Return  any    `json:"return"`
	Retcode int    `json:"retcode"`
}

// Envelope is the single JSON line the runner prints on stdout.
type Envelope struct {
	Local *Return `json:"local"`
}

// ExtMods is the extension module payload: shell modules keyed by module name.
type ExtMods struct {
	Version string            `json:"version"`
	Modules map[string]string `json:"modules"`
}

// Validate checks if the payload is usable.
func (e *ExtMods) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("version is required")
	}
	for name := range e.Modules {
		if name == "" || strings.ContainsAny(name, "./") {
			return fmt.Errorf("invalid module name: %q", name)
		}
	}
	return nil
}

// Function parameter structures. They are decoded from a call's kwargs with ParseParams.

// ExecParams contains parameters for shell command execution.
type ExecParams struct {
	Cmd   string            `json:"cmd"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Shell string            `json:"shell,omitempty"` // defaults to /bin/sh
	Stdin string            `json:"stdin,omitempty"`
	RunAs string            `json:"runas,omitempty"`
}

// ExecResult contains the result of command execution.
type ExecResult struct {
	PID      int     `json:"pid"`
	Retcode  int     `json:"retcode"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Duration float64 `json:"duration"`
}

// FileWriteParams contains parameters for writing a file.
type FileWriteParams struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
	Mode     string `json:"mode,omitempty"` // e.g. "0644"
	Backup   Bool   `json:"backup,omitempty"`
	Makedirs Bool   `json:"makedirs,omitempty"`
}

// FileWriteResult contains the result of file write operation.
type FileWriteResult struct {
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
	Changed      bool   `json:"changed"`
	BackupPath   string `json:"backup_path,omitempty"`
	Checksum     string `json:"checksum"` // sha256
}

// FileReadParams contains parameters for reading a file.
type FileReadParams struct {
	Path     string `json:"path"`
	MaxBytes Int    `json:"max_bytes,omitempty"`
}

// FileReadResult contains the result of file read operation.
type FileReadResult struct {
	Contents  string `json:"contents"`
	Size      int64  `json:"size"`
	Mode      string `json:"mode"`
	Checksum  string `json:"checksum"` // sha256
	Truncated bool   `json:"truncated"`
}

// PkgParams contains parameters for package management.
type PkgParams struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"` // empty = any
	Manager string   `json:"manager,omitempty"` // apt, dnf, yum, zypper (auto-detect if empty)
	Options []string `json:"options,omitempty"`
	Test    Bool     `json:"test,omitempty"`
}

// PkgResult contains the result of a package operation.
type PkgResult struct {
	Changed          bool   `json:"changed"`
	PreviousVersion  string `json:"previous_version,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	Action           string `json:"action"` // installed, removed, upgraded, already_present, already_absent
}

// ServiceParams contains parameters for service management.
type ServiceParams struct {
	Name string `json:"name"`
	Test Bool   `json:"test,omitempty"`
}

// ServiceResult contains the result of a service operation.
type ServiceResult struct {
	Changed  bool   `json:"changed"`
	Action   string `json:"action"`
	Status   string `json:"status"` // active, inactive, failed
	Enabled  bool   `json:"enabled"`
	SubState string `json:"sub_state"`
}

// StatePkgParams contains parameters for applying a transaction package.
type StatePkgParams struct {
	PkgSum   string `json:"pkg_sum"`
	HashType string `json:"hash_type,omitempty"` // blake3
	Test     Bool   `json:"test,omitempty"`
}

// StateResult is the outcome of one low chunk.
type StateResult struct {
	ID       string  `json:"__id__"`
	Name     string  `json:"name"`
	Result   bool    `json:"result"`
	Comment  string  `json:"comment"`
	Changes  any     `json:"changes"`
	Duration float64 `json:"duration"`
	RunNum   int     `json:"__run_num__"`
}

// Bool decodes from a JSON bool or from the strings produced by key=value arguments.
type Bool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = Bool(t)
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(t))
		if err != nil {
			switch strings.ToLower(t) {
			case "yes", "on":
				parsed = true
			case "no", "off", "":
				parsed = false
			default:
				return fmt.Errorf("invalid boolean: %q", t)
			}
		}
		*b = Bool(parsed)
	case float64:
		*b = t != 0
	case nil:
		*b = false
	default:
		return fmt.Errorf("invalid boolean: %v", v)
	}
	return nil
}

// Int decodes from a JSON number or a numeric string.
type Int int64

// UnmarshalJSON implements json.Unmarshaler.
func (i *Int) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*i = Int(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %q", t)
		}
		*i = Int(n)
	case nil:
		*i = 0
	default:
		return fmt.Errorf("invalid integer: %v", v)
	}
	return nil
}
