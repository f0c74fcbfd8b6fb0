package engine

import (
	"context"
	"io"
)

// Roster resolves a target pattern into connection parameters.
type Roster interface {
	// Resolve returns the targets matching pattern. An empty result is not an error here;
	// the orchestrator treats it as a resolution failure.
	Resolve(ctx context.Context, pattern string, match MatchType) (map[string]Target, error)
}

// Compiler turns a state request into ordered low chunks.
type Compiler interface {
	// Compile compiles the job's state request. Compilation errors are returned as strings
	// so they can be rendered as the target's return.
	Compile(ctx context.Context, job *JobDescriptor) ([]LowChunk, []string, error)

	// FileReferences lists the file references of the chunks, grouped by environment.
	FileReferences(chunks []LowChunk) map[string][]string
}

// FileStore resolves file references against an environment-scoped file tree.
type FileStore interface {
	// GetFile copies the single file behind ref into dest and returns the written path.
	// It returns "" and no error when ref does not name a file.
	GetFile(ctx context.Context, ref, env, dest string) (string, error)

	// GetDir copies the directory tree behind ref under dest and returns the written paths.
	GetDir(ctx context.Context, ref, env, dest string) ([]string, error)
}

// Format selects how results are rendered.
type Format string

const (
	FormatNested Format = "nested"
	FormatJSON   Format = "json"
	FormatYAML   Format = "yaml"
	FormatRaw    Format = "raw"
)

// Renderer displays results.
type Renderer interface {
	Display(w io.Writer, data map[string]any, format Format) error
}

// Session runs one target's lifecycle and always produces exactly one record.
type Session interface {
	Run(ctx context.Context) ResultRecord
}

// SessionFactory creates the Session for an admitted target.
type SessionFactory interface {
	NewSession(target Target, job *JobDescriptor) Session
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(target Target, job *JobDescriptor) Session

// NewSession implements SessionFactory.
func (f SessionFactoryFunc) NewSession(target Target, job *JobDescriptor) Session {
	return f(target, job)
}

// AdmissionPolicy decides whether a job may run against a target.
type AdmissionPolicy interface {
	// Admit returns a KindPolicy error when the job is refused.
	Admit(ctx context.Context, target Target, job *JobDescriptor) error
}

// JobCache persists job loads and per-target returns.
type JobCache interface {
	SaveLoad(ctx context.Context, job *JobDescriptor, targets []string) error
	SaveReturn(ctx context.Context, jid string, rec ResultRecord) error
}

// KeyDeployer pushes a public key to a target after a permission denial and retries the job.
type KeyDeployer interface {
	// DeployKey returns the record of the retried job, or ok=false when the operator declined
	// or the key could not be pushed.
	DeployKey(ctx context.Context, target Target, job *JobDescriptor, failed ResultRecord) (ResultRecord, bool)
}
