package session

// Phase is where a Single is in its lifecycle.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseProbe
	PhaseNeedsDeploy
	PhaseRunning
	PhaseDone
)

// String returns the phase name used in events and metrics.
func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseProbe:
		return "probe"
	case PhaseNeedsDeploy:
		return "needs_deploy"
	case PhaseRunning:
		return "running"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Mode is how a Single executes its job.
type Mode int

const (
	// ModeRemote runs a runner function on the host.
	ModeRemote Mode = iota

	// ModeRaw runs a literal shell command.
	ModeRaw

	// ModeWrapped runs a local wrapper.
	ModeWrapped
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeRemote:
		return "remote"
	case ModeRaw:
		return "raw"
	case ModeWrapped:
		return "wrapped"
	default:
		return "unknown"
	}
}
