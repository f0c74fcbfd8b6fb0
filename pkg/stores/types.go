package stores

import (
	"time"
)

// Job is the load of a job: what ran and against which targets.
type Job struct {
	JID        string    `json:"jid"`
	Fun        string    `json:"fun"`
	Arg        []string  `json:"arg"`
	Target     string    `json:"tgt"`
	TargetType string    `json:"tgt_type"`
	User       string    `json:"user"`
	Minions    []string  `json:"minions"`
	StartTime  time.Time `json:"start_time"`
}

// Return is one target's stored result.
type Return struct {
	JID       string        `json:"jid"`
	ID        string        `json:"id"`
	Return    any           `json:"return"`
	Retcode   int           `json:"retcode"`
	Success   bool          `json:"success"`
	Stderr    string        `json:"stderr,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// JobSummary is a job with its return counts, as listed by `skiff jobs`.
type JobSummary struct {
	Job
	Returned int `json:"returned"`
	Failed   int `json:"failed"`
}
