package roster

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// targetSchema is the closed schema of one roster entry. Unknown keys are rejected so a
// typo in a connection parameter fails loudly instead of being ignored.
const targetSchema = `
#Target: {
	host?:                     string & != ""
	user?:                     string
	port?:                     int & >0 & <=65535
	passwd?:                   string
	priv?:                     string
	sudo?:                     bool
	sudo_user?:                string
	timeout?:                  (int & >=0) | string
	identities_only?:          bool
	remote_port_forwards?:     string
	ssh_options?:              [...string]
	strict_host_key_checking?: bool
	known_hosts_file?:         string
	thin_dir?:                 string
	minion_opts?:              {...}
}
`

// Schema validates roster entries.
type Schema struct {
	ctx    *cue.Context
	target cue.Value
}

// NewSchema compiles the roster entry schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(targetSchema, cue.Filename("roster.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile roster schema: %w", err)
	}
	return &Schema{ctx: ctx, target: val.LookupPath(cue.ParsePath("#Target"))}, nil
}

// Validate checks one entry against the schema.
func (s *Schema) Validate(id string, entry map[string]any) error {
	val := s.ctx.Encode(entry)
	if err := val.Err(); err != nil {
		return fmt.Errorf("roster entry %s: %w", id, err)
	}
	unified := s.target.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("roster entry %s: %s", id, details(err))
	}
	return nil
}

// details flattens CUE errors into one line per problem.
func details(err error) string {
	var msgs []string
	for _, e := range errors.Errors(err) {
		msgs = append(msgs, strings.TrimSpace(errors.Details(e, nil)))
	}
	return strings.Join(msgs, "; ")
}
