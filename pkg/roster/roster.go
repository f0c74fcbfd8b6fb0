package roster

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/skiff/pkg/engine"
)

// Flat is a roster read from a single YAML file mapping ids to connection parameters:
//
//	web1:
//	  host: 10.0.0.1
//	  user: deploy
//	  sudo: true
//	db1: 10.0.0.2
//
// A scalar entry is the host. The file is re-read on every Resolve so edits apply to the
// next run without a restart.
type Flat struct {
	path   string
	schema *Schema

	mu      sync.Mutex
	entries map[string]engine.Target
	modTime int64
}

// NewFlat creates a flat roster for the file at path.
func NewFlat(path string) (*Flat, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	return &Flat{path: path, schema: schema}, nil
}

// Resolve implements engine.Roster. A malformed roster is a resolution error.
func (f *Flat) Resolve(ctx context.Context, pattern string, match engine.MatchType) (map[string]engine.Target, error) {
	entries, err := f.load()
	if err != nil {
		return nil, engine.NewResolutionError(err.Error(), err)
	}
	matcher, err := NewMatcher(pattern, match)
	if err != nil {
		return nil, engine.NewResolutionError(err.Error(), err)
	}

	targets := make(map[string]engine.Target)
	for id, t := range entries {
		if matcher(id) {
			targets[id] = t
		}
	}

	log.Debug().
		Str("roster", f.path).
		Str("pattern", pattern).
		Str("match", string(match)).
		Int("targets", len(targets)).
		Msg("Resolved targets")
	return targets, nil
}

// Targets returns every entry in the roster.
func (f *Flat) Targets() (map[string]engine.Target, error) {
	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]engine.Target, len(entries))
	for id, t := range entries {
		out[id] = t
	}
	return out, nil
}

func (f *Flat) load() (map[string]engine.Target, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries != nil && info.ModTime().UnixNano() == f.modTime {
		return f.entries, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	entries, err := Parse(data, f.schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	f.entries = entries
	f.modTime = info.ModTime().UnixNano()
	return entries, nil
}

// Parse decodes a flat roster document, validating each entry against schema.
func Parse(data []byte, schema *Schema) (map[string]engine.Target, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}

	targets := make(map[string]engine.Target, len(raw))
	for id, v := range raw {
		entry, err := normalize(id, v)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(id, entry); err != nil {
			return nil, err
		}
		t, err := decode(entry)
		if err != nil {
			return nil, fmt.Errorf("roster entry %s: %w", id, err)
		}
		t.ID = id
		if t.Host == "" {
			t.Host = id
		}
		targets[id] = t
	}
	return targets, nil
}

// normalize turns a scalar entry into {host: <value>} and a bare timeout in seconds into
// a duration string.
func normalize(id string, v any) (map[string]any, error) {
	switch val := v.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		return map[string]any{"host": val}, nil
	case map[string]any:
		if secs, ok := val["timeout"].(int); ok {
			val["timeout"] = fmt.Sprintf("%ds", secs)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("roster entry %s: expected a host or a mapping, got %T", id, v)
	}
}

func decode(entry map[string]any) (engine.Target, error) {
	var t engine.Target
	data, err := yaml.Marshal(entry)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, err
	}
	return t, nil
}
