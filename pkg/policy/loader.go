package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into a single reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files and watches them for changes.
type Loader struct {
	logger  zerolog.Logger
	cache   map[string]*Policy
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	policy, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*policy}, nil
}

// loadFromDirectory loads every policy file under dirPath. Unreadable files are skipped
// with a warning.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		policy, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(filePath string) (*Policy, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policy = parseRegoFile(filePath, data)
	case ".json":
		policy, err = parseJSONFile(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = policy
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")
	return policy, nil
}

// parseRegoFile names a .rego policy after its file. Leading comments become the
// description. Violations default to blocking.
func parseRegoFile(filePath string, data []byte) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": filePath},
	}
}

// parseJSONFile parses a JSON policy definition carrying its Rego inline.
func parseJSONFile(data []byte) (*Policy, error) {
	policy := Policy{Enabled: true}
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	policy.Builtin = false
	return &policy, nil
}

// extractDescription joins the comment lines at the top of a Rego file.
func extractDescription(content string) string {
	var description strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment == "" {
				continue
			}
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		} else if trimmed != "" {
			break
		}
	}
	return description.String()
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// Watch starts watching paths and calls reloadFn with the full policy set after each
// change. It returns once the watcher is running; events are handled until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
			continue
		}
		// Editors replace files by rename, so the parent directory is watched instead.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = l.watchDirectory(event.Name)
					continue
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	if ctx.Err() != nil {
		return nil
	}
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Policy)
}
