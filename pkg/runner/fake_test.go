package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeSystem answers commands from a table keyed by the full command line and records
// every invocation.
type fakeSystem struct {
	mu        sync.Mutex
	outputs   map[string]string
	failures  map[string]bool
	installed map[string]bool
	calls     []string
}

func newFakeSystem(installed ...string) *fakeSystem {
	f := &fakeSystem{
		outputs:   map[string]string{},
		failures:  map[string]bool{},
		installed: map[string]bool{},
	}
	for _, name := range installed {
		f.installed[name] = true
	}
	return f
}

func (f *fakeSystem) command(ctx context.Context, name string, args ...string) (string, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	if f.failures[line] {
		return f.outputs[line], fmt.Errorf("%s: exit status 1", name)
	}
	return f.outputs[line], nil
}

func (f *fakeSystem) lookPath(name string) bool {
	return f.installed[name]
}

func (f *fakeSystem) called(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == line {
			return true
		}
	}
	return false
}
