package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

// wipeTimeout bounds the thin dir removal after a wrapped call.
const wipeTimeout = 30 * time.Second

// Wrapper is a function that runs on the control side and reaches the target through a
// Caller. It returns the target's return value and retcode.
type Wrapper interface {
	Run(ctx context.Context, c *Caller, args []string, kwargs map[string]any) (any, int, error)
}

// WrapperFunc adapts a function to Wrapper.
type WrapperFunc func(ctx context.Context, c *Caller, args []string, kwargs map[string]any) (any, int, error)

// Run implements Wrapper.
func (f WrapperFunc) Run(ctx context.Context, c *Caller, args []string, kwargs map[string]any) (any, int, error) {
	return f(ctx, c, args, kwargs)
}

// WrapperRegistry maps function names to wrappers.
type WrapperRegistry struct {
	mu       sync.RWMutex
	wrappers map[string]Wrapper
}

// NewWrapperRegistry creates a registry holding the built-in wrappers.
func NewWrapperRegistry() *WrapperRegistry {
	r := &WrapperRegistry{wrappers: make(map[string]Wrapper)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces the wrapper for name.
func (r *WrapperRegistry) Register(name string, w Wrapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wrappers[name] = w
}

// Lookup returns the wrapper for name.
func (r *WrapperRegistry) Lookup(name string) (Wrapper, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wrappers[name]
	return w, ok
}

// Names returns the registered names, sorted.
func (r *WrapperRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.wrappers))
	for name := range r.wrappers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Result is the outcome of a nested call.
type Result struct {
	Return  any
	Retcode int
	Stderr  string
}

// Caller gives a wrapper access to its target. Every method goes over the session's
// shell; remote calls deploy the runtime if the session has not done so yet.
type Caller struct {
	s *Single
}

// Target returns the target.
func (c *Caller) Target() engine.Target {
	return c.s.target
}

// Job returns the job being run.
func (c *Caller) Job() *engine.JobDescriptor {
	return c.s.job
}

// ThinDir returns the remote staging dir.
func (c *Caller) ThinDir() string {
	return c.s.thinDir
}

// Compiler returns the state compiler, or nil.
func (c *Caller) Compiler() engine.Compiler {
	return c.s.opts.Compiler
}

// RosterGrains returns the grains the roster sets for the target, or nil.
func (c *Caller) RosterGrains() map[string]any {
	g, _ := c.s.target.Minion["grains"].(map[string]any)
	return g
}

// Log returns the session's logger, which carries the job and target fields.
func (c *Caller) Log() *zerolog.Logger {
	return &c.s.log
}

// Call runs a runner function. key=value arguments become keyword arguments.
func (c *Caller) Call(ctx context.Context, fun string, args ...string) (*Result, error) {
	positional, kw := engine.SplitArgs(args)
	kwargs := make(map[string]any, len(kw))
	for k, v := range kw {
		kwargs[k] = v
	}
	return c.CallKwargs(ctx, fun, positional, kwargs)
}

// CallKwargs runs a runner function with explicit keyword arguments. Failures of the
// transport, deploy or envelope come back as *engine.Error.
func (c *Caller) CallKwargs(ctx context.Context, fun string, args []string, kwargs map[string]any) (*Result, error) {
	res, rerr := c.s.execRequest(ctx, c.s.request(fun, args, kwargs))
	if rerr != nil {
		return nil, rerr
	}
	rec := c.s.remoteRecord(res)
	if rec.Err != nil {
		return nil, rec.Err
	}
	return &Result{Return: rec.Return, Retcode: rec.Retcode, Stderr: res.Stderr}, nil
}

// Raw runs a literal shell command.
func (c *Caller) Raw(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	res, err := c.s.exec(ctx, cmd)
	if err != nil {
		return nil, c.s.mapTransportError(err, "exec")
	}
	return res, nil
}

// Send copies a local file to the target. Relative remote paths are below the thin dir.
func (c *Caller) Send(ctx context.Context, local, remote string) error {
	return c.s.send(ctx, local, remote)
}

// runWrapped runs the job through its wrapper.
func (s *Single) runWrapped(ctx context.Context) (rec engine.ResultRecord) {
	w, ok := s.opts.Wrappers.Lookup(s.fun)
	if !ok {
		return s.failure(engine.NewProtocolError(fmt.Errorf("no wrapper for %s", s.fun)))
	}
	args, kwargs := s.callArgs()

	if s.wipe {
		defer s.wipeThinDir(ctx)
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("fun", s.fun).Interface("panic", r).Msg("Wrapper panicked")
			rec = s.wrapperException(fmt.Errorf("%v", r))
		}
	}()

	ret, retcode, err := w.Run(ctx, &Caller{s: s}, args, kwargs)
	if err != nil {
		var e *engine.Error
		if errors.As(err, &e) {
			return s.failure(e)
		}
		return s.wrapperException(err)
	}
	return engine.ResultRecord{ID: s.target.ID, Return: ret, Retcode: retcode}
}

// wipeThinDir removes a random thin dir once the wrapper is done. The wrapper's own runner
// calls keep it, so a nested call after the first reuses the deployed runtime.
func (s *Single) wipeThinDir(ctx context.Context) {
	if !s.touched || s.thinDir == "" || s.thinDir == "/" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wipeTimeout)
	defer cancel()

	res, err := s.shell.Exec(ctx, wipeCommand(s.thinDir))
	switch {
	case err != nil:
		s.log.Warn().Err(err).Str("thin_dir", s.thinDir).Msg("Failed to wipe thin dir")
	case res.ExitCode != 0:
		s.log.Warn().Str("thin_dir", s.thinDir).
			Str("stderr", strings.TrimSpace(res.Stderr)).Msg("Failed to wipe thin dir")
	}
}

func (s *Single) wrapperException(err error) engine.ResultRecord {
	return engine.ResultRecord{
		ID:      s.target.ID,
		Return:  fmt.Sprintf("An Exception occurred while executing %s: %v", s.fun, err),
		Retcode: 1,
	}
}
