// Package runner implements the remote side of skiff: a function table executed by the
// skiff-runner binary from inside the thin dir.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// Version is reported by test.version.
var Version = "dev"

// Func is one callable function.
type Func func(ctx context.Context, call *Call) (any, error)

// Call carries one invocation's arguments and collects its exit status.
type Call struct {
	Fun    string
	Args   []string
	Kwargs map[string]any

	// Retcode is the status reported for the call. Functions set it when the work they
	// ran reports one, e.g. cmd.run with a failing command.
	Retcode int

	runner *Runner
}

// Runner returns the runner executing the call.
func (c *Call) Runner() *Runner {
	return c.runner
}

// Arg returns positional argument i, or the keyword argument name when there are fewer
// positional arguments.
func (c *Call) Arg(i int, name string) (string, bool) {
	if i < len(c.Args) {
		return c.Args[i], true
	}
	if v, ok := c.Kwargs[name]; ok {
		return fmt.Sprint(v), true
	}
	return "", false
}

// Params decodes the call into target. Positional arguments fill the named keys in order
// unless a keyword argument already sets them.
func (c *Call) Params(target any, positional ...string) error {
	kwargs := make(map[string]any, len(c.Kwargs)+len(positional))
	for k, v := range c.Kwargs {
		kwargs[k] = v
	}
	for i, name := range positional {
		if i >= len(c.Args) {
			break
		}
		if _, ok := kwargs[name]; !ok {
			kwargs[name] = c.Args[i]
		}
	}
	return protocol.ParseParams(kwargs, target)
}

// Runner executes requests against its function table.
type Runner struct {
	// ThinDir is the directory the runtime bundle was extracted into.
	ThinDir string

	// Root prefixes every system path the runner inspects, e.g. /etc/os-release.
	Root string

	enc      *protocol.Encoder
	dec      *protocol.Decoder
	funcs    map[string]Func
	command  CommandFunc
	lookPath LookPathFunc

	id     string
	jid    string
	extVer string
}

// New creates a runner with the built-in functions. stdout carries aux requests and stdin
// their answers.
func New(thinDir string, stdin io.Reader, stdout io.Writer) *Runner {
	r := &Runner{
		ThinDir:  thinDir,
		Root:     "/",
		enc:      protocol.NewEncoder(stdout),
		dec:      protocol.NewDecoder(stdin),
		funcs:    make(map[string]Func),
		command:  execCommand,
		lookPath: lookPath,
	}
	registerTest(r)
	registerCmd(r)
	registerFile(r)
	registerPkg(r)
	registerService(r)
	registerGrains(r)
	registerState(r)
	return r
}

// WithCommands replaces how programs are run and found.
func (r *Runner) WithCommands(command CommandFunc, look LookPathFunc) *Runner {
	r.command = command
	r.lookPath = look
	return r
}

// Register adds or replaces a function.
func (r *Runner) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Functions lists the registered function names in order.
func (r *Runner) Functions() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// path joins p below Root.
func (r *Runner) path(p string) string {
	if r.Root == "" || r.Root == "/" {
		return p
	}
	return filepath.Join(r.Root, p)
}

// Execute runs req and returns its result. It never fails: errors become the return value
// with a non-zero retcode.
func (r *Runner) Execute(ctx context.Context, req *protocol.Request) *protocol.Return {
	ret := &protocol.Return{JID: req.JID, ID: req.ID, Fun: req.Fun}
	r.id = req.ID
	r.jid = req.JID
	r.extVer = req.ExtModsVersion

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	call := &Call{Fun: req.Fun, Args: req.Args, Kwargs: req.Kwargs, runner: r}
	if call.Kwargs == nil {
		call.Kwargs = map[string]any{}
	}

	start := time.Now()
	value, err := r.call(ctx, call)
	log.Debug().
		Str("fun", req.Fun).
		Int("retcode", call.Retcode).
		Dur("duration", time.Since(start)).
		Msg("function returned")

	if err != nil {
		ret.Return = err.Error()
		ret.Retcode = call.Retcode
		if ret.Retcode == 0 {
			ret.Retcode = 1
		}
		return ret
	}
	ret.Return = value
	ret.Retcode = call.Retcode
	return ret
}

// call dispatches one call and turns panics into errors.
func (r *Runner) call(ctx context.Context, call *Call) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("An Exception occurred while executing %s: %v", call.Fun, p)
		}
	}()

	fn, ok := r.funcs[call.Fun]
	if !ok {
		fn, ok = r.extFunc(ctx, call.Fun)
	}
	if !ok {
		return nil, fmt.Errorf("'%s' is not available.", call.Fun)
	}
	return fn(ctx, call)
}

// Wipe removes the thin dir.
func (r *Runner) Wipe() error {
	if r.ThinDir == "" || r.ThinDir == "/" {
		return errors.New("refusing to wipe an empty thin dir")
	}
	return os.RemoveAll(r.ThinDir)
}

func registerTest(r *Runner) {
	r.Register("test.ping", func(ctx context.Context, call *Call) (any, error) {
		return true, nil
	})
	r.Register("test.echo", func(ctx context.Context, call *Call) (any, error) {
		text, _ := call.Arg(0, "text")
		return text, nil
	})
	r.Register("test.version", func(ctx context.Context, call *Call) (any, error) {
		return Version, nil
	})
	r.Register("test.arg", func(ctx context.Context, call *Call) (any, error) {
		return map[string]any{"args": call.Args, "kwargs": call.Kwargs}, nil
	})
	r.Register("test.retcode", func(ctx context.Context, call *Call) (any, error) {
		s, _ := call.Arg(0, "code")
		var code int
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &code); err != nil {
			return nil, fmt.Errorf("invalid code: %q", s)
		}
		call.Retcode = code
		return code, nil
	})
	r.Register("sys.list_functions", func(ctx context.Context, call *Call) (any, error) {
		return r.Functions(), nil
	})
}
