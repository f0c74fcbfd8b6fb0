package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/pkgbuild"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
	"github.com/openfroyo/skiff/pkg/telemetry"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

var requestRe = regexp.MustCompile(`--request '?([A-Za-z0-9+/=]+)'?`)

type sendCall struct {
	local  string
	remote string
}

// fakeHost is a scripted remote host. It answers probe scripts the way a host with or
// without the runtime would, and hands raw commands to raw.
type fakeHost struct {
	mu sync.Mutex

	installed bool

	// unpackExit is the exit code of the unpack command.
	unpackExit int

	// unpackBroken leaves the runtime missing after a successful unpack.
	unpackBroken bool

	run func(req *protocol.Request) (*ssh.ExecResult, error)
	raw func(cmd string) (*ssh.ExecResult, error)

	execs    []string
	requests []*protocol.Request
	sends    []sendCall
	config   *ssh.Config
	closed   bool
}

func (h *fakeHost) factory(cfg *ssh.Config) (ssh.Shell, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
	return h, nil
}

func (h *fakeHost) Exec(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	h.mu.Lock()
	h.execs = append(h.execs, cmd)
	h.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "/bin/sh 3<&0 << 'EOF'"):
		if !h.installed {
			return &ssh.ExecResult{Stdout: "deploy\n", StdoutMarked: true, ExitCode: protocol.ExitDeploy}, nil
		}
		m := requestRe.FindStringSubmatch(cmd)
		if m == nil {
			return nil, fmt.Errorf("no request in probe")
		}
		req, err := protocol.DecodeRequest(m[1])
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.requests = append(h.requests, req)
		h.mu.Unlock()
		if h.run == nil {
			return envelope(req, true, 0), nil
		}
		return h.run(req)
	case strings.HasPrefix(cmd, "mkdir -p") && strings.Contains(cmd, protocol.ThinArchive):
		if h.unpackExit == 0 && !h.unpackBroken {
			h.installed = true
		}
		return &ssh.ExecResult{ExitCode: h.unpackExit}, nil
	}
	if h.raw == nil {
		return &ssh.ExecResult{}, nil
	}
	return h.raw(cmd)
}

func (h *fakeHost) ExecStream(ctx context.Context, cmd string) <-chan ssh.StreamEvent {
	ch := make(chan ssh.StreamEvent, 1)
	res, err := h.Exec(ctx, cmd)
	ch <- ssh.StreamEvent{Result: res, Err: err}
	close(ch)
	return ch
}

func (h *fakeHost) Send(ctx context.Context, local, remote string, makedirs bool) (*ssh.ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends = append(h.sends, sendCall{local: local, remote: remote})
	return &ssh.ExecResult{}, nil
}

func (h *fakeHost) Close() error {
	h.closed = true
	return nil
}

func (h *fakeHost) probes() int {
	n := 0
	for _, cmd := range h.execs {
		if strings.HasPrefix(cmd, "/bin/sh 3<&0") {
			n++
		}
	}
	return n
}

// envelope is the output of a runner that returned ret.
func envelope(req *protocol.Request, ret any, retcode int) *ssh.ExecResult {
	data, _ := json.Marshal(protocol.Envelope{Local: &protocol.Return{
		JID:     req.JID,
		ID:      req.ID,
		Fun:     req.Fun,
		Return:  ret,
		Retcode: retcode,
	}})
	return &ssh.ExecResult{
		Stdout:       string(data) + "\n",
		StdoutMarked: true,
		StderrMarked: true,
		ExitCode:     retcode,
	}
}

// fakePackager builds empty packages and counts them.
type fakePackager struct {
	mu           sync.Mutex
	dir          string
	bundles      int
	transactions []pkgbuild.TransRequest
}

func newFakePackager(t *testing.T) *fakePackager {
	t.Helper()
	return &fakePackager{dir: t.TempDir()}
}

func (p *fakePackager) Stamp() (string, error) {
	return "0123456789abcdef", nil
}

func (p *fakePackager) RuntimeBundle(ctx context.Context) (*pkgbuild.Package, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundles++
	path := filepath.Join(p.dir, "runtime.tgz")
	if err := os.WriteFile(path, []byte("bundle"), 0o644); err != nil {
		return nil, err
	}
	return &pkgbuild.Package{Kind: pkgbuild.KindRuntime, Path: path, Stamp: "0123456789abcdef"}, nil
}

func (p *fakePackager) TransactionPackage(ctx context.Context, req pkgbuild.TransRequest) (*pkgbuild.Package, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactions = append(p.transactions, req)
	path := filepath.Join(p.dir, fmt.Sprintf("trans-%d.tgz", len(p.transactions)))
	if err := os.WriteFile(path, []byte("trans"), 0o644); err != nil {
		return nil, err
	}
	return &pkgbuild.Package{Kind: pkgbuild.KindTransaction, Path: path, Stamp: "feedface"}, nil
}

// fakeCompiler returns fixed chunks.
type fakeCompiler struct {
	chunks []engine.LowChunk
	errs   []string
	jobs   []*engine.JobDescriptor
}

func (c *fakeCompiler) Compile(ctx context.Context, job *engine.JobDescriptor) ([]engine.LowChunk, []string, error) {
	c.jobs = append(c.jobs, job)
	return c.chunks, c.errs, nil
}

func (c *fakeCompiler) FileReferences(chunks []engine.LowChunk) map[string][]string {
	return pkgbuild.LowstateFileRefs(chunks, nil)
}

// phaseRecorder collects phase events.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []string
}

func (r *phaseRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.phases...)
}

func newTestOptions(t *testing.T, host *fakeHost) (Options, *fakePackager, *phaseRecorder) {
	t.Helper()
	tel := telemetry.Noop()
	rec := &phaseRecorder{}
	tel.Events.Subscribe(func(ev telemetry.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.phases = append(rec.phases, ev.Data["phase"].(string))
	}, telemetry.FilterByType(telemetry.EventTypeSessionPhase))

	pkgr := newFakePackager(t)
	return Options{
		NewShell:  host.factory,
		Packager:  pkgr,
		ThinDir:   "/var/tmp/.skiff_test",
		Telemetry: tel,
	}, pkgr, rec
}

func testTarget() engine.Target {
	return engine.Target{ID: "web0", Host: "10.0.0.5", User: "deploy"}
}

func functionJob(fun string, args ...string) *engine.JobDescriptor {
	return &engine.JobDescriptor{JID: "20261019000000000001", Kind: engine.JobFunction, Fun: fun, Args: args}
}
