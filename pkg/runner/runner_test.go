package runner

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

func newTestRunner(t *testing.T) (*Runner, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	r := New(t.TempDir(), strings.NewReader(""), &out)
	return r, &out
}

func TestExecuteBuiltins(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     *protocol.Request
		want    any
		retcode int
	}{
		{"ping", &protocol.Request{Fun: "test.ping"}, true, 0},
		{"echo", &protocol.Request{Fun: "test.echo", Args: []string{"hi"}}, "hi", 0},
		{"echo kwarg", &protocol.Request{Fun: "test.echo", Kwargs: map[string]any{"text": "kw"}}, "kw", 0},
		{"retcode", &protocol.Request{Fun: "test.retcode", Args: []string{"4"}}, 4, 4},
		{"unknown", &protocol.Request{Fun: "nope.nothing"}, "'nope.nothing' is not available.", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ret := r.Execute(ctx, tt.req)
			if ret.Return != tt.want {
				t.Errorf("expected return %v, got %v", tt.want, ret.Return)
			}
			if ret.Retcode != tt.retcode {
				t.Errorf("expected retcode %d, got %d", tt.retcode, ret.Retcode)
			}
			if ret.Fun != tt.req.Fun {
				t.Errorf("expected fun %s, got %s", tt.req.Fun, ret.Fun)
			}
		})
	}
}

func TestExecuteEchoesIDs(t *testing.T) {
	r, _ := newTestRunner(t)
	ret := r.Execute(context.Background(), &protocol.Request{JID: "j1", ID: "web0", Fun: "test.ping"})
	if ret.JID != "j1" || ret.ID != "web0" {
		t.Errorf("expected jid j1 and id web0, got %+v", ret)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r, _ := newTestRunner(t)
	r.Register("test.boom", func(ctx context.Context, call *Call) (any, error) {
		panic("kaboom")
	})

	ret := r.Execute(context.Background(), &protocol.Request{Fun: "test.boom"})
	if ret.Retcode != 1 {
		t.Errorf("expected retcode 1, got %d", ret.Retcode)
	}
	msg, _ := ret.Return.(string)
	if !strings.Contains(msg, "An Exception occurred while executing test.boom: kaboom") {
		t.Errorf("unexpected return %v", ret.Return)
	}
}

func TestExecuteErrorKeepsRetcode(t *testing.T) {
	r, _ := newTestRunner(t)
	r.Register("test.fail", func(ctx context.Context, call *Call) (any, error) {
		call.Retcode = 7
		return nil, fmt.Errorf("failed")
	})

	ret := r.Execute(context.Background(), &protocol.Request{Fun: "test.fail"})
	if ret.Retcode != 7 || ret.Return != "failed" {
		t.Errorf("expected retcode 7 with 'failed', got %d %v", ret.Retcode, ret.Return)
	}
}

func TestCallParams(t *testing.T) {
	call := &Call{
		Args:   []string{"/etc/motd", "ignored"},
		Kwargs: map[string]any{"contents": "hello", "makedirs": "true"},
	}

	var p protocol.FileWriteParams
	if err := call.Params(&p, "path", "contents"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Path != "/etc/motd" {
		t.Errorf("expected path from the first positional arg, got %q", p.Path)
	}
	if p.Contents != "hello" {
		t.Errorf("expected keyword argument to win, got %q", p.Contents)
	}
	if !p.Makedirs {
		t.Error("expected makedirs")
	}
}

func TestWipe(t *testing.T) {
	r, _ := newTestRunner(t)
	if err := r.Wipe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.ThinDir = "/"
	if err := r.Wipe(); err == nil {
		t.Error("expected refusal to wipe /")
	}
}

func TestFunctionsSorted(t *testing.T) {
	r, _ := newTestRunner(t)
	names := r.Functions()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("expected sorted names, got %v", names)
		}
	}
	ret := r.Execute(context.Background(), &protocol.Request{Fun: "sys.list_functions"})
	if list, ok := ret.Return.([]string); !ok || len(list) != len(names) {
		t.Errorf("expected %d functions, got %v", len(names), ret.Return)
	}
}
