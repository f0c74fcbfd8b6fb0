package session

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

func TestDefaultThinDir(t *testing.T) {
	dir := DefaultThinDir("root")
	if !regexp.MustCompile(`^/var/tmp/\.root_[0-9a-f]{8}_skiff$`).MatchString(dir) {
		t.Errorf("unexpected thin dir %q", dir)
	}
	if DefaultThinDir("root") != dir {
		t.Error("expected a stable thin dir")
	}
	if !regexp.MustCompile(`^/var/tmp/\.[0-9a-f]{6}$`).MatchString(RandThinDir()) {
		t.Errorf("unexpected random thin dir %q", RandThinDir())
	}
}

func TestResolveThinDir(t *testing.T) {
	tests := []struct {
		name     string
		target   engine.Target
		opts     Options
		wantDir  string
		wantWipe bool
	}{
		{"target override", engine.Target{User: "root", ThinDir: "/opt/thin"}, Options{RandThinDir: true}, "/opt/thin", false},
		{"configured", engine.Target{User: "root"}, Options{ThinDir: "/srv/thin"}, "/srv/thin", false},
		{"default", engine.Target{User: "ops"}, Options{}, DefaultThinDir("ops"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, wipe := resolveThinDir(tt.target, tt.opts)
			if dir != tt.wantDir || wipe != tt.wantWipe {
				t.Errorf("expected %s (wipe %v), got %s (wipe %v)", tt.wantDir, tt.wantWipe, dir, wipe)
			}
		})
	}

	if _, wipe := resolveThinDir(engine.Target{User: "root"}, Options{RandThinDir: true}); !wipe {
		t.Error("expected a random thin dir to be wiped")
	}
}

func TestSudoPrefix(t *testing.T) {
	tests := []struct {
		target engine.Target
		want   string
	}{
		{engine.Target{}, ""},
		{engine.Target{Sudo: true}, "sudo "},
		{engine.Target{Sudo: true, SudoUser: "app"}, "sudo -u app "},
		{engine.Target{SudoUser: "app user"}, "sudo -u 'app user' "},
	}
	for _, tt := range tests {
		if got := sudoPrefix(tt.target); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestProbeScript(t *testing.T) {
	script := probeScript("/var/tmp/.root_1234abcd_skiff", "deadbeef", "sudo ", "eyJmdW4iOiJ0ZXN0LnBpbmcifQ==")

	if !strings.HasPrefix(script, "/bin/sh 3<&0 << 'EOF'\n") || !strings.HasSuffix(script, "\nEOF") {
		t.Errorf("expected a heredoc script, got:\n%s", script)
	}
	for _, want := range []string{
		"thin_dir=/var/tmp/.root_1234abcd_skiff",
		protocol.PlatformScript,
		`runner="$thin_dir/bin/skiff-runner-${skiff_os}-${skiff_arch}"`,
		`= deadbeef ]; then`,
		`exec sudo "$runner" --thin-dir "$thin_dir" --request eyJmdW4iOiJ0ZXN0LnBpbmcifQ== <&3 3<&-`,
		"echo " + protocol.Delimiter + "\necho deploy\nexit 11\n",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("expected script to contain %q", want)
		}
	}
}

func TestUnpackCommand(t *testing.T) {
	got := unpackCommand("/var/tmp/.x")
	want := "mkdir -p /var/tmp/.x || exit 1; tar -xzf /var/tmp/.x/skiff-thin.tgz -C /var/tmp/.x || exit 12; rm -f /var/tmp/.x/skiff-thin.tgz"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestNeedsDeploy(t *testing.T) {
	tests := []struct {
		name string
		res  *ssh.ExecResult
		want bool
	}{
		{"sentinel", &ssh.ExecResult{Stdout: "deploy\n", StdoutMarked: true, ExitCode: 11}, true},
		{"sentinel with crlf", &ssh.ExecResult{Stdout: "\r\ndeploy\r\n", StdoutMarked: true}, true},
		{"runner output", &ssh.ExecResult{Stdout: "deploy\n", StdoutMarked: true, StderrMarked: true}, false},
		{"unmarked", &ssh.ExecResult{Stdout: "deploy\n"}, false},
		{"other token", &ssh.ExecResult{Stdout: "deployed\n", StdoutMarked: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsDeploy(tt.res); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFindJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{"whole", `{"a": true}`, map[string]any{"a": true}},
		{"after noise", "Last login: today\n{\"a\": 1}\n", map[string]any{"a": float64(1)}},
		{"multi line", "noise\n{\n  \"a\": \"b\"\n}\ntrailer", map[string]any{"a": "b"}},
		{"none", "hello", nil},
		{"array", "[1, 2]", nil},
		{"empty", "  \n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findJSON(tt.in)
			if ok != (tt.want != nil) {
				t.Fatalf("expected found=%v, got %v", tt.want != nil, ok)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
