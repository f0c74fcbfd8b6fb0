package runner

import (
	"context"
	"testing"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

func TestEnsurePackage(t *testing.T) {
	query := "dpkg-query -W -f=${Version} nginx"

	tests := []struct {
		name       string
		state      string
		params     protocol.PkgParams
		before     string
		failQuery  bool
		wantAction string
		wantChange bool
		wantCall   string
	}{
		{
			name:       "install missing",
			state:      "present",
			params:     protocol.PkgParams{Name: "nginx"},
			failQuery:  true,
			wantAction: "installed",
			wantChange: true,
			wantCall:   "apt install -y nginx",
		},
		{
			name:       "install pinned version",
			state:      "present",
			params:     protocol.PkgParams{Name: "nginx", Version: "1.24"},
			before:     "1.22",
			wantAction: "installed",
			wantChange: true,
			wantCall:   "apt install -y nginx=1.24",
		},
		{
			name:       "already present",
			state:      "present",
			params:     protocol.PkgParams{Name: "nginx"},
			before:     "1.24",
			wantAction: "already_present",
		},
		{
			name:       "remove",
			state:      "absent",
			params:     protocol.PkgParams{Name: "nginx"},
			before:     "1.24",
			wantAction: "removed",
			wantChange: true,
			wantCall:   "apt remove -y nginx",
		},
		{
			name:       "already absent",
			state:      "absent",
			params:     protocol.PkgParams{Name: "nginx"},
			failQuery:  true,
			wantAction: "already_absent",
		},
		{
			name:       "latest without newer version",
			state:      "latest",
			params:     protocol.PkgParams{Name: "nginx"},
			before:     "1.24",
			wantAction: "already_latest",
			wantCall:   "apt upgrade -y nginx",
		},
		{
			name:       "test mode does not install",
			state:      "present",
			params:     protocol.PkgParams{Name: "nginx", Test: true},
			failQuery:  true,
			wantAction: "installed",
			wantChange: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newFakeSystem("apt")
			sys.outputs[query] = tt.before
			sys.failures[query] = tt.failQuery

			r, _ := newTestRunner(t)
			r.WithCommands(sys.command, sys.lookPath)

			params := tt.params
			res, err := r.ensurePackage(context.Background(), &params, tt.state)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Action != tt.wantAction {
				t.Errorf("expected action %s, got %s", tt.wantAction, res.Action)
			}
			if res.Changed != tt.wantChange {
				t.Errorf("expected changed=%v, got %v", tt.wantChange, res.Changed)
			}
			if tt.wantCall != "" && !sys.called(tt.wantCall) {
				t.Errorf("expected call %q, got %v", tt.wantCall, sys.calls)
			}
			if tt.params.Test && len(sys.calls) != 1 {
				t.Errorf("expected only the version query in test mode, got %v", sys.calls)
			}
		})
	}
}

func TestPackageManagerDetection(t *testing.T) {
	r, _ := newTestRunner(t)

	sys := newFakeSystem("dnf", "yum")
	r.WithCommands(sys.command, sys.lookPath)
	mgr, err := r.packageManager("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr.name != "dnf" {
		t.Errorf("expected dnf, got %s", mgr.name)
	}
	if got := mgr.spec("httpd", "2.4"); got != "httpd-2.4" {
		t.Errorf("expected httpd-2.4, got %s", got)
	}

	r.WithCommands(sys.command, newFakeSystem().lookPath)
	if _, err := r.packageManager(""); err == nil {
		t.Error("expected error without a package manager")
	}
	if _, err := r.packageManager("brew"); err == nil {
		t.Error("expected error for an unsupported manager")
	}
}

func TestZypperUpgradeUsesUpdate(t *testing.T) {
	sys := newFakeSystem("zypper")
	r, _ := newTestRunner(t)
	r.WithCommands(sys.command, sys.lookPath)

	ret := r.Execute(context.Background(), &protocol.Request{Fun: "pkg.upgrade", Args: []string{"vim"}})
	if ret.Retcode != 0 {
		t.Fatalf("unexpected failure: %v", ret.Return)
	}
	if !sys.called("zypper update -y vim") {
		t.Errorf("expected zypper update, got %v", sys.calls)
	}
}
