package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// CommandFunc runs a program and returns its standard output. The package and service
// functions go through it so they can be exercised without a real package manager.
type CommandFunc func(ctx context.Context, name string, args ...string) (string, error)

// LookPathFunc reports whether a program is installed.
type LookPathFunc func(name string) bool

func execCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return string(out), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return string(out), fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

func lookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// packageManager handles package operations with one of apt, dnf, yum or zypper.
type packageManager struct {
	name    string
	command CommandFunc
}

func (r *Runner) packageManager(name string) (*packageManager, error) {
	if name == "" {
		for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
			if r.lookPath(mgr) {
				name = mgr
				break
			}
		}
		if name == "" {
			return nil, fmt.Errorf("no supported package manager found")
		}
	}
	switch name {
	case "apt", "dnf", "yum", "zypper":
	default:
		return nil, fmt.Errorf("unsupported package manager: %s", name)
	}
	return &packageManager{name: name, command: r.command}, nil
}

// version returns the installed version, or "" when the package is not installed.
func (p *packageManager) version(ctx context.Context, name string) string {
	var out string
	var err error
	switch p.name {
	case "apt":
		out, err = p.command(ctx, "dpkg-query", "-W", "-f=${Version}", name)
	default:
		out, err = p.command(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	}
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func (p *packageManager) run(ctx context.Context, verb, spec string, options []string) error {
	if p.name == "zypper" && verb == "upgrade" {
		verb = "update"
	}
	args := append([]string{verb, "-y"}, options...)
	args = append(args, spec)
	if _, err := p.command(ctx, p.name, args...); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func (p *packageManager) spec(name, version string) string {
	if version == "" {
		return name
	}
	switch p.name {
	case "apt":
		return fmt.Sprintf("%s=%s", name, version)
	case "dnf", "yum":
		return fmt.Sprintf("%s-%s", name, version)
	default:
		return name
	}
}

// ensurePackage brings a package to state: present, absent or latest.
func (r *Runner) ensurePackage(ctx context.Context, params *protocol.PkgParams, state string) (*protocol.PkgResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("package name is required")
	}
	mgr, err := r.packageManager(params.Manager)
	if err != nil {
		return nil, err
	}

	current := mgr.version(ctx, params.Name)
	installed := current != ""
	result := &protocol.PkgResult{PreviousVersion: current, InstalledVersion: current}

	switch state {
	case "present":
		if installed && (params.Version == "" || params.Version == current) {
			result.Action = "already_present"
			return result, nil
		}
		result.Action = "installed"
		result.Changed = true
		if params.Test {
			return result, nil
		}
		if err := mgr.run(ctx, "install", mgr.spec(params.Name, params.Version), params.Options); err != nil {
			return nil, fmt.Errorf("failed to install package: %w", err)
		}

	case "absent":
		if !installed {
			result.Action = "already_absent"
			return result, nil
		}
		result.Action = "removed"
		result.Changed = true
		if params.Test {
			return result, nil
		}
		if err := mgr.run(ctx, "remove", params.Name, params.Options); err != nil {
			return nil, fmt.Errorf("failed to remove package: %w", err)
		}

	case "latest":
		verb, action := "upgrade", "upgraded"
		if !installed {
			verb, action = "install", "installed"
		}
		result.Action = action
		result.Changed = true
		if params.Test {
			return result, nil
		}
		if err := mgr.run(ctx, verb, params.Name, params.Options); err != nil {
			return nil, fmt.Errorf("failed to %s package: %w", verb, err)
		}

	default:
		return nil, fmt.Errorf("invalid state: %s", state)
	}

	result.InstalledVersion = mgr.version(ctx, params.Name)
	if state == "latest" && result.InstalledVersion == current {
		result.Changed = false
		result.Action = "already_latest"
	}
	return result, nil
}

func registerPkg(r *Runner) {
	ensure := func(state string) Func {
		return func(ctx context.Context, call *Call) (any, error) {
			var params protocol.PkgParams
			if err := call.Params(&params, "name", "version"); err != nil {
				return nil, err
			}
			return call.Runner().ensurePackage(ctx, &params, state)
		}
	}
	r.Register("pkg.install", ensure("present"))
	r.Register("pkg.remove", ensure("absent"))
	r.Register("pkg.upgrade", ensure("latest"))

	r.Register("pkg.version", func(ctx context.Context, call *Call) (any, error) {
		var params protocol.PkgParams
		if err := call.Params(&params, "name"); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, fmt.Errorf("package name is required")
		}
		mgr, err := call.Runner().packageManager(params.Manager)
		if err != nil {
			return nil, err
		}
		return mgr.version(ctx, params.Name), nil
	})
}
