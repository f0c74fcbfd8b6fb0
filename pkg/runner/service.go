package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

type serviceStatus struct {
	active   string
	enabled  bool
	subState string
}

func (r *Runner) serviceStatus(ctx context.Context, name string) serviceStatus {
	// systemctl exits non-zero for inactive or disabled units; the output is still valid.
	active, _ := r.command(ctx, "systemctl", "is-active", name)
	enabled, _ := r.command(ctx, "systemctl", "is-enabled", name)
	sub, _ := r.command(ctx, "systemctl", "show", name, "--property=SubState", "--value")
	return serviceStatus{
		active:   strings.TrimSpace(active),
		enabled:  strings.TrimSpace(enabled) == "enabled",
		subState: strings.TrimSpace(sub),
	}
}

// manageService applies action to a systemd unit. Start, stop, enable and disable are
// skipped when the unit is already in the target state.
func (r *Runner) manageService(ctx context.Context, params *protocol.ServiceParams, action string) (*protocol.ServiceResult, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}

	before := r.serviceStatus(ctx, params.Name)
	result := &protocol.ServiceResult{}

	var skip bool
	switch action {
	case "reload", "restart":
	case "start":
		skip = before.active == "active"
	case "stop":
		skip = before.active != "active"
	case "enable":
		skip = before.enabled
	case "disable":
		skip = !before.enabled
	default:
		return nil, fmt.Errorf("invalid action: %s", action)
	}

	if skip {
		result.Action = "already_" + pastTense(action)
	} else {
		result.Action = pastTense(action)
		result.Changed = true
		if !params.Test {
			if _, err := r.command(ctx, "systemctl", action, params.Name); err != nil {
				return nil, fmt.Errorf("failed to %s service: %w", action, err)
			}
		}
	}

	after := r.serviceStatus(ctx, params.Name)
	result.Status = after.active
	result.Enabled = after.enabled
	result.SubState = after.subState
	return result, nil
}

func pastTense(action string) string {
	switch action {
	case "stop":
		return "stopped"
	case "start":
		return "started"
	default:
		return strings.TrimSuffix(action, "e") + "ed"
	}
}

func registerService(r *Runner) {
	for _, action := range []string{"start", "stop", "restart", "reload", "enable", "disable"} {
		action := action
		r.Register("service."+action, func(ctx context.Context, call *Call) (any, error) {
			var params protocol.ServiceParams
			if err := call.Params(&params, "name"); err != nil {
				return nil, err
			}
			if _, err := call.Runner().manageService(ctx, &params, action); err != nil {
				return nil, err
			}
			return true, nil
		})
	}

	r.Register("service.status", func(ctx context.Context, call *Call) (any, error) {
		name, ok := call.Arg(0, "name")
		if !ok {
			return nil, fmt.Errorf("service name is required")
		}
		return call.Runner().serviceStatus(ctx, name).active == "active", nil
	})

	r.Register("service.enabled", func(ctx context.Context, call *Call) (any, error) {
		name, ok := call.Arg(0, "name")
		if !ok {
			return nil, fmt.Errorf("service name is required")
		}
		return call.Runner().serviceStatus(ctx, name).enabled, nil
	})
}
