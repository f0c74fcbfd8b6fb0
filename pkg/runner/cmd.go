package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// runCommand executes a shell command and captures its output.
func runCommand(ctx context.Context, params *protocol.ExecParams) (*protocol.ExecResult, error) {
	if params.Cmd == "" {
		return nil, fmt.Errorf("cmd is required")
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if params.RunAs != "" {
		cmd = exec.CommandContext(ctx, "sudo", "-n", "-u", params.RunAs, shell, "-c", params.Cmd)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", params.Cmd)
	}

	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	}

	if len(params.Env) > 0 {
		keys := make([]string, 0, len(params.Env))
		for k := range params.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := os.Environ()
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%s", k, params.Env[k]))
		}
		cmd.Env = env
	}

	if params.Stdin != "" {
		cmd.Stdin = strings.NewReader(params.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &protocol.ExecResult{
		Stdout:   strings.TrimRight(stdout.String(), "\n"),
		Stderr:   strings.TrimRight(stderr.String(), "\n"),
		Duration: time.Since(start).Seconds(),
	}
	if cmd.Process != nil {
		result.PID = cmd.Process.Pid
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.Retcode = exitErr.ExitCode()
	}

	return result, nil
}

func execParams(call *Call) (*protocol.ExecParams, error) {
	var params protocol.ExecParams
	if err := call.Params(&params, "cmd"); err != nil {
		return nil, err
	}
	return &params, nil
}

func registerCmd(r *Runner) {
	// cmd.run returns stdout and stderr combined, like a terminal would show them.
	r.Register("cmd.run", func(ctx context.Context, call *Call) (any, error) {
		params, err := execParams(call)
		if err != nil {
			return nil, err
		}
		res, err := runCommand(ctx, params)
		if err != nil {
			return nil, err
		}
		call.Retcode = res.Retcode
		switch {
		case res.Stderr == "":
			return res.Stdout, nil
		case res.Stdout == "":
			return res.Stderr, nil
		default:
			return res.Stdout + "\n" + res.Stderr, nil
		}
	})

	r.Register("cmd.run_stdout", func(ctx context.Context, call *Call) (any, error) {
		params, err := execParams(call)
		if err != nil {
			return nil, err
		}
		res, err := runCommand(ctx, params)
		if err != nil {
			return nil, err
		}
		call.Retcode = res.Retcode
		return res.Stdout, nil
	})

	// cmd.run_all reports the command's status in the payload; the call itself succeeds.
	r.Register("cmd.run_all", func(ctx context.Context, call *Call) (any, error) {
		params, err := execParams(call)
		if err != nil {
			return nil, err
		}
		return runCommand(ctx, params)
	})

	r.Register("cmd.retcode", func(ctx context.Context, call *Call) (any, error) {
		params, err := execParams(call)
		if err != nil {
			return nil, err
		}
		res, err := runCommand(ctx, params)
		if err != nil {
			return nil, err
		}
		return res.Retcode, nil
	})

	r.Register("cmd.which", func(ctx context.Context, call *Call) (any, error) {
		name, ok := call.Arg(0, "cmd")
		if !ok {
			return nil, fmt.Errorf("cmd is required")
		}
		path, err := exec.LookPath(name)
		if err != nil {
			return nil, nil
		}
		return path, nil
	})
}
