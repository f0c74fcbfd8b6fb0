package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

const (
	msgThinCorrupt = "The skiff thin transfer was corrupted"
	msgPermissions = "Permissions problem, target user may need to be root or use sudo:\n "
)

// shimError maps a known remote failure on stderr to a message.
type shimError struct {
	re      *regexp.Regexp
	kind    engine.ErrorKind
	message func(stderr string) string
}

func fixed(msg string) func(string) string {
	return func(string) string { return msg }
}

var shimErrors = []shimError{
	{
		re:      regexp.MustCompile(`sudo: no tty present and no askpass program specified`),
		kind:    engine.KindTransport,
		message: fixed("sudo expected a password, NOPASSWD required"),
	},
	{
		re:      regexp.MustCompile(`checksum mismatched`),
		kind:    engine.KindDeploy,
		message: fixed(msgThinCorrupt),
	},
	{
		re:      regexp.MustCompile(`scp not found`),
		kind:    engine.KindDeploy,
		message: fixed("No scp binary. openssh-clients package required"),
	},
	{
		re:   regexp.MustCompile(`path .* exists but is not a directory`),
		kind: engine.KindDeploy,
		message: func(stderr string) string {
			return "A necessary path for skiff thin unexpectedly exists:\n " + stderr
		},
	},
	{
		re:      regexp.MustCompile(`sudo: sorry, you must have a tty to run sudo`),
		kind:    engine.KindTransport,
		message: fixed("sudo is configured with requiretty"),
	},
	{
		re:   regexp.MustCompile(`Failed to open log file|Permission denied:.*/skiff|Failed to create directory path.*/skiff`),
		kind: engine.KindTransport,
		message: func(stderr string) string {
			return msgPermissions + stderr
		},
	},
}

// categorize matches stderr and the exit code of a run that never reached the runner.
func categorize(stderr string, exitCode int) (*engine.Error, bool) {
	if exitCode == protocol.ExitCorrupt {
		return engine.NewDeployError("ERROR: "+msgThinCorrupt, nil), true
	}
	for _, se := range shimErrors {
		if se.re.MatchString(stderr) {
			return &engine.Error{Kind: se.kind, Message: "ERROR: " + se.message(stderr)}, true
		}
	}
	return nil, false
}

// loginFailure reports failures that happened before any runner output: known shim
// errors, permission denials and ssh client errors.
func (s *Single) loginFailure(res *ssh.ExecResult) (engine.ResultRecord, bool) {
	if res.StdoutMarked && strings.TrimSpace(res.Stdout) != "" {
		return engine.ResultRecord{}, false
	}
	stderr := strings.TrimSpace(res.Stderr)

	var e *engine.Error
	switch {
	case strings.HasPrefix(stderr, "Permission denied"):
		e = engine.NewPermissionError(stderr, nil)
	case strings.HasPrefix(stderr, "ssh:"):
		e = engine.NewTransportError(stderr, nil)
	case s.mode != ModeRaw:
		var ok bool
		if e, ok = categorize(stderr, res.ExitCode); !ok {
			return engine.ResultRecord{}, false
		}
	default:
		return engine.ResultRecord{}, false
	}

	rec := s.failure(e.WithOp("exec"))
	rec.Stderr = res.Stderr
	if res.ExitCode != 0 {
		rec.Retcode = res.ExitCode
	}
	return rec, true
}

// mapTransportError converts a transport failure into the engine taxonomy.
func (s *Single) mapTransportError(err error, op string) *engine.Error {
	msg := err.Error()
	var te *ssh.TransportError
	if errors.As(err, &te) && te.Err != nil {
		msg = te.Err.Error()
	}

	var e *engine.Error
	switch {
	case te != nil && te.IsAuthError, strings.HasPrefix(msg, "Permission denied"):
		e = engine.NewPermissionError(msg, err)
	case errors.Is(err, context.Canceled):
		e = engine.NewTransportError("job aborted while target was running", err)
	case errors.Is(err, context.DeadlineExceeded):
		e = engine.NewTransportError("timed out waiting for target", err)
	default:
		e = engine.NewTransportError(msg, err)
	}
	return e.WithTarget(s.target.ID).WithOp(op)
}

func (s *Single) transportFailure(err error, op string) engine.ResultRecord {
	return s.failure(s.mapTransportError(err, op))
}

// remoteRecord parses the runner's output.
func (s *Single) remoteRecord(res *ssh.ExecResult) engine.ResultRecord {
	if rec, failed := s.loginFailure(res); failed {
		return rec
	}

	data, ok := findJSON(res.Stdout)
	if !ok {
		err := fmt.Errorf("no JSON object in output of %s", s.fun)
		rec := s.failure(engine.NewProtocolError(err).WithOp("parse"))
		rec.Stderr = res.Stderr
		if res.ExitCode != 0 {
			rec.Retcode = res.ExitCode
		}
		return rec
	}
	if ret, retcode, ok := unwrapLocal(data, res.ExitCode); ok {
		return engine.ResultRecord{ID: s.target.ID, Return: ret, Retcode: retcode}
	}
	return engine.ResultRecord{ID: s.target.ID, Return: outputMap(res), Retcode: res.ExitCode}
}

// rawRecord is the result of a raw command: parsed JSON when the command printed some,
// the plain stdout when it succeeded quietly, and the full output otherwise.
func rawRecord(res *ssh.ExecResult) engine.ResultRecord {
	rec := engine.ResultRecord{Retcode: res.ExitCode}
	if data, ok := findJSON(res.Stdout); ok {
		if ret, _, ok := unwrapLocal(data, res.ExitCode); ok {
			rec.Return = ret
		} else {
			rec.Return = data
		}
		return rec
	}
	if res.ExitCode == 0 && strings.TrimSpace(res.Stderr) == "" {
		rec.Return = strings.TrimRight(res.Stdout, "\r\n")
		return rec
	}
	rec.Return = outputMap(res)
	rec.Stderr = res.Stderr
	return rec
}

func outputMap(res *ssh.ExecResult) map[string]any {
	return map[string]any{
		"stdout":  res.Stdout,
		"stderr":  res.Stderr,
		"retcode": res.ExitCode,
	}
}

// unwrapLocal returns the payload under "local" when it is the only top-level key. A
// runner return inside it contributes its own retcode.
func unwrapLocal(data map[string]any, exitCode int) (any, int, bool) {
	local, ok := data["local"]
	if !ok || len(data) != 1 {
		return nil, 0, false
	}
	m, ok := local.(map[string]any)
	if !ok {
		return local, exitCode, true
	}
	ret, hasReturn := m["return"]
	if !hasReturn {
		return local, exitCode, true
	}
	retcode := exitCode
	if rc, ok := m["retcode"].(float64); ok {
		retcode = int(rc)
	}
	return ret, retcode, true
}

// findJSON returns the first JSON object in out: the whole output, or the text from the
// first line that starts one.
func findJSON(out string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, false
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err == nil && data != nil {
		return data, true
	}
	lines := strings.Split(trimmed, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "{") {
			continue
		}
		for j := len(lines); j > i; j-- {
			data = nil
			chunk := strings.Join(lines[i:j], "\n")
			if err := json.Unmarshal([]byte(chunk), &data); err == nil && data != nil {
				return data, true
			}
		}
	}
	return nil, false
}
