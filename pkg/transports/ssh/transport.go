// Package ssh provides the remote-shell transport: command lines for the OpenSSH
// binaries, an in-process client, and the prompt machine that answers login prompts.
package ssh

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

// Shell runs commands on and copies files to one remote host.
type Shell interface {
	// Exec runs cmd and blocks until it exits.
	Exec(ctx context.Context, cmd string) (*ExecResult, error)

	// ExecStream runs cmd in the background. The channel carries Running heartbeats and
	// then exactly one final event with Result or Err set, after which it is closed.
	ExecStream(ctx context.Context, cmd string) <-chan StreamEvent

	// Send copies a local file to remote, creating the remote directory first when makedirs is set.
	Send(ctx context.Context, local, remote string, makedirs bool) (*ExecResult, error)
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output; when StdoutMarked, only what followed the delimiter
	Stdout string

	// Stderr is the standard error; when StderrMarked, only what followed the delimiter
	Stderr string

	// ExitCode is the exit code of the command
	ExitCode int

	// StdoutMarked and StderrMarked report whether the delimiter line was seen on each stream
	StdoutMarked bool
	StderrMarked bool

	// Duration is how long the command took
	Duration time.Duration
}

// StreamEvent is one step of a streamed execution.
type StreamEvent struct {
	// Running is set on heartbeats
	Running bool

	// Result is set on the final event when the command ran to completion
	Result *ExecResult

	// Err is set on the final event when it did not
	Err error
}

// heartbeat is the interval between Running events.
const heartbeat = time.Second

// TransportError represents an error that occurred during transport operations.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh transport error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary returns true if the error is temporary and the operation can be retried.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// SplitMarked returns what follows the first delimiter line in text and whether there was one.
// Without a delimiter line the text is returned unchanged.
func SplitMarked(text, delimiter string) (string, bool) {
	if delimiter == "" {
		return text, false
	}
	re := delimiterRe(delimiter)
	loc := re.FindStringIndex(text)
	if loc == nil {
		return text, false
	}
	return text[loc[1]:], true
}

func delimiterRe(delimiter string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\r?\n)` + regexp.QuoteMeta(delimiter) + `(?:\r?\n|$)`)
}

// runStream adapts a blocking exec into the ExecStream contract.
func runStream(ctx context.Context, exec func(context.Context) (*ExecResult, error)) <-chan StreamEvent {
	events := make(chan StreamEvent, 1)
	go func() {
		defer close(events)

		done := make(chan StreamEvent, 1)
		go func() {
			res, err := exec(ctx)
			done <- StreamEvent{Result: res, Err: err}
		}()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case ev := <-done:
				events <- ev
				return
			case <-ticker.C:
				select {
				case events <- StreamEvent{Running: true}:
				case ev := <-done:
					events <- ev
					return
				}
			}
		}
	}()
	return events
}

// readChunks reads r until it fails and delivers what it read in order.
func readChunks(r io.Reader) <-chan string {
	chunks := make(chan string, 16)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunks <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return chunks
}

// drive feeds output to m and carries out its actions on w until chunks is closed.
func drive(ctx context.Context, w io.Writer, m *PromptMachine, chunks <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return &TransportError{
				Op:          "execute",
				Err:         ctx.Err(),
				IsTemporary: true,
				IsAuthError: false,
			}
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			for _, act := range m.Feed(chunk) {
				switch act.Kind {
				case ActionSend:
					if _, err := io.WriteString(w, act.Data); err != nil {
						return &TransportError{Op: "write", Err: err, IsTemporary: true}
					}
				case ActionFail:
					if act.Data != "" {
						_, _ = io.WriteString(w, act.Data)
					}
					return act.Err
				}
			}
		}
	}
}

// New creates the Shell for backend. An empty backend means OpenSSH.
func New(config *Config, backend Backend) (Shell, error) {
	switch backend {
	case BackendOpenSSH, "":
		return NewOpenSSHShell(config)
	case BackendNative:
		return NewNativeShell(config)
	default:
		return nil, fmt.Errorf("unsupported ssh backend: %s", backend)
	}
}
