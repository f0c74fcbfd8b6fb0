package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Terminal is a running command whose output and input go through a pseudo-terminal,
// with stderr kept on its own pipe.
type Terminal interface {
	io.ReadWriter
	Stderr() io.Reader
	// Wait waits for the command and returns its exit code. Stderr must be drained first.
	Wait() (int, error)
	Kill() error
	Close() error
}

// Spawner starts argv on a Terminal.
type Spawner func(ctx context.Context, argv []string) (Terminal, error)

// OpenSSHShell runs the system ssh and scp binaries.
type OpenSSHShell struct {
	config *Config
	spawn  Spawner
}

// NewOpenSSHShell creates a Shell over the OpenSSH binaries.
func NewOpenSSHShell(config *Config) (*OpenSSHShell, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &OpenSSHShell{config: config, spawn: ptySpawner}, nil
}

// WithSpawner replaces how commands are started.
func (s *OpenSSHShell) WithSpawner(spawn Spawner) *OpenSSHShell {
	s.spawn = spawn
	return s
}

// Exec runs cmd on the host.
func (s *OpenSSHShell) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	return s.run(ctx, s.config.LoginArgs(cmd), s.config.promptConfig())
}

// ExecStream runs cmd on the host in the background.
func (s *OpenSSHShell) ExecStream(ctx context.Context, cmd string) <-chan StreamEvent {
	return runStream(ctx, func(ctx context.Context) (*ExecResult, error) {
		return s.Exec(ctx, cmd)
	})
}

// Send copies local to remote with scp.
func (s *OpenSSHShell) Send(ctx context.Context, local, remote string, makedirs bool) (*ExecResult, error) {
	pc := s.config.promptConfig()
	pc.Delimiter = ""
	pc.AuxMarker = ""

	if makedirs {
		res, err := s.run(ctx, s.config.LoginArgs(MkdirCommand(remote)), pc)
		if err != nil || res.ExitCode != 0 {
			return res, err
		}
	}
	return s.run(ctx, s.config.CopyArgs(local, remote), pc)
}

// run drives one command through a prompt machine until it exits.
func (s *OpenSSHShell) run(ctx context.Context, argv []string, pc PromptConfig) (*ExecResult, error) {
	startTime := time.Now()
	timeout := s.config.ConnectionTimeout + s.config.CommandTimeout
	if s.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.Debug().
		Str("host", s.config.Host).
		Str("binary", argv[0]).
		Int("args", len(argv)).
		Msg("spawning command")

	tm, err := s.spawn(ctx, argv)
	if err != nil {
		return nil, &TransportError{
			Op:          "spawn",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer tm.Close()

	var stderrBuf bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(&stderrBuf, tm.Stderr())
	}()

	chunks := readChunks(tm)
	m := NewPromptMachine(pc)
	if err := drive(ctx, tm, m, chunks); err != nil {
		_ = tm.Kill()
		_ = tm.Close()
		go func() {
			for range chunks {
			}
		}()
		<-stderrDone
		_, _ = tm.Wait()
		return nil, err
	}
	m.Flush()

	<-stderrDone
	code, werr := tm.Wait()
	if werr != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         werr,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	stdout, stdoutMarked := m.Output()
	stderr, stderrMarked := SplitMarked(stderrBuf.String(), pc.Delimiter)

	result := &ExecResult{
		Stdout:       normalizeNewlines(stdout),
		Stderr:       normalizeNewlines(stderr),
		ExitCode:     code,
		StdoutMarked: stdoutMarked,
		StderrMarked: stderrMarked,
		Duration:     time.Since(startTime),
	}

	log.Debug().
		Str("host", s.config.Host).
		Int("exit_code", code).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Int("passwords_sent", m.PasswordAttempts()).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// ptyTerminal is a Terminal backed by creack/pty.
type ptyTerminal struct {
	cmd    *exec.Cmd
	pty    *os.File
	stderr io.Reader
}

// ptySpawner starts argv with stdin and stdout on a fresh terminal in raw mode. A
// canonical terminal caps a line at 4095 bytes, which would cut aux replies short.
func ptySpawner(ctx context.Context, argv []string) (Terminal, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty: %w", err)
	}
	fail := func(err error) (Terminal, error) {
		_ = tty.Close()
		_ = ptmx.Close()
		return nil, err
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 1024}); err != nil {
		return fail(fmt.Errorf("failed to size pty: %w", err))
	}
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		return fail(fmt.Errorf("failed to set raw mode: %w", err))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(fmt.Errorf("failed to create stderr pipe: %w", err))
	}
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("failed to start %s: %w", argv[0], err))
	}
	_ = tty.Close()
	return &ptyTerminal{cmd: cmd, pty: ptmx, stderr: stderr}, nil
}

// Read returns io.EOF once the child side of the terminal is gone.
func (t *ptyTerminal) Read(p []byte) (int, error) {
	n, err := t.pty.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (t *ptyTerminal) Write(p []byte) (int, error) {
	return t.pty.Write(p)
}

func (t *ptyTerminal) Stderr() io.Reader {
	return t.stderr
}

func (t *ptyTerminal) Wait() (int, error) {
	err := t.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (t *ptyTerminal) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

func (t *ptyTerminal) Close() error {
	return t.pty.Close()
}
