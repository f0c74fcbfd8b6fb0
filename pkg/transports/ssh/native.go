package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// NativeShell implements Shell in-process with golang.org/x/crypto/ssh. One connection is
// dialed lazily and reused for every command of the session.
type NativeShell struct {
	config *Config

	// login answers the password and host key callbacks of the connection itself.
	login *PromptMachine

	connMu      sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
}

// NewNativeShell creates a Shell that speaks SSH in-process.
func NewNativeShell(config *Config) (*NativeShell, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	pc := config.promptConfig()
	pc.Delimiter = ""
	return &NativeShell{
		config: config,
		login:  NewPromptMachine(pc),
	}, nil
}

// PasswordAttempts returns how many times the login password was offered.
func (s *NativeShell) PasswordAttempts() int {
	return s.login.PasswordAttempts()
}

// connect dials the host unless a connection is already open.
func (s *NativeShell) connect(ctx context.Context) (*ssh.Client, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	if err := s.login.Err(); err != nil {
		return nil, err
	}

	clientConfig, err := s.config.BuildSSHClientConfig(s.login)
	if err != nil {
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	address := s.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return nil, &TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
			IsAuthError: false,
		}
	case err := <-errChan:
		return nil, s.classifyDialError(err)
	case client := <-connChan:
		s.client = client
		s.connectedAt = time.Now()
		log.Debug().Str("address", address).Msg("SSH connection established")
		return client, nil
	}
}

// classifyDialError prefers the prompt machine's verdict over the library's message.
func (s *NativeShell) classifyDialError(err error) error {
	if merr := s.login.Err(); merr != nil {
		return merr
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		msg := MsgPasswordFailed
		if s.config.Password == "" {
			msg = MsgNoAuthInfo
		}
		return &TransportError{
			Op:          "login",
			Err:         fmt.Errorf("%s: %w", msg, err),
			IsTemporary: false,
			IsAuthError: true,
		}
	}
	return &TransportError{
		Op:          "connect",
		Err:         err,
		IsTemporary: true,
		IsAuthError: false,
	}
}

// Close closes the connection, if any.
func (s *NativeShell) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.client == nil {
		return nil
	}
	log.Debug().
		Str("host", s.config.Host).
		Dur("connection_duration", time.Since(s.connectedAt)).
		Msg("closing SSH connection")
	err := s.client.Close()
	s.client = nil
	return err
}

// Exec runs cmd on the host. Output goes through a prompt machine exactly as with OpenSSH,
// so sudo prompts and the delimiter are handled the same way.
func (s *NativeShell) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	startTime := time.Now()
	if s.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ConnectionTimeout+s.config.CommandTimeout)
		defer cancel()
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	if s.config.TTY {
		if err := session.RequestPty("xterm", 40, 1024, ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}); err != nil {
			return nil, &TransportError{
				Op:          "execute",
				Err:         fmt.Errorf("failed to request pseudo-terminal: %w", err),
				IsTemporary: true,
				IsAuthError: false,
			}
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create stdin pipe: %w", err), IsTemporary: true}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create stdout pipe: %w", err), IsTemporary: true}
	}
	var stderrBuf bytes.Buffer
	session.Stderr = &stderrBuf

	log.Debug().Str("host", s.config.Host).Bool("tty", s.config.TTY).Msg("executing command")

	if err := session.Start(cmd); err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to start command: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	pc := s.config.promptConfig()
	m := NewPromptMachine(pc)
	chunks := readChunks(stdout)
	if err := drive(ctx, stdin, m, chunks); err != nil {
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		go func() {
			for range chunks {
			}
		}()
		return nil, err
	}
	m.Flush()

	exitCode := 0
	if err := session.Wait(); err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitStatus()
		case errors.As(err, &missing):
			exitCode = -1
		default:
			return nil, &TransportError{
				Op:          "execute",
				Err:         err,
				IsTemporary: true,
				IsAuthError: false,
			}
		}
	}

	out, outMarked := m.Output()
	errText, errMarked := SplitMarked(stderrBuf.String(), pc.Delimiter)
	result := &ExecResult{
		Stdout:       normalizeNewlines(out),
		Stderr:       normalizeNewlines(errText),
		ExitCode:     exitCode,
		StdoutMarked: outMarked,
		StderrMarked: errMarked,
		Duration:     time.Since(startTime),
	}

	log.Debug().
		Str("host", s.config.Host).
		Int("exit_code", exitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// ExecStream runs cmd on the host in the background.
func (s *NativeShell) ExecStream(ctx context.Context, cmd string) <-chan StreamEvent {
	return runStream(ctx, func(ctx context.Context) (*ExecResult, error) {
		return s.Exec(ctx, cmd)
	})
}
