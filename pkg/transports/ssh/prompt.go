package ssh

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// MachineState is the state of a PromptMachine.
type MachineState int

const (
	// StateAuth is before the delimiter: prompts are answered, other text is login noise.
	StateAuth MachineState = iota

	// StateOutput is after the delimiter: everything is command output except aux requests.
	StateOutput

	// StateFailed is terminal. The caller must stop the command.
	StateFailed
)

func (s MachineState) String() string {
	switch s {
	case StateAuth:
		return "auth"
	case StateOutput:
		return "output"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ActionKind says what the caller must do after feeding output.
type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionSend writes Data to the command's input.
	ActionSend
	// ActionFail stops the command with Err.
	ActionFail
)

// Action is one instruction produced by Feed.
type Action struct {
	Kind ActionKind
	Data string
	Err  error
}

// AuxProvider answers in-band payload requests made by the remote side.
type AuxProvider interface {
	AuxPayload(name string) (any, error)
}

// AuxProviderFunc adapts a function to AuxProvider.
type AuxProviderFunc func(name string) (any, error)

// AuxPayload implements AuxProvider.
func (f AuxProviderFunc) AuxPayload(name string) (any, error) {
	return f(name)
}

// PromptConfig configures a PromptMachine.
type PromptConfig struct {
	Password        string
	PasswordRetries int
	IgnoreHostKeys  bool
	Delimiter       string
	AuxMarker       string
	Aux             AuxProvider
}

// Failure messages. Both password failures start with "Permission denied" so they classify
// as permission errors downstream.
const (
	MsgNoAuthInfo     = "Permission denied, no authentication information"
	MsgPasswordFailed = "Permission denied, password authentication failed"
	msgHostKey        = "The host key needs to be accepted, to auto accept run skiff with the -i flag:\n"
)

var (
	passwordPromptRe = regexp.MustCompile(`(?:.*)[Pp]assword(?: for .*)?:`)
	hostKeyPromptRe  = regexp.MustCompile(`(?i)are you sure you want to continue connecting`)
)

// PromptMachine tracks one command's terminal output. It answers password and host key
// prompts until the delimiter line, then collects output and serves aux requests.
// Feed is called from the reader goroutine; Password and HostKey may be called from
// SSH callbacks, so all methods are safe for concurrent use.
type PromptMachine struct {
	cfg PromptConfig

	mu        sync.Mutex
	state     MachineState
	partial   string
	noise     strings.Builder
	out       strings.Builder
	marked    bool
	passwords int
	err       error

	// echo is the last aux reply; a terminal echoing it back is not output.
	echo string
}

// NewPromptMachine creates a machine in StateAuth.
func NewPromptMachine(cfg PromptConfig) *PromptMachine {
	if cfg.PasswordRetries <= 0 {
		cfg.PasswordRetries = DefaultPasswordRetries
	}
	return &PromptMachine{cfg: cfg}
}

// State returns the current state.
func (m *PromptMachine) State() MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure that moved the machine to StateFailed, if any.
func (m *PromptMachine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// PasswordAttempts returns how many times the password was submitted.
func (m *PromptMachine) PasswordAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passwords
}

// Output returns the collected output and whether the delimiter was seen. Before the
// delimiter all non-prompt text is output; once seen, only what followed it is.
func (m *PromptMachine) Output() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marked {
		return m.out.String() + m.partial, true
	}
	return m.noise.String() + m.partial, false
}

// Feed consumes a chunk of output and returns the actions it calls for.
func (m *PromptMachine) Feed(chunk string) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.partial += chunk
	var actions []Action
	for {
		if m.state == StateFailed {
			return actions
		}

		idx := strings.IndexByte(m.partial, '\n')
		if idx < 0 {
			// Prompts are not newline terminated.
			if m.state == StateAuth && m.partial != "" {
				if act, ok := m.matchPrompt(m.partial); ok {
					m.partial = ""
					actions = append(actions, act)
				}
			}
			return actions
		}

		raw := m.partial[:idx+1]
		line := strings.TrimRight(raw, "\r\n")
		m.partial = m.partial[idx+1:]

		switch m.state {
		case StateAuth:
			if m.cfg.Delimiter != "" && line == m.cfg.Delimiter {
				log.Debug().Int("noise_len", m.noise.Len()).Msg("delimiter seen, collecting output")
				m.state = StateOutput
				m.marked = true
				m.noise.Reset()
				continue
			}
			if act, ok := m.matchPrompt(line); ok {
				actions = append(actions, act)
				continue
			}
			m.noise.WriteString(raw)

		case StateOutput:
			if m.cfg.AuxMarker != "" && strings.HasPrefix(line, m.cfg.AuxMarker) {
				name := strings.TrimSpace(strings.TrimPrefix(line, m.cfg.AuxMarker))
				act := m.auxAction(name)
				m.echo = strings.TrimRight(act.Data, "\n")
				actions = append(actions, act)
				continue
			}
			if m.echo != "" && line == m.echo {
				m.echo = ""
				continue
			}
			m.out.WriteString(raw)
		}
	}
}

// Flush treats any unterminated text as a final line. Call it once the stream hits EOF.
func (m *PromptMachine) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuth && m.cfg.Delimiter != "" && strings.TrimRight(m.partial, "\r") == m.cfg.Delimiter {
		m.state = StateOutput
		m.marked = true
		m.noise.Reset()
		m.partial = ""
	}
}

// matchPrompt handles a password or host key prompt. Called with mu held.
func (m *PromptMachine) matchPrompt(text string) (Action, bool) {
	switch {
	case passwordPromptRe.MatchString(text):
		pw, err := m.nextPassword()
		if err != nil {
			return Action{Kind: ActionFail, Err: err}, true
		}
		return Action{Kind: ActionSend, Data: pw + "\n"}, true

	case hostKeyPromptRe.MatchString(text):
		if err := m.acceptHostKey(m.noise.String() + text); err != nil {
			return Action{Kind: ActionFail, Data: "no\n", Err: err}, true
		}
		return Action{Kind: ActionSend, Data: "yes\n"}, true
	}
	return Action{}, false
}

// Password returns the password for one more submission, or fails the machine once the
// password is missing or the retry bound is spent.
func (m *PromptMachine) Password() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPassword()
}

func (m *PromptMachine) nextPassword() (string, error) {
	if m.state == StateFailed {
		return "", m.err
	}
	if m.cfg.Password == "" {
		return "", m.fail(MsgNoAuthInfo, true)
	}
	if m.passwords >= m.cfg.PasswordRetries {
		return "", m.fail(MsgPasswordFailed, true)
	}
	m.passwords++
	log.Debug().Int("attempt", m.passwords).Msg("sending password")
	return m.cfg.Password, nil
}

// HostKey decides an unknown host key prompt.
func (m *PromptMachine) HostKey(prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptHostKey(prompt)
}

func (m *PromptMachine) acceptHostKey(prompt string) error {
	if m.state == StateFailed {
		return m.err
	}
	if m.cfg.IgnoreHostKeys {
		log.Debug().Msg("accepting unknown host key")
		return nil
	}
	return m.fail(msgHostKey+prompt, false)
}

func (m *PromptMachine) fail(msg string, auth bool) error {
	m.state = StateFailed
	m.err = &TransportError{Op: "login", Err: errors.New(msg), IsAuthError: auth}
	return m.err
}

// auxAction answers one aux request with a single base64 JSON line.
func (m *PromptMachine) auxAction(name string) Action {
	if m.cfg.Aux == nil {
		return Action{Kind: ActionSend, Data: "\n"}
	}
	payload, err := m.cfg.Aux.AuxPayload(name)
	if err != nil {
		log.Warn().Err(err).Str("name", name).Msg("aux payload unavailable")
		return Action{Kind: ActionSend, Data: "\n"}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("name", name).Msg("failed to encode aux payload")
		return Action{Kind: ActionSend, Data: "\n"}
	}
	log.Debug().Str("name", name).Int("bytes", len(data)).Msg("sending aux payload")
	return Action{Kind: ActionSend, Data: base64.StdEncoding.EncodeToString(data) + "\n"}
}

// String describes the machine for debugging.
func (m *PromptMachine) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("PromptMachine{state=%s passwords=%d marked=%t}", m.state, m.passwords, m.marked)
}
