package ssh

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const testDelim = "_test_delimiter_"

func TestPromptMachinePassword(t *testing.T) {
	t.Run("sends password", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{Password: "secret", Delimiter: testDelim})

		actions := m.Feed("root@web0's password: ")
		if len(actions) != 1 || actions[0].Kind != ActionSend || actions[0].Data != "secret\n" {
			t.Fatalf("expected one send of the password, got %+v", actions)
		}
		if m.State() != StateAuth {
			t.Errorf("expected state auth, got %s", m.State())
		}
	})

	t.Run("no password fails immediately", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{Delimiter: testDelim})

		actions := m.Feed("Password: ")
		if len(actions) != 1 || actions[0].Kind != ActionFail {
			t.Fatalf("expected one fail action, got %+v", actions)
		}
		if !strings.Contains(actions[0].Err.Error(), MsgNoAuthInfo) {
			t.Errorf("expected '%s', got '%v'", MsgNoAuthInfo, actions[0].Err)
		}
		var terr *TransportError
		if !errors.As(actions[0].Err, &terr) || !terr.IsAuthError {
			t.Errorf("expected an auth TransportError, got %v", actions[0].Err)
		}
		if m.State() != StateFailed {
			t.Errorf("expected state failed, got %s", m.State())
		}
	})

	t.Run("bounded retries", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{Password: "wrong", PasswordRetries: 3, Delimiter: testDelim})

		sends := 0
		var failure error
		for i := 0; i < 10 && failure == nil; i++ {
			for _, act := range m.Feed("Permission denied, please try again.\r\nroot@web0's password: ") {
				switch act.Kind {
				case ActionSend:
					sends++
				case ActionFail:
					failure = act.Err
				}
			}
		}

		if sends != 3 {
			t.Errorf("expected 3 password submissions, got %d", sends)
		}
		if failure == nil || !strings.HasPrefix(errors.Unwrap(failure).Error(), "Permission denied") {
			t.Errorf("expected a permission denied failure, got %v", failure)
		}
		if m.PasswordAttempts() != 3 {
			t.Errorf("expected 3 recorded attempts, got %d", m.PasswordAttempts())
		}
		if acts := m.Feed("more output\n"); len(acts) != 0 {
			t.Errorf("expected no actions after failure, got %+v", acts)
		}
	})

	t.Run("sudo prompt", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{Password: "secret", Delimiter: testDelim})
		actions := m.Feed("[sudo] password for deploy: ")
		if len(actions) != 1 || actions[0].Kind != ActionSend {
			t.Fatalf("expected a send, got %+v", actions)
		}
	})

	t.Run("prompt split across chunks", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{Password: "secret", Delimiter: testDelim})
		if acts := m.Feed("root@web0's pass"); len(acts) != 0 {
			t.Fatalf("expected no action on a partial prompt, got %+v", acts)
		}
		acts := m.Feed("word: ")
		if len(acts) != 1 || acts[0].Kind != ActionSend {
			t.Fatalf("expected a send once the prompt completes, got %+v", acts)
		}
	})
}

func TestPromptMachineHostKey(t *testing.T) {
	prompt := "The authenticity of host 'web0' can't be established.\nAre you sure you want to continue connecting (yes/no)? "

	t.Run("ignore host keys answers yes", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{IgnoreHostKeys: true, Delimiter: testDelim})
		acts := m.Feed(prompt)
		if len(acts) != 1 || acts[0].Kind != ActionSend || acts[0].Data != "yes\n" {
			t.Fatalf("expected 'yes', got %+v", acts)
		}
	})

	t.Run("otherwise answers no and fails", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{Delimiter: testDelim})
		acts := m.Feed(prompt)
		if len(acts) != 1 || acts[0].Kind != ActionFail || acts[0].Data != "no\n" {
			t.Fatalf("expected a failing 'no', got %+v", acts)
		}
		msg := acts[0].Err.Error()
		if !strings.Contains(msg, "The host key needs to be accepted, to auto accept run skiff with the -i flag:") {
			t.Errorf("unexpected message: %s", msg)
		}
		if !strings.Contains(msg, "The authenticity of host 'web0'") {
			t.Errorf("expected the prompt in the message, got: %s", msg)
		}
		var terr *TransportError
		if errors.As(acts[0].Err, &terr) && terr.IsAuthError {
			t.Error("expected a host key failure not to be an auth error")
		}
	})

	t.Run("callback form", func(t *testing.T) {
		m := NewPromptMachine(PromptConfig{})
		if err := m.HostKey("Are you sure you want to continue connecting?"); err == nil {
			t.Error("expected error, got nil")
		}
	})
}

func TestPromptMachineDelimiter(t *testing.T) {
	m := NewPromptMachine(PromptConfig{Password: "secret", Delimiter: testDelim})

	m.Feed("Warning: Permanently added 'web0' to the list of known hosts.\r\n")
	m.Feed("[sudo] password for root: ")
	m.Feed("\r\n" + testDelim + "\r\n")
	if m.State() != StateOutput {
		t.Fatalf("expected state output, got %s", m.State())
	}

	// Prompts are plain output after the delimiter.
	if acts := m.Feed("Password: is a word\n{\"local\": true}\n"); len(acts) != 0 {
		t.Errorf("expected no actions after the delimiter, got %+v", acts)
	}

	out, marked := m.Output()
	if !marked {
		t.Error("expected marked output")
	}
	if out != "Password: is a word\n{\"local\": true}\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestPromptMachineWithoutDelimiter(t *testing.T) {
	m := NewPromptMachine(PromptConfig{Delimiter: testDelim})
	m.Feed("hi\n")
	m.Feed("partial")

	out, marked := m.Output()
	if marked {
		t.Error("expected unmarked output")
	}
	if out != "hi\npartial" {
		t.Errorf("expected all text, got %q", out)
	}
}

func TestPromptMachineFlush(t *testing.T) {
	m := NewPromptMachine(PromptConfig{Delimiter: testDelim})
	m.Feed("noise\n" + testDelim)
	m.Flush()

	out, marked := m.Output()
	if !marked || out != "" {
		t.Errorf("expected empty marked output, got %q marked=%t", out, marked)
	}
}

func TestPromptMachineAux(t *testing.T) {
	provider := AuxProviderFunc(func(name string) (any, error) {
		if name != "ext_mods" {
			return nil, errors.New("unknown payload")
		}
		return map[string]any{"version": "abc"}, nil
	})
	m := NewPromptMachine(PromptConfig{Delimiter: testDelim, AuxMarker: "_aux_", Aux: provider})

	m.Feed(testDelim + "\n")
	acts := m.Feed("_aux_ ext_mods\n")
	if len(acts) != 1 || acts[0].Kind != ActionSend {
		t.Fatalf("expected one send, got %+v", acts)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(acts[0].Data))
	if err != nil {
		t.Fatalf("expected base64, got %q: %v", acts[0].Data, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("expected json: %v", err)
	}
	if payload["version"] != "abc" {
		t.Errorf("expected version 'abc', got %v", payload["version"])
	}

	// A pty echoes the reply back; it must not reach the output.
	m.Feed(acts[0].Data)
	if out, _ := m.Output(); out != "" {
		t.Errorf("expected echoed reply dropped, got %q", out)
	}

	acts = m.Feed("_aux_ missing\n")
	if len(acts) != 1 || acts[0].Data != "\n" {
		t.Errorf("expected an empty line for an unknown payload, got %+v", acts)
	}

	out, _ := m.Output()
	if strings.Contains(out, "_aux_") {
		t.Errorf("expected aux lines stripped, got %q", out)
	}
}

func TestSplitMarked(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		after  string
		marked bool
	}{
		{"leading", testDelim + "\nout", "out", true},
		{"after noise", "noise\r\n" + testDelim + "\r\nout\n", "out\n", true},
		{"at end", "noise\n" + testDelim, "", true},
		{"embedded is not a line", "x" + testDelim + "\n", "x" + testDelim + "\n", false},
		{"absent", "plain", "plain", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after, marked := SplitMarked(tt.text, testDelim)
			if after != tt.after || marked != tt.marked {
				t.Errorf("expected (%q, %t), got (%q, %t)", tt.after, tt.marked, after, marked)
			}
		})
	}
}
