package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncoderReturn(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeDelimiter(); err != nil {
		t.Fatalf("EncodeDelimiter() error = %v", err)
	}
	ret := &Return{JID: "j1", ID: "web0", Fun: "test.ping", Return: true}
	if err := enc.EncodeReturn(ret); err != nil {
		t.Fatalf("EncodeReturn() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != Delimiter {
		t.Errorf("expected delimiter first, got %q", lines[0])
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &raw); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(raw) != 1 || raw["local"]["return"] != true {
		t.Errorf("expected local envelope with return true, got %v", raw)
	}
}

func TestEncoderAuxRequest(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeAuxRequest(ExtModsToken); err != nil {
		t.Fatalf("EncodeAuxRequest() error = %v", err)
	}
	if buf.String() != AuxMarker+" ext_mods\n" {
		t.Errorf("unexpected aux request %q", buf.String())
	}
}

func TestDecodeAux(t *testing.T) {
	payload, _ := json.Marshal(ExtMods{Version: "v1", Modules: map[string]string{"hello": "echo hi"}})
	line := base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name    string
		input   string
		wantErr error
		anyErr  bool
	}{
		{name: "valid payload", input: line + "\n"},
		{name: "empty line", input: "\n", wantErr: ErrNoPayload},
		{name: "closed input", input: "", wantErr: io.EOF},
		{name: "not base64", input: "!!!\n", anyErr: true},
		{name: "not json", input: base64.StdEncoding.EncodeToString([]byte("nope")) + "\n", anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mods ExtMods
			err := NewDecoder(strings.NewReader(tt.input)).DecodeAux(&mods)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
			case tt.anyErr:
				if err == nil {
					t.Error("expected error, got nil")
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if mods.Version != "v1" || mods.Modules["hello"] != "echo hi" {
					t.Errorf("unexpected payload %+v", mods)
				}
			}
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    any
		wantErr bool
	}{
		{
			name:   "whole output",
			stdout: `{"local": {"jid": "1", "return": "pong", "retcode": 0}}` + "\n",
			want:   "pong",
		},
		{
			name:   "echoed noise before the envelope",
			stdout: "c29tZSBlY2hv\n" + `{"local": {"return": 5, "retcode": 0}}`,
			want:   float64(5),
		},
		{
			name:    "no envelope",
			stdout:  "hello\n",
			wantErr: true,
		},
		{
			name:    "json without local",
			stdout:  `{"other": 1}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ret, err := ParseEnvelope(tt.stdout)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && ret.Return != tt.want {
				t.Errorf("expected return %v, got %v", tt.want, ret.Return)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	t.Run("exec params", func(t *testing.T) {
		var p ExecParams
		err := ParseParams(map[string]any{"cmd": "ls -la", "cwd": "/tmp", "env": map[string]any{"A": "1"}}, &p)
		if err != nil {
			t.Fatalf("ParseParams() error = %v", err)
		}
		if p.Cmd != "ls -la" || p.Cwd != "/tmp" || p.Env["A"] != "1" {
			t.Errorf("unexpected params %+v", p)
		}
	})

	t.Run("string flags from key=value args", func(t *testing.T) {
		var p FileWriteParams
		err := ParseParams(map[string]any{"path": "/etc/motd", "contents": "hi", "makedirs": "True", "backup": "no"}, &p)
		if err != nil {
			t.Fatalf("ParseParams() error = %v", err)
		}
		if !bool(p.Makedirs) || bool(p.Backup) {
			t.Errorf("expected makedirs true and backup false, got %+v", p)
		}
	})

	t.Run("numeric string", func(t *testing.T) {
		var p FileReadParams
		if err := ParseParams(map[string]any{"path": "/x", "max_bytes": "128"}, &p); err != nil {
			t.Fatalf("ParseParams() error = %v", err)
		}
		if p.MaxBytes != 128 {
			t.Errorf("expected 128, got %d", p.MaxBytes)
		}
	})

	t.Run("invalid flag", func(t *testing.T) {
		var p PkgParams
		if err := ParseParams(map[string]any{"name": "nginx", "test": "maybe"}, &p); err == nil {
			t.Error("expected error, got nil")
		}
	})

	t.Run("nil kwargs", func(t *testing.T) {
		var p ServiceParams
		if err := ParseParams(nil, &p); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
