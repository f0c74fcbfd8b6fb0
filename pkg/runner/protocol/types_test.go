package protocol

import (
	"strings"
	"testing"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
	}{
		{"valid", &Request{Fun: "test.ping"}, false},
		{"missing fun", &Request{}, true},
		{"fun with space", &Request{Fun: "test ping"}, true},
		{"fun with slash", &Request{Fun: "../x"}, true},
		{"negative timeout", &Request{Fun: "cmd.run", Timeout: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Request.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestEncodeDecode(t *testing.T) {
	req := &Request{
		JID:            "20261019120000000000",
		ID:             "web0",
		Fun:            "cmd.run",
		Args:           []string{"echo 'a b'; exit 3"},
		Kwargs:         map[string]any{"cwd": "/tmp"},
		ExtModsVersion: "abc",
		Wipe:           true,
	}

	encoded, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.ContainsAny(encoded, " ';\n") {
		t.Errorf("expected a shell-safe encoding, got %q", encoded)
	}

	got, err := DecodeRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if got.Fun != req.Fun || got.Args[0] != req.Args[0] || got.Kwargs["cwd"] != "/tmp" || !got.Wipe {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestDecodeRequestInvalid(t *testing.T) {
	for _, in := range []string{"", "%%%", "e30="} {
		if _, err := DecodeRequest(in); err == nil {
			t.Errorf("expected error for %q, got nil", in)
		}
	}
}

func TestExtModsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mods    *ExtMods
		wantErr bool
	}{
		{"valid", &ExtMods{Version: "v", Modules: map[string]string{"hello": "#!/bin/sh"}}, false},
		{"no modules", &ExtMods{Version: "v"}, false},
		{"missing version", &ExtMods{}, true},
		{"dotted name", &ExtMods{Version: "v", Modules: map[string]string{"a.b": ""}}, true},
		{"path name", &ExtMods{Version: "v", Modules: map[string]string{"../x": ""}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mods.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("ExtMods.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunnerName(t *testing.T) {
	if got := RunnerName("linux", "arm64"); got != "skiff-runner-linux-arm64" {
		t.Errorf("expected skiff-runner-linux-arm64, got %s", got)
	}
}

func TestParseFileRef(t *testing.T) {
	tests := []struct {
		ref  string
		path string
		env  string
		ok   bool
	}{
		{"skiff://app/app.conf", "app/app.conf", "", true},
		{"skiff://app/app.conf?saltenv=dev", "app/app.conf", "dev", true},
		{"skiff:///top.sls", "top.sls", "", true},
		{"skiff://../etc/passwd", "", "", false},
		{"skiff://", "", "", false},
		{"/etc/hosts", "", "", false},
	}
	for _, tt := range tests {
		path, env, ok := ParseFileRef(tt.ref)
		if path != tt.path || env != tt.env || ok != tt.ok {
			t.Errorf("ParseFileRef(%q): expected (%q, %q, %t), got (%q, %q, %t)", tt.ref, tt.path, tt.env, tt.ok, path, env, ok)
		}
	}
}

func TestChunkEnv(t *testing.T) {
	if env := ChunkEnv(map[string]any{"__env__": "prod"}); env != "prod" {
		t.Errorf("expected prod, got %s", env)
	}
	if env := ChunkEnv(map[string]any{"saltenv": "dev"}); env != "dev" {
		t.Errorf("expected dev, got %s", env)
	}
	if env := ChunkEnv(map[string]any{}); env != DefaultEnv {
		t.Errorf("expected %s, got %s", DefaultEnv, env)
	}
}
