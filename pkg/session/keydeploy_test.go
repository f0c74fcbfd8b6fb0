package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

type recordedSession struct {
	target engine.Target
	job    *engine.JobDescriptor
	rec    engine.ResultRecord
}

func (s *recordedSession) Run(ctx context.Context) engine.ResultRecord {
	return s.rec
}

// scriptedSessions answers each new session with the next record.
type scriptedSessions struct {
	records  []engine.ResultRecord
	sessions []*recordedSession
}

func (f *scriptedSessions) NewSession(target engine.Target, job *engine.JobDescriptor) engine.Session {
	s := &recordedSession{target: target, job: job}
	if n := len(f.sessions); n < len(f.records) {
		s.rec = f.records[n]
	}
	f.sessions = append(f.sessions, s)
	return s
}

func keyTarget(t *testing.T) engine.Target {
	t.Helper()
	return engine.Target{
		ID:             "web0",
		Host:           "10.0.0.5",
		User:           "deploy",
		Priv:           filepath.Join(t.TempDir(), "id_skiff"),
		IdentitiesOnly: true,
	}
}

func deniedRecord() engine.ResultRecord {
	return engine.FailureRecord("web0", engine.NewPermissionError("Permission denied (publickey).", nil))
}

func TestDeployKey(t *testing.T) {
	sessions := &scriptedSessions{records: []engine.ResultRecord{
		{ID: "web0", Return: "", Retcode: 0},
		{ID: "web0", Return: true, Retcode: 0},
	}}
	var out bytes.Buffer
	d := NewKeyDeployer(sessions, "", strings.NewReader("y\n"), &out)
	d.ReadPassword = func() (string, error) { return "hunter2", nil }

	target := keyTarget(t)
	job := functionJob("test.ping")
	rec, ok := d.DeployKey(context.Background(), target, job, deniedRecord())
	if !ok {
		t.Fatalf("expected the key deploy to succeed, got %+v", rec)
	}
	if rec.Return != true {
		t.Errorf("expected the retried record, got %v", rec.Return)
	}

	if !strings.Contains(out.String(), "Permission denied for host web0, do you want to deploy the skiff ssh key? (password required):") {
		t.Errorf("unexpected prompt %q", out.String())
	}
	if !strings.Contains(out.String(), "Password for deploy@web0: ") {
		t.Errorf("expected a password prompt, got %q", out.String())
	}

	if len(sessions.sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions.sessions))
	}
	push := sessions.sessions[0]
	if push.target.Password != "hunter2" || push.target.Priv != "" || push.target.IdentitiesOnly {
		t.Errorf("expected a password session, got %+v", push.target)
	}
	if push.job.Kind != engine.JobRaw || !strings.Contains(push.job.RawCommand, "~/.ssh/authorized_keys") {
		t.Errorf("expected an authorized_keys command, got %+v", push.job)
	}
	pub, err := os.ReadFile(target.Priv + ".pub")
	if err != nil {
		t.Fatalf("expected a generated public key: %v", err)
	}
	if !strings.Contains(push.job.RawCommand, strings.TrimSpace(string(pub))) {
		t.Error("expected the public key in the push command")
	}

	retry := sessions.sessions[1]
	if retry.target.Password != "" || retry.target.Priv != target.Priv || retry.job != job {
		t.Errorf("expected the original job over the key, got %+v", retry.target)
	}
}

func TestDeployKeyDeclined(t *testing.T) {
	sessions := &scriptedSessions{}
	d := NewKeyDeployer(sessions, "", strings.NewReader("n\n"), &bytes.Buffer{})
	failed := deniedRecord()

	rec, ok := d.DeployKey(context.Background(), keyTarget(t), functionJob("test.ping"), failed)
	if ok || rec.Return != failed.Return {
		t.Errorf("expected the failed record back, got %+v", rec)
	}
	if len(sessions.sessions) != 0 {
		t.Error("expected no sessions")
	}
}

func TestDeployKeyPushFails(t *testing.T) {
	sessions := &scriptedSessions{records: []engine.ResultRecord{
		engine.FailureRecord("web0", engine.NewPermissionError(ssh.MsgPasswordFailed, nil)),
	}}
	d := NewKeyDeployer(sessions, "", strings.NewReader("\n"), &bytes.Buffer{})
	d.ReadPassword = func() (string, error) { return "wrong", nil }

	_, ok := d.DeployKey(context.Background(), keyTarget(t), functionJob("test.ping"), deniedRecord())
	if ok {
		t.Error("expected the key deploy to fail")
	}
	if len(sessions.sessions) != 1 {
		t.Errorf("expected no retry after a failed push, got %d sessions", len(sessions.sessions))
	}
}

func TestAuthorizedKeysCommand(t *testing.T) {
	got := authorizedKeysCommand("ssh-ed25519 AAAA skiff\n")
	want := "mkdir -p ~/.ssh && chmod 700 ~/.ssh && " +
		"{ grep -qxF 'ssh-ed25519 AAAA skiff' ~/.ssh/authorized_keys 2>/dev/null || " +
		"echo 'ssh-ed25519 AAAA skiff' >> ~/.ssh/authorized_keys; } && chmod 600 ~/.ssh/authorized_keys"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestEnsureKey(t *testing.T) {
	priv := filepath.Join(t.TempDir(), "keys", "id_skiff")

	pub, err := EnsureKey(priv)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Errorf("expected an ed25519 key, got %q", pub)
	}
	info, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("expected a private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	again, err := EnsureKey(priv)
	if err != nil || again != pub {
		t.Errorf("expected the existing key reused, got %q %v", again, err)
	}

	if _, err := EnsureKey(""); err == nil {
		t.Error("expected an error without a path")
	}
}

func TestEnsureKeyDerivesPublicKey(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := sshpkg.MarshalPrivateKey(key, "")
	if err != nil {
		t.Fatal(err)
	}
	priv := filepath.Join(t.TempDir(), "id_existing")
	if err := os.WriteFile(priv, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	pub, err := EnsureKey(priv)
	if err != nil {
		t.Fatalf("failed to derive public key: %v", err)
	}
	signer, _ := sshpkg.NewSignerFromKey(key)
	if strings.TrimSpace(pub) != strings.TrimSpace(string(sshpkg.MarshalAuthorizedKey(signer.PublicKey()))) {
		t.Errorf("unexpected public key %q", pub)
	}
	if _, err := os.Stat(priv + ".pub"); err != nil {
		t.Errorf("expected the public key written: %v", err)
	}
}
