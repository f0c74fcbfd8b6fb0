package session

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	sshpkg "golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

// KeyDeployer pushes the operator's public key to a target that denied access, then
// retries the job once with key authentication.
type KeyDeployer struct {
	sessions engine.SessionFactory

	// KeyPath is the private key used for targets that name none.
	KeyPath string

	// ReadPassword reads the target password without echo.
	ReadPassword func() (string, error)

	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewKeyDeployer creates a key deployer that prompts on in and out. Passwords are read
// from the terminal when in is one.
func NewKeyDeployer(sessions engine.SessionFactory, keyPath string, in io.Reader, out io.Writer) *KeyDeployer {
	d := &KeyDeployer{
		sessions: sessions,
		KeyPath:  keyPath,
		in:       bufio.NewReader(in),
		out:      out,
	}
	d.ReadPassword = d.readPassword(in)
	return d
}

func (d *KeyDeployer) readPassword(in io.Reader) func() (string, error) {
	return func() (string, error) {
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			pw, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(d.out)
			return string(pw), err
		}
		return d.readLine()
	}
}

func (d *KeyDeployer) readLine() (string, error) {
	line, err := d.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// DeployKey implements engine.KeyDeployer.
func (d *KeyDeployer) DeployKey(ctx context.Context, target engine.Target, job *engine.JobDescriptor, failed engine.ResultRecord) (engine.ResultRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fmt.Fprintf(d.out, "Permission denied for host %s, do you want to deploy the skiff ssh key? (password required):\n", target.ID)
	fmt.Fprint(d.out, "[Y/n] ")
	answer, err := d.readLine()
	if err != nil || strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "n") {
		return failed, false
	}

	user := target.User
	if user == "" {
		user = "root"
	}
	fmt.Fprintf(d.out, "Password for %s@%s: ", user, target.ID)
	password, err := d.ReadPassword()
	if err != nil {
		log.Warn().Err(err).Str("target", target.ID).Msg("Failed to read password")
		return failed, false
	}

	priv := target.Priv
	if priv == "" {
		priv = d.KeyPath
	}
	pub, err := EnsureKey(priv)
	if err != nil {
		log.Warn().Err(err).Str("key", priv).Msg("Failed to prepare ssh key")
		return failed, false
	}

	push := target
	push.Password = password
	push.Priv = ""
	push.IdentitiesOnly = false
	pushJob := &engine.JobDescriptor{
		JID:        job.JID,
		Kind:       engine.JobRaw,
		RawCommand: authorizedKeysCommand(pub),
		Pattern:    job.Pattern,
		MatchType:  job.MatchType,
		User:       job.User,
	}
	rec := d.sessions.NewSession(push, pushJob).Run(ctx)
	if rec.Failed() {
		log.Warn().Str("target", target.ID).Interface("return", rec.Return).Msg("Failed to deploy ssh key")
		return failed, false
	}
	log.Info().Str("target", target.ID).Str("key", priv+".pub").Msg("Deployed ssh key")

	retry := target
	retry.Password = ""
	retry.Priv = priv
	rec = d.sessions.NewSession(retry, job).Run(ctx)
	if rec.Err != nil {
		return failed, false
	}
	return rec, true
}

// authorizedKeysCommand appends pub to ~/.ssh/authorized_keys unless it is already there.
func authorizedKeysCommand(pub string) string {
	q := ssh.ShellQuote(strings.TrimSpace(pub))
	return fmt.Sprintf("mkdir -p ~/.ssh && chmod 700 ~/.ssh && "+
		"{ grep -qxF %s ~/.ssh/authorized_keys 2>/dev/null || echo %s >> ~/.ssh/authorized_keys; } && "+
		"chmod 600 ~/.ssh/authorized_keys", q, q)
}

// EnsureKey returns the authorized_keys line for the key at priv, generating an ed25519
// keypair when the key does not exist.
func EnsureKey(priv string) (string, error) {
	if priv == "" {
		return "", fmt.Errorf("no private key path")
	}
	pubPath := priv + ".pub"

	if _, err := os.Stat(priv); err == nil {
		if data, err := os.ReadFile(pubPath); err == nil {
			return string(data), nil
		}
		data, err := os.ReadFile(priv)
		if err != nil {
			return "", fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := sshpkg.ParsePrivateKey(data)
		if err != nil {
			return "", fmt.Errorf("failed to parse private key: %w", err)
		}
		pub := string(sshpkg.MarshalAuthorizedKey(signer.PublicKey()))
		if err := os.WriteFile(pubPath, []byte(pub), 0o644); err != nil {
			return "", fmt.Errorf("failed to write public key: %w", err)
		}
		return pub, nil
	}

	if err := os.MkdirAll(filepath.Dir(priv), 0o700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate keypair: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(privKey, "skiff")
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(priv, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}
	sshPub, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("failed to create public key: %w", err)
	}
	pub := string(sshpkg.MarshalAuthorizedKey(sshPub))
	if err := os.WriteFile(pubPath, []byte(pub), 0o644); err != nil {
		return "", fmt.Errorf("failed to write public key: %w", err)
	}

	log.Info().Str("private_key", priv).Str("public_key", pubPath).Msg("Generated new ssh keypair")
	return pub, nil
}
