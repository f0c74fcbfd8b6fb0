package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Backend selects how a Shell reaches the remote host.
type Backend string

const (
	// BackendOpenSSH runs the ssh and scp binaries on a pseudo-terminal.
	BackendOpenSSH Backend = "openssh"

	// BackendNative speaks SSH in-process and copies files over SFTP.
	BackendNative Backend = "native"
)

// DefaultPasswordRetries is how many times a stored password is offered before giving up.
const DefaultPasswordRetries = 3

// Config holds the connection parameters of one target.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// Password answers password prompts. Never logged.
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// KnownHostsPath overrides the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects unknown hosts without prompting
	StrictHostKeyChecking bool

	// IgnoreHostKeys accepts unknown host keys. It wins over StrictHostKeyChecking.
	IgnoreHostKeys bool

	// IdentitiesOnly restricts authentication to PrivateKeyPath
	IdentitiesOnly bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// CommandTimeout bounds a single command, on top of ConnectionTimeout. Zero means no bound.
	CommandTimeout time.Duration

	// SSHOptions are extra -o options passed verbatim
	SSHOptions []string

	// RemotePortForwards is a comma separated list of -R specs
	RemotePortForwards string

	// TTY forces a remote terminal
	TTY bool

	// PasswordRetries bounds password submissions (default: 3)
	PasswordRetries int

	// Delimiter is the line separating login noise from command output
	Delimiter string

	// AuxMarker prefixes in-band requests for auxiliary payloads
	AuxMarker string

	// Aux answers aux payload requests
	Aux AuxProvider

	// SSHPath and SCPPath locate the OpenSSH binaries (default: from PATH)
	SSHPath string
	SCPPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:              host,
		Port:              22,
		User:              user,
		ConnectionTimeout: 60 * time.Second,
		PasswordRetries:   DefaultPasswordRetries,
		SSHPath:           "ssh",
		SCPPath:           "scp",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative")
	}

	if c.PasswordRetries < 0 {
		return fmt.Errorf("password retries must not be negative")
	}

	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	}

	for _, opt := range c.SSHOptions {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("empty ssh option")
		}
	}

	return nil
}

// retries returns the effective password retry bound.
func (c *Config) retries() int {
	if c.PasswordRetries <= 0 {
		return DefaultPasswordRetries
	}
	return c.PasswordRetries
}

// promptConfig derives the prompt machine settings.
func (c *Config) promptConfig() PromptConfig {
	return PromptConfig{
		Password:        c.Password,
		PasswordRetries: c.retries(),
		IgnoreHostKeys:  c.IgnoreHostKeys,
		Delimiter:       c.Delimiter,
		AuxMarker:       c.AuxMarker,
		Aux:             c.Aux,
	}
}

// BuildSSHClientConfig creates an ssh.ClientConfig whose password, keyboard-interactive and
// host key callbacks all answer through m.
func (c *Config) BuildSSHClientConfig(m *PromptMachine) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	authMethods = append(authMethods,
		ssh.RetryableAuthMethod(ssh.PasswordCallback(m.Password), c.retries()),
		ssh.RetryableAuthMethod(ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i, q := range questions {
					if !passwordPromptRe.MatchString(q) {
						continue
					}
					pw, err := m.Password()
					if err != nil {
						return nil, err
					}
					answers[i] = pw
				}
				return answers, nil
			},
		), c.retries()),
	)

	hostKeyCallback, err := c.hostKeyCallback(m)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// hostKeyCallback verifies against known_hosts and asks m about hosts it has never seen.
// A changed key is always rejected.
func (c *Config) hostKeyCallback(m *PromptMachine) (ssh.HostKeyCallback, error) {
	if c.IgnoreHostKeys && !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := c.KnownHostsPath
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts dir: %w", err)
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create known_hosts: %w", err)
		}
	}

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	strict := c.StrictHostKeyChecking
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 || strict {
			return err
		}
		prompt := fmt.Sprintf("The authenticity of host '%s' can't be established.\n%s key fingerprint is %s.\nAre you sure you want to continue connecting (yes/no)? ",
			hostname, key.Type(), ssh.FingerprintSHA256(key))
		return m.HostKey(prompt)
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
