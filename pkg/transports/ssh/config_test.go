package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}

	if config.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", config.User)
	}

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}

	if config.PasswordRetries != 3 {
		t.Errorf("expected 3 password retries, got %d", config.PasswordRetries)
	}

	if config.ConnectionTimeout != 60*time.Second {
		t.Errorf("expected connection timeout 60s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			modifyFunc:  func(c *Config) { c.Password = "secret" },
			expectError: false,
		},
		{
			name:        "missing host",
			modifyFunc:  func(c *Config) { c.Host = "" },
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name:        "invalid port",
			modifyFunc:  func(c *Config) { c.Port = 70000 },
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name:        "zero connection timeout",
			modifyFunc:  func(c *Config) { c.ConnectionTimeout = 0 },
			expectError: true,
			errorMsg:    "connection timeout must be positive",
		},
		{
			name:        "negative retries",
			modifyFunc:  func(c *Config) { c.PasswordRetries = -1 },
			expectError: true,
			errorMsg:    "password retries",
		},
		{
			name:        "missing key file",
			modifyFunc:  func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name:        "blank ssh option",
			modifyFunc:  func(c *Config) { c.SSHOptions = []string{" "} },
			expectError: true,
			errorMsg:    "empty ssh option",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222
	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("expected address 'example.com:2222', got '%s'", got)
	}

	config.Host = "::1"
	if got := config.Address(); got != "[::1]:2222" {
		t.Errorf("expected address '[::1]:2222', got '%s'", got)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.Password = "secret"
		config.IgnoreHostKeys = true

		clientConfig, err := config.BuildSSHClientConfig(NewPromptMachine(config.promptConfig()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}

		// password + keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}

		if clientConfig.Timeout != 60*time.Second {
			t.Errorf("expected timeout 60s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t, t.TempDir())

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.IgnoreHostKeys = true

		clientConfig, err := config.BuildSSHClientConfig(NewPromptMachine(config.promptConfig()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(clientConfig.Auth) != 3 {
			t.Errorf("expected 3 auth methods, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("unreadable key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "garbage")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath

		if _, err := config.BuildSSHClientConfig(NewPromptMachine(config.promptConfig())); err == nil {
			t.Error("expected error for invalid key, got nil")
		}
	})

	t.Run("known hosts file is created", func(t *testing.T) {
		knownHosts := filepath.Join(t.TempDir(), "ssh", "known_hosts")
		config := DefaultConfig("example.com", "testuser")
		config.KnownHostsPath = knownHosts

		if _, err := config.BuildSSHClientConfig(NewPromptMachine(config.promptConfig())); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(knownHosts); err != nil {
			t.Errorf("expected known_hosts to exist: %v", err)
		}
	})
}

// writeTestKey writes a fresh ed25519 private key in OpenSSH format and returns its path.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(dir, "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}
