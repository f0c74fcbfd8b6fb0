package ssh

import (
	"fmt"
	"path"
	"strings"
)

// Options returns the -o options shared by the login and copy forms, in a fixed order.
func (c *Config) Options() []string {
	opts := []string{"KbdInteractiveAuthentication=no"}
	if c.Password != "" {
		opts = append(opts, "PasswordAuthentication=yes")
	} else {
		opts = append(opts, "PasswordAuthentication=no")
	}
	if c.ConnectionTimeout > 0 {
		opts = append(opts, fmt.Sprintf("ConnectTimeout=%d", int(c.ConnectionTimeout.Seconds())))
	}
	if c.Port > 0 {
		opts = append(opts, fmt.Sprintf("Port=%d", c.Port))
	}
	if c.PrivateKeyPath != "" {
		opts = append(opts, "IdentityFile="+c.PrivateKeyPath, "GSSAPIAuthentication=no")
	}
	if c.IdentitiesOnly {
		opts = append(opts, "IdentitiesOnly=yes")
	}
	if c.User != "" {
		opts = append(opts, "User="+c.User)
	}
	switch {
	case c.IgnoreHostKeys:
		opts = append(opts, "StrictHostKeyChecking=no")
	case c.StrictHostKeyChecking:
		opts = append(opts, "StrictHostKeyChecking=yes")
	}
	if c.KnownHostsPath != "" {
		opts = append(opts, "UserKnownHostsFile="+c.KnownHostsPath)
	}
	opts = append(opts, c.SSHOptions...)

	args := make([]string, 0, 2*len(opts))
	for _, o := range opts {
		args = append(args, "-o", o)
	}
	return args
}

// LoginArgs returns the argv running cmd on the host.
func (c *Config) LoginArgs(cmd string) []string {
	args := []string{c.sshPath()}
	args = append(args, c.Options()...)
	for _, spec := range strings.Split(c.RemotePortForwards, ",") {
		if spec = strings.TrimSpace(spec); spec != "" {
			args = append(args, "-R", spec)
		}
	}
	if c.TTY {
		args = append(args, "-t", "-t")
	}
	return append(args, c.Host, cmd)
}

// CopyArgs returns the argv copying local to remote. The copy form never carries a remote command.
func (c *Config) CopyArgs(local, remote string) []string {
	args := []string{c.scpPath()}
	args = append(args, c.Options()...)
	host := c.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return append(args, local, host+":"+remote)
}

// MkdirCommand returns the command creating the parent directory of remote.
func MkdirCommand(remote string) string {
	return "mkdir -p " + ShellQuote(path.Dir(remote))
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isWordRune(r) && !strings.ContainsRune("/.-_=:,+@%", r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// EscapeArgv joins argv into one command, backslash-escaping every non-word character.
func EscapeArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		var b strings.Builder
		for _, r := range arg {
			if !isWordRune(r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, " ")
}

func isWordRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func (c *Config) sshPath() string {
	if c.SSHPath == "" {
		return "ssh"
	}
	return c.SSHPath
}

func (c *Config) scpPath() string {
	if c.SCPPath == "" {
		return "scp"
	}
	return c.SCPPath
}
