package session

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
	"github.com/openfroyo/skiff/pkg/transports/ssh"
)

// resolveThinDir picks the remote staging dir. A random dir is wiped by the runner after
// the call.
func resolveThinDir(t engine.Target, opts Options) (string, bool) {
	switch {
	case t.ThinDir != "":
		return t.ThinDir, false
	case opts.RandThinDir:
		return RandThinDir(), true
	case opts.ThinDir != "":
		return opts.ThinDir, false
	default:
		return DefaultThinDir(t.User), false
	}
}

// DefaultThinDir returns /var/tmp/.<user>_<hostid>_skiff, where hostid is the first eight
// hex digits of a name-based uuid of the local hostname.
func DefaultThinDir(user string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	id := uuid.NewMD5(uuid.NameSpaceDNS, []byte(host))
	return fmt.Sprintf("/var/tmp/.%s_%s_skiff", user, strings.ReplaceAll(id.String(), "-", "")[:8])
}

// RandThinDir returns a fresh /var/tmp/.<6hex> dir.
func RandThinDir() string {
	return "/var/tmp/." + strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
}

// sudoPrefix returns the command prefix that runs the runner as the configured user.
func sudoPrefix(t engine.Target) string {
	switch {
	case t.SudoUser != "":
		return "sudo -u " + ssh.ShellQuote(t.SudoUser) + " "
	case t.Sudo:
		return "sudo "
	default:
		return ""
	}
}

// probeScript checks the runtime under thinDir against stamp and either runs the encoded
// request or asks for a deploy. The channel's stdin is kept on fd 3 for aux answers,
// since the heredoc takes fd 0.
func probeScript(thinDir, stamp, sudo, request string) string {
	var b strings.Builder
	b.WriteString("/bin/sh 3<&0 << 'EOF'\n")
	fmt.Fprintf(&b, "thin_dir=%s\n", ssh.ShellQuote(thinDir))
	b.WriteString(protocol.PlatformScript)
	b.WriteString("\n")
	fmt.Fprintf(&b, "runner=\"$thin_dir/%s/%s${skiff_os}-${skiff_arch}\"\n", protocol.BinDir, protocol.RunnerPrefix)
	fmt.Fprintf(&b, "if [ -x \"$runner\" ] && [ \"$(cat \"$thin_dir/%s\" 2>/dev/null)\" = %s ]; then\n",
		protocol.VersionFile, ssh.ShellQuote(stamp))
	fmt.Fprintf(&b, "  exec %s\"$runner\" --thin-dir \"$thin_dir\" --request %s <&3 3<&-\n", sudo, ssh.ShellQuote(request))
	b.WriteString("fi\n")
	fmt.Fprintf(&b, "echo %s\n", protocol.Delimiter)
	fmt.Fprintf(&b, "echo %s\n", protocol.DeployToken)
	fmt.Fprintf(&b, "exit %d\n", protocol.ExitDeploy)
	b.WriteString("EOF")
	return b.String()
}

// unpackCommand extracts the runtime bundle into thinDir. A broken archive exits with
// protocol.ExitCorrupt.
func unpackCommand(thinDir string) string {
	dir := ssh.ShellQuote(thinDir)
	archive := ssh.ShellQuote(path.Join(thinDir, protocol.ThinArchive))
	return fmt.Sprintf("mkdir -p %s || exit 1; tar -xzf %s -C %s || exit %d; rm -f %s",
		dir, archive, dir, protocol.ExitCorrupt, archive)
}

// wipeCommand removes thinDir and everything below it.
func wipeCommand(thinDir string) string {
	return "rm -rf " + ssh.ShellQuote(thinDir)
}

// needsDeploy reports whether the probe asked for the runtime: stdout was marked and
// starts with the deploy token, and the runner never marked stderr.
func needsDeploy(res *ssh.ExecResult) bool {
	if !res.StdoutMarked || res.StderrMarked {
		return false
	}
	first, _, _ := strings.Cut(strings.TrimLeft(res.Stdout, "\r\n"), "\n")
	return strings.TrimSpace(first) == protocol.DeployToken
}
