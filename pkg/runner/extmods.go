package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// Extension modules are shell scripts stored as <thin>/ext/<module>.sh. Calling
// <module>.<fn> runs the script with fn and the call's arguments.

func (r *Runner) extDir() string {
	return filepath.Join(r.ThinDir, protocol.ExtDir)
}

// syncExtMods fetches the extension modules from the session when the local copy is
// missing or stale.
func (r *Runner) syncExtMods() error {
	if r.extVer == "" {
		return nil
	}
	versionPath := filepath.Join(r.extDir(), protocol.VersionFile)
	if current, err := os.ReadFile(versionPath); err == nil && strings.TrimSpace(string(current)) == r.extVer {
		return nil
	}

	if err := r.enc.EncodeAuxRequest(protocol.ExtModsToken); err != nil {
		return err
	}
	var mods protocol.ExtMods
	if err := r.dec.DecodeAux(&mods); err != nil {
		return fmt.Errorf("failed to receive extension modules: %w", err)
	}
	if err := mods.Validate(); err != nil {
		return fmt.Errorf("invalid extension modules: %w", err)
	}

	if err := os.RemoveAll(r.extDir()); err != nil {
		return err
	}
	if err := os.MkdirAll(r.extDir(), 0o700); err != nil {
		return err
	}
	for name, script := range mods.Modules {
		if err := os.WriteFile(filepath.Join(r.extDir(), name+".sh"), []byte(script), 0o700); err != nil {
			return fmt.Errorf("failed to write module %s: %w", name, err)
		}
	}
	log.Debug().Str("version", mods.Version).Int("modules", len(mods.Modules)).Msg("extension modules updated")
	return os.WriteFile(versionPath, []byte(mods.Version+"\n"), 0o600)
}

// extFunc returns the extension function for fun, if a module provides it.
func (r *Runner) extFunc(ctx context.Context, fun string) (Func, bool) {
	module, name, found := strings.Cut(fun, ".")
	if !found || module == "" || name == "" {
		return nil, false
	}
	if err := r.syncExtMods(); err != nil {
		log.Warn().Err(err).Msg("extension modules unavailable")
	}

	script := filepath.Join(r.extDir(), module+".sh")
	if _, err := os.Stat(script); err != nil {
		return nil, false
	}

	return func(ctx context.Context, call *Call) (any, error) {
		args := append([]string{script, name}, call.Args...)
		args = append(args, sortedKwargs(call.Kwargs)...)
		cmd := exec.CommandContext(ctx, "/bin/sh", args...)
		cmd.Dir = r.ThinDir
		cmd.Env = append(os.Environ(), "SKIFF_THIN_DIR="+r.ThinDir, "SKIFF_ID="+r.id, "SKIFF_JID="+r.jid)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("failed to run %s: %w", fun, err)
			}
			call.Retcode = exitErr.ExitCode()
			if stdout.Len() == 0 {
				return strings.TrimRight(stderr.String(), "\n"), nil
			}
		}

		out := strings.TrimRight(stdout.String(), "\n")
		var parsed any
		if json.Unmarshal([]byte(out), &parsed) == nil {
			return parsed, nil
		}
		return out, nil
	}, true
}

func sortedKwargs(kwargs map[string]any) []string {
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		if strings.HasPrefix(k, "__") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%v", k, kwargs[k]))
	}
	return out
}
