package pkgbuild

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// TransRequest describes one transaction package.
type TransRequest struct {
	// ID names the target the package is built for.
	ID string

	Chunks []engine.LowChunk

	// Refs are the file references to ship, keyed by environment.
	Refs map[string][]string

	Pillar       map[string]any
	RosterGrains map[string]any
}

// TransactionPackage builds a transaction package. The staging tree is removed on every
// return path; the returned package is owned by the caller, who removes it once sent.
func (b *Builder) TransactionPackage(ctx context.Context, req TransRequest) (*Package, error) {
	dir := filepath.Join(b.cfg.CacheDir, string(KindTransaction))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create package dir: %w", err)
	}
	staging, err := os.MkdirTemp(dir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	chunks := req.Chunks
	if chunks == nil {
		chunks = []engine.LowChunk{}
	}
	if err := writeJSON(filepath.Join(staging, protocol.LowstateFile), chunks); err != nil {
		return nil, err
	}
	if req.Pillar != nil {
		if err := writeJSON(filepath.Join(staging, protocol.PillarFile), req.Pillar); err != nil {
			return nil, err
		}
	}
	if req.RosterGrains != nil {
		if err := writeJSON(filepath.Join(staging, protocol.RosterGrainsFile), req.RosterGrains); err != nil {
			return nil, err
		}
	}

	if err := b.fetchRefs(ctx, staging, req.Refs); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, "trans-*.tgz")
	if err != nil {
		return nil, fmt.Errorf("failed to create package file: %w", err)
	}
	h := blake3.New()
	if err := writeArchive(ctx, staging, io.MultiWriter(tmp, h)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close package file: %w", err)
	}

	pkg := &Package{Kind: KindTransaction, Path: tmp.Name(), Stamp: fmt.Sprintf("%x", h.Sum(nil))}
	b.metrics.RecordPackageBuild(string(KindTransaction), "miss")

	log.Debug().
		Str("target", req.ID).
		Int("chunks", len(chunks)).
		Str("path", pkg.Path).
		Msg("Built transaction package")
	return pkg, nil
}

// fetchRefs resolves every reference into staging/<env>/<path>. A reference is tried as a
// single file first, then as a directory; one that resolves to nothing is skipped.
func (b *Builder) fetchRefs(ctx context.Context, staging string, refs map[string][]string) error {
	if len(refs) == 0 {
		return nil
	}
	if b.store == nil {
		return fmt.Errorf("no file store configured for file references")
	}

	envs := make([]string, 0, len(refs))
	for env := range refs {
		envs = append(envs, env)
	}
	sort.Strings(envs)

	for _, env := range envs {
		for _, ref := range refs[env] {
			path, refEnv, ok := protocol.ParseFileRef(ref)
			if !ok {
				log.Warn().Str("ref", ref).Msg("Skipping unsupported file reference")
				continue
			}
			if refEnv == "" {
				refEnv = env
			}
			dest := filepath.Join(staging, refEnv, filepath.FromSlash(path))

			written, err := b.store.GetFile(ctx, ref, refEnv, dest)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", ref, err)
			}
			if written != "" {
				continue
			}
			files, err := b.store.GetDir(ctx, ref, refEnv, dest)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", ref, err)
			}
			if len(files) == 0 {
				log.Debug().Str("ref", ref).Str("env", refEnv).Msg("File reference resolved to nothing")
			}
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
