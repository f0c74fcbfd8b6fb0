package pkgbuild

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
	"github.com/openfroyo/skiff/pkg/telemetry"
)

// Kind identifies a package kind.
type Kind string

const (
	KindRuntime     Kind = "runtime"
	KindTransaction Kind = "transaction"
)

// Package is a built archive.
type Package struct {
	Kind Kind
	Path string

	// Stamp identifies the contents: the runtime version for bundles, the archive digest
	// for transaction packages.
	Stamp string
}

// Remove deletes a transaction package. Runtime bundles stay in the cache.
func (p *Package) Remove() error {
	if p == nil || p.Kind != KindTransaction {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Config configures a Builder.
type Config struct {
	// Version is the skiff version folded into the runtime stamp.
	Version string

	// CacheDir holds runtime bundles and transaction packages.
	CacheDir string

	// RunnerDir holds the runner binaries, named skiff-runner-<os>-<arch>.
	RunnerDir string

	// ExtraTrees are additional directories shipped in the runtime bundle, each under its
	// base name.
	ExtraTrees []string
}

// Builder builds runtime bundles and transaction packages.
type Builder struct {
	cfg     Config
	store   engine.FileStore
	metrics *telemetry.Metrics

	stampOnce sync.Once
	stamp     string
	stampErr  error
}

// NewBuilder creates a Builder. store resolves file references for transaction packages
// and may be nil when only runtime bundles are built.
func NewBuilder(cfg Config, store engine.FileStore, metrics *telemetry.Metrics) (*Builder, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Builder{cfg: cfg, store: store, metrics: metrics}, nil
}

// runnerFiles lists the runner binaries in RunnerDir, sorted by name.
func (b *Builder) runnerFiles() ([]string, error) {
	if b.cfg.RunnerDir == "" {
		return nil, fmt.Errorf("runner dir is not configured")
	}
	entries, err := os.ReadDir(b.cfg.RunnerDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read runner dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), protocol.RunnerPrefix) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no %s* binaries in %s", protocol.RunnerPrefix, b.cfg.RunnerDir)
	}
	sort.Strings(files)
	return files, nil
}

// Stamp returns the runtime version: a blake3 digest of the skiff version and the path and
// bytes of every shipped file. It is computed once per Builder.
func (b *Builder) Stamp() (string, error) {
	b.stampOnce.Do(func() {
		b.stamp, b.stampErr = b.computeStamp()
	})
	return b.stamp, b.stampErr
}

func (b *Builder) computeStamp() (string, error) {
	h := blake3.New()
	writeField(h, []byte(b.cfg.Version))

	files, err := b.runnerFiles()
	if err != nil {
		return "", err
	}
	for _, name := range files {
		if err := hashFile(h, protocol.BinDir+"/"+name, filepath.Join(b.cfg.RunnerDir, name)); err != nil {
			return "", err
		}
	}

	for _, tree := range b.cfg.ExtraTrees {
		base := filepath.Base(tree)
		err := filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return err
			}
			rel, err := filepath.Rel(tree, path)
			if err != nil {
				return err
			}
			return hashFile(h, base+"/"+filepath.ToSlash(rel), path)
		})
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", tree, err)
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:32], nil
}

// writeField writes a length-prefixed field so that adjacent fields cannot run together.
func writeField(w io.Writer, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(data)
}

func hashFile(h io.Writer, name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	writeField(h, []byte(name))
	writeField(h, data)
	return nil
}

// RuntimeBundle returns the runtime bundle for the current stamp, building it on a cache
// miss. Concurrent builders may both build; the last rename wins with identical content.
func (b *Builder) RuntimeBundle(ctx context.Context) (*Package, error) {
	stamp, err := b.Stamp()
	if err != nil {
		return nil, fmt.Errorf("failed to compute runtime stamp: %w", err)
	}

	dir := filepath.Join(b.cfg.CacheDir, string(KindRuntime))
	path := filepath.Join(dir, stamp+".tgz")
	pkg := &Package{Kind: KindRuntime, Path: path, Stamp: stamp}

	if _, err := os.Stat(path); err == nil {
		b.metrics.RecordPackageBuild(string(KindRuntime), "hit")
		return pkg, nil
	}
	b.metrics.RecordPackageBuild(string(KindRuntime), "miss")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	staging, err := os.MkdirTemp(dir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := b.stageRuntime(staging, stamp); err != nil {
		return nil, err
	}
	if err := publish(ctx, staging, dir, path); err != nil {
		return nil, err
	}

	log.Debug().
		Str("stamp", stamp).
		Str("path", path).
		Msg("Built runtime bundle")
	return pkg, nil
}

func (b *Builder) stageRuntime(staging, stamp string) error {
	files, err := b.runnerFiles()
	if err != nil {
		return err
	}
	for _, name := range files {
		if err := copyFile(filepath.Join(b.cfg.RunnerDir, name), filepath.Join(staging, protocol.BinDir, name), 0o755); err != nil {
			return fmt.Errorf("failed to stage %s: %w", name, err)
		}
	}
	for _, tree := range b.cfg.ExtraTrees {
		if err := copyTree(tree, filepath.Join(staging, filepath.Base(tree))); err != nil {
			return fmt.Errorf("failed to stage %s: %w", tree, err)
		}
	}
	if err := os.WriteFile(filepath.Join(staging, protocol.VersionFile), []byte(stamp+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, protocol.EntryScript), []byte(EntryScript()), 0o755); err != nil {
		return fmt.Errorf("failed to write entry script: %w", err)
	}
	return nil
}

// publish archives staging into a temp file in dir and renames it to path.
func publish(ctx context.Context, staging, dir, path string) error {
	tmp, err := os.CreateTemp(dir, ".bundle-*.tgz")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := writeArchive(ctx, staging, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish bundle: %w", err)
	}
	committed = true
	return nil
}

// EntryScript returns the skiff-call script placed at the root of the runtime bundle. It
// selects the runner binary for the host and passes its arguments through.
func EntryScript() string {
	return "#!/bin/sh\n" +
		"dir=$(cd \"$(dirname \"$0\")\" && pwd)\n" +
		protocol.PlatformScript + "\n" +
		"exec \"$dir/" + protocol.BinDir + "/" + protocol.RunnerPrefix + "${skiff_os}-${skiff_arch}\" --thin-dir \"$dir\" \"$@\"\n"
}
