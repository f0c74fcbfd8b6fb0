package compiler

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// LocalFileStore serves file references from local directory trees, one ordered list of
// roots per environment. The first root holding a path wins.
type LocalFileStore struct {
	roots map[string][]string
}

// NewLocalFileStore creates a file store over roots, keyed by environment.
func NewLocalFileStore(roots map[string][]string) *LocalFileStore {
	cp := make(map[string][]string, len(roots))
	for env, dirs := range roots {
		cp[env] = append([]string(nil), dirs...)
	}
	return &LocalFileStore{roots: cp}
}

// Envs returns the environments the store serves.
func (s *LocalFileStore) Envs() []string {
	envs := make([]string, 0, len(s.roots))
	for env := range s.roots {
		envs = append(envs, env)
	}
	return envs
}

// Find returns the local path of rel in env and whether it exists.
func (s *LocalFileStore) Find(env, rel string) (string, fs.FileInfo, bool) {
	for _, root := range s.roots[env] {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if info, err := os.Stat(p); err == nil {
			return p, info, true
		}
	}
	return "", nil, false
}

// GetFile implements engine.FileStore.
func (s *LocalFileStore) GetFile(ctx context.Context, ref, env, dest string) (string, error) {
	rel, refEnv, ok := protocol.ParseFileRef(ref)
	if !ok {
		return "", nil
	}
	if refEnv != "" {
		env = refEnv
	}
	src, info, ok := s.Find(env, rel)
	if !ok || !info.Mode().IsRegular() {
		return "", nil
	}
	if err := copyFile(src, dest, info.Mode().Perm()); err != nil {
		return "", err
	}
	log.Debug().Str("ref", ref).Str("env", env).Str("src", src).Msg("Fetched file")
	return dest, nil
}

// GetDir implements engine.FileStore.
func (s *LocalFileStore) GetDir(ctx context.Context, ref, env, dest string) ([]string, error) {
	rel, refEnv, ok := protocol.ParseFileRef(ref)
	if !ok {
		return nil, nil
	}
	if refEnv != "" {
		env = refEnv
	}
	src, info, ok := s.Find(env, rel)
	if !ok || !info.IsDir() {
		return nil, nil
	}

	var written []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if err := copyFile(path, target, fi.Mode().Perm()); err != nil {
			return err
		}
		written = append(written, target)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return written, nil
}

func copyFile(src, dest string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
