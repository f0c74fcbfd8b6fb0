package pkgbuild

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}

// readArchive returns the regular files of a gzip tar keyed by entry name.
func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	files, err := archiveEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func archiveEntries(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(gz)
	files := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[hdr.Name] = string(data)
	}
}

// assertNoStaging fails when a staging dir was left behind in dir.
func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staging-") || strings.HasPrefix(e.Name(), ".bundle-") {
			t.Errorf("expected no leftover staging, found %s", e.Name())
		}
	}
}

func newRuntimeBuilder(t *testing.T) (*Builder, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		Version:    "1.0.0",
		CacheDir:   filepath.Join(root, "cache"),
		RunnerDir:  filepath.Join(root, "runners"),
		ExtraTrees: []string{filepath.Join(root, "lib")},
	}
	writeFile(t, filepath.Join(cfg.RunnerDir, "skiff-runner-linux-amd64"), "amd64-binary")
	writeFile(t, filepath.Join(cfg.RunnerDir, "skiff-runner-linux-arm64"), "arm64-binary")
	writeFile(t, filepath.Join(cfg.RunnerDir, "README"), "ignored")
	writeFile(t, filepath.Join(root, "lib", "helpers", "util.sh"), "echo util")

	b, err := NewBuilder(cfg, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b, cfg
}

func TestRuntimeBundle(t *testing.T) {
	b, cfg := newRuntimeBuilder(t)

	pkg, err := b.RuntimeBundle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkg.Kind != KindRuntime {
		t.Errorf("expected runtime kind, got %s", pkg.Kind)
	}
	if want := filepath.Join(cfg.CacheDir, "runtime", pkg.Stamp+".tgz"); pkg.Path != want {
		t.Errorf("expected path %s, got %s", want, pkg.Path)
	}

	files := readArchive(t, pkg.Path)
	expected := map[string]string{
		"version":                      pkg.Stamp + "\n",
		"bin/skiff-runner-linux-amd64": "amd64-binary",
		"bin/skiff-runner-linux-arm64": "arm64-binary",
		"lib/helpers/util.sh":          "echo util",
	}
	for name, content := range expected {
		if files[name] != content {
			t.Errorf("entry %s: expected %q, got %q", name, content, files[name])
		}
	}
	if _, ok := files["bin/README"]; ok {
		t.Error("expected non-runner files to be skipped")
	}
	if !strings.Contains(files[protocol.EntryScript], "skiff-runner-${skiff_os}-${skiff_arch}") {
		t.Errorf("unexpected entry script %q", files[protocol.EntryScript])
	}
	assertNoStaging(t, filepath.Join(cfg.CacheDir, "runtime"))
}

func TestRuntimeBundleConcurrentBuilders(t *testing.T) {
	_, cfg := newRuntimeBuilder(t)
	const workers = 8

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		paths = make([]string, workers)
		errs  = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		b, err := NewBuilder(cfg, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int, b *Builder) {
			defer wg.Done()
			<-start
			pkg, err := b.RuntimeBundle(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			paths[i] = pkg.Path
			files, err := archiveEntries(pkg.Path)
			if err != nil {
				errs[i] = fmt.Errorf("reading %s: %w", pkg.Path, err)
				return
			}
			if files["version"] != pkg.Stamp+"\n" {
				errs[i] = fmt.Errorf("incomplete archive: version %q", files["version"])
			}
		}(i, b)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("builder %d: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if paths[i] != paths[0] {
			t.Errorf("expected every builder to publish %s, builder %d got %s", paths[0], i, paths[i])
		}
	}
	if _, err := archiveEntries(paths[0]); err != nil {
		t.Errorf("expected a clean archive after the race: %v", err)
	}
	assertNoStaging(t, filepath.Join(cfg.CacheDir, "runtime"))
}

func TestRuntimeBundleCacheHit(t *testing.T) {
	b, cfg := newRuntimeBuilder(t)
	ctx := context.Background()

	first, err := b.RuntimeBundle(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, err := os.Stat(first.Path)
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewBuilder(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := other.RuntimeBundle(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Path != first.Path || second.Stamp != first.Stamp {
		t.Errorf("expected cache hit on %s, got %s", first.Path, second.Path)
	}
	after, err := os.Stat(second.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("expected the cached bundle not to be rebuilt")
	}
}

func TestStampTracksContent(t *testing.T) {
	b, cfg := newRuntimeBuilder(t)
	first, err := b.Stamp()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(cfg.RunnerDir, "skiff-runner-linux-amd64"), "amd64-binary-v2")

	// Memoized per builder.
	if again, _ := b.Stamp(); again != first {
		t.Errorf("expected memoized stamp %s, got %s", first, again)
	}

	fresh, err := NewBuilder(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	changed, err := fresh.Stamp()
	if err != nil {
		t.Fatal(err)
	}
	if changed == first {
		t.Error("expected a new stamp after a runner changed")
	}

	cfg.Version = "1.0.1"
	bumped, _ := NewBuilder(cfg, nil, nil)
	if s, _ := bumped.Stamp(); s == changed {
		t.Error("expected the version to change the stamp")
	}
}

func TestRuntimeBundleErrors(t *testing.T) {
	root := t.TempDir()
	cfg := Config{CacheDir: filepath.Join(root, "cache"), RunnerDir: filepath.Join(root, "empty")}
	if err := os.MkdirAll(cfg.RunnerDir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.RuntimeBundle(context.Background()); err == nil {
		t.Error("expected error without runner binaries")
	}

	if _, err := NewBuilder(Config{}, nil, nil); err == nil {
		t.Error("expected error without a cache dir")
	}
}

func TestRuntimeBundleCancelled(t *testing.T) {
	b, cfg := newRuntimeBuilder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.RuntimeBundle(ctx); err == nil {
		t.Fatal("expected error for a cancelled context")
	}
	assertNoStaging(t, filepath.Join(cfg.CacheDir, "runtime"))
	stamp, _ := b.Stamp()
	if _, err := os.Stat(filepath.Join(cfg.CacheDir, "runtime", stamp+".tgz")); !os.IsNotExist(err) {
		t.Error("expected no bundle to be published")
	}
}
