package compiler

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/skiff/pkg/engine"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func stateJob(env string, mods ...string) *engine.JobDescriptor {
	return &engine.JobDescriptor{Kind: engine.JobState, State: &engine.StateRequest{Mods: mods, Env: env}}
}

func TestFlatCompile(t *testing.T) {
	root := writeTree(t, map[string]string{
		"common.sls": `
ca-certificates:
  pkg.installed: []
`,
		"web/init.sls": `
include:
  - common
  - .vhosts

nginx:
  pkg:
    - installed
  service.running:
    - enable: true
    - require:
      - pkg: nginx
motd:
  file.managed:
    - name: /etc/motd
    - source: skiff://motd/motd.txt
`,
		"web/vhosts.sls": `
default-site:
  file.absent:
    - name: /etc/nginx/sites-enabled/default
`,
	})
	c := NewFlat(NewLocalFileStore(map[string][]string{"base": {root}}))

	chunks, errs, err := c.Compile(context.Background(), stateJob("", "web"))
	if err != nil || errs != nil {
		t.Fatalf("unexpected failure: %v %v", err, errs)
	}

	var got []string
	for _, chunk := range chunks {
		got = append(got, chunk["__id__"].(string)+"|"+chunk["state"].(string)+"."+chunk["fun"].(string))
	}
	want := []string{
		"ca-certificates|pkg.installed",
		"default-site|file.absent",
		"nginx|pkg.installed",
		"nginx|service.running",
		"motd|file.managed",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	motd := chunks[4]
	if motd["name"] != "/etc/motd" || motd["source"] != "skiff://motd/motd.txt" {
		t.Errorf("unexpected motd chunk %v", motd)
	}
	if motd["__sls__"] != "web" || motd["__env__"] != "base" || motd["order"] != 5 {
		t.Errorf("unexpected motd metadata %v", motd)
	}
	if chunks[0]["__sls__"] != "common" || chunks[1]["__sls__"] != "web.vhosts" {
		t.Errorf("expected included sls names, got %v and %v", chunks[0]["__sls__"], chunks[1]["__sls__"])
	}
	if chunks[2]["name"] != "nginx" {
		t.Errorf("expected the id as default name, got %v", chunks[2]["name"])
	}
	if chunks[3]["enable"] != true {
		t.Errorf("expected enable argument, got %v", chunks[3])
	}

	refs := c.FileReferences(chunks)
	if !reflect.DeepEqual(refs, map[string][]string{"base": {"skiff://motd/motd.txt"}}) {
		t.Errorf("unexpected refs %v", refs)
	}
}

func TestFlatCompileExclude(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.sls": "one:\n  test.nop: []\ntwo:\n  test.nop: []\n",
		"b.sls": "three:\n  test.nop: []\n",
	})
	c := NewFlat(NewLocalFileStore(map[string][]string{"dev": {root}}))

	job := stateJob("dev", "a", "b")
	job.State.Exclude = []string{"two", "b"}
	chunks, errs, err := c.Compile(context.Background(), job)
	if err != nil || errs != nil {
		t.Fatalf("unexpected failure: %v %v", err, errs)
	}
	if len(chunks) != 1 || chunks[0]["__id__"] != "one" || chunks[0]["order"] != 1 || chunks[0]["__env__"] != "dev" {
		t.Errorf("unexpected chunks %v", chunks)
	}
}

func TestFlatCompileErrors(t *testing.T) {
	root := writeTree(t, map[string]string{
		"dup1.sls":   "same:\n  test.nop: []\n",
		"dup2.sls":   "same:\n  test.nop: []\n",
		"list.sls":   "- a\n- b\n",
		"nofun.sls":  "x:\n  pkg: []\n",
		"broken.sls": "x: [\n",
		"extend.sls": "extend:\n  x:\n    pkg.installed: []\n",
		"twofun.sls": "x:\n  pkg.installed:\n    - removed\n",
	})
	c := NewFlat(NewLocalFileStore(map[string][]string{"base": {root}}))

	tests := []struct {
		name string
		mods []string
		want string
	}{
		{"missing", []string{"nope"}, "No matching sls found for 'nope' in env 'base'"},
		{"conflicting ids", []string{"dup1", "dup2"}, "The conflicting ID is 'same' and is found in SLS 'base:dup1' and SLS 'base:dup2'"},
		{"not a dictionary", []string{"list"}, "does not render to a dictionary"},
		{"no function", []string{"nofun"}, "has no function declared for state 'pkg'"},
		{"bad yaml", []string{"broken"}, "Rendering SLS 'base:broken' failed"},
		{"extend", []string{"extend"}, "extend is not supported"},
		{"two functions", []string{"twofun"}, "has more than one function"},
		{"no mods", nil, "No Top file or master_tops data matches found."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, errs, err := c.Compile(context.Background(), stateJob("", tt.mods...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if chunks != nil {
				t.Errorf("expected no chunks, got %v", chunks)
			}
			if len(errs) == 0 || !strings.Contains(strings.Join(errs, "\n"), tt.want) {
				t.Errorf("expected %q in %v", tt.want, errs)
			}
		})
	}

	if _, _, err := c.Compile(context.Background(), &engine.JobDescriptor{Kind: engine.JobFunction}); err == nil {
		t.Error("expected an error without a state request")
	}
}

func TestLocalFileStore(t *testing.T) {
	first := writeTree(t, map[string]string{
		"app/app.conf": "port = 80\n",
	})
	second := writeTree(t, map[string]string{
		"app/app.conf":        "shadowed\n",
		"app/conf.d/a.conf":   "a\n",
		"app/conf.d/b/b.conf": "b\n",
	})
	store := NewLocalFileStore(map[string][]string{"base": {first, second}})
	dest := t.TempDir()

	written, err := store.GetFile(context.Background(), "skiff://app/app.conf", "base", filepath.Join(dest, "base", "app", "app.conf"))
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	data, _ := os.ReadFile(written)
	if string(data) != "port = 80\n" {
		t.Errorf("expected the first root to win, got %q", data)
	}

	if got, err := store.GetFile(context.Background(), "skiff://app/conf.d", "base", filepath.Join(dest, "x")); got != "" || err != nil {
		t.Errorf("expected a directory to be no file, got %q %v", got, err)
	}
	if got, _ := store.GetFile(context.Background(), "skiff://app/app.conf", "prod", filepath.Join(dest, "y")); got != "" {
		t.Errorf("expected nothing from an unknown env, got %q", got)
	}
	if got, _ := store.GetFile(context.Background(), "skiff://../etc/passwd", "base", filepath.Join(dest, "z")); got != "" {
		t.Errorf("expected traversal to be refused, got %q", got)
	}

	files, err := store.GetDir(context.Background(), "skiff://app/conf.d", "base", filepath.Join(dest, "base", "app", "conf.d"))
	if err != nil {
		t.Fatalf("GetDir failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	data, _ = os.ReadFile(filepath.Join(dest, "base", "app", "conf.d", "b", "b.conf"))
	if string(data) != "b\n" {
		t.Errorf("expected nested file copied, got %q", data)
	}
}

func TestLocalFileStoreRefEnv(t *testing.T) {
	dev := writeTree(t, map[string]string{"motd.txt": "dev\n"})
	store := NewLocalFileStore(map[string][]string{"dev": {dev}})
	dest := filepath.Join(t.TempDir(), "motd.txt")

	written, err := store.GetFile(context.Background(), "skiff://motd.txt?saltenv=dev", "base", dest)
	if err != nil || written != dest {
		t.Fatalf("expected the ref env to win, got %q %v", written, err)
	}
}
