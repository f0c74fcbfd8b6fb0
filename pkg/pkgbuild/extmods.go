package pkgbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// ExtMods reads the extension modules in dir, one <module>.sh script per module, into the
// payload answered to the runner's ext_mods request. The version is a digest of the names
// and contents. An empty dir yields nil.
func ExtMods(dir string) (*protocol.ExtMods, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read extension modules: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".sh") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	h := blake3.New()
	mods := &protocol.ExtMods{Modules: make(map[string]string, len(names))}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		module := strings.TrimSuffix(name, ".sh")
		mods.Modules[module] = string(data)
		writeField(h, []byte(module))
		writeField(h, data)
	}
	mods.Version = fmt.Sprintf("%x", h.Sum(nil))[:16]

	if err := mods.Validate(); err != nil {
		return nil, err
	}
	return mods, nil
}
