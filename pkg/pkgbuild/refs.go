package pkgbuild

import (
	"sort"
	"strings"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// LowstateFileRefs collects the file references found anywhere in the chunks' values,
// grouped by each chunk's environment. extra references are added to every environment
// that has chunks. Each list is sorted and free of duplicates.
func LowstateFileRefs(chunks []engine.LowChunk, extra []string) map[string][]string {
	seen := make(map[string]map[string]bool)
	add := func(env, ref string) {
		if seen[env] == nil {
			seen[env] = make(map[string]bool)
		}
		seen[env][ref] = true
	}

	for _, chunk := range chunks {
		env := protocol.ChunkEnv(chunk)
		if seen[env] == nil {
			seen[env] = make(map[string]bool)
		}
		for key, value := range chunk {
			if strings.HasPrefix(key, "__") {
				continue
			}
			crawl(value, func(ref string) { add(env, ref) })
		}
	}
	for env := range seen {
		for _, ref := range extra {
			add(env, ref)
		}
	}

	out := make(map[string][]string, len(seen))
	for env, refs := range seen {
		list := make([]string, 0, len(refs))
		for ref := range refs {
			list = append(list, ref)
		}
		sort.Strings(list)
		out[env] = list
	}
	return out
}

// crawl calls fn for every file reference string inside v.
func crawl(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, protocol.FileScheme) {
			fn(val)
		}
	case []string:
		for _, s := range val {
			crawl(s, fn)
		}
	case []any:
		for _, item := range val {
			crawl(item, fn)
		}
	case map[string]any:
		for _, item := range val {
			crawl(item, fn)
		}
	}
}
