package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/pkgbuild"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// Flat compiles plain YAML state files into low chunks. A state file maps ids to
// state declarations, in either of two forms:
//
//	motd:
//	  file.managed:
//	    - name: /etc/motd
//	    - source: skiff://motd/motd.txt
//	nginx:
//	  pkg:
//	    - installed
//	include:
//	  - common
//
// There is no templating, and extend is not supported. Chunks are ordered as
// declared, with included files first.
type Flat struct {
	store *LocalFileStore

	// ExtraRefs are file references shipped with every state job.
	ExtraRefs []string
}

// NewFlat creates a compiler that reads state files from store.
func NewFlat(store *LocalFileStore) *Flat {
	return &Flat{store: store}
}

// compilation is the state of one Compile call.
type compilation struct {
	env    string
	chunks []engine.LowChunk
	errs   []string
	seen   map[string]bool
	ids    map[string]string
}

// Compile implements engine.Compiler.
func (c *Flat) Compile(ctx context.Context, job *engine.JobDescriptor) ([]engine.LowChunk, []string, error) {
	if job.State == nil {
		return nil, nil, fmt.Errorf("job has no state request")
	}
	req := job.State
	env := req.Env
	if env == "" {
		env = protocol.DefaultEnv
	}
	if len(req.Mods) == 0 {
		return nil, []string{"No Top file or master_tops data matches found."}, nil
	}

	comp := &compilation{
		env:  env,
		seen: make(map[string]bool),
		ids:  make(map[string]string),
	}
	for _, mod := range req.Mods {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		c.compileSLS(comp, mod)
	}
	if len(comp.errs) > 0 {
		return nil, comp.errs, nil
	}

	chunks := exclude(comp.chunks, req.Exclude)
	for i, chunk := range chunks {
		chunk["order"] = i + 1
	}

	log.Debug().
		Str("env", env).
		Strs("mods", req.Mods).
		Int("chunks", len(chunks)).
		Msg("Compiled state")
	return chunks, nil, nil
}

// FileReferences implements engine.Compiler.
func (c *Flat) FileReferences(chunks []engine.LowChunk) map[string][]string {
	return pkgbuild.LowstateFileRefs(chunks, c.ExtraRefs)
}

// locate finds the file of an sls name: foo.bar is foo/bar.sls or foo/bar/init.sls.
func (c *Flat) locate(env, sls string) (string, bool) {
	base := strings.ReplaceAll(sls, ".", "/")
	for _, rel := range []string{base + ".sls", base + "/init.sls"} {
		if p, info, ok := c.store.Find(env, rel); ok && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

func (c *Flat) compileSLS(comp *compilation, sls string) {
	if comp.seen[sls] {
		return
	}
	comp.seen[sls] = true

	path, ok := c.locate(comp.env, sls)
	if !ok {
		comp.errs = append(comp.errs, fmt.Sprintf("No matching sls found for '%s' in env '%s'", sls, comp.env))
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		comp.errs = append(comp.errs, fmt.Sprintf("Rendering SLS '%s:%s' failed: %v", comp.env, sls, err))
		return
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		comp.errs = append(comp.errs, fmt.Sprintf("Rendering SLS '%s:%s' failed: %v", comp.env, sls, err))
		return
	}
	if len(doc.Content) == 0 {
		return
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		comp.errs = append(comp.errs, fmt.Sprintf("SLS '%s:%s' does not render to a dictionary", comp.env, sls))
		return
	}

	// Includes are compiled ahead of the file's own states.
	for i := 0; i < len(root.Content); i += 2 {
		if root.Content[i].Value == "include" {
			pkg := sls
			if !strings.HasSuffix(filepath.ToSlash(path), "/init.sls") {
				pkg = parent(sls)
			}
			for _, inc := range includes(pkg, root.Content[i+1]) {
				c.compileSLS(comp, inc)
			}
		}
	}

	for i := 0; i < len(root.Content); i += 2 {
		id, body := root.Content[i].Value, root.Content[i+1]
		switch id {
		case "include":
			continue
		case "extend":
			comp.errs = append(comp.errs, fmt.Sprintf("SLS '%s:%s': extend is not supported", comp.env, sls))
			continue
		}
		if prev, dup := comp.ids[id]; dup {
			comp.errs = append(comp.errs, fmt.Sprintf(
				"Detected conflicting IDs, SLS IDs need to be globally unique.\n    "+
					"The conflicting ID is '%s' and is found in SLS '%s:%s' and SLS '%s:%s'",
				id, comp.env, prev, comp.env, sls))
			continue
		}
		comp.ids[id] = sls

		chunks, err := declaration(id, body)
		if err != nil {
			comp.errs = append(comp.errs, fmt.Sprintf("ID '%s' in SLS '%s:%s' %v", id, comp.env, sls, err))
			continue
		}
		for _, chunk := range chunks {
			chunk["__sls__"] = sls
			chunk["__env__"] = comp.env
			comp.chunks = append(comp.chunks, chunk)
		}
	}
}

// includes lists the sls names of an include block. A leading dot is relative to pkg,
// the package of the including file.
func includes(pkg string, node *yaml.Node) []string {
	var names []string
	for _, item := range node.Content {
		name := item.Value
		if item.Kind == yaml.MappingNode && len(item.Content) > 0 {
			name = item.Content[0].Value
		}
		if strings.HasPrefix(name, ".") {
			name = strings.TrimLeft(name, ".")
			if pkg != "" {
				name = pkg + "." + name
			}
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parent(sls string) string {
	if i := strings.LastIndex(sls, "."); i >= 0 {
		return sls[:i]
	}
	return ""
}

// declaration turns one id's body into chunks, one per state module.
func declaration(id string, body *yaml.Node) ([]engine.LowChunk, error) {
	if body.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("is not a dictionary")
	}

	var chunks []engine.LowChunk
	for i := 0; i < len(body.Content); i += 2 {
		key, val := body.Content[i].Value, body.Content[i+1]
		if strings.HasPrefix(key, "__") {
			continue
		}
		state, fun, _ := strings.Cut(key, ".")
		chunk := engine.LowChunk{"state": state, "__id__": id, "name": id}
		if fun != "" {
			chunk["fun"] = fun
		}

		if val.Kind == yaml.SequenceNode {
			for _, item := range val.Content {
				switch item.Kind {
				case yaml.ScalarNode:
					if fun != "" {
						return nil, fmt.Errorf("has more than one function for state '%s'", state)
					}
					fun = item.Value
					chunk["fun"] = fun
				case yaml.MappingNode:
					var arg map[string]any
					if err := item.Decode(&arg); err != nil {
						return nil, fmt.Errorf("has an invalid argument: %v", err)
					}
					for k, v := range arg {
						chunk[k] = v
					}
				default:
					return nil, fmt.Errorf("has an invalid argument for state '%s'", state)
				}
			}
		} else if val.Kind != yaml.ScalarNode || (val.Tag != "!!null" && val.Value != "") {
			return nil, fmt.Errorf("has an invalid argument list for state '%s'", state)
		}

		if fun == "" {
			return nil, fmt.Errorf("has no function declared for state '%s'", state)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// exclude drops chunks whose sls or id is named in names.
func exclude(chunks []engine.LowChunk, names []string) []engine.LowChunk {
	if len(names) == 0 {
		return chunks
	}
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := chunks[:0]
	for _, chunk := range chunks {
		sls, _ := chunk["__sls__"].(string)
		id, _ := chunk["__id__"].(string)
		if drop[sls] || drop[id] {
			continue
		}
		out = append(out, chunk)
	}
	return out
}
