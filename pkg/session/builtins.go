package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/skiff/pkg/engine"
	"github.com/openfroyo/skiff/pkg/pkgbuild"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

func registerBuiltins(r *WrapperRegistry) {
	r.Register("state.sls", WrapperFunc(stateApply))
	r.Register("state.apply", WrapperFunc(stateApply))
	r.Register("state.show_lowstate", WrapperFunc(showLowstate))
	r.Register("grains.item", WrapperFunc(grainsItem))
}

// stateApply compiles the requested state, ships it as a transaction package and applies
// it with the runner's state.pkg.
func stateApply(ctx context.Context, c *Caller, args []string, kwargs map[string]any) (any, int, error) {
	req, err := stateRequest(c.Job(), args, kwargs)
	if err != nil {
		return nil, 0, err
	}
	chunks, errs, err := compile(ctx, c, req)
	if err != nil {
		return nil, 0, err
	}
	if len(errs) > 0 {
		return errs, 1, nil
	}

	packager := c.s.opts.Packager
	if packager == nil {
		return nil, 0, fmt.Errorf("no package builder is configured")
	}
	refs := mergeRefs(c.Compiler().FileReferences(chunks), pkgbuild.LowstateFileRefs(chunks, c.s.opts.ExtraFileRefs))
	pkg, err := packager.TransactionPackage(ctx, pkgbuild.TransRequest{
		ID:           c.Target().ID,
		Chunks:       chunks,
		Refs:         refs,
		Pillar:       req.Pillar,
		RosterGrains: c.RosterGrains(),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build transaction package: %w", err)
	}
	defer func() {
		if err := pkg.Remove(); err != nil {
			c.Log().Warn().Err(err).Str("path", pkg.Path).Msg("Failed to remove transaction package")
		}
	}()

	if err := c.Send(ctx, pkg.Path, protocol.StateArchive); err != nil {
		return nil, 0, err
	}
	res, err := c.CallKwargs(ctx, "state.pkg", nil, map[string]any{
		"pkg_sum":   pkg.Stamp,
		"hash_type": "blake3",
		"test":      req.Test,
	})
	if err != nil {
		return nil, 0, err
	}
	return res.Return, res.Retcode, nil
}

// showLowstate returns the compiled chunks without touching the target.
func showLowstate(ctx context.Context, c *Caller, args []string, kwargs map[string]any) (any, int, error) {
	req, err := stateRequest(c.Job(), args, kwargs)
	if err != nil {
		return nil, 0, err
	}
	chunks, errs, err := compile(ctx, c, req)
	if err != nil {
		return nil, 0, err
	}
	if len(errs) > 0 {
		return errs, 1, nil
	}
	return chunks, 0, nil
}

// grainsItem returns the named grains, with roster grains overriding what the host reports.
func grainsItem(ctx context.Context, c *Caller, args []string, kwargs map[string]any) (any, int, error) {
	res, err := c.Call(ctx, "grains.items")
	if err != nil {
		return nil, 0, err
	}
	if res.Retcode != 0 {
		return res.Return, res.Retcode, nil
	}
	grains, _ := res.Return.(map[string]any)
	if grains == nil {
		grains = make(map[string]any)
	}
	for k, v := range c.RosterGrains() {
		grains[k] = v
	}

	out := make(map[string]any, len(args))
	for _, key := range args {
		out[key] = lookupKey(grains, key)
	}
	return out, 0, nil
}

// lookupKey resolves a colon-delimited key in nested maps.
func lookupKey(m map[string]any, key string) any {
	var cur any = m
	for _, part := range strings.Split(key, ":") {
		next, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = next[part]
	}
	return cur
}

func compile(ctx context.Context, c *Caller, req *engine.StateRequest) ([]engine.LowChunk, []string, error) {
	comp := c.Compiler()
	if comp == nil {
		return nil, nil, fmt.Errorf("no state compiler is configured")
	}
	job := *c.Job()
	job.Kind = engine.JobState
	job.State = req
	return comp.Compile(ctx, &job)
}

// stateRequest builds the state request from a state job, or from the arguments of a
// state.* function call.
func stateRequest(job *engine.JobDescriptor, args []string, kwargs map[string]any) (*engine.StateRequest, error) {
	if job.Kind == engine.JobState && job.State != nil {
		return job.State, nil
	}

	req := &engine.StateRequest{
		Mods:    splitList(args),
		Env:     stringArg(kwargs["saltenv"]),
		Exclude: splitList(stringList(kwargs["exclude"])),
	}
	if mods := stringList(kwargs["mods"]); len(mods) > 0 {
		req.Mods = append(req.Mods, splitList(mods)...)
	}
	if v, ok := kwargs["test"]; ok {
		test, err := boolArg(v)
		if err != nil {
			return nil, fmt.Errorf("invalid test argument: %w", err)
		}
		req.Test = test
	}
	switch p := kwargs["pillar"].(type) {
	case nil:
	case map[string]any:
		req.Pillar = p
	case string:
		if err := json.Unmarshal([]byte(p), &req.Pillar); err != nil {
			return nil, fmt.Errorf("pillar must be a JSON object: %w", err)
		}
	default:
		return nil, fmt.Errorf("pillar must be a JSON object, got %T", p)
	}
	return req, nil
}

// splitList splits comma separated entries.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func stringArg(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func boolArg(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(strings.ToLower(t))
	default:
		return false, fmt.Errorf("not a boolean: %v", v)
	}
}

// mergeRefs unions per-environment reference lists.
func mergeRefs(sets ...map[string][]string) map[string][]string {
	seen := make(map[string]map[string]bool)
	for _, set := range sets {
		for env, refs := range set {
			if seen[env] == nil {
				seen[env] = make(map[string]bool)
			}
			for _, ref := range refs {
				seen[env][ref] = true
			}
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
