package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

// StateFunc applies one low chunk. test asks for a dry run.
type StateFunc func(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult

// stateFuncs maps "<state>.<fun>" to its implementation.
var stateFuncs = map[string]StateFunc{
	"test.succeed_without_changes": stateSucceed,
	"test.nop":                     stateSucceed,
	"cmd.run":                      stateCmdRun,
	"file.managed":                 stateFileManaged,
	"file.absent":                  stateFileAbsent,
	"file.directory":               stateFileDirectory,
	"pkg.installed":                statePkg("present"),
	"pkg.removed":                  statePkg("absent"),
	"pkg.latest":                   statePkg("latest"),
	"service.running":              stateService("start"),
	"service.dead":                 stateService("stop"),
	"service.enabled":              stateService("enable"),
	"service.disabled":             stateService("disable"),
}

// stateTag is the key a chunk's result is reported under.
func stateTag(chunk map[string]any) string {
	return fmt.Sprintf("%v_|-%v_|-%v_|-%v", chunk["state"], chunk["__id__"], chunk["name"], chunk["fun"])
}

func chunkString(chunk map[string]any, key string) string {
	if v, ok := chunk[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func chunkBool(chunk map[string]any, key string) bool {
	var b protocol.Bool
	data, err := json.Marshal(chunk[key])
	if err != nil || json.Unmarshal(data, &b) != nil {
		return false
	}
	return bool(b)
}

// applyPackage verifies and unpacks the transaction package, then applies its chunks in order.
func (r *Runner) applyPackage(ctx context.Context, params *protocol.StatePkgParams) (map[string]*protocol.StateResult, bool, error) {
	archive := filepath.Join(r.ThinDir, protocol.StateArchive)
	dest := filepath.Join(r.ThinDir, protocol.RunningData)

	if params.PkgSum != "" {
		if params.HashType != "" && params.HashType != "blake3" {
			return nil, false, fmt.Errorf("unsupported hash type: %s", params.HashType)
		}
		sum, err := fileSum(archive)
		if err != nil {
			return nil, false, fmt.Errorf("failed to hash state package: %w", err)
		}
		if sum != params.PkgSum {
			return nil, false, fmt.Errorf("state package checksum mismatch: expected %s, got %s", params.PkgSum, sum)
		}
	}

	if err := os.RemoveAll(dest); err != nil {
		return nil, false, fmt.Errorf("failed to clear %s: %w", dest, err)
	}
	if err := extractArchive(archive, dest); err != nil {
		return nil, false, err
	}
	_ = os.Remove(archive)

	data, err := os.ReadFile(filepath.Join(dest, protocol.LowstateFile))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lowstate: %w", err)
	}
	var chunks []map[string]any
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, false, fmt.Errorf("failed to parse lowstate: %w", err)
	}

	results := make(map[string]*protocol.StateResult, len(chunks))
	ok := true
	for i, chunk := range chunks {
		start := time.Now()
		res := r.applyChunk(ctx, chunk, bool(params.Test))
		res.RunNum = i
		res.Duration = float64(time.Since(start).Microseconds()) / 1000
		if !res.Result {
			ok = false
		}
		results[stateTag(chunk)] = res

		log.Debug().
			Str("id", res.ID).
			Bool("result", res.Result).
			Msg("chunk applied")
	}
	return results, ok, nil
}

func (r *Runner) applyChunk(ctx context.Context, chunk map[string]any, test bool) *protocol.StateResult {
	key := chunkString(chunk, "state") + "." + chunkString(chunk, "fun")
	fn, ok := stateFuncs[key]
	var res *protocol.StateResult
	if !ok {
		res = &protocol.StateResult{Comment: fmt.Sprintf("State '%s' was not found", key)}
	} else if err := ctx.Err(); err != nil {
		res = &protocol.StateResult{Comment: fmt.Sprintf("State not run: %v", err)}
	} else {
		res = fn(ctx, r, chunk, test)
	}
	res.ID = chunkString(chunk, "__id__")
	res.Name = chunkString(chunk, "name")
	if res.Changes == nil {
		res.Changes = map[string]any{}
	}
	return res
}

// resolveSource maps a file reference to its copy inside running_data.
func (r *Runner) resolveSource(chunk map[string]any, source string) (string, error) {
	path, env, ok := protocol.ParseFileRef(source)
	if !ok {
		return "", fmt.Errorf("unsupported source: %s", source)
	}
	if env == "" {
		env = protocol.ChunkEnv(chunk)
	}
	return filepath.Join(r.ThinDir, protocol.RunningData, env, filepath.FromSlash(path)), nil
}

func stateSucceed(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult {
	return &protocol.StateResult{Result: true, Comment: "Success!"}
}

func stateCmdRun(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult {
	name := chunkString(chunk, "name")
	params := &protocol.ExecParams{Cmd: name, Cwd: chunkString(chunk, "cwd"), RunAs: chunkString(chunk, "runas")}

	if unless := chunkString(chunk, "unless"); unless != "" {
		res, err := runCommand(ctx, &protocol.ExecParams{Cmd: unless})
		if err == nil && res.Retcode == 0 {
			return &protocol.StateResult{Result: true, Comment: "unless condition is true"}
		}
	}
	if onlyif := chunkString(chunk, "onlyif"); onlyif != "" {
		res, err := runCommand(ctx, &protocol.ExecParams{Cmd: onlyif})
		if err != nil || res.Retcode != 0 {
			return &protocol.StateResult{Result: true, Comment: "onlyif condition is false"}
		}
	}

	if test {
		return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("Command %q would have been executed", name)}
	}
	res, err := runCommand(ctx, params)
	if err != nil {
		return &protocol.StateResult{Comment: err.Error()}
	}
	return &protocol.StateResult{
		Result:  res.Retcode == 0,
		Comment: fmt.Sprintf("Command %q run", name),
		Changes: res,
	}
}

func stateFileManaged(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult {
	name := chunkString(chunk, "name")
	params := &protocol.FileWriteParams{
		Path:     name,
		Mode:     chunkString(chunk, "mode"),
		Makedirs: protocol.Bool(chunkBool(chunk, "makedirs")),
		Backup:   protocol.Bool(chunkBool(chunk, "backup")),
	}

	if source := chunkString(chunk, "source"); source != "" {
		src, err := r.resolveSource(chunk, source)
		if err != nil {
			return &protocol.StateResult{Comment: err.Error()}
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return &protocol.StateResult{Comment: fmt.Sprintf("Source file %s not found", source)}
		}
		params.Contents = string(data)
	} else {
		params.Contents = chunkString(chunk, "contents")
	}

	if test {
		current, err := os.ReadFile(name)
		if err == nil && string(current) == params.Contents {
			return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("File %s is in the correct state", name)}
		}
		return &protocol.StateResult{
			Result:  true,
			Comment: fmt.Sprintf("File %s is set to be updated", name),
			Changes: map[string]any{"diff": "New file"},
		}
	}

	res, err := writeFile(params)
	if err != nil {
		return &protocol.StateResult{Comment: err.Error()}
	}
	if !res.Changed {
		return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("File %s is in the correct state", name)}
	}
	return &protocol.StateResult{
		Result:  true,
		Comment: fmt.Sprintf("File %s updated", name),
		Changes: res,
	}
}

func stateFileAbsent(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult {
	name := chunkString(chunk, "name")
	if !filepath.IsAbs(name) {
		return &protocol.StateResult{Comment: fmt.Sprintf("Specified file %s is not an absolute path", name)}
	}
	if _, err := os.Lstat(name); os.IsNotExist(err) {
		return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("File %s is not present", name)}
	}
	if test {
		return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("File %s is set for removal", name), Changes: map[string]any{"removed": name}}
	}
	if err := os.RemoveAll(name); err != nil {
		return &protocol.StateResult{Comment: err.Error()}
	}
	return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("Removed file %s", name), Changes: map[string]any{"removed": name}}
}

func stateFileDirectory(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult {
	name := chunkString(chunk, "name")
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("Directory %s is in the correct state", name)}
	}
	if test {
		return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("Directory %s will be created", name), Changes: map[string]any{name: "New Dir"}}
	}
	if err := os.MkdirAll(name, 0o755); err != nil {
		return &protocol.StateResult{Comment: err.Error()}
	}
	return &protocol.StateResult{Result: true, Comment: fmt.Sprintf("Directory %s created", name), Changes: map[string]any{name: "New Dir"}}
}

func statePkg(state string) StateFunc {
	return func(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult {
		params := &protocol.PkgParams{
			Name:    chunkString(chunk, "name"),
			Version: chunkString(chunk, "version"),
			Test:    protocol.Bool(test),
		}
		res, err := r.ensurePackage(ctx, params, state)
		if err != nil {
			return &protocol.StateResult{Comment: err.Error()}
		}
		out := &protocol.StateResult{Result: true, Comment: fmt.Sprintf("Package %s: %s", params.Name, strings.ReplaceAll(res.Action, "_", " "))}
		if res.Changed {
			out.Changes = map[string]any{params.Name: map[string]string{"old": res.PreviousVersion, "new": res.InstalledVersion}}
		}
		return out
	}
}

func stateService(action string) StateFunc {
	return func(ctx context.Context, r *Runner, chunk map[string]any, test bool) *protocol.StateResult {
		params := &protocol.ServiceParams{Name: chunkString(chunk, "name"), Test: protocol.Bool(test)}
		res, err := r.manageService(ctx, params, action)
		if err != nil {
			return &protocol.StateResult{Comment: err.Error()}
		}
		changes := map[string]any{}
		if res.Changed {
			changes[params.Name] = res.Action
		}
		if action == "start" && chunkBool(chunk, "enable") {
			en, err := r.manageService(ctx, params, "enable")
			if err != nil {
				return &protocol.StateResult{Comment: err.Error(), Changes: changes}
			}
			if en.Changed {
				changes["enabled"] = true
			}
		}
		return &protocol.StateResult{
			Result:  true,
			Comment: fmt.Sprintf("Service %s %s", params.Name, strings.ReplaceAll(res.Action, "_", " ")),
			Changes: changes,
		}
	}
}

func registerState(r *Runner) {
	r.Register("state.pkg", func(ctx context.Context, call *Call) (any, error) {
		var params protocol.StatePkgParams
		if err := call.Params(&params, "pkg_sum", "hash_type"); err != nil {
			return nil, err
		}
		results, ok, err := call.Runner().applyPackage(ctx, &params)
		if err != nil {
			return nil, err
		}
		if !ok {
			call.Retcode = 2
		}
		return results, nil
	})

	r.Register("state.single", func(ctx context.Context, call *Call) (any, error) {
		fun, ok := call.Arg(0, "fun")
		if !ok {
			return nil, fmt.Errorf("fun is required")
		}
		state, f, found := strings.Cut(fun, ".")
		if !found {
			return nil, fmt.Errorf("invalid state function: %s", fun)
		}
		chunk := map[string]any{"state": state, "fun": f, "__id__": call.Kwargs["name"]}
		for k, v := range call.Kwargs {
			chunk[k] = v
		}
		if name, ok := call.Arg(1, "name"); ok {
			chunk["name"] = name
			chunk["__id__"] = name
		}
		test := chunkBool(call.Kwargs, "test")
		res := call.Runner().applyChunk(ctx, chunk, test)
		if !res.Result {
			call.Retcode = 2
		}
		return map[string]*protocol.StateResult{stateTag(chunk): res}, nil
	})
}
