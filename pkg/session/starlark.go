package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const (
	callerKey  = "skiff.caller"
	contextKey = "skiff.context"
)

// StarlarkWrapper runs a starlark function as a wrapper. The function receives the call's
// arguments and can reach the target through the call, raw and send builtins.
type StarlarkWrapper struct {
	name    string
	fn      *starlark.Function
	timeout time.Duration
}

// LoadStarlarkWrappers registers every public function defined in dir/*.star as
// <file>.<function>. A missing dir loads nothing.
func LoadStarlarkWrappers(r *WrapperRegistry, dir string, timeout time.Duration) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return nil, fmt.Errorf("failed to list wrappers: %w", err)
	}
	sort.Strings(files)

	var names []string
	for _, file := range files {
		loaded, err := loadStarlarkFile(file, timeout)
		if err != nil {
			return nil, err
		}
		for _, w := range loaded {
			r.Register(w.name, w)
			names = append(names, w.name)
		}
	}
	log.Debug().Str("dir", dir).Strs("wrappers", names).Msg("Loaded starlark wrappers")
	return names, nil
}

func loadStarlarkFile(file string, timeout time.Duration) ([]*StarlarkWrapper, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read wrapper %s: %w", file, err)
	}
	module := strings.TrimSuffix(filepath.Base(file), ".star")

	thread := &starlark.Thread{Name: "load " + module, Print: starlarkPrint}
	globals, err := starlark.ExecFile(thread, file, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("failed to load wrapper %s: %w", file, err)
	}
	globals.Freeze()

	var out []*StarlarkWrapper
	for _, name := range globals.Keys() {
		if strings.HasPrefix(name, "_") {
			continue
		}
		fn, ok := globals[name].(*starlark.Function)
		if !ok {
			continue
		}
		out = append(out, &StarlarkWrapper{name: module + "." + name, fn: fn, timeout: timeout})
	}
	return out, nil
}

// Name returns the function name the wrapper is registered under.
func (w *StarlarkWrapper) Name() string {
	return w.name
}

// Run implements Wrapper. A returned dict holding exactly "return" and "retcode" sets
// the retcode; any other value is the return with retcode 0.
func (w *StarlarkWrapper) Run(ctx context.Context, c *Caller, args []string, kwargs map[string]any) (any, int, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	thread := &starlark.Thread{Name: w.name, Print: starlarkPrint}
	thread.SetLocal(callerKey, c)
	thread.SetLocal(contextKey, ctx)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		sargs[i] = starlark.String(a)
	}
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	skwargs := make([]starlark.Tuple, 0, len(keys))
	for _, k := range keys {
		v, err := toStarlarkValue(kwargs[k])
		if err != nil {
			return nil, 0, fmt.Errorf("failed to convert argument %s: %w", k, err)
		}
		skwargs = append(skwargs, starlark.Tuple{starlark.String(k), v})
	}

	v, err := starlark.Call(thread, w.fn, sargs, skwargs)
	if err != nil {
		return nil, 0, err
	}
	out, err := fromStarlarkValue(v)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to convert return value: %w", err)
	}
	if m, ok := out.(map[string]any); ok && len(m) == 2 {
		if rc, ok := m["retcode"].(int64); ok {
			if ret, ok := m["return"]; ok {
				return ret, int(rc), nil
			}
		}
	}
	return out, 0, nil
}

func starlarkPrint(thread *starlark.Thread, msg string) {
	log.Debug().Str("wrapper", thread.Name).Msg(msg)
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":  starlarkstruct.Default,
		"call":    starlark.NewBuiltin("call", builtinCall),
		"raw":     starlark.NewBuiltin("raw", builtinRaw),
		"send":    starlark.NewBuiltin("send", builtinSend),
		"target":  starlark.NewBuiltin("target", builtinTarget),
		"grains":  starlark.NewBuiltin("grains", builtinGrains),
		"thindir": starlark.NewBuiltin("thindir", builtinThinDir),
	}
}

func threadCaller(thread *starlark.Thread, b *starlark.Builtin) (*Caller, context.Context, error) {
	c, ok := thread.Local(callerKey).(*Caller)
	if !ok {
		return nil, nil, fmt.Errorf("%s: only available while a wrapper runs", b.Name())
	}
	ctx, ok := thread.Local(contextKey).(context.Context)
	if !ok {
		ctx = context.Background()
	}
	return c, ctx, nil
}

// builtinCall implements call(fun, *args, **kwargs). It returns a struct with ret,
// retcode and stderr fields.
func builtinCall(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, ctx, err := threadCaller(thread, b)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing function name", b.Name())
	}
	fun, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: function name must be a string", b.Name())
	}

	positional := make([]string, 0, len(args)-1)
	for _, a := range args[1:] {
		if s, ok := starlark.AsString(a); ok {
			positional = append(positional, s)
			continue
		}
		positional = append(positional, a.String())
	}
	kw := make(map[string]any, len(kwargs))
	for _, pair := range kwargs {
		v, err := fromStarlarkValue(pair[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		kw[string(pair[0].(starlark.String))] = v
	}

	res, err := c.CallKwargs(ctx, fun, positional, kw)
	if err != nil {
		return nil, err
	}
	ret, err := toStarlarkValue(res.Return)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"ret":     ret,
		"retcode": starlark.MakeInt(res.Retcode),
		"stderr":  starlark.String(res.Stderr),
	}), nil
}

// builtinRaw implements raw(cmd).
func builtinRaw(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, ctx, err := threadCaller(thread, b)
	if err != nil {
		return nil, err
	}
	var cmd string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cmd", &cmd); err != nil {
		return nil, err
	}
	res, err := c.Raw(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"stdout":  starlark.String(res.Stdout),
		"stderr":  starlark.String(res.Stderr),
		"retcode": starlark.MakeInt(res.ExitCode),
	}), nil
}

// builtinSend implements send(local, remote).
func builtinSend(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, ctx, err := threadCaller(thread, b)
	if err != nil {
		return nil, err
	}
	var local, remote string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "local", &local, "remote", &remote); err != nil {
		return nil, err
	}
	if err := c.Send(ctx, local, remote); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// builtinTarget implements target(), a struct with id, host, user and port.
func builtinTarget(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, _, err := threadCaller(thread, b)
	if err != nil {
		return nil, err
	}
	t := c.Target()
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":   starlark.String(t.ID),
		"host": starlark.String(t.Host),
		"user": starlark.String(t.User),
		"port": starlark.MakeInt(t.Port),
	}), nil
}

// builtinGrains implements grains(), the roster grains of the target.
func builtinGrains(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, _, err := threadCaller(thread, b)
	if err != nil {
		return nil, err
	}
	g := c.RosterGrains()
	if g == nil {
		return starlark.NewDict(0), nil
	}
	return toStarlarkValue(g)
}

// builtinThinDir implements thindir().
func builtinThinDir(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, _, err := threadCaller(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.String(c.ThinDir()), nil
}

// toStarlarkValue converts a decoded JSON value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromIterable(val, val.Len())
	case starlark.Tuple:
		return fromIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIterable(it starlark.Indexable, n int) ([]any, error) {
	list := make([]any, n)
	for i := 0; i < n; i++ {
		item, err := fromStarlarkValue(it.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
