package output

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	colorYellow = "\033[1;33m"
	colorGreen  = "\033[0;32m"
	colorCyan   = "\033[0;36m"
	colorReset  = "\033[0m"
)

// Nested renders data as an indented tree: mappings as sorted "key:" lines, lists as
// "- item" lines, and nested mappings introduced by a dashed rule.
func (r *Renderer) Nested(data map[string]any) string {
	var lines []string
	r.nested(data, 0, "", &lines)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (r *Renderer) line(indent int, color, prefix, msg, suffix string) string {
	if !r.Color {
		return strings.Repeat(" ", indent) + prefix + msg + suffix
	}
	return strings.Repeat(" ", indent) + color + prefix + msg + colorReset + suffix
}

func (r *Renderer) nested(v any, indent int, prefix string, out *[]string) {
	switch val := v.(type) {
	case nil:
		*out = append(*out, r.line(indent, colorYellow, prefix, "None", ""))
		return
	case bool:
		s := "False"
		if val {
			s = "True"
		}
		*out = append(*out, r.line(indent, colorYellow, prefix, s, ""))
		return
	case string:
		pad := prefix
		for _, l := range strings.Split(strings.TrimRight(val, "\n"), "\n") {
			*out = append(*out, r.line(indent, colorGreen, pad, l, ""))
			pad = strings.Repeat(" ", len(prefix))
		}
		return
	case error:
		r.nested(val.Error(), indent, prefix, out)
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		*out = append(*out, r.line(indent, colorYellow, prefix, fmt.Sprint(v), ""))

	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			switch kindOf(item) {
			case reflect.Map:
				*out = append(*out, r.line(indent, colorGreen, "", "|_", ""))
				r.nested(item, indent+2, "", out)
			case reflect.Slice, reflect.Array:
				*out = append(*out, r.line(indent, colorGreen, "", "|_", ""))
				r.nested(item, indent+2, "- ", out)
			default:
				r.nested(item, indent, "- ", out)
			}
		}

	case reflect.Map:
		if indent > 0 {
			*out = append(*out, r.line(indent, colorCyan, prefix, "----------", ""))
		}
		keys := make([]string, 0, rv.Len())
		values := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			values[k] = iter.Value().Interface()
		}
		sort.Strings(keys)
		for _, k := range keys {
			*out = append(*out, r.line(indent, colorCyan, prefix, k, ":"))
			r.nested(values[k], indent+4, "", out)
		}

	default:
		*out = append(*out, r.line(indent, colorGreen, prefix, fmt.Sprint(v), ""))
	}
}

func kindOf(v any) reflect.Kind {
	if v == nil {
		return reflect.Invalid
	}
	return reflect.ValueOf(v).Kind()
}
