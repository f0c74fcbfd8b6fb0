// Package output renders per-target results for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/skiff/pkg/engine"
)

// Renderer implements engine.Renderer for the nested, json, yaml and raw formats.
type Renderer struct {
	// Color enables ANSI colors in nested output.
	Color bool
}

// NewRenderer creates a renderer. Color is enabled when f is a terminal and NO_COLOR
// is unset.
func NewRenderer(f *os.File) *Renderer {
	color := f != nil && term.IsTerminal(int(f.Fd())) && os.Getenv("NO_COLOR") == ""
	return &Renderer{Color: color}
}

// Display implements engine.Renderer.
func (r *Renderer) Display(w io.Writer, data map[string]any, format engine.Format) error {
	switch format {
	case engine.FormatNested, "":
		_, err := io.WriteString(w, r.Nested(data))
		return err
	case engine.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		enc.SetEscapeHTML(false)
		return enc.Encode(data)
	case engine.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case engine.FormatRaw:
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// ParseFormat validates an output format name.
func ParseFormat(name string) (engine.Format, error) {
	switch f := engine.Format(name); f {
	case engine.FormatNested, engine.FormatJSON, engine.FormatYAML, engine.FormatRaw:
		return f, nil
	case "":
		return engine.FormatNested, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want nested, json, yaml or raw)", name)
	}
}
