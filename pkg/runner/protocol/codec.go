package protocol

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoPayload is returned when the session answered an aux request with an empty line.
var ErrNoPayload = errors.New("no payload")

// Encoder writes runner output lines to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

func (e *Encoder) writeLine(line []byte) error {
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeDelimiter writes the delimiter line.
func (e *Encoder) EncodeDelimiter() error {
	return e.writeLine([]byte(Delimiter))
}

// EncodeReturn writes ret wrapped in the local envelope as one JSON line.
func (e *Encoder) EncodeReturn(ret *Return) error {
	data, err := json.Marshal(Envelope{Local: ret})
	if err != nil {
		return fmt.Errorf("failed to marshal return: %w", err)
	}
	return e.writeLine(data)
}

// EncodeAuxRequest asks the session for the payload called name.
func (e *Encoder) EncodeAuxRequest(name string) error {
	return e.writeLine([]byte(AuxMarker + " " + name))
}

// Decoder reads payload lines from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Extension module payloads arrive as a single line.
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// DecodeAux reads one base64 JSON line into target.
func (d *Decoder) DecodeAux(target any) error {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return fmt.Errorf("scan error: %w", err)
		}
		return io.EOF
	}

	line := strings.TrimSpace(d.r.Text())
	if line == "" {
		return ErrNoPayload
	}

	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// ParseEnvelope extracts the runner return from stdout. The envelope is normally the whole
// output; otherwise the last line that parses as one is used.
func ParseEnvelope(stdout string) (*Return, error) {
	var env Envelope
	trimmed := strings.TrimSpace(stdout)
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Local != nil {
		return env.Local, nil
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		env = Envelope{}
		if err := json.Unmarshal([]byte(line), &env); err == nil && env.Local != nil {
			return env.Local, nil
		}
	}
	return nil, fmt.Errorf("no return envelope in output")
}

// ParseParams decodes a call's kwargs into a specific parameter type.
func ParseParams(kwargs map[string]any, target any) error {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	data, err := json.Marshal(kwargs)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
