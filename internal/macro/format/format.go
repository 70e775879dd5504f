// Package format reads and writes macros in the line-oriented text format.
//
// A file starts with '#'-prefixed header lines and continues with one line
// per operation:
//
//	# Name: login
//	# Created: 2026-10-18T09:30:00Z
//	# DurationMs: 1250
//	# IsAbsolute: true
//	# SkipInitialZero: false
//	M,640,360
//	W,120
//	P,640,360,left
//	W,80
//	R,640,360,left
//	C,640,360,scroll-down
//	KP,30
//	KR,30
//	W,200
//
// W lines accumulate into the delay of the next real event; a W after the
// last event is the sequence's trailing delay.
package format

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/macroreplay/internal/macro"
)

// ErrSyntax is wrapped by every ParseError.
var ErrSyntax = errors.New("syntax error")

// ParseError reports a malformed line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Header keys.
const (
	headerName       = "Name"
	headerCreated    = "Created"
	headerDuration   = "DurationMs"
	headerAbsolute   = "IsAbsolute"
	headerSkipOrigin = "SkipInitialZero"
)

// Operation codes.
const (
	opWait       = "W"
	opMove       = "M"
	opPress      = "P"
	opRelease    = "R"
	opClick      = "C"
	opKeyPress   = "KP"
	opKeyRelease = "KR"
)

// Write encodes seq to w.
func Write(w io.Writer, seq *macro.Sequence) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "# %s: %s\n", headerName, seq.Name)
	fmt.Fprintf(bw, "# %s: %s\n", headerCreated, seq.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(bw, "# %s: %d\n", headerDuration, seq.TotalDurationMs())
	fmt.Fprintf(bw, "# %s: %t\n", headerAbsolute, seq.IsAbsolute)
	fmt.Fprintf(bw, "# %s: %t\n", headerSkipOrigin, seq.SkipInitialOriginReset)

	var prev int64
	for i := 0; i < seq.Len(); i++ {
		ev := seq.At(i)
		if wait := ev.TimestampMs - prev; wait > 0 {
			fmt.Fprintf(bw, "%s,%d\n", opWait, wait)
		}
		prev = ev.TimestampMs

		line, err := encodeEvent(ev)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	if trailing := seq.TrailingDelayMs(); trailing > 0 {
		fmt.Fprintf(bw, "%s,%d\n", opWait, trailing)
	}

	return bw.Flush()
}

// Marshal encodes seq into a byte slice.
func Marshal(seq *macro.Sequence) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, seq); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeEvent(ev macro.Event) (string, error) {
	switch ev.Type {
	case macro.EventMouseMove:
		return fmt.Sprintf("%s,%d,%d", opMove, ev.X, ev.Y), nil
	case macro.EventButtonPress:
		return fmt.Sprintf("%s,%d,%d,%s", opPress, ev.X, ev.Y, ev.Button), nil
	case macro.EventButtonRelease:
		return fmt.Sprintf("%s,%d,%d,%s", opRelease, ev.X, ev.Y, ev.Button), nil
	case macro.EventClick:
		return fmt.Sprintf("%s,%d,%d,%s", opClick, ev.X, ev.Y, ev.Button), nil
	case macro.EventKeyPress:
		return fmt.Sprintf("%s,%d", opKeyPress, ev.KeyCode), nil
	case macro.EventKeyRelease:
		return fmt.Sprintf("%s,%d", opKeyRelease, ev.KeyCode), nil
	default:
		return "", fmt.Errorf("cannot encode event type %s", ev.Type)
	}
}

// Read decodes a sequence from r. The returned sequence is finalized.
func Read(r io.Reader) (*macro.Sequence, error) {
	seq := macro.NewSequence("", false, false)
	seq.CreatedAt = time.Time{}

	var (
		now     int64
		pending int64
		lineNo  int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if err := parseHeader(seq, line); err != nil {
				return nil, &ParseError{Line: lineNo, Text: line, Err: err}
			}
			continue
		}

		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		if fields[0] == opWait {
			ms, err := parseInts(fields, 1)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Text: line, Err: err}
			}
			if ms[0] < 0 {
				return nil, &ParseError{Line: lineNo, Text: line, Err: fmt.Errorf("negative wait: %w", ErrSyntax)}
			}
			pending += int64(ms[0])
			continue
		}

		ev, err := decodeEvent(fields)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Text: line, Err: err}
		}
		now += pending
		pending = 0
		ev.TimestampMs = now
		if err := seq.Append(ev); err != nil {
			return nil, &ParseError{Line: lineNo, Text: line, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading macro: %w", err)
	}

	seq.Finalize(pending)
	return seq, nil
}

// Unmarshal decodes a sequence from data.
func Unmarshal(data []byte) (*macro.Sequence, error) {
	return Read(bytes.NewReader(data))
}

func parseHeader(seq *macro.Sequence, line string) error {
	body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
	key, value, ok := strings.Cut(body, ":")
	if !ok {
		// Plain comment.
		return nil
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case headerName:
		seq.Name = value
	case headerCreated:
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return fmt.Errorf("bad %s: %w", headerCreated, ErrSyntax)
		}
		seq.CreatedAt = t
	case headerAbsolute:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("bad %s: %w", headerAbsolute, ErrSyntax)
		}
		seq.IsAbsolute = b
	case headerSkipOrigin:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("bad %s: %w", headerSkipOrigin, ErrSyntax)
		}
		seq.SkipInitialOriginReset = b
	case headerDuration:
		// Derived from the events on load.
	}
	return nil
}

func decodeEvent(fields []string) (macro.Event, error) {
	var ev macro.Event

	switch fields[0] {
	case opMove:
		xy, err := parseInts(fields, 2)
		if err != nil {
			return ev, err
		}
		ev.Type, ev.X, ev.Y = macro.EventMouseMove, xy[0], xy[1]

	case opPress, opRelease, opClick:
		if len(fields) != 4 {
			return ev, fmt.Errorf("want x,y,button: %w", ErrSyntax)
		}
		xy, err := parseInts(fields[:3], 2)
		if err != nil {
			return ev, err
		}
		b, err := parseButton(fields[3])
		if err != nil {
			return ev, err
		}
		ev.X, ev.Y, ev.Button = xy[0], xy[1], b
		switch fields[0] {
		case opPress:
			ev.Type = macro.EventButtonPress
		case opRelease:
			ev.Type = macro.EventButtonRelease
		default:
			ev.Type = macro.EventClick
		}

	case opKeyPress, opKeyRelease:
		code, err := parseInts(fields, 1)
		if err != nil {
			return ev, err
		}
		if code[0] <= 0 || code[0] > 0xffff {
			return ev, fmt.Errorf("key code %d out of range: %w", code[0], ErrSyntax)
		}
		ev.KeyCode = uint16(code[0])
		ev.Type = macro.EventKeyPress
		if fields[0] == opKeyRelease {
			ev.Type = macro.EventKeyRelease
		}

	default:
		return ev, fmt.Errorf("unknown operation %q: %w", fields[0], ErrSyntax)
	}

	return ev, nil
}

// parseButton accepts a button name or its numeric identifier.
func parseButton(s string) (macro.Button, error) {
	if b, err := macro.ParseButton(strings.ToLower(s)); err == nil {
		return b, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > int(macro.ButtonForward) {
		return macro.ButtonNone, fmt.Errorf("unknown button %q: %w", s, ErrSyntax)
	}
	return macro.Button(n), nil
}

// parseInts parses exactly n integer fields after the operation code.
func parseInts(fields []string, n int) ([]int, error) {
	if len(fields) != n+1 {
		return nil, fmt.Errorf("%s wants %d values, got %d: %w", fields[0], n, len(fields)-1, ErrSyntax)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", fields[i+1], ErrSyntax)
		}
		out[i] = v
	}
	return out, nil
}

// Save writes seq to path atomically using a temporary file and rename.
func Save(path string, seq *macro.Sequence) error {
	data, err := Marshal(seq)
	if err != nil {
		return fmt.Errorf("failed to encode macro: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Load reads a macro file. A file without a Name header is named after
// its base name.
func Load(path string) (*macro.Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open macro file: %w", err)
	}
	defer f.Close()

	seq, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if seq.Name == "" {
		seq.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return seq, nil
}
