package cli

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	xterm "golang.org/x/term"
)

var (
	errColor  = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	okColor   = color.New(color.FgGreen)
	dimColor  = color.New(color.Faint)
)

// switchWriter lets the log destination change after loggers are built.
// While held, writes are buffered and replayed on release.
type switchWriter struct {
	mu   sync.Mutex
	w    io.Writer
	held *bytes.Buffer
}

func newSwitchWriter(w io.Writer) *switchWriter {
	return &switchWriter{w: w}
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held != nil {
		return s.held.Write(p)
	}
	return s.w.Write(p)
}

// hold buffers writes until release.
func (s *switchWriter) hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = new(bytes.Buffer)
	}
}

// release writes out anything buffered and resumes direct writes.
func (s *switchWriter) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		return
	}
	_, _ = s.w.Write(s.held.Bytes())
	s.held = nil
}

// writesToTerminal reports whether w is an interactive terminal.
func writesToTerminal(w io.Writer) bool {
	if sw, ok := w.(*switchWriter); ok {
		sw.mu.Lock()
		w = sw.w
		sw.mu.Unlock()
	}
	f, ok := w.(*os.File)
	return ok && xterm.IsTerminal(int(f.Fd()))
}

// stdinIsTerminal reports whether the process has an interactive terminal.
func stdinIsTerminal() bool {
	return xterm.IsTerminal(int(os.Stdin.Fd()))
}
