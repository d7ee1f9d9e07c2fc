// Package log provides the colored console logger used throughout netcore
// and a capturing net.Conn wrapper for inspecting raw wire traffic.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Logger writes leveled, colored messages. A nil *Logger discards everything.
type Logger struct {
	out     io.Writer
	verbose bool

	mu sync.Mutex
}

var (
	red    = color.New(color.FgRed).FprintfFunc()
	blue   = color.New(color.FgBlue).FprintfFunc()
	yellow = color.New(color.FgYellow).FprintfFunc()
	faint  = color.New(color.Faint).FprintfFunc()
)

// NewLogger creates a logger writing to stderr.
func NewLogger(verbose bool) *Logger {
	return New(os.Stderr, verbose)
}

// New creates a logger writing to w.
func New(w io.Writer, verbose bool) *Logger {
	return &Logger{out: w, verbose: verbose}
}

// Verbose reports whether verbose messages are printed.
func (l *Logger) Verbose() bool {
	return l != nil && l.verbose
}

// InfoMsg prints an informational message in blue.
func (l *Logger) InfoMsg(format string, a ...interface{}) {
	l.print(blue, "[+] "+format, a...)
}

// WarnMsg prints a warning in yellow.
func (l *Logger) WarnMsg(format string, a ...interface{}) {
	l.print(yellow, "[~] "+format, a...)
}

// ErrorMsg prints an error message in red.
func (l *Logger) ErrorMsg(format string, a ...interface{}) {
	l.print(red, "[!] Error: "+format, a...)
}

// VerboseMsg prints a dimmed message, only if the logger is verbose.
func (l *Logger) VerboseMsg(format string, a ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.print(faint, "[v] "+format, a...)
}

func (l *Logger) print(fn func(io.Writer, string, ...interface{}), format string, a ...interface{}) {
	if l == nil || l.out == nil {
		return
	}
	if len(format) == 0 || format[len(format)-1] != '\n' {
		format += "\n"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.out, format, a...)
}
