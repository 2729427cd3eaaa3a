// Package monitoring holds the process-wide logging setup shared by the
// recognizer's packages and commands.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Logf is the package-level diagnostic logger used by the HTTP and storage
// layers. It defaults to log.Printf; SetLogger redirects or mutes it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a Logf wrapper that prepends "[name] " to every message.
func Prefixed(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// LogWriters holds the io.Writers for the ops, diag and trace streams that
// each pipeline package accepts through its SetLogWriters function. A nil
// writer disables that stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// Level selects how many streams are enabled.
type Level int

const (
	LevelOff Level = iota
	LevelOps
	LevelDiag
	LevelTrace
)

var levelNames = map[string]Level{
	"off":   LevelOff,
	"none":  LevelOff,
	"ops":   LevelOps,
	"diag":  LevelDiag,
	"debug": LevelDiag,
	"trace": LevelTrace,
}

// ParseLevel parses off, ops, diag or trace (debug is an alias for diag).
func ParseLevel(s string) (Level, error) {
	l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return LevelOff, fmt.Errorf("unknown log level %q (want off, ops, diag or trace)", s)
	}
	return l, nil
}

func (l Level) String() string {
	switch l {
	case LevelOps:
		return "ops"
	case LevelDiag:
		return "diag"
	case LevelTrace:
		return "trace"
	}
	return "off"
}

// Writers routes every stream at or below l to w.
func (l Level) Writers(w io.Writer) LogWriters {
	var lw LogWriters
	if l >= LevelOps {
		lw.Ops = w
	}
	if l >= LevelDiag {
		lw.Diag = w
	}
	if l >= LevelTrace {
		lw.Trace = w
	}
	return lw
}
