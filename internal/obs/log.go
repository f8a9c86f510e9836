// Package obs is the module's logging surface: a thin wrapper over the
// standard log package, in the same plain style cmd/server's handlers use
// (log.Printf with a component prefix), rather than introducing a
// structured logging dependency the teacher never reaches for.
package obs

import (
	"fmt"
	"log"
	"os"
)

// Logger prefixes every line with a component tag, matching the
// "[component] message" convention cmd/server already logs in.
type Logger struct {
	prefix string
	std    *log.Logger
}

// New returns a Logger tagging its output with component.
func New(component string) *Logger {
	return &Logger{
		prefix: component,
		std:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf("[%s] %s", l.prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Println(args ...any) {
	l.std.Println(append([]any{"[" + l.prefix + "]"}, args...)...)
}

// Fatalf logs then calls os.Exit(1), matching log.Fatalf's contract.
func (l *Logger) Fatalf(format string, args ...any) {
	l.std.Fatalf("[%s] %s", l.prefix, fmt.Sprintf(format, args...))
}

// With returns a child logger scoped to "component.sub", for a package
// that wants to tag its own sub-area (e.g. "actor.system").
func (l *Logger) With(sub string) *Logger {
	return &Logger{prefix: l.prefix + "." + sub, std: l.std}
}
