// Package obs wraps the standard log package with a thin structured-field
// convention: every component logs each step with plain log.Printf,
// without introducing an external logging library.
package obs

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// Logger attaches a fixed component name to every line it writes.
type Logger struct {
	component string
}

// New returns a Logger that prefixes every line with component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// Fields is an ordered set of key/value pairs rendered after the message.
type Fields map[string]any

func (f Fields) render() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, f[k]))
	}
	return " " + strings.Join(parts, " ")
}

// Info logs an informational line with the given fields.
func (l *Logger) Info(msg string, fields Fields) {
	log.Printf("[%s] %s%s", l.component, msg, fields.render())
}

// Warn logs a warning line with the given fields.
func (l *Logger) Warn(msg string, fields Fields) {
	log.Printf("[%s] WARN %s%s", l.component, msg, fields.render())
}

// Error logs an error line, attaching err as a field.
func (l *Logger) Error(msg string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["error"] = err
	log.Printf("[%s] ERROR %s%s", l.component, msg, fields.render())
}
