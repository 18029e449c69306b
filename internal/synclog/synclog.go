// Package synclog sets up one charmbracelet/log logger per component,
// tagged with the component's name, the way the teacher's -d flag
// selects debug categories rather than one global logger.
package synclog

import (
	"io"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// New returns a logger prefixed with component, writing to w at level.
func New(w io.Writer, component string, level charmlog.Level) *charmlog.Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          component,
	})
	l.SetLevel(level)
	return l
}

// ParseLevel accepts the teacher-style comma list passed to --debug and
// returns the most verbose level it names; an empty string means info.
func ParseLevel(debug string) charmlog.Level {
	if debug == "" {
		return charmlog.InfoLevel
	}
	level := charmlog.InfoLevel
	for _, cat := range strings.Split(debug, ",") {
		switch strings.TrimSpace(strings.ToLower(cat)) {
		case "debug", "d":
			if level > charmlog.DebugLevel {
				level = charmlog.DebugLevel
			}
		case "warn", "w":
			if level > charmlog.WarnLevel {
				level = charmlog.WarnLevel
			}
		}
	}
	return level
}
