// Package logbuf sets up the process logger and keeps the most recent
// lines in memory for the dashboard.
package logbuf

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const timeFormat = "2006-01-02 15:04:05"

// Init installs the global zerolog logger. Every event goes to stderr and
// to the returned Ring as a plain text line.
func Init(level string, lines int) *Ring {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		lvl = zerolog.InfoLevel
	}
	ring := NewRing(lines)
	log.Logger = New(os.Stderr, ring, lvl)
	return ring
}

// New builds a logger writing colored output to console and plain lines to
// ring. Either writer may be nil.
func New(console io.Writer, ring *Ring, lvl zerolog.Level) zerolog.Logger {
	var writers []io.Writer
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: timeFormat})
	}
	if ring != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: ring, TimeFormat: timeFormat, NoColor: true})
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// StdLogger adapts l for libraries that want a *log.Logger.
func StdLogger(l zerolog.Logger) *stdlog.Logger {
	return stdlog.New(l, "", 0)
}

func init() {
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}
