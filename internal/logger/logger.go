package logger

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Fields are the structured key/values attached to one log line
type Fields = map[string]interface{}

// Logger wraps zerolog.Logger. Children made with Component, Source or Tile carry
// their context on every line.
type Logger struct {
	zlog      zerolog.Logger
	component string
}

// New creates a logger for the given environment. Development writes colored
// console lines at debug level; every other environment writes JSON at info level.
// Both go to stderr so stdout stays free for command output.
func New(env string) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if env == "development" {
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
		return newLogger(console, zerolog.DebugLevel)
	}
	return newLogger(os.Stderr, zerolog.InfoLevel)
}

// NewWithWriter creates a JSON logger writing to w at the given level.
func NewWithWriter(w io.Writer, level zerolog.Level) *Logger {
	return newLogger(w, level)
}

func newLogger(w io.Writer, level zerolog.Level) *Logger {
	zlog := zerolog.New(w).Level(level).With().Timestamp().Str("app", "orthotiles").Logger()
	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// SetLevel applies a level name from the settings file ("debug", "info", ...).
// An empty or unknown name leaves the level unchanged and reports false.
func (l *Logger) SetLevel(name string) bool {
	if name == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return false
	}
	l.zlog = l.zlog.Level(lvl)
	return true
}

func (l *Logger) Debug(msg string, fields Fields) { emit(l.zlog.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { emit(l.zlog.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { emit(l.zlog.Warn(), msg, fields) }

// Error logs msg with err attached. err may be nil.
func (l *Logger) Error(msg string, err error, fields Fields) {
	emit(l.zlog.Error().Err(err), msg, fields)
}

// emit writes fields in key order so lines for the same event always read alike
func emit(event *zerolog.Event, msg string, fields Fields) {
	if event == nil {
		return
	}
	keys := lo.Keys(fields)
	slices.Sort(keys)
	for _, key := range keys {
		switch v := fields[key].(type) {
		case error:
			event = event.AnErr(key, v)
		case time.Duration:
			event = event.Str(key, v.String())
		default:
			event = event.Interface(key, v)
		}
	}
	event.Msg(msg)
}

// With creates a child logger with additional context fields.
func (l *Logger) With(fields Fields) *Logger {
	ctx := l.zlog.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}
	return &Logger{zlog: ctx.Logger(), component: l.component}
}

// Component returns a child tagged with a component name. Nested components are
// joined with a dot, e.g. "tileserver.http".
func (l *Logger) Component(name string) *Logger {
	if l.component != "" {
		name = l.component + "." + name
	}
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger(), component: name}
}

// Source returns a child tagged with an imagery source id.
func (l *Logger) Source(sourceID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("source", sourceID).Logger(), component: l.component}
}

// Tile returns a child tagged with a tile key.
func (l *Logger) Tile(key fmt.Stringer) *Logger {
	return &Logger{zlog: l.zlog.With().Stringer("tile", key).Logger(), component: l.component}
}
