package emit

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LogEmitter implements Emitter by writing structured log lines through
// zerolog. Each event becomes one log record with execution_id, node_id,
// and the event metadata as fields.
//
// Example output (JSON mode, the zerolog default):
//
//	{"level":"info","execution_id":"exec-001","node_id":"A","duration_ms":42,"message":"node_completed"}
//
// Usage:
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	emitter := emit.NewLogEmitter(logger)
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing through the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// NewConsoleEmitter creates a LogEmitter with human-readable console
// output, for development use. Pass nil to write to stderr.
func NewConsoleEmitter(w io.Writer) *LogEmitter {
	if w == nil {
		w = os.Stderr
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	return &LogEmitter{logger: logger}
}

// Emit writes the event as one structured log record. The event level maps
// onto the zerolog level; Critical maps to zerolog's error level with a
// "critical" marker field since workflow errors must never abort the
// logging process.
func (l *LogEmitter) Emit(event Event) {
	var ev *zerolog.Event
	switch event.Level {
	case LevelWarning:
		ev = l.logger.Warn()
	case LevelError:
		ev = l.logger.Error()
	case LevelCritical:
		ev = l.logger.Error().Bool("critical", true)
	default:
		ev = l.logger.Info()
	}

	if event.ExecutionID != "" {
		ev = ev.Str("execution_id", event.ExecutionID)
	}
	if event.NodeID != "" {
		ev = ev.Str("node_id", event.NodeID)
	}
	if !event.Time.IsZero() {
		ev = ev.Time("event_time", event.Time)
	}
	for k, v := range event.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event.Msg)
}
