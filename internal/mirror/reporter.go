package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	consoleTimeFormat = "2006-01-02 15:04:05.000000"
)

// Reporter receives every change a pass applies and every entry it had to
// skip. Implementations must not fail the pass.
type Reporter interface {
	Action(a Action)
	Failure(err *FilesystemError)
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Action(Action)            {}
func (discard) Failure(*FilesystemError) {}

// LogReporter writes actions to a durable audit handler and to a console.
type LogReporter struct {
	audit   slog.Handler
	clock   clockwork.Clock
	mu      sync.Mutex
	console io.Writer
}

// NewLogReporter constructs LogReporter.
//
// audit is usually a handler from NewLineHandler on the Log file.
// Either sink may be nil.
func NewLogReporter(audit slog.Handler, console io.Writer, clock clockwork.Clock) *LogReporter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LogReporter{
		audit:   audit,
		clock:   clock,
		console: console,
	}
}

// Action records a.
func (r *LogReporter) Action(a Action) {
	r.emit(a.Time, slog.LevelInfo, a.String())
}

// Failure records a skipped entry as a warning.
func (r *LogReporter) Failure(err *FilesystemError) {
	r.emit(r.clock.Now(), slog.LevelWarn, "Failed to "+err.Error())
}

func (r *LogReporter) emit(t time.Time, level slog.Level, msg string) {
	if r.audit != nil && r.audit.Enabled(context.Background(), level) {
		rec := slog.NewRecord(t, level, msg, 0)
		if err := r.audit.Handle(context.Background(), rec); err != nil {
			slog.Debug("audit log write failed", "error", err)
		}
	}

	if r.console == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := fmt.Fprintf(r.console, "[%s] %s\n", t.Format(consoleTimeFormat), msg); err != nil {
		slog.Debug("console write failed", "error", err)
	}
}
