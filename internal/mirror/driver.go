package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

const stopNotice = "Stopping synchronization..."

// Driver runs passes of an Engine on a fixed interval until its context
// is cancelled.
type Driver struct {
	engine   *Engine
	interval time.Duration
	clock    clockwork.Clock
	console  io.Writer
	once     bool
}

// NewDriver constructs a Driver. console receives the stop notice and may be nil.
func NewDriver(engine *Engine, interval time.Duration, clock clockwork.Clock, console io.Writer) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{
		engine:   engine,
		interval: interval,
		clock:    clock,
		console:  console,
	}
}

// Once makes Run return after the first pass.
func (d *Driver) Once() *Driver {
	d.once = true
	return d
}

// Run executes passes until ctx is done.
//
// A pass runs to completion or until ctx is cancelled between two entries.
// Cancellation is a clean stop and Run returns nil. A pass that fails as a
// whole is logged and retried on the next tick, except in once mode where
// its error is returned.
func (d *Driver) Run(ctx context.Context) error {
	for n := 1; ; n++ {
		res, err := d.engine.Pass(ctx)
		switch {
		case ctx.Err() != nil:
			d.stopped()
			return nil
		case err != nil:
			slog.Error("pass failed", "pass", n, "error", err)
			if d.once {
				return errors.Wrapf(err, "pass %d", n)
			}
		default:
			slog.Info("pass complete", "pass", n, "result", res)
		}

		if d.once {
			return nil
		}

		select {
		case <-ctx.Done():
			d.stopped()
			return nil
		case <-d.clock.After(d.interval):
		}
	}
}

func (d *Driver) stopped() {
	if d.console != nil {
		fmt.Fprintln(d.console, stopNotice)
	}
}
