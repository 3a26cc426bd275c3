package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	lockFilename = ".lock"
)

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within the log directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}

	if !within(cleanLock, cleanBase) {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}

	return nil
}

// RunOptions tunes Run.
type RunOptions struct {
	// Once runs a single pass instead of looping.
	Once bool

	// Console receives action lines and the stop notice. Nil means os.Stdout.
	Console io.Writer

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Run starts mirroring.
//
// The configuration is checked first. Then flock is acquired on the lock
// file in the log directory, so two processes never write the same audit log.
func Run(ctx context.Context, config *Config, opts RunOptions) error {
	if err := config.Check(); err != nil {
		return err
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	lockFile := filepath.Join(config.LogDir, lockFilename)
	if err := validateLockFilePath(lockFile, config.LogDir); err != nil {
		return errors.Wrap(err, "Run")
	}

	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path is validated by validateLockFilePath
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()

	auditFile, err := OpenAuditLog(config.LogDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditFile.Close(); err != nil {
			slog.Warn("failed to close audit log", "error", err)
		}
	}()

	reporter := NewLogReporter(NewLineHandler(auditFile, slog.LevelInfo), opts.Console, opts.Clock)
	engine := NewEngine(afero.NewOsFs(), config.Source, config.Replica, reporter,
		WithClock(opts.Clock), WithFsync(config.Fsync))
	driver := NewDriver(engine, config.IntervalDuration(), opts.Clock, opts.Console)
	if opts.Once {
		driver.Once()
	}

	slog.Info("synchronization starts",
		"source", config.Source,
		"replica", config.Replica,
		"log", auditFile.Name(),
		"interval", config.IntervalDuration())

	return driver.Run(ctx)
}
