package mirror

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/go-homedir"
)

const (
	defaultInterval = 60
)

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/dirmirror.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Source   string    `toml:"source"`
	Replica  string    `toml:"replica"`
	LogDir   string    `toml:"log_dir"`
	Interval int       `toml:"interval"`
	Fsync    bool      `toml:"fsync"`
	Log      LogConfig `toml:"log"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Interval: defaultInterval,
	}
}

// IntervalDuration returns the time between two passes.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// ExpandPaths expands a leading "~" in the configured paths
// and makes them absolute.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.Source, &c.Replica, &c.LogDir} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return errors.Wrapf(err, "expand %q", *p)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return errors.Wrapf(err, "resolve %q", expanded)
		}
		*p = abs
	}
	return nil
}

func isDir(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

// within reports whether p is base or lies below it.
func within(p, base string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Check validates the configuration.
//
// The three directories must already exist; nothing is created here.
func (c *Config) Check() error {
	if !isDir(c.Source) {
		return errors.Wrap(ErrSourceMissing, c.Source)
	}
	if !isDir(c.Replica) {
		return errors.Wrap(ErrReplicaMissing, c.Replica)
	}
	if !isDir(c.LogDir) {
		return errors.Wrap(ErrLogDirMissing, c.LogDir)
	}
	if c.Interval <= 0 {
		return errors.Wrapf(ErrBadInterval, "interval %d", c.Interval)
	}

	src, err := filepath.EvalSymlinks(c.Source)
	if err != nil {
		return errors.Wrap(err, "source")
	}
	dst, err := filepath.EvalSymlinks(c.Replica)
	if err != nil {
		return errors.Wrap(err, "replica")
	}
	if within(src, dst) || within(dst, src) {
		return errors.Wrapf(ErrOverlap, "%s and %s", c.Source, c.Replica)
	}

	// Log and .lock must stay out of both trees: in the replica they are
	// pruned, in the source they are mirrored.
	logDir, err := filepath.EvalSymlinks(c.LogDir)
	if err != nil {
		return errors.Wrap(err, "log directory")
	}
	if within(logDir, src) || within(logDir, dst) {
		return errors.Wrapf(ErrLogDirOverlap, "%s", c.LogDir)
	}
	return nil
}
