package mirror

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Environment variables that override the configuration file.
const (
	EnvSource    = "DIRMIRROR_SOURCE"
	EnvReplica   = "DIRMIRROR_REPLICA"
	EnvLogDir    = "DIRMIRROR_LOG_DIR"
	EnvInterval  = "DIRMIRROR_INTERVAL"
	EnvFsync     = "DIRMIRROR_FSYNC"
	EnvLogLevel  = "DIRMIRROR_LOG_LEVEL"
	EnvLogFormat = "DIRMIRROR_LOG_FORMAT"
)

// ApplyEnvironmentVariables overrides c with any DIRMIRROR_* variables that are set.
func (c *Config) ApplyEnvironmentVariables() error {
	strs := map[string]*string{
		EnvSource:    &c.Source,
		EnvReplica:   &c.Replica,
		EnvLogDir:    &c.LogDir,
		EnvLogLevel:  &c.Log.Level,
		EnvLogFormat: &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(EnvInterval); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", EnvInterval)
		}
		c.Interval = n
	}

	if v, ok := os.LookupEnv(EnvFsync); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", EnvFsync)
		}
		c.Fsync = b
	}
	return nil
}
