package mirror

import "github.com/cockroachdb/errors"

// Configuration errors reported by Config.Check.
var (
	ErrSourceMissing  = errors.New("source directory does not exist")
	ErrReplicaMissing = errors.New("replica directory does not exist")
	ErrLogDirMissing  = errors.New("log directory does not exist")
	ErrBadInterval    = errors.New("interval must be a positive number of seconds")
	ErrOverlap        = errors.New("source and replica must not contain each other")
	ErrLogDirOverlap  = errors.New("log directory must be outside the source and replica")
)

// ErrLocked is returned by Run when another process holds the lock
// on the log directory.
var ErrLocked = errors.New("another dirmirror process is using this log directory")
