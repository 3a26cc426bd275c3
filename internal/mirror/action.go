package mirror

import (
	"fmt"
	"time"
)

// ActionKind identifies what a pass did to a replica entry.
type ActionKind int

// Action kinds, in the order a pass can emit them.
const (
	CreatedDir ActionKind = iota
	CreatedFile
	UpdatedFile
	DeletedFile
	DeletedDir
)

var actionKindText = map[ActionKind]string{
	CreatedDir:  "Created directory",
	CreatedFile: "Created file",
	UpdatedFile: "Updated file",
	DeletedFile: "Deleted file",
	DeletedDir:  "Deleted directory",
}

func (k ActionKind) String() string {
	if s, ok := actionKindText[k]; ok {
		return s
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is a change applied to the replica tree.
//
// Path is the full path of the replica entry that was changed and Time is
// the moment the change was applied.
type Action struct {
	Kind ActionKind
	Path string
	Time time.Time
}

// String returns the audit text of the action, e.g. "Created file: /r/x.txt".
func (a Action) String() string {
	return a.Kind.String() + ": " + a.Path
}

// FilesystemError is a per-entry failure during a pass.
// It never aborts the pass; the entry is skipped.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}
