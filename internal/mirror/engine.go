package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	dirPerm = 0755
)

// Engine mirrors one source tree onto one replica tree.
//
// The engine keeps no state between passes; every decision is made from
// what the filesystem looks like at the time. The source tree is only ever
// accessed through a read-only view.
type Engine struct {
	source      afero.Fs
	replica     afero.Fs
	sourceRoot  string
	replicaRoot string
	reporter    Reporter
	clock       clockwork.Clock
	fsync       bool
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock used to timestamp actions.
func WithClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithFsync makes every pass fsync the replica's directories when it ends.
func WithFsync(enabled bool) EngineOption {
	return func(e *Engine) {
		e.fsync = enabled
	}
}

// NewEngine constructs an Engine mirroring sourceRoot onto replicaRoot,
// both paths on fs. A nil reporter discards everything.
func NewEngine(fs afero.Fs, sourceRoot, replicaRoot string, reporter Reporter, opts ...EngineOption) *Engine {
	if reporter == nil {
		reporter = Discard
	}
	e := &Engine{
		source:      afero.NewReadOnlyFs(fs),
		replica:     fs,
		sourceRoot:  filepath.Clean(sourceRoot),
		replicaRoot: filepath.Clean(replicaRoot),
		reporter:    reporter,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes one pass.
type Result struct {
	Actions  []Action
	Failures []*FilesystemError
	Duration time.Duration
}

// Count returns the number of actions of the given kind.
func (r *Result) Count(kind ActionKind) int {
	n := 0
	for _, a := range r.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// LogValue implements slog.LogValuer.
func (r *Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("created_dirs", r.Count(CreatedDir)),
		slog.Int("created_files", r.Count(CreatedFile)),
		slog.Int("updated_files", r.Count(UpdatedFile)),
		slog.Int("deleted_files", r.Count(DeletedFile)),
		slog.Int("deleted_dirs", r.Count(DeletedDir)),
		slog.Int("failures", len(r.Failures)),
		slog.Duration("duration", r.Duration),
	)
}

// pass collects what a single run of the engine did.
type pass struct {
	*Engine
	actions  []Action
	failures []*FilesystemError
}

func (e *Engine) newPass() *pass {
	return &pass{Engine: e}
}

func (p *pass) record(kind ActionKind, path string) {
	a := Action{Kind: kind, Path: path, Time: p.clock.Now()}
	p.actions = append(p.actions, a)
	p.reporter.Action(a)
}

func (p *pass) fail(op, path string, err error) {
	fe := &FilesystemError{Op: op, Path: path, Err: err}
	p.failures = append(p.failures, fe)
	p.reporter.Failure(fe)
}

// Propagate creates and refreshes replica entries so that everything in
// the source tree has a counterpart in the replica tree.
//
// The returned error is non-nil only if a whole root could not be read or
// ctx was cancelled; per-entry failures go to the Reporter.
func (e *Engine) Propagate(ctx context.Context) ([]Action, error) {
	p := e.newPass()
	err := p.propagate(ctx)
	return p.actions, err
}

// Prune deletes replica entries that have no counterpart in the source tree.
func (e *Engine) Prune(ctx context.Context) ([]Action, error) {
	p := e.newPass()
	err := p.prune(ctx)
	return p.actions, err
}

// Pass runs Propagate then Prune. The result is returned even when the
// pass stops early.
func (e *Engine) Pass(ctx context.Context) (*Result, error) {
	start := e.clock.Now()
	p := e.newPass()

	err := p.propagate(ctx)
	if err == nil {
		err = p.prune(ctx)
	}
	if err == nil && e.fsync {
		if serr := DirSyncTree(e.replica, e.replicaRoot); serr != nil {
			p.fail("sync directories under", e.replicaRoot, serr)
		}
	}

	return &Result{
		Actions:  p.actions,
		Failures: p.failures,
		Duration: e.clock.Since(start),
	}, err
}

func checkRoot(fs afero.Fs, root string) error {
	fi, err := fs.Stat(root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.New("not a directory: " + root)
	}
	return nil
}

// lstat does not follow a trailing symlink when fs supports it.
func lstat(fs afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(name)
		return fi, err
	}
	return fs.Stat(name)
}

func (p *pass) propagate(ctx context.Context) error {
	if err := checkRoot(p.source, p.sourceRoot); err != nil {
		return errors.Wrap(err, "source root")
	}
	if err := checkRoot(p.replica, p.replicaRoot); err != nil {
		return errors.Wrap(err, "replica root")
	}
	return p.propagateDir(ctx, "")
}

// propagateDir mirrors the contents of the source directory rel. The
// replica counterpart of rel exists when this is called.
//
// Files are handled before subdirectories, and every subdirectory is
// created before anything inside it.
func (p *pass) propagateDir(ctx context.Context, rel string) error {
	srcDir := filepath.Join(p.sourceRoot, rel)
	entries, err := afero.ReadDir(p.source, srcDir)
	if err != nil {
		if rel == "" {
			return errors.Wrapf(err, "read source root %s", srcDir)
		}
		if !os.IsNotExist(err) {
			p.fail("read directory", srcDir, err)
		}
		return nil
	}

	var dirs []string
	for _, fi := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		childRel := filepath.Join(rel, fi.Name())
		if fi.IsDir() {
			dirs = append(dirs, childRel)
			continue
		}
		p.propagateFile(childRel)
	}

	for _, childRel := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.ensureDir(childRel) {
			// nothing below a missing replica directory can be created
			continue
		}
		if err := p.propagateDir(ctx, childRel); err != nil {
			return err
		}
	}
	return nil
}

// ensureDir makes sure the replica has a directory at rel.
// It returns false if it could not.
func (p *pass) ensureDir(rel string) bool {
	dst := filepath.Join(p.replicaRoot, rel)

	fi, err := lstat(p.replica, dst)
	switch {
	case err == nil && fi.IsDir():
		return true
	case err == nil:
		if err := p.replica.Remove(dst); err != nil {
			p.fail("delete file", dst, err)
			return false
		}
		p.record(DeletedFile, dst)
	case !os.IsNotExist(err):
		p.fail("stat", dst, err)
		return false
	}

	if err := p.replica.Mkdir(dst, dirPerm); err != nil {
		p.fail("create directory", dst, err)
		return false
	}
	p.record(CreatedDir, dst)
	return true
}

func (p *pass) propagateFile(rel string) {
	src := filepath.Join(p.sourceRoot, rel)
	dst := filepath.Join(p.replicaRoot, rel)

	srcInfo, err := p.source.Stat(src)
	if err != nil {
		// vanished since the directory was listed, or a dangling symlink
		if !os.IsNotExist(err) {
			p.fail("stat", src, err)
		}
		return
	}
	if !srcInfo.Mode().IsRegular() {
		slog.Debug("skipping non-regular file", "path", src, "mode", srcInfo.Mode().String())
		return
	}

	dstInfo, err := lstat(p.replica, dst)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		p.fail("stat", dst, err)
		return
	case dstInfo.IsDir():
		if err := p.replica.RemoveAll(dst); err != nil {
			p.fail("delete directory", dst, err)
			return
		}
		p.record(DeletedDir, dst)
	case srcInfo.ModTime().After(dstInfo.ModTime()):
		if err := p.copyFile(src, dst, srcInfo); err != nil {
			p.fail("update file", dst, err)
			return
		}
		p.record(UpdatedFile, dst)
		return
	default:
		// equal or older source mtime: up to date
		return
	}

	if err := p.copyFile(src, dst, srcInfo); err != nil {
		p.fail("create file", dst, err)
		return
	}
	p.record(CreatedFile, dst)
}

// copyFile copies the whole content of src to dst and gives dst the mode
// and modification time of info.
//
// The content goes to a temporary file next to dst which is then renamed
// over dst, so dst is never seen half written.
func (p *pass) copyFile(src, dst string, info os.FileInfo) (err error) {
	in, err := p.source.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := afero.TempFile(p.replica, filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = p.replica.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = p.replica.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return err
	}
	if err = p.replica.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return p.replica.Rename(tmpName, dst)
}

func (p *pass) prune(ctx context.Context) error {
	// Without the source root every replica entry would look orphaned.
	if err := checkRoot(p.source, p.sourceRoot); err != nil {
		return errors.Wrap(err, "source root")
	}
	return p.pruneDir(ctx, "")
}

// pruneDir removes orphaned entries under the replica directory rel,
// deepest first.
func (p *pass) pruneDir(ctx context.Context, rel string) error {
	dir := filepath.Join(p.replicaRoot, rel)
	entries, err := afero.ReadDir(p.replica, dir)
	if err != nil {
		if rel == "" {
			return errors.Wrapf(err, "read replica root %s", dir)
		}
		if !os.IsNotExist(err) {
			p.fail("read directory", dir, err)
		}
		return nil
	}

	var files, dirs []string
	for _, fi := range entries {
		childRel := filepath.Join(rel, fi.Name())
		if fi.IsDir() {
			dirs = append(dirs, childRel)
		} else {
			files = append(files, childRel)
		}
	}

	for _, childRel := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pruneDir(ctx, childRel); err != nil {
			return err
		}
	}
	for _, childRel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.pruneEntry(childRel, DeletedFile)
	}
	for _, childRel := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.pruneEntry(childRel, DeletedDir)
	}
	return nil
}

// pruneEntry deletes the replica entry rel if the source has nothing at rel.
func (p *pass) pruneEntry(rel string, kind ActionKind) {
	src := filepath.Join(p.sourceRoot, rel)
	dst := filepath.Join(p.replicaRoot, rel)

	_, err := lstat(p.source, src)
	switch {
	case err == nil:
		return
	case !os.IsNotExist(err):
		// never delete on an unreadable source
		p.fail("stat", src, err)
		return
	}

	if kind == DeletedDir {
		err = p.replica.RemoveAll(dst)
	} else {
		err = p.replica.Remove(dst)
	}
	if err != nil {
		p.fail("delete", dst, err)
		return
	}
	p.record(kind, dst)
}
