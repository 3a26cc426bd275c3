package mirror

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassDeletesOrphansChildrenFirst(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/dst/a/b.txt", "stale", t0)

	res, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Deleted file: /dst/a/b.txt",
		"Deleted directory: /dst/a",
	}, actionStrings(res.Actions))
	assert.Empty(t, treeSnapshot(t, fs, "/dst"))
}

func TestPassCreatesFileWithSourceModTime(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/x.txt", "hello", t0)

	res, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Created file: /dst/x.txt"}, actionStrings(res.Actions))
	assert.Equal(t, treeSnapshot(t, fs, "/src"), treeSnapshot(t, fs, "/dst"))

	fi, err := fs.Stat("/dst/x.txt")
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(t0), "mtime %v, want %v", fi.ModTime(), t0)
}

func TestPassUpdatesOnlyNewerFiles(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/newer.txt", "new content", t0.Add(time.Hour))
	writeFile(t, fs, "/dst/newer.txt", "old", t0)
	// Same mtime, different content: treated as synchronized.
	writeFile(t, fs, "/src/same.txt", "source side", t0)
	writeFile(t, fs, "/dst/same.txt", "replica side", t0)
	// Replica newer than source: left alone.
	writeFile(t, fs, "/src/older.txt", "source", t0)
	writeFile(t, fs, "/dst/older.txt", "replica", t0.Add(time.Hour))

	res, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Updated file: /dst/newer.txt"}, actionStrings(res.Actions))

	dst := treeSnapshot(t, fs, "/dst")
	assert.Equal(t, "new content", dst["newer.txt"].Content)
	assert.True(t, dst["newer.txt"].ModTime.Equal(t0.Add(time.Hour)))
	assert.Equal(t, "replica side", dst["same.txt"].Content)
	assert.Equal(t, "replica", dst["older.txt"].Content)
}

func TestPassCreatesNestedDirectoriesInOrder(t *testing.T) {
	fs := newTestFs(t)
	require.NoError(t, fs.MkdirAll("/src/p/q/r", 0755))

	res, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Created directory: /dst/p",
		"Created directory: /dst/p/q",
		"Created directory: /dst/p/q/r",
	}, actionStrings(res.Actions))
}

func TestPassDirectoryBeforeItsFiles(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/z.txt", "z", t0)
	writeFile(t, fs, "/src/d/f.txt", "f", t0)
	writeFile(t, fs, "/src/d/e/g.txt", "g", t0)

	res, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Created file: /dst/z.txt",
		"Created directory: /dst/d",
		"Created file: /dst/d/f.txt",
		"Created directory: /dst/d/e",
		"Created file: /dst/d/e/g.txt",
	}, actionStrings(res.Actions))
}

func TestPassIsIdempotent(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/a.txt", "a", t0)
	writeFile(t, fs, "/src/dir/b.txt", "b", t0)
	require.NoError(t, fs.MkdirAll("/src/empty", 0755))
	writeFile(t, fs, "/dst/orphan.txt", "x", t0)

	engine := NewEngine(fs, "/src", "/dst", nil)
	first, err := engine.Pass(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, first.Actions)

	second, err := engine.Pass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Actions)
	assert.Empty(t, second.Failures)
}

func TestPassConverges(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/keep.txt", "keep", t0)
	writeFile(t, fs, "/src/edit.txt", "v1", t0)
	writeFile(t, fs, "/src/gone/inside.txt", "bye", t0)

	engine := NewEngine(fs, "/src", "/dst", nil)
	_, err := engine.Pass(context.Background())
	require.NoError(t, err)

	writeFile(t, fs, "/src/edit.txt", "v2", t0.Add(time.Minute))
	require.NoError(t, fs.RemoveAll("/src/gone"))
	writeFile(t, fs, "/src/new/deep/file.txt", "new", t0)

	_, err = engine.Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, treeSnapshot(t, fs, "/src"), treeSnapshot(t, fs, "/dst"))
}

func TestPassNeverTouchesSource(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/a.txt", "a", t0)
	writeFile(t, fs, "/src/d/b.txt", "b", t0)
	writeFile(t, fs, "/dst/d", "file where a directory belongs", t0)
	writeFile(t, fs, "/dst/extra/c.txt", "c", t0)

	before := treeSnapshot(t, fs, "/src")
	_, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, treeSnapshot(t, fs, "/src"))
}

func TestPruneKeepsSiblingsThatExistInSource(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/d/keep.txt", "k", t0)
	writeFile(t, fs, "/dst/d/keep.txt", "k", t0)
	writeFile(t, fs, "/dst/d/drop.txt", "d", t0)

	actions, err := NewEngine(fs, "/src", "/dst", nil).Prune(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Deleted file: /dst/d/drop.txt"}, actionStrings(actions))
	ok, err := afero.Exists(fs, "/dst/d/keep.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPruneNeverDeletesEmptiedSourceDirectory(t *testing.T) {
	fs := newTestFs(t)
	require.NoError(t, fs.MkdirAll("/src/d", 0755))
	writeFile(t, fs, "/dst/d/only.txt", "x", t0)

	actions, err := NewEngine(fs, "/src", "/dst", nil).Prune(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Deleted file: /dst/d/only.txt"}, actionStrings(actions))
	ok, err := afero.DirExists(fs, "/dst/d")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPropagateReplacesEntriesOfTheWrongKind(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/k", "now a file", t0)
	writeFile(t, fs, "/dst/k/inner.txt", "was a directory", t0)
	writeFile(t, fs, "/src/m/f.txt", "now a directory", t0)
	writeFile(t, fs, "/dst/m", "was a file", t0)

	actions, err := NewEngine(fs, "/src", "/dst", nil).Propagate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Deleted directory: /dst/k",
		"Created file: /dst/k",
		"Deleted file: /dst/m",
		"Created directory: /dst/m",
		"Created file: /dst/m/f.txt",
	}, actionStrings(actions))
	assert.Equal(t, shape(treeSnapshot(t, fs, "/src")), shape(treeSnapshot(t, fs, "/dst")))
}

func TestPassTimestampsActions(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/a.txt", "a", t0)
	clock := clockwork.NewFakeClockAt(t0.Add(24 * time.Hour))
	rec := &recorder{}

	res, err := NewEngine(fs, "/src", "/dst", rec, WithClock(clock)).Pass(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.actions, 1)
	assert.Equal(t, res.Actions, rec.actions)
	assert.True(t, rec.actions[0].Time.Equal(clock.Now()))
}

// mkdirFailFs refuses to create one directory.
type mkdirFailFs struct {
	afero.Fs
	deny string
}

func (f *mkdirFailFs) Mkdir(name string, perm os.FileMode) error {
	if name == f.deny {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrPermission}
	}
	return f.Fs.Mkdir(name, perm)
}

func TestPassSkipsDescendantsOfUncreatableDirectory(t *testing.T) {
	base := newTestFs(t)
	writeFile(t, base, "/src/bad/x.txt", "x", t0)
	writeFile(t, base, "/src/bad/sub/y.txt", "y", t0)
	writeFile(t, base, "/src/good/z.txt", "z", t0)
	fs := &mkdirFailFs{Fs: base, deny: "/dst/bad"}
	rec := &recorder{}

	res, err := NewEngine(fs, "/src", "/dst", rec).Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Created directory: /dst/good",
		"Created file: /dst/good/z.txt",
	}, actionStrings(res.Actions))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "/dst/bad", res.Failures[0].Path)
	assert.True(t, errors.Is(res.Failures[0], os.ErrPermission))
	assert.Equal(t, res.Failures, rec.failures)
}

// entryFailFs fails Stat or Open for chosen paths, as if the entry
// changed after its directory was listed.
type entryFailFs struct {
	afero.Fs
	stat map[string]error
	open map[string]error
}

func (f *entryFailFs) Stat(name string) (os.FileInfo, error) {
	if err, ok := f.stat[name]; ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: err}
	}
	return f.Fs.Stat(name)
}

func (f *entryFailFs) Open(name string) (afero.File, error) {
	if err, ok := f.open[name]; ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return f.Fs.Open(name)
}

func TestPassSkipsUnreadableSourceEntries(t *testing.T) {
	base := newTestFs(t)
	writeFile(t, base, "/src/a.txt", "a", t0)
	writeFile(t, base, "/src/locked.txt", "secret", t0)
	writeFile(t, base, "/src/unstatable.txt", "?", t0)
	writeFile(t, base, "/src/vanished.txt", "gone", t0)
	writeFile(t, base, "/src/z.txt", "z", t0)
	fs := &entryFailFs{
		Fs: base,
		stat: map[string]error{
			"/src/vanished.txt":   os.ErrNotExist,
			"/src/unstatable.txt": os.ErrPermission,
		},
		open: map[string]error{
			"/src/locked.txt": os.ErrPermission,
		},
	}

	var audit bytes.Buffer
	rep := NewLogReporter(NewLineHandler(&audit, slog.LevelInfo), nil, clockwork.NewFakeClockAt(t0))

	res, err := NewEngine(fs, "/src", "/dst", rep).Pass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Created file: /dst/a.txt",
		"Created file: /dst/z.txt",
	}, actionStrings(res.Actions))

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "/dst/locked.txt", res.Failures[0].Path)
	assert.Equal(t, "create file", res.Failures[0].Op)
	assert.True(t, errors.Is(res.Failures[0], os.ErrPermission))
	assert.Equal(t, "/src/unstatable.txt", res.Failures[1].Path)
	assert.True(t, errors.Is(res.Failures[1], os.ErrPermission))

	assert.Equal(t, 2, strings.Count(audit.String(), " - WARNING - "), audit.String())
	assert.NotContains(t, audit.String(), "vanished.txt")

	// a failed copy leaves no temporary file behind
	entries, err := afero.ReadDir(base, "/dst")
	require.NoError(t, err)
	var names []string
	for _, fi := range entries {
		names = append(names, fi.Name())
	}
	assert.Equal(t, []string{"a.txt", "z.txt"}, names)
}

func TestPassAbortsOnMissingRoots(t *testing.T) {
	t.Run("source", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/dst/precious.txt", "keep me", t0)

		res, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
		require.Error(t, err)
		assert.Empty(t, res.Actions)

		ok, err := afero.Exists(fs, "/dst/precious.txt")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("replica", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/src/a.txt", "a", t0)

		res, err := NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
		require.Error(t, err)
		assert.Empty(t, res.Actions)
	})
}

func TestPassStopsOnCancelledContext(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/a.txt", "a", t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewEngine(fs, "/src", "/dst", nil).Pass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Actions)
}

// cancelReporter cancels its context on the first action.
type cancelReporter struct {
	recorder
	cancel context.CancelFunc
}

func (r *cancelReporter) Action(a Action) {
	r.recorder.Action(a)
	r.cancel()
}

func TestPassFinishesCurrentEntryBeforeStopping(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/a.txt", "a", t0)
	writeFile(t, fs, "/src/b.txt", "b", t0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &cancelReporter{cancel: cancel}

	res, err := NewEngine(fs, "/src", "/dst", rep).Pass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"Created file: /dst/a.txt"}, actionStrings(res.Actions))

	// The next pass converges what the interrupted one left behind.
	_, err = NewEngine(fs, "/src", "/dst", nil).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, treeSnapshot(t, fs, "/src"), treeSnapshot(t, fs, "/dst"))
}

func TestPassWithFsync(t *testing.T) {
	fs := newTestFs(t)
	writeFile(t, fs, "/src/d/a.txt", "a", t0)

	res, err := NewEngine(fs, "/src", "/dst", nil, WithFsync(true)).Pass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Count(CreatedDir))
	assert.Equal(t, 1, res.Count(CreatedFile))
}

func TestPassOnDisk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := root + "/source"
	dst := root + "/replica"
	fs := afero.NewOsFs()
	writeFile(t, fs, src+"/dir/file.txt", "on disk", t0)
	writeFile(t, fs, dst+"/old.txt", "old", t0)

	res, err := NewEngine(fs, src, dst, nil).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Created directory: " + dst + "/dir",
		"Created file: " + dst + "/dir/file.txt",
		"Deleted file: " + dst + "/old.txt",
	}, actionStrings(res.Actions))
	assert.Equal(t, treeSnapshot(t, fs, src), treeSnapshot(t, fs, dst))
}
