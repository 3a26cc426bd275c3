package mirror

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// recorder is a Reporter that keeps everything it is given.
type recorder struct {
	mu       sync.Mutex
	actions  []Action
	failures []*FilesystemError
}

func (r *recorder) Action(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

func (r *recorder) Failure(err *FilesystemError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func actionStrings(actions []Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.String())
	}
	return out
}

func newTestFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/src", 0755))
	require.NoError(t, fs.MkdirAll("/dst", 0755))
	return fs
}

func writeFile(t *testing.T, fs afero.Fs, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
	require.NoError(t, fs.Chtimes(path, mtime, mtime))
}

type treeState struct {
	Dir     bool
	Content string
	ModTime time.Time
}

// treeSnapshot maps every relative path below root to its state.
func treeSnapshot(t *testing.T, fs afero.Fs, root string) map[string]treeState {
	t.Helper()
	snap := map[string]treeState{}
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			snap[rel] = treeState{Dir: true}
			return nil
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		snap[rel] = treeState{Content: string(data), ModTime: info.ModTime().UTC()}
		return nil
	})
	require.NoError(t, err)
	return snap
}

// shape drops modification times so trees can be compared by layout and content.
func shape(snap map[string]treeState) map[string]treeState {
	out := make(map[string]treeState, len(snap))
	for k, v := range snap {
		v.ModTime = time.Time{}
		out[k] = v
	}
	return out
}
