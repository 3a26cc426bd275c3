package mirror

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// validateDirectoryPath validates that a directory path is safe for sync operations.
// Relative paths must not climb out of the working directory.
func validateDirectoryPath(path string) error {
	cleanPath := filepath.Clean(path)

	if !filepath.IsAbs(cleanPath) && strings.HasPrefix(cleanPath, "..") {
		return errors.New("unsafe directory path (contains directory traversal): " + path)
	}

	return nil
}

// DirSync calls fsync(2) on the directory to save changes in the directory.
//
// This should be called after entries are created, renamed or removed.
func DirSync(fs afero.Fs, d string) error {
	if err := validateDirectoryPath(d); err != nil {
		return errors.Wrap(err, "DirSync")
	}

	f, err := fs.Open(d)
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DirSyncTree calls DirSync recursively on a directory tree
// rooted from d.
func DirSyncTree(fs afero.Fs, d string) error {
	// afero.Walk includes d.
	return afero.Walk(fs, d, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsDir() {
			return nil
		}
		return DirSync(fs, path)
	})
}
