package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Mismatch reasons reported by Verify.
const (
	MissingInReplica = "missing in replica"
	ExtraInReplica   = "not in source"
	KindDiffers      = "file/directory mismatch"
	ContentDiffers   = "content differs"
)

// Mismatch is one relative path where the trees disagree.
type Mismatch struct {
	Path   string
	Reason string
}

// VerifyReport is the outcome of Verify.
type VerifyReport struct {
	Entries    int
	Compared   int
	Mismatches []Mismatch
}

// OK reports whether the replica mirrors the source exactly.
func (r *VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	// Workers bounds concurrent file comparisons. Zero means GOMAXPROCS.
	Workers int

	// Progress, if set, receives a progress bar while contents are compared.
	Progress io.Writer
}

type treeEntry struct {
	dir  bool
	size int64
}

func scanTree(ctx context.Context, fs afero.Fs, root string) (map[string]treeEntry, error) {
	entries := make(map[string]treeEntry)
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries[rel] = treeEntry{dir: info.IsDir(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", root)
	}
	return entries, nil
}

func hashFile(fs afero.Fs, p string) ([]byte, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Verify compares the source and replica trees without changing either.
// Files present in both are compared by size and SHA-256 digest.
func Verify(ctx context.Context, fs afero.Fs, sourceRoot, replicaRoot string, opts VerifyOptions) (*VerifyReport, error) {
	fs = afero.NewReadOnlyFs(fs)
	sourceRoot = filepath.Clean(sourceRoot)
	replicaRoot = filepath.Clean(replicaRoot)

	src, err := scanTree(ctx, fs, sourceRoot)
	if err != nil {
		return nil, err
	}
	dst, err := scanTree(ctx, fs, replicaRoot)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{Entries: len(src)}
	var toCompare []string
	for rel, s := range src {
		d, ok := dst[rel]
		switch {
		case !ok:
			report.Mismatches = append(report.Mismatches, Mismatch{rel, MissingInReplica})
		case s.dir != d.dir:
			report.Mismatches = append(report.Mismatches, Mismatch{rel, KindDiffers})
		case s.dir:
		case s.size != d.size:
			report.Mismatches = append(report.Mismatches, Mismatch{rel, ContentDiffers})
		default:
			toCompare = append(toCompare, rel)
		}
	}
	for rel := range dst {
		if _, ok := src[rel]; !ok {
			report.Mismatches = append(report.Mismatches, Mismatch{rel, ExtraInReplica})
		}
	}
	sort.Strings(toCompare)

	var bar *pb.ProgressBar
	if opts.Progress != nil && len(toCompare) > 0 {
		bar = pb.New(len(toCompare))
		bar.SetWriter(opts.Progress)
		bar.Start()
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for _, rel := range toCompare {
		rel := rel
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := hashFile(fs, filepath.Join(sourceRoot, rel))
			if err != nil {
				return errors.Wrapf(err, "hash source %s", rel)
			}
			b, err := hashFile(fs, filepath.Join(replicaRoot, rel))
			if err != nil {
				return errors.Wrapf(err, "hash replica %s", rel)
			}

			mu.Lock()
			report.Compared++
			if !bytes.Equal(a, b) {
				report.Mismatches = append(report.Mismatches, Mismatch{rel, ContentDiffers})
			}
			mu.Unlock()

			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}
	err = group.Wait()
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].Path < report.Mismatches[j].Path
	})
	return report, nil
}
