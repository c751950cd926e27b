package modcache

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// FileDigest pairs a path with its content digest.
type FileDigest struct {
	Path   string
	Digest Digest
	Size   int64
	Err    error
}

// ScanFiles digests files in parallel. Per-file I/O errors are recorded in
// the result rather than aborting the scan; the context cancels it.
func ScanFiles(ctx context.Context, paths []string, jobs int) ([]FileDigest, error) {
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	results := make([]FileDigest, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, max(len(paths), 1)))

	for i, path := range paths {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			d, n, err := HashFile(path)
			results[i] = FileDigest{Path: path, Digest: d, Size: n, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
