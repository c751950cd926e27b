// Package stat inspects module files: it digests them, loads them into a
// scratch machine and reports section counts, caching the results so
// unchanged files are not loaded twice.
package stat

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"pzrun/internal/binfmt"
	"pzrun/internal/interp"
	"pzrun/internal/loader"
	"pzrun/internal/machine"
	"pzrun/internal/modcache"
)

// Stage is the part of the pipeline a file is in.
type Stage int

const (
	StageHash Stage = iota
	StageLoad
)

// Status is a file's progress within a stage.
type Status int

const (
	StatusQueued Status = iota
	StatusWorking
	StatusDone
	StatusCached
	StatusError
)

// Event reports per-file progress while Collect runs.
type Event struct {
	File   string
	Stage  Stage
	Status Status
}

// Result is the outcome for one file.
type Result struct {
	File    string
	Digest  modcache.Digest
	Payload *modcache.Payload
	Cached  bool
	Err     error
}

// Options configure Collect.
type Options struct {
	// Cache may be nil to disable caching.
	Cache *modcache.Cache
	// Jobs bounds parallelism, 0 means GOMAXPROCS.
	Jobs int
	// Events, when non-nil, receives per-file progress. Collect closes it
	// when done.
	Events chan<- Event
}

// Collect stats every file: one parallel digest pass over all the files,
// then parallel loads. Per-file failures land in the result; only context
// cancellation aborts the whole run.
func Collect(ctx context.Context, files []string, opts Options) ([]Result, error) {
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.GOMAXPROCS(0)
	}
	if opts.Events != nil {
		defer close(opts.Events)
	}
	emit := func(file string, stage Stage, status Status) {
		if opts.Events != nil {
			opts.Events <- Event{File: file, Stage: stage, Status: status}
		}
	}

	for _, file := range files {
		emit(file, StageHash, StatusWorking)
	}
	digests, err := modcache.ScanFiles(ctx, files, opts.Jobs)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(opts.Jobs, max(len(files), 1)))

	for i, fd := range digests {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = statFile(fd, opts, emit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func statFile(fd modcache.FileDigest, opts Options, emit func(string, Stage, Status)) Result {
	if fd.Err != nil {
		emit(fd.Path, StageHash, StatusError)
		return Result{File: fd.Path, Err: fd.Err}
	}

	if opts.Cache != nil {
		payload := &modcache.Payload{}
		if ok, err := opts.Cache.Get(fd.Digest, payload); err == nil && ok {
			emit(fd.Path, StageLoad, StatusCached)
			return Result{File: fd.Path, Digest: fd.Digest, Payload: payload, Cached: true}
		}
	}

	emit(fd.Path, StageLoad, StatusWorking)
	payload, err := loadStats(fd.Path)
	if err != nil {
		emit(fd.Path, StageLoad, StatusError)
		return Result{File: fd.Path, Digest: fd.Digest, Err: err}
	}
	payload.FileSize = fd.Size

	if opts.Cache != nil {
		// A failed cache write only costs a reload next time.
		_ = opts.Cache.Put(fd.Digest, payload)
	}
	emit(fd.Path, StageLoad, StatusDone)
	return Result{File: fd.Path, Digest: fd.Digest, Payload: payload}
}

// loadStats loads the file into a scratch machine and collects its section
// counts.
func loadStats(file string) (*modcache.Payload, error) {
	isProgram, err := readMagic(file)
	if err != nil {
		return nil, err
	}

	m, err := machine.New(machine.Options{})
	if err != nil {
		return nil, err
	}
	defer m.Finalise()
	interp.SetupBuiltins(m)

	lib, err := loader.Load(m.Heap(), m.Root(), m, ModuleName(file), file, loader.Options{})
	if err != nil {
		return nil, err
	}

	s := lib.LoadedStats()
	payload := modcache.NewPayload()
	payload.Name = lib.Name()
	payload.Program = isProgram
	payload.Structs = s.Structs
	payload.Datas = s.Datas
	payload.Procs = s.Procs
	payload.CodeSize = s.CodeSize
	payload.Closures = s.Closures
	payload.Exports = s.Exports
	payload.ExportNames = lib.ExportNames()
	_, _, payload.Entry = lib.Entry()
	return payload, nil
}

func readMagic(file string) (isProgram bool, err error) {
	f, err := os.Open(file)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var buf [4]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return false, fmt.Errorf("%s: %w", file, err)
	}
	return binary.LittleEndian.Uint32(buf[:]) == binfmt.MagicProgram, nil
}

// ModuleName derives a module name from a file path.
func ModuleName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
