package builder

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// FileStore is the single source of truth for file metadata within a run:
// identity, last-write-time, and the explicit/implicit dependency graph
// for every path any Command references.
//
// FileStore is safe for concurrent use; registration is idempotent and
// mutations to a single record are serialized by that record's own lock,
// so unrelated files never contend with each other.
type FileStore struct {
	records *concurrentMap[string, *fileRecord]
}

// NewFileStore returns an empty FileStore.
func NewFileStore() *FileStore {
	return &FileStore{
		records: newConcurrentMap[string, *fileRecord](hashString),
	}
}

// fileRecord is the per-path metadata node. Its generator back-reference
// is a direct pointer rather than the (path, generator_id) indirection
// sketched for persisted state: the Database never serializes generators
// (only path, mtime and dependency hashes survive a restart, per §4.2), so
// there is nothing to make weak here — the Command that produced a file
// simply outlives the file record for the duration of one run.
type fileRecord struct {
	path string

	mu sync.Mutex
	// lastWriteTime doubles as both the baseline a path is judged
	// against (loaded from a snapshot, or zero for a path never seen
	// before) and the running high-water mark refresh/isChanged advance
	// it to. A single field works because refresh() and the
	// dependency-max check run in two strictly ordered phases per §4.1:
	// refresh() first folds in this path's own live mtime (self-change),
	// then the caller folds in the (by-then-refreshed) max across
	// dependencies (transitive staleness) — each phase compares against
	// whatever the field held at the *start* of that phase.
	lastWriteTime time.Time
	generated     bool
	generator     *Command
	explicitDeps  map[string]*fileRecord
	implicitDeps  map[string]*fileRecord

	refreshed atomic.Bool
	missing   atomic.Bool
}

// File is a handle to a single path's record in a FileStore.
type File struct {
	store *FileStore
	rec   *fileRecord
}

// Register returns the (idempotent) handle for path. Concurrent
// registrations of the same path yield the same underlying record.
func (fs *FileStore) Register(path string) *File {
	key := normalizePath(path)
	rec, _ := fs.records.LoadOrInit(key, func() *fileRecord {
		return &fileRecord{
			path:         key,
			explicitDeps: make(map[string]*fileRecord),
			implicitDeps: make(map[string]*fileRecord),
		}
	})
	return &File{store: fs, rec: rec}
}

// Path returns the normalized path this handle refers to.
func (f *File) Path() string { return f.rec.path }

// IsGenerated reports whether some command has been registered as this
// file's generator.
func (f *File) IsGenerated() bool {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return f.rec.generated
}

// Generator returns the command that produces this file, or nil.
func (f *File) Generator() *Command {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return f.rec.generator
}

// MarkGenerated sets by as the generator of path, enforcing the
// at-most-one-generator invariant.
func (fs *FileStore) MarkGenerated(path string, by *Command) error {
	f := fs.Register(path)
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if f.rec.generated && f.rec.generator != by {
		return &IoError{
			Path: f.rec.path,
			Op:   "mark-generated",
			Err:  errGeneratorConflict,
		}
	}
	f.rec.generated = true
	f.rec.generator = by
	return nil
}

var errGeneratorConflict = genErr("file already has a different generator")

type genErr string

func (e genErr) Error() string { return string(e) }

// AddExplicitDependency records dep as an explicit (producer-declared)
// dependency of path.
func (fs *FileStore) AddExplicitDependency(path, dep string) {
	f := fs.Register(path)
	d := fs.Register(dep)
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.explicitDeps[d.rec.path] = d.rec
}

// AddImplicitDependency records dep as an implicit (scan-discovered)
// dependency of path.
func (fs *FileStore) AddImplicitDependency(path, dep string) {
	f := fs.Register(path)
	d := fs.Register(dep)
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.implicitDeps[d.rec.path] = d.rec
}

// ClearImplicitDependencies drops all implicit dependencies of path,
// typically before a rescan (e.g. re-parsing a .d file).
func (fs *FileStore) ClearImplicitDependencies(path string) {
	f := fs.Register(path)
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	f.rec.implicitDeps = make(map[string]*fileRecord)
}

// refresh stats the filesystem at most once per run for this record,
// racing refreshers settled by an atomic CAS. It refreshes the full
// dependency closure first (so maxTime sees every dependency's own stat
// already folded in), then folds this path's own live mtime into
// lastWriteTime, reporting whether doing so advanced it — i.e. whether
// the file itself (ignoring its dependencies) changed.
func (r *fileRecord) refresh() bool {
	if !r.refreshed.CompareAndSwap(false, true) {
		return false
	}

	r.mu.Lock()
	deps := make([]*fileRecord, 0, len(r.explicitDeps)+len(r.implicitDeps))
	for _, d := range r.explicitDeps {
		deps = append(deps, d)
	}
	for _, d := range r.implicitDeps {
		deps = append(deps, d)
	}
	r.mu.Unlock()
	for _, d := range deps {
		if d == r {
			continue
		}
		d.refresh()
	}

	fi, err := os.Stat(r.path)
	if err != nil {
		r.missing.Store(true)
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t := fi.ModTime(); t.After(r.lastWriteTime) {
		r.lastWriteTime = t
		return true
	}
	return false
}

// maxTime returns the maximum lastWriteTime across path and its
// transitive explicit+implicit dependency closure, assuming refresh has
// already run for every node in that closure. visited guards against
// cycles in the dependency graph (which, unlike the command graph, are
// not rejected outright — see the design note on link-time target
// cycles).
func (r *fileRecord) maxTime(visited map[*fileRecord]bool) time.Time {
	if visited[r] {
		return time.Time{}
	}
	visited[r] = true

	r.mu.Lock()
	max := r.lastWriteTime
	deps := make([]*fileRecord, 0, len(r.explicitDeps)+len(r.implicitDeps))
	for _, d := range r.explicitDeps {
		deps = append(deps, d)
	}
	for _, d := range r.implicitDeps {
		deps = append(deps, d)
	}
	r.mu.Unlock()

	for _, d := range deps {
		if t := d.maxTime(visited); t.After(max) {
			max = t
		}
	}
	return max
}

// MaxTime returns the maximum last-write-time across path's transitive
// dependency closure.
func (fs *FileStore) MaxTime(path string) time.Time {
	f := fs.Register(path)
	f.rec.refresh()
	return f.rec.maxTime(make(map[*fileRecord]bool))
}

// IsChanged reports whether path itself changed, or any file in its
// transitive explicit or implicit dependency closure has a last-write-time
// exceeding path's own, or path is missing outright. A missing file is
// reported as changed, never as an error (see the package-level failure
// semantics for Stat errors surfaced elsewhere as *IoError).
func (fs *FileStore) IsChanged(path string) bool {
	f := fs.Register(path)
	r := f.rec

	selfChanged := r.refresh()
	if r.missing.Load() {
		return true
	}

	maxT := r.maxTime(make(map[*fileRecord]bool))

	r.mu.Lock()
	defer r.mu.Unlock()
	if maxT.After(r.lastWriteTime) {
		r.lastWriteTime = maxT
		return true
	}
	return selfChanged
}

// Reset clears per-run refresh state for every record, as done between
// batches within a long-lived process (e.g. a daemon build server). It
// does not forget generators whose command has not yet executed.
func (fs *FileStore) Reset() {
	fs.records.Range(func(_ string, r *fileRecord) bool {
		r.mu.Lock()
		executed := r.generator != nil && r.generator.executed.Load()
		r.mu.Unlock()
		if executed {
			r.mu.Lock()
			r.generator = nil
			r.generated = false
			r.mu.Unlock()
		}
		r.refreshed.Store(false)
		r.missing.Store(false)
		return true
	})
}

// FileSnapshot is the persisted shape of one file record: its path, last
// observed write time, and implicit dependency paths. Explicit
// dependencies are not persisted — they are re-declared by the producer
// on every run and would otherwise go stale (see §4.2's record layout,
// which only ever lists one generic "deps" list fed from the implicit
// set, matching the original db_file.cpp which only ever restores
// implicit_dependencies).
type FileSnapshot struct {
	Path          string
	LastWriteTime time.Time
	ImplicitDeps  []string
}

// Snapshot returns the persistable state of every record that has been
// stat'd (or otherwise given a non-zero last-write-time) this run.
func (fs *FileStore) Snapshot() []FileSnapshot {
	var out []FileSnapshot
	fs.records.Range(func(_ string, r *fileRecord) bool {
		r.mu.Lock()
		if r.lastWriteTime.IsZero() && len(r.implicitDeps) == 0 {
			r.mu.Unlock()
			return true
		}
		deps := make([]string, 0, len(r.implicitDeps))
		for p := range r.implicitDeps {
			deps = append(deps, p)
		}
		snap := FileSnapshot{Path: r.path, LastWriteTime: r.lastWriteTime, ImplicitDeps: deps}
		r.mu.Unlock()
		out = append(out, snap)
		return true
	})
	return out
}

// MergeSnapshot folds entries into the store: for a path not yet known,
// entries is loaded as-is; for a known path, the entry with the later
// last-write-time wins (matching the Database's "entries with later
// mtime win" merge rule, applied identically whether the newer copy came
// from an on-disk snapshot or live tracking).
func (fs *FileStore) MergeSnapshot(entries []FileSnapshot) {
	for _, e := range entries {
		f := fs.Register(e.Path)
		f.rec.mu.Lock()
		if e.LastWriteTime.After(f.rec.lastWriteTime) {
			f.rec.lastWriteTime = e.LastWriteTime
			for _, d := range e.ImplicitDeps {
				dep := fs.Register(d)
				f.rec.implicitDeps[dep.rec.path] = dep.rec
			}
		}
		f.rec.mu.Unlock()
	}
}
