// Package db persists FileStore and CommandStore snapshots between runs,
// so that a second invocation of the build engine in the same cache
// directory can skip work the first one already did.
//
// On-disk layout, per configuration: a files snapshot, an append-only
// files log that AppendFile writes during a run for crash recovery, and a
// commands snapshot. The two snapshots are wrapped in a zstd frame before
// they touch disk (the teacher reaches for klauspost/compress (gzip) to
// shrink squashfs and initrd artifacts; forge uses the same module's zstd
// package); the append-only log holds raw, uncompressed records.
package db

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/distr1/forge/internal/builder"
)

// Database is a pair of on-disk files (files log + commands snapshot)
// under dir, namespaced by config (e.g. target architecture or build
// mode) so multiple configurations can cooperate in the same cache
// directory without clobbering each other.
type Database struct {
	dir    string
	config string
}

// New returns a Database rooted at dir for the named configuration.
func New(dir, config string) *Database {
	return &Database{dir: dir, config: config}
}

func (d *Database) filesPath() string    { return filepath.Join(d.dir, "files."+d.config) }
func (d *Database) logPath() string      { return filepath.Join(d.dir, "files."+d.config+".log") }
func (d *Database) commandsPath() string { return filepath.Join(d.dir, "commands."+d.config) }

// lockHandle is a flock held on one database file; failing to take it is
// reported as a *builder.LockError.
type lockHandle struct {
	f *os.File
}

func lockFile(path string, exclusive bool) (*lockHandle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &builder.IoError{Path: path, Op: "mkdir", Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &builder.LockError{Path: path, Err: err}
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, &builder.LockError{Path: path, Err: err}
	}
	return &lockHandle{f: f}, nil
}

func (l *lockHandle) unlock() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}

// LoadFiles reads the snapshot file under a shared lock, overlays any
// append-only log left by a previous crashed run, and deletes the log.
// A missing snapshot is not an error — a fresh cache is always valid.
func (d *Database) LoadFiles() ([]builder.FileSnapshot, error) {
	entries, err := d.readFileBlob(d.filesPath())
	if err != nil {
		return nil, err
	}

	// A corrupted trailing record truncates the log, best effort; logEntries
	// already holds everything readable up to that point.
	logEntries, _ := d.readFileLog(d.logPath())
	entries = append(entries, logEntries...)

	os.Remove(d.logPath())
	return entries, nil
}

func (d *Database) readFileBlob(path string) ([]builder.FileSnapshot, error) {
	lk, err := lockFile(path, false)
	if err != nil {
		return nil, err
	}
	defer lk.unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &builder.IoError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, &builder.DatabaseCorruption{Path: path, Err: err}
	}
	defer zr.Close()

	return decodeFileRecords(zr)
}

// readFileLog reads raw (uncompressed) append-only file records, as
// written incrementally by AppendFile during a run.
func (d *Database) readFileLog(path string) ([]builder.FileSnapshot, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &builder.IoError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()
	return decodeFileRecords(f)
}

func decodeFileRecords(r io.Reader) ([]builder.FileSnapshot, error) {
	br := bufio.NewReader(r)
	var out []builder.FileSnapshot
	depHashes := make(map[int64][]int64)
	byHash := make(map[int64]int) // index into out

	for {
		var pathHash int64
		if err := binary.Read(br, binary.LittleEndian, &pathHash); err != nil {
			if err == io.EOF {
				break
			}
			// Truncated trailing record: stop reading, keep what we have.
			break
		}

		var size uint64
		if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
			break
		}
		pathBytes := make([]byte, size)
		if _, err := io.ReadFull(br, pathBytes); err != nil {
			break
		}

		var lwt int64
		if err := binary.Read(br, binary.LittleEndian, &lwt); err != nil {
			break
		}

		var nDeps uint64
		if err := binary.Read(br, binary.LittleEndian, &nDeps); err != nil {
			break
		}
		deps := make([]int64, 0, nDeps)
		ok := true
		for i := uint64(0); i < nDeps; i++ {
			var dh int64
			if err := binary.Read(br, binary.LittleEndian, &dh); err != nil {
				ok = false
				break
			}
			deps = append(deps, dh)
		}
		if !ok {
			break
		}

		snap := builder.FileSnapshot{
			Path:          string(pathBytes),
			LastWriteTime: time.Unix(0, lwt),
		}
		out = append(out, snap)
		byHash[pathHash] = len(out) - 1
		depHashes[pathHash] = deps
	}

	for h, deps := range depHashes {
		snap := &out[byHash[h]]
		for _, dh := range deps {
			if i, ok := byHash[dh]; ok {
				snap.ImplicitDeps = append(snap.ImplicitDeps, out[i].Path)
			}
		}
	}
	return out, nil
}

// SaveFiles re-reads the current on-disk snapshot under an exclusive
// lock, merges it with entries (later mtime wins per path), and
// atomically rewrites the snapshot file.
func (d *Database) SaveFiles(entries []builder.FileSnapshot) error {
	path := d.filesPath()
	lk, err := lockFile(path, true)
	if err != nil {
		return err
	}
	defer lk.unlock()

	onDisk, err := d.readFileBlobLocked(path)
	if err != nil {
		return err
	}

	merged := mergeFileSnapshots(onDisk, entries)

	var raw bytes.Buffer
	pathHash := make(map[string]int64, len(merged))
	for _, e := range merged {
		pathHash[e.Path] = int64(hashPath(e.Path))
	}
	for _, e := range merged {
		encodeFileRecord(&raw, pathHash[e.Path], e, pathHash)
	}

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := renameio.WriteFile(path, compressed.Bytes(), 0o644); err != nil {
		return &builder.IoError{Path: path, Op: "write", Err: err}
	}
	return nil
}

func (d *Database) readFileBlobLocked(path string) ([]builder.FileSnapshot, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &builder.IoError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, &builder.DatabaseCorruption{Path: path, Err: err}
	}
	defer zr.Close()
	return decodeFileRecords(zr)
}

// mergeFileSnapshots implements "entries with later mtime win", applied
// symmetrically regardless of which side a path came from.
func mergeFileSnapshots(a, b []builder.FileSnapshot) []builder.FileSnapshot {
	byPath := make(map[string]builder.FileSnapshot, len(a)+len(b))
	for _, e := range a {
		byPath[e.Path] = e
	}
	for _, e := range b {
		cur, ok := byPath[e.Path]
		if !ok || e.LastWriteTime.After(cur.LastWriteTime) {
			byPath[e.Path] = e
		}
	}
	out := make([]builder.FileSnapshot, 0, len(byPath))
	for _, e := range byPath {
		out = append(out, e)
	}
	return out
}

func encodeFileRecord(w io.Writer, pathHash int64, e builder.FileSnapshot, pathHash2 map[string]int64) {
	binary.Write(w, binary.LittleEndian, pathHash)
	binary.Write(w, binary.LittleEndian, uint64(len(e.Path)))
	io.WriteString(w, e.Path)
	binary.Write(w, binary.LittleEndian, e.LastWriteTime.UnixNano())
	binary.Write(w, binary.LittleEndian, uint64(len(e.ImplicitDeps)))
	for _, dep := range e.ImplicitDeps {
		binary.Write(w, binary.LittleEndian, pathHash2[dep])
	}
}

// AppendFile writes e to the append-only log, so a crash mid-run still
// leaves this record recoverable on the next LoadFiles.
func (d *Database) AppendFile(e builder.FileSnapshot, allHashes map[string]int64) error {
	path := d.logPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &builder.IoError{Path: path, Op: "mkdir", Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &builder.IoError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	var raw bytes.Buffer
	encodeFileRecord(&raw, int64(hashPath(e.Path)), e, allHashes)
	_, err = f.Write(raw.Bytes())
	return err
}

// CommandEntry is one fingerprint -> files-hash pair, the persisted shape
// of a CommandStore entry.
type CommandEntry struct {
	Fingerprint int64
	FilesHash   uint64
}

// LoadCommands reads the commands snapshot file.
func (d *Database) LoadCommands() ([]CommandEntry, error) {
	path := d.commandsPath()
	lk, err := lockFile(path, false)
	if err != nil {
		return nil, err
	}
	defer lk.unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &builder.IoError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, &builder.DatabaseCorruption{Path: path, Err: err}
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	var out []CommandEntry
	for {
		var fp int64
		if err := binary.Read(br, binary.LittleEndian, &fp); err != nil {
			break
		}
		var fh uint64
		if err := binary.Read(br, binary.LittleEndian, &fh); err != nil {
			break
		}
		out = append(out, CommandEntry{Fingerprint: fp, FilesHash: fh})
	}
	return out, nil
}

// SaveCommands re-reads the current on-disk snapshot under an exclusive
// lock, merges (in-memory entries win on fingerprint collision, since
// they reflect the run that just finished), and atomically rewrites.
func (d *Database) SaveCommands(entries []CommandEntry) error {
	path := d.commandsPath()
	lk, err := lockFile(path, true)
	if err != nil {
		return err
	}
	defer lk.unlock()

	onDisk, _ := d.loadCommandsLocked(path)
	byFP := make(map[int64]uint64, len(onDisk)+len(entries))
	for _, e := range onDisk {
		byFP[e.Fingerprint] = e.FilesHash
	}
	for _, e := range entries {
		byFP[e.Fingerprint] = e.FilesHash
	}

	var raw bytes.Buffer
	for fp, fh := range byFP {
		binary.Write(&raw, binary.LittleEndian, fp)
		binary.Write(&raw, binary.LittleEndian, fh)
	}

	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return err
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := renameio.WriteFile(path, compressed.Bytes(), 0o644); err != nil {
		return &builder.IoError{Path: path, Op: "write", Err: err}
	}
	return nil
}

func (d *Database) loadCommandsLocked(path string) ([]CommandEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	br := bufio.NewReader(zr)
	var out []CommandEntry
	for {
		var fp int64
		if err := binary.Read(br, binary.LittleEndian, &fp); err != nil {
			break
		}
		var fh uint64
		if err := binary.Read(br, binary.LittleEndian, &fh); err != nil {
			break
		}
		out = append(out, CommandEntry{Fingerprint: fp, FilesHash: fh})
	}
	return out, nil
}

// hashPath is the path_hash used to correlate dependency references
// within one files-log record set; it need not match any in-memory
// fingerprint, only be stable within a single load/save cycle.
func hashPath(p string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(p); i++ {
		h ^= uint64(p[i])
		h *= 1099511628211
	}
	return h
}
