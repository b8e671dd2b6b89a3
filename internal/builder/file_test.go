package builder

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreRegisterIdempotent(t *testing.T) {
	fs := NewFileStore()
	a := fs.Register("/tmp/foo")
	b := fs.Register("/tmp/foo")
	if a.rec != b.rec {
		t.Fatalf("Register returned different records for the same path")
	}
}

func TestMarkGeneratedConflict(t *testing.T) {
	fs := NewFileStore()
	c1 := NewCommand("c1")
	c2 := NewCommand("c2")

	if err := fs.MarkGenerated("/tmp/out", c1); err != nil {
		t.Fatalf("first MarkGenerated: %v", err)
	}
	if err := fs.MarkGenerated("/tmp/out", c1); err != nil {
		t.Fatalf("repeat MarkGenerated by same command should be a no-op: %v", err)
	}
	if err := fs.MarkGenerated("/tmp/out", c2); err == nil {
		t.Fatalf("MarkGenerated by a second command should fail")
	}
}

func TestIsChangedDetectsMtimeBump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := NewFileStore()
	if !fs.IsChanged(path) {
		t.Fatalf("first IsChanged call should report changed (record initialized at zero time)")
	}
	if fs.IsChanged(path) {
		t.Fatalf("second IsChanged call with no further writes should report unchanged")
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	fs.Reset()
	if !fs.IsChanged(path) {
		t.Fatalf("IsChanged should report changed after mtime bump")
	}
}

func TestIsChangedMissingFile(t *testing.T) {
	fs := NewFileStore()
	if !fs.IsChanged(filepath.Join(t.TempDir(), "does-not-exist")) {
		t.Fatalf("missing file should be reported as changed")
	}
}

func TestMaxTimePropagatesThroughDependencies(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "older")
	newer := filepath.Join(dir, "newer")
	now := time.Now()
	if err := os.WriteFile(older, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newer, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(older, now, now); err != nil {
		t.Fatal(err)
	}
	later := now.Add(time.Hour)
	if err := os.Chtimes(newer, later, later); err != nil {
		t.Fatal(err)
	}

	fs := NewFileStore()
	fs.AddExplicitDependency(older, newer)

	got := fs.MaxTime(older)
	if !got.Equal(later.Truncate(time.Second)) && got.Before(later.Add(-time.Second)) {
		t.Fatalf("MaxTime(%s) = %v, want >= %v (dependency's mtime)", older, got, later)
	}
}

func TestMaxTimeCycleDoesNotHang(t *testing.T) {
	fs := NewFileStore()
	fs.AddExplicitDependency("/a", "/b")
	fs.AddExplicitDependency("/b", "/a")

	done := make(chan struct{})
	go func() {
		fs.MaxTime("/a")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("MaxTime did not terminate on a cyclic dependency graph")
	}
}

func TestSnapshotAndMergeSnapshotRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	fs := NewFileStore()
	fs.IsChanged(path) // forces a stat, giving the record a non-zero lastWriteTime

	snap := fs.Snapshot()
	found := false
	for _, s := range snap {
		if s.Path == normalizePath(path) {
			found = true
		}
	}
	if !found {
		t.Fatalf("Snapshot() did not include %s", path)
	}

	fs2 := NewFileStore()
	fs2.MergeSnapshot(snap)
	if fs2.IsChanged(path) {
		t.Fatalf("after merging a fresh snapshot, IsChanged should report unchanged")
	}
}

func TestMergeSnapshotLaterMtimeWins(t *testing.T) {
	fs := NewFileStore()
	older := FileSnapshot{Path: "/x", LastWriteTime: time.Unix(100, 0)}
	newer := FileSnapshot{Path: "/x", LastWriteTime: time.Unix(200, 0)}

	fs.MergeSnapshot([]FileSnapshot{newer})
	fs.MergeSnapshot([]FileSnapshot{older})

	f := fs.Register("/x")
	f.rec.mu.Lock()
	got := f.rec.lastWriteTime
	f.rec.mu.Unlock()
	if !got.Equal(time.Unix(200, 0)) {
		t.Fatalf("lastWriteTime = %v, want the later of the two merges (200)", got)
	}
}
