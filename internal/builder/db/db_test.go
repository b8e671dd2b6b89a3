package db

import (
	"testing"
	"time"

	"github.com/distr1/forge/internal/builder"
)

func TestSaveThenLoadFilesRoundtrip(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, "default")

	now := time.Unix(1700000000, 0)
	entries := []builder.FileSnapshot{
		{Path: "/src/a.c", LastWriteTime: now, ImplicitDeps: []string{"/src/a.h"}},
		{Path: "/src/a.h", LastWriteTime: now.Add(-time.Hour)},
	}

	if err := d.SaveFiles(entries); err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}

	got, err := d.LoadFiles()
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadFiles returned %d entries, want 2", len(got))
	}

	byPath := make(map[string]builder.FileSnapshot, len(got))
	for _, e := range got {
		byPath[e.Path] = e
	}

	a, ok := byPath["/src/a.c"]
	if !ok {
		t.Fatalf("missing /src/a.c in %v", got)
	}
	if !a.LastWriteTime.Equal(now) {
		t.Fatalf("a.c LastWriteTime = %v, want %v", a.LastWriteTime, now)
	}
	if len(a.ImplicitDeps) != 1 || a.ImplicitDeps[0] != "/src/a.h" {
		t.Fatalf("a.c ImplicitDeps = %v, want [/src/a.h]", a.ImplicitDeps)
	}

	if _, ok := byPath["/src/a.h"]; !ok {
		t.Fatalf("missing /src/a.h in %v", got)
	}
}

func TestSaveFilesMergesLaterMtimeWins(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, "default")

	old := time.Unix(1000, 0)
	newer := time.Unix(2000, 0)

	if err := d.SaveFiles([]builder.FileSnapshot{{Path: "/x", LastWriteTime: newer}}); err != nil {
		t.Fatal(err)
	}
	if err := d.SaveFiles([]builder.FileSnapshot{{Path: "/x", LastWriteTime: old}}); err != nil {
		t.Fatal(err)
	}

	got, err := d.LoadFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if !got[0].LastWriteTime.Equal(newer) {
		t.Fatalf("LastWriteTime = %v, want the later %v to survive the merge", got[0].LastWriteTime, newer)
	}
}

func TestLoadFilesOverlaysAppendLogAndClearsIt(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, "default")

	now := time.Unix(1700000000, 0)
	if err := d.AppendFile(builder.FileSnapshot{Path: "/crash/recovered", LastWriteTime: now}, nil); err != nil {
		t.Fatalf("AppendFile: %v", err)
	}

	got, err := d.LoadFiles()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range got {
		if e.Path == "/crash/recovered" {
			found = true
		}
	}
	if !found {
		t.Fatalf("LoadFiles did not surface the append-only log entry, got %v", got)
	}

	// The log must be consumed: a second LoadFiles without a SaveFiles in
	// between should not see it again (it isn't in the snapshot yet).
	got2, err := d.LoadFiles()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range got2 {
		if e.Path == "/crash/recovered" {
			t.Fatalf("append-only log entry reappeared after being consumed once")
		}
	}
}

func TestLoadFilesMissingSnapshotIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, "nonexistent-config")
	got, err := d.LoadFiles()
	if err != nil {
		t.Fatalf("a missing snapshot must not be an error, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestSaveThenLoadCommandsRoundtrip(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, "default")

	entries := []CommandEntry{
		{Fingerprint: 1, FilesHash: 100},
		{Fingerprint: 2, FilesHash: 200},
	}
	if err := d.SaveCommands(entries); err != nil {
		t.Fatalf("SaveCommands: %v", err)
	}

	got, err := d.LoadCommands()
	if err != nil {
		t.Fatalf("LoadCommands: %v", err)
	}
	byFP := make(map[int64]uint64, len(got))
	for _, e := range got {
		byFP[e.Fingerprint] = e.FilesHash
	}
	if byFP[1] != 100 || byFP[2] != 200 {
		t.Fatalf("got %v, want fingerprint 1->100, 2->200", byFP)
	}
}

func TestSaveCommandsOverwritesOnFingerprintCollision(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, "default")

	if err := d.SaveCommands([]CommandEntry{{Fingerprint: 1, FilesHash: 100}}); err != nil {
		t.Fatal(err)
	}
	if err := d.SaveCommands([]CommandEntry{{Fingerprint: 1, FilesHash: 999}}); err != nil {
		t.Fatal(err)
	}

	got, err := d.LoadCommands()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].FilesHash != 999 {
		t.Fatalf("got %v, want a single entry with FilesHash 999 (newest run wins)", got)
	}
}
