package builder

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCommandStoreLoadUnknown(t *testing.T) {
	cs := NewCommandStore()
	if _, ok := cs.Load(42); ok {
		t.Fatalf("Load on an empty store should report unknown")
	}
}

func TestCommandStoreStoreThenLoad(t *testing.T) {
	cs := NewCommandStore()
	cs.Store(1, 100)
	cs.Store(2, 200)

	fh, ok := cs.Load(1)
	if !ok || fh != 100 {
		t.Fatalf("Load(1) = (%d, %v), want (100, true)", fh, ok)
	}

	cs.Store(1, 111) // overwrite
	fh, ok = cs.Load(1)
	if !ok || fh != 111 {
		t.Fatalf("Load(1) after overwrite = (%d, %v), want (111, true)", fh, ok)
	}

	if cs.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cs.Len())
	}
}

func TestCommandStoreRange(t *testing.T) {
	cs := NewCommandStore()
	want := map[uint64]uint64{1: 10, 2: 20, 3: 30}
	for fp, fh := range want {
		cs.Store(fp, fh)
	}

	got := make(map[uint64]uint64)
	cs.Range(func(fp, fh uint64) bool {
		got[fp] = fh
		return true
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Range visited entries mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandStoreRangeEarlyStop(t *testing.T) {
	cs := NewCommandStore()
	cs.Store(1, 10)
	cs.Store(2, 20)
	cs.Store(3, 30)

	n := 0
	cs.Range(func(fp, fh uint64) bool {
		n++
		return false
	})
	if n != 1 {
		t.Fatalf("Range should stop after the first false return, visited %d", n)
	}
}
