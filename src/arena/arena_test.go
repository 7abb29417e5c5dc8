package arena

import "testing"
import "unsafe"

import "mem"

func TestBaseAllocFree(t *testing.T) {
	a := NewBase("test-base")
	p := a.Alloc(64, Atomic)
	if p == nil {
		t.Fatal("alloc failed")
	}
	a.Free(p, 64)
}

func TestBaseDoubleFreePanics(t *testing.T) {
	a := NewBase("test-base")
	p := a.Alloc(32, Atomic)
	a.Free(p, 32)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	a.Free(p, 32)
}

func TestBaseFreeSizeMismatchPanics(t *testing.T) {
	a := NewBase("test-base")
	p := a.Alloc(32, Atomic)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on size mismatch")
		}
	}()
	a.Free(p, 16)
}

func TestKpagesQuantumIsPage(t *testing.T) {
	phys := mem.Phys_init()
	a := NewKpages("test-kpages", phys)
	if a.Quantum != mem.PGSIZE || a.QcacheMax != mem.PGSIZE {
		t.Fatalf("kpages arena should be page-quantum, got quantum=%d qcachemax=%d", a.Quantum, a.QcacheMax)
	}
	p := a.Alloc(mem.PGSIZE, Atomic)
	if p == nil {
		t.Fatal("page alloc failed")
	}
	a.Free(p, mem.PGSIZE)
}

func TestKpagesRejectsMultiPageImport(t *testing.T) {
	phys := mem.Phys_init()
	a := NewKpages("test-kpages", phys)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on multi-page import")
		}
	}()
	a.Alloc(3*mem.PGSIZE, Atomic)
}

func TestRoundupQuantum(t *testing.T) {
	a := &Arena_t{Quantum: 16, live: make(map[unsafe.Pointer]int), src: rawSource{}}
	if got := roundup(1, a.Quantum); got != 16 {
		t.Fatalf("roundup(1,16) = %d, want 16", got)
	}
	if got := roundup(17, a.Quantum); got != 32 {
		t.Fatalf("roundup(17,16) = %d, want 32", got)
	}
}
