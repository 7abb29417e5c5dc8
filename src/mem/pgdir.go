package mem

import "fmt"

import "caller"
import "util"

// This file is the C1 page-table walker: pgdir_walk, map_segment,
// pagetable_remove, mmio_alloc and the boot-time bump allocator, as named
// by the contract. The two levels it operates over are the page directory
// (pgdir, PD) and page table (PT); the PML4/PDPT levels above them are the
// fixed kernel self-map Dmap_init already installs and are not re-walked
// here, the same way the teacher's own _pmcount only recurses through the
// levels it's handed rather than re-deriving the whole tree from VREC each
// time.

// WalkCreate selects pgdir_walk's page-table-creation behavior.
type WalkCreate int

const (
	// WalkNoCreate never allocates; returns nil if the mapping is absent.
	WalkNoCreate WalkCreate = 0
	// WalkCreateNormal allocates a page table if one is missing.
	WalkCreateNormal WalkCreate = 1
	// WalkCreateJumbo installs a large-page PDE directly, skipping the PT
	// level. va must be 2MB-aligned.
	WalkCreateJumbo WalkCreate = 2
)

const JumboPageSize = 1 << 21

// PgdirWalk returns a pointer into the page table for va, allocating
// intermediate structures per `create`. A present-and-jumbo PDE is returned
// directly (callers must test PTE_PS on the result); only a non-present or
// non-jumbo PDE indexes into a second-level table. Allocation failure with
// create=WalkCreateNormal returns (nil, false); a jumbo request against an
// unaligned va is a programmer error and panics, since it can only be
// reached by a mapping bug, not by resource exhaustion.
func PgdirWalk(pgdir *Pmap_t, va uintptr, create WalkCreate) (*Pa_t, bool) {
	if create == WalkCreateJumbo && va&(JumboPageSize-1) != 0 {
		caller.PanicInvariant("pgdir_walk: jumbo request unaligned")
	}

	pdIdx := (va >> shl(1)) & 0x1ff
	ptIdx := (va >> shl(0)) & 0x1ff

	pde := &pgdir[pdIdx]
	if *pde&PTE_P != 0 && *pde&PTE_PS != 0 {
		// present jumbo leaf: caller must check PTE_PS itself.
		return pde, true
	}

	if *pde&PTE_P == 0 {
		switch create {
		case WalkNoCreate:
			return nil, false
		case WalkCreateJumbo:
			pa, ok := bootOrRuntimeAlloc()
			if !ok {
				return nil, false
			}
			*pde = pa | PTE_P | PTE_W | PTE_PS
			return pde, true
		case WalkCreateNormal:
			pa, ok := bootOrRuntimeAlloc()
			if !ok {
				return nil, false
			}
			*pde = pa | PTE_P | PTE_W | PTE_U
		}
	} else if create == WalkCreateJumbo {
		// a non-jumbo PDE already exists for this VA: crossing from a
		// normal mapping to jumbo within one walk is a programmer error.
		fmt.Printf("mem: pgdir_walk: jumbo request over existing normal PDE at va=%#x\n", va)
	}

	pt := pg2pmap(Physmem.Dmap(*pde & PTE_ADDR))
	return &pt[ptIdx], true
}

func bootOrRuntimeAlloc() (Pa_t, bool) {
	_, pa, ok := Physmem.Refpg_new_nozero()
	return pa, ok
}

// MapSegment fills contiguous PTEs covering [va, va+size) mapped to
// physical addresses starting at pa. If perm requests a jumbo mapping, both
// va and pa must be large-page aligned; a request that straddles a
// jumbo-to-normal boundary within one call is a programmer error (warn and
// proceed, per the edge-case policy, rather than fail the whole segment).
func MapSegment(pgdir *Pmap_t, va uintptr, size int, pa Pa_t, perm Pa_t) bool {
	jumbo := perm&PTE_PS != 0
	if jumbo && (va&(JumboPageSize-1) != 0 || uintptr(pa)&(JumboPageSize-1) != 0) {
		caller.PanicInvariant("map_segment: jumbo mapping misaligned")
	}
	if !jumbo && va&uintptr(PGOFFSET) != uintptr(pa)&uintptr(PGOFFSET) {
		fmt.Printf("mem: map_segment: va/pa offset mismatch, inflating size\n")
	}

	step := PGSIZE
	if jumbo {
		step = JumboPageSize
	}

	start := util.Rounddown(int(va), step)
	end := util.Roundup(int(va)+size, step)
	off := Pa_t(0)
	create := WalkCreateNormal
	if jumbo {
		create = WalkCreateJumbo
	}
	for v := start; v < end; v += step {
		pte, ok := PgdirWalk(pgdir, uintptr(v), create)
		if !ok {
			return false
		}
		*pte = (pa + off) | perm | PTE_P
		off += Pa_t(step)
	}
	return true
}

// PagetableRemove unlinks the second-level table mapping va's PDE. It fails
// (returns false) if the PDE is absent or is a jumbo leaf — those aren't a
// second-level table to unlink — and panics if any PTE within that table is
// still present, since the caller is required to have torn down every leaf
// mapping first.
func PagetableRemove(pgdir *Pmap_t, va uintptr) bool {
	pdIdx := (va >> shl(1)) & 0x1ff
	pde := &pgdir[pdIdx]
	if *pde&PTE_P == 0 || *pde&PTE_PS != 0 {
		return false
	}
	pt := pg2pmap(Physmem.Dmap(*pde & PTE_ADDR))
	for _, pte := range pt {
		if pte&PTE_P != 0 {
			caller.PanicInvariant("pagetable_remove: live PTE in table being removed")
		}
	}
	ptpa := *pde & PTE_ADDR
	*pde = 0
	Physmem.Refdown(ptpa)
	return true
}

// GetVAPerms computes the effective permission bits for a translation from
// its PDE and PTE: the AND of present/user/write bits, zero if the PDE
// itself is not present, and the jumbo PDE's own bits if it is a jumbo
// leaf. This is the *intended* semantics of the source's get_vaperms; the
// source's operator-precedence bug in one arch copy is not reproduced.
func GetVAPerms(pde, pte Pa_t) Pa_t {
	if pde&PTE_P == 0 {
		return 0
	}
	if pde&PTE_PS != 0 {
		return pde & (PTE_P | PTE_U | PTE_W)
	}
	return pde & pte & (PTE_P | PTE_U | PTE_W)
}

// bootAlloc is a linear bump allocator from end-of-kernel, valid only
// before the page allocator starts; it panics on exhaustion since there is
// nothing sensible to do at that point in boot.
var bootAllocNext uintptr
var bootAllocEnd uintptr

// BootAllocInit establishes the bump region; called once, very early in
// boot, before Phys_init.
func BootAllocInit(start, end uintptr) {
	bootAllocNext = start
	bootAllocEnd = end
}

// BootAlloc returns a linear bump allocation of size bytes aligned to
// align, valid only before the runtime page allocator takes over.
func BootAlloc(size, align uintptr) uintptr {
	v := util.Roundup(bootAllocNext, align)
	if v+size > bootAllocEnd {
		caller.PanicInvariant("boot_alloc: exhausted boot region")
	}
	bootAllocNext = v + size
	return v
}

// mmio region: carved out of the fixed kernel VA window between VEND and
// VUSER, the same way the teacher reserves fixed PML4 slots for dmap/rec.
// mmio_alloc is boot-only and called from a single core, so this bump
// pointer needs no lock.
var mmioNext = uintptr(VEND<<39) + (1 << 30)

// MmioAlloc carves a size-aligned VA range out of the MMIO region and maps
// it uncached+RW+kernel to the given (page-aligned) physical address.
// Callable only during boot. Returns (0, false) on exhaustion or if pa is
// not page aligned.
func MmioAlloc(pgdir *Pmap_t, pa Pa_t, size int) (uintptr, bool) {
	if pa&PGOFFSET != 0 {
		return 0, false
	}
	asize := util.Roundup(size, PGSIZE)
	align := asize
	if align < PGSIZE {
		align = PGSIZE
	}
	va := util.Roundup(int(mmioNext), align)
	if uintptr(va+asize) >= uintptr(VUSER<<39) {
		return 0, false
	}
	mmioNext = uintptr(va + asize)
	ok := MapSegment(pgdir, uintptr(va), asize, pa, PTE_P|PTE_W|PTE_PCD|PTE_G)
	if !ok {
		return 0, false
	}
	return uintptr(va), true
}
