// Package arena implements the allocator that every slab cache imports its
// backing memory from: a named, quantum-aligned source of spans. A base
// arena fronts raw host memory (used to bootstrap the slab/magazine caches
// before the page allocator exists); a kpages arena fronts the physical
// page allocator and is quantum-PGSIZE.
package arena

import "sync"
import "unsafe"

import "mem"

// Flags selects Alloc's blocking behavior, mirroring the source's
// MEM_ATOMIC/MEM_WAIT/MEM_ERROR.
type Flags int

const (
	// Atomic allocations never block; a failure returns nil.
	Atomic Flags = 1 << iota
	// Wait allocations may block the calling kthread until memory frees up.
	// This arena never actually blocks (there is nothing to wait on below a
	// base/kpages source), but callers above slab rely on this flag's
	// presence to decide whether ENOMEM should propagate or retry.
	Wait
)

// Source backs an Arena_t with the memory it imports spans from.
type Source interface {
	// Import returns n bytes of fresh backing memory, or nil on failure.
	Import(n int) unsafe.Pointer
	// Return releases memory previously handed out by Import.
	Return(p unsafe.Pointer, n int)
}

// rawSource backs a base arena with ordinary host-allocated memory. This is
// the hosted stand-in for the source's base_arena, which carves spans out
// of a fixed early-boot memory region; here the host allocator plays that
// role, since this core never has real physical memory to carve from until
// mem.Phys_init runs.
type rawSource struct{}

func (rawSource) Import(n int) unsafe.Pointer {
	buf := make([]byte, n)
	return unsafe.Pointer(&buf[0])
}

func (rawSource) Return(p unsafe.Pointer, n int) {}

// pageSource backs a kpages arena with single physical pages. Every import
// from a kpages arena in this core is exactly one PGSIZE span (the only way
// kmem_cache_grow uses a PGSIZE-quantum source), so Import panics on any
// other size rather than attempt to fake page contiguity.
type pageSource struct {
	phys *mem.Physmem_t
}

func (ps pageSource) Import(n int) unsafe.Pointer {
	if n != mem.PGSIZE {
		panic("arena: kpages source only imports single pages")
	}
	pg, _, ok := ps.phys.Refpg_new_nozero()
	if !ok {
		return nil
	}
	return unsafe.Pointer(pg)
}

func (ps pageSource) Return(p unsafe.Pointer, n int) {
	pg := (*mem.Pg_t)(p)
	pa := ps.phys.Dmap_v2p(pg)
	ps.phys.Refdown(pa)
}

// Arena_t is a named source of quantum-aligned memory spans. Every slab
// cache is parameterized by one.
type Arena_t struct {
	Name      string
	Quantum   int
	QcacheMax int

	src Source

	mu   sync.Mutex
	live map[unsafe.Pointer]int
}

func newArena(name string, quantum, qcachemax int, src Source) *Arena_t {
	return &Arena_t{
		Name:      name,
		Quantum:   quantum,
		QcacheMax: qcachemax,
		src:       src,
		live:      make(map[unsafe.Pointer]int),
	}
}

// NewBase creates a byte-quantum arena backed by host memory, for
// bootstrapping caches that must work before the page allocator exists.
func NewBase(name string) *Arena_t {
	return newArena(name, 1, 0, rawSource{})
}

// NewKpages creates a PGSIZE-quantum arena fronting the physical page
// allocator, for caches that want whole, kernel-mapped pages.
func NewKpages(name string, phys *mem.Physmem_t) *Arena_t {
	return newArena(name, mem.PGSIZE, mem.PGSIZE, pageSource{phys})
}

func roundup(v, q int) int {
	if q <= 1 {
		return v
	}
	return (v + q - 1) / q * q
}

// Alloc imports a span of at least size bytes, rounded up to the arena's
// quantum. Returns nil on failure regardless of flags; Wait is honored by
// slab's caller, not here, since neither backing source in this core ever
// has anything worth waiting on.
func (a *Arena_t) Alloc(size int, flags Flags) unsafe.Pointer {
	sz := roundup(size, a.Quantum)
	p := a.src.Import(sz)
	if p == nil {
		return nil
	}
	a.mu.Lock()
	a.live[p] = sz
	a.mu.Unlock()
	return p
}

// Free returns a span previously handed out by Alloc. size must match the
// size originally requested; mismatches and double-frees are bugs.
func (a *Arena_t) Free(p unsafe.Pointer, size int) {
	sz := roundup(size, a.Quantum)
	a.mu.Lock()
	got, ok := a.live[p]
	if !ok {
		a.mu.Unlock()
		panic("arena: free of unknown span")
	}
	delete(a.live, p)
	a.mu.Unlock()
	if got != sz {
		panic("arena: free size mismatch")
	}
	a.src.Return(p, sz)
}
