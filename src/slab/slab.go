// Package slab implements the per-core-magazine slab allocator: fixed-size
// object caches that hand out and reclaim objects through lockless-fast-path
// per-core magazines backed by a shared depot, falling back to real slab
// growth/shrink only when a core's magazines run dry or overflow. Every
// cache is parameterized by a source arena it grows from.
package slab

import "sync"
import "unsafe"

import "arena"
import "archrt"
import "hashtable"
import "util"

// Flags selects Alloc's blocking behavior, passed straight through to the
// cache's source arena when it has to grow.
type Flags = arena.Flags

const (
	Atomic = arena.Atomic
	Wait   = arena.Wait
)

const (
	magMinSize = 1
	magMaxSize = 32

	// busyResizeThreshold and busyResizeTimeout gate the depot's adaptive
	// magazine-size growth: a lock is "contended" if another locker is
	// already holding it, and if that keeps happening within this many
	// nanoseconds of each other more than busyResizeThreshold times running,
	// the depot grows its magazine size to cut contention.
	busyResizeThreshold = 5
	busyResizeTimeoutNs = int64(1 * 1000 * 1000) // 1ms

	// largeCutoff is the object-size boundary past which a cache always
	// uses bufctl mode: above this, embedding a free-list link in the
	// object body itself would waste too much space relative to a
	// separately allocated bufctl.
	largeCutoff = 8192
)

// mag_t is a magazine: a LIFO stack of up to cap(objs) free objects, plus a
// link so idle magazines can be chained on the depot's full/empty lists.
type mag_t struct {
	objs []unsafe.Pointer
	next *mag_t
}

func newMag(size int) *mag_t {
	return &mag_t{objs: make([]unsafe.Pointer, 0, size)}
}

func (m *mag_t) full() bool  { return len(m.objs) == cap(m.objs) }
func (m *mag_t) empty() bool { return len(m.objs) == 0 }

func (m *mag_t) pop() unsafe.Pointer {
	n := len(m.objs) - 1
	p := m.objs[n]
	m.objs = m.objs[:n]
	return p
}

func (m *mag_t) push(p unsafe.Pointer) {
	m.objs = append(m.objs, p)
}

// pcpuCache_t is the fast path: two magazines, "loaded" (actively served)
// and "previous" (kept around so a free immediately after a drained alloc
// round doesn't have to go to the depot). Protected only by disabling
// migration of the calling goroutine off its core, mirroring the source's
// single-owner-core invariant; here we use a plain mutex since this core
// has no real core-pinning mechanism to exploit.
type pcpuCache_t struct {
	mu      sync.Mutex
	loaded  *mag_t
	prev    *mag_t
	magsize int
}

// depot_t is the cache-wide pool of magazines shared across cores: a
// not-empty list (full or partial magazines ready to be handed to a
// starving core) and an empty list (drained magazines ready to receive
// objects from a core with a full "loaded" magazine).
type depot_t struct {
	mu    sync.Mutex
	full  *mag_t
	empty *mag_t

	magsize int

	busyStart  int64
	busyCount  int
}

func (d *depot_t) lock() {
	if d.mu.TryLock() {
		return
	}
	start := archrt.NowNanos()
	d.mu.Lock()
	if start-d.busyStart < busyResizeTimeoutNs {
		d.busyCount++
	} else {
		d.busyCount = 1
	}
	d.busyStart = start
	if d.busyCount > busyResizeThreshold {
		d.magsize = util.Min(magMaxSize, d.magsize+1)
		d.busyCount = 0
	}
}

func (d *depot_t) unlock() { d.mu.Unlock() }

func (d *depot_t) popFull() *mag_t {
	m := d.full
	if m == nil {
		return nil
	}
	d.full = m.next
	m.next = nil
	return m
}

func (d *depot_t) popEmpty() *mag_t {
	m := d.empty
	if m == nil {
		return nil
	}
	d.empty = m.next
	m.next = nil
	return m
}

func (d *depot_t) pushFull(m *mag_t) {
	m.next = d.full
	d.full = m
}

func (d *depot_t) pushEmpty(m *mag_t) {
	m.next = d.empty
	d.empty = m
}

// bufctl_t is the out-of-band free-list link used for caches whose objects
// are too small, too large, or otherwise unsafe to thread a pointer through
// (the object's own first word would be clobbered while free, visible to a
// reader who still holds a stale reference). Free bufctls are chained
// through next; in-use bufctls are found by address via the cache's
// bufctls hashtable.
type bufctl_t struct {
	buf  unsafe.Pointer
	slab *slab_t
	next *bufctl_t
}

// slab_t tracks one span of memory carved from the cache's source arena and
// divided into fixed-size objects.
type slab_t struct {
	next, prev *slab_t
	mem        unsafe.Pointer
	memSize    int
	numBusy    int
	numTotal   int
	// freeList links free objects in pro-touch mode by storing the next
	// pointer in the object's own first word. In bufctl mode this is nil
	// and bufHead/bufctls own the free list instead.
	freeList unsafe.Pointer
	// bufHead is the free bufctl list for bufctl-mode caches; nil and
	// unused for pro-touch caches, which thread freeList through the
	// objects themselves instead.
	bufHead *bufctl_t
}

type slabList_t struct {
	head *slab_t
}

func (l *slabList_t) empty() bool { return l.head == nil }

func (l *slabList_t) remove(s *slab_t) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if l.head == s {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
}

func (l *slabList_t) pushFront(s *slab_t) {
	s.next = l.head
	s.prev = nil
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
}

// Cache_t is a fixed-size object allocator. Every core gets its own
// pcpuCache_t fast path; a shared depot backs cores whose magazines run
// out; slab growth/shrink against the source arena is the slow path below
// that.
type Cache_t struct {
	Name    string
	ObjSize int
	Align   int
	Source  *arena.Arena_t

	Ctor func(obj unsafe.Pointer) error
	Dtor func(obj unsafe.Pointer)

	useBufctl bool
	importAmt int

	mu      sync.Mutex
	full    slabList_t
	partial slabList_t
	empty   slabList_t

	bufctls *hashtable.Hashtable_t // only used in bufctl mode

	depot  depot_t
	pcpu   []*pcpuCache_t

	// magazineCache supplies this cache's magazine bodies, except for the
	// bootstrap magazine cache itself, which (rawMag set) allocates its own
	// magazines as plain Go values via newMag (see NewMagazineCache).
	magazineCache *Cache_t
	rawMag        bool
}

func roundup(v, q int) int {
	if q <= 1 {
		return v
	}
	return (v + q - 1) / q * q
}

// NewMagazineCache creates the cache every other cache's per-core and depot
// magazines are allocated from. It must be created before any other cache,
// and it cannot itself depend on a magazine cache (that would be circular),
// so with rawMag set its pcpu/depot layers get their magazines as plain Go
// allocations (newMag), not from the source arena or any cache.
func NewMagazineCache(source *arena.Arena_t) *Cache_t {
	return newCache("magazine", int(unsafe.Sizeof(mag_t{})), 8, source, nil, nil, nil, true)
}

// Create makes a new object cache of the given size and alignment, sourcing
// growth from the given arena and optional magazines from magazineCache
// (pass the result of NewMagazineCache, or the bootstrap cache itself).
func Create(name string, objsize, align int, source *arena.Arena_t, magazineCache *Cache_t, ctor func(unsafe.Pointer) error, dtor func(unsafe.Pointer)) *Cache_t {
	return newCache(name, objsize, align, source, magazineCache, ctor, dtor, false)
}

// isPageGrowth reports whether source hands out whole, fixed-size pages
// (a kpages arena), the only case where a slab can embed its bookkeeping
// struct at the tail of the span it grows by instead of needing a
// separately allocated bufctl per object.
func isPageGrowth(source *arena.Arena_t) bool {
	return source.QcacheMax > 0 && source.QcacheMax == source.Quantum
}

func newCache(name string, objsize, align int, source *arena.Arena_t, magazineCache *Cache_t, ctor func(unsafe.Pointer) error, dtor func(unsafe.Pointer), rawMag bool) *Cache_t {
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		panic("slab: alignment must be a power of two")
	}
	objsize = roundup(objsize, align)

	useBufctl := objsize < int(unsafe.Sizeof(uintptr(0))) ||
		objsize > largeCutoff ||
		!isPageGrowth(source)

	c := &Cache_t{
		Name:          name,
		ObjSize:       objsize,
		Align:         align,
		Source:        source,
		Ctor:          ctor,
		Dtor:          dtor,
		useBufctl:     useBufctl,
		magazineCache: magazineCache,
		rawMag:        rawMag,
	}
	if isPageGrowth(source) {
		c.importAmt = source.Quantum
	} else {
		c.importAmt = util.Max(source.Quantum, objsize*8)
	}
	if useBufctl {
		c.bufctls = hashtable.MkHash(64)
	}

	c.pcpu = make([]*pcpuCache_t, archrt.MaxCPUs)
	for i := range c.pcpu {
		c.pcpu[i] = &pcpuCache_t{magsize: magMinSize}
	}
	c.depot.magsize = magMinSize
	return c
}

func (c *Cache_t) core() archrt.CoreID {
	return archrt.CPUHint()
}

// allocMagazine gets a fresh empty magazine, either as a plain Go
// allocation (bootstrap magazine cache) or by recursively allocating one
// from magazineCache.
func (c *Cache_t) allocMagazine(size int) *mag_t {
	if c.rawMag {
		return newMag(size)
	}
	p := c.magazineCache.Alloc(Atomic)
	if p == nil {
		return nil
	}
	m := (*mag_t)(p)
	m.objs = make([]unsafe.Pointer, 0, size)
	m.next = nil
	return m
}

// Alloc returns a new object, or nil if none is available under the given
// flags. The fast path never touches c.mu: it only manipulates the calling
// core's own pcpuCache_t.
func (c *Cache_t) Alloc(flags Flags) unsafe.Pointer {
	pcc := c.pcpu[c.core()%archrt.CoreID(len(c.pcpu))]
	pcc.mu.Lock()
	if pcc.loaded == nil {
		pcc.loaded = newMag(0)
	}
	if !pcc.loaded.empty() {
		p := pcc.loaded.pop()
		pcc.mu.Unlock()
		return p
	}
	if pcc.prev != nil && !pcc.prev.empty() {
		pcc.loaded, pcc.prev = pcc.prev, pcc.loaded
		p := pcc.loaded.pop()
		pcc.mu.Unlock()
		return p
	}
	pcc.mu.Unlock()

	c.depot.lock()
	m := c.depot.popFull()
	c.depot.unlock()
	if m != nil {
		pcc.mu.Lock()
		if pcc.prev != nil {
			// pcc.prev was confirmed empty above; hand it back to the depot
			// for reuse rather than destroying it.
			c.depot.lock()
			c.depot.pushEmpty(pcc.prev)
			c.depot.unlock()
		}
		pcc.prev = pcc.loaded
		pcc.loaded = m
		p := pcc.loaded.pop()
		pcc.mu.Unlock()
		return p
	}

	return c.allocFromSlab(flags)
}

// Zalloc allocates an object and zeroes it.
func (c *Cache_t) Zalloc(flags Flags) unsafe.Pointer {
	p := c.Alloc(flags)
	if p == nil {
		return nil
	}
	dst := unsafe.Slice((*byte)(p), c.ObjSize)
	for i := range dst {
		dst[i] = 0
	}
	return p
}

// allocFromSlab is the slow path: take an object straight from the
// partial or empty slab lists, growing the cache if both are empty.
func (c *Cache_t) allocFromSlab(flags Flags) unsafe.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.partial.empty() {
		if c.empty.empty() && !c.grow(flags) {
			return nil
		}
		e := c.empty.head
		c.empty.remove(e)
		c.partial.pushFront(e)
	}
	s := c.partial.head
	obj := c.takeOne(s)
	s.numBusy++
	if s.numBusy == s.numTotal {
		c.partial.remove(s)
		c.full.pushFront(s)
	}
	if c.Ctor != nil {
		if err := c.Ctor(obj); err != nil {
			s.numBusy--
			c.giveOne(s, obj)
			return nil
		}
	}
	return obj
}

func (c *Cache_t) takeOne(s *slab_t) unsafe.Pointer {
	if c.useBufctl {
		bc := s.bufHead
		s.bufHead = bc.next
		bc.next = nil
		c.bufctls.Set(uintptr(bc.buf), bc)
		return bc.buf
	}
	p := s.freeList
	next := *(*unsafe.Pointer)(p)
	s.freeList = next
	return p
}

// giveOne returns obj to its slab's free list. For bufctl-mode caches, obj
// must already have a tracked bufctl (from a prior takeOne); this is only
// used for rollback paths, not Free's general case (see freeToSlabDirect).
func (c *Cache_t) giveOne(s *slab_t, obj unsafe.Pointer) {
	if c.useBufctl {
		v, ok := c.bufctls.Get(uintptr(obj))
		if !ok {
			panic("slab: giveOne of untracked bufctl object")
		}
		bc := v.(*bufctl_t)
		c.bufctls.Del(uintptr(obj))
		bc.next = s.bufHead
		s.bufHead = bc
		return
	}
	*(*unsafe.Pointer)(obj) = s.freeList
	s.freeList = obj
}

// grow imports one more span from the source arena and carves it into a
// fresh slab on the empty list, moved to partial once in use.
func (c *Cache_t) grow(flags Flags) bool {
	n := c.importAmt
	mem := c.Source.Alloc(n, flags)
	if mem == nil {
		return false
	}
	nobj := n / c.ObjSize
	if nobj == 0 {
		c.Source.Free(mem, n)
		return false
	}
	s := &slab_t{mem: mem, memSize: n, numTotal: nobj}

	if c.useBufctl {
		base := uintptr(mem)
		for i := nobj - 1; i >= 0; i-- {
			obj := unsafe.Pointer(base + uintptr(i)*uintptr(c.ObjSize))
			bc := &bufctl_t{buf: obj, slab: s}
			bc.next = s.bufHead
			s.bufHead = bc
		}
	} else {
		base := uintptr(mem)
		for i := nobj - 1; i >= 0; i-- {
			obj := unsafe.Pointer(base + uintptr(i)*uintptr(c.ObjSize))
			*(*unsafe.Pointer)(obj) = s.freeList
			s.freeList = obj
		}
	}
	c.empty.pushFront(s)
	return true
}

// Free returns obj to the cache. The fast path mirrors Alloc: first try the
// loaded magazine, then prev, then ask the depot for an empty magazine,
// and only fall to the slab layer if none is available.
func (c *Cache_t) Free(obj unsafe.Pointer) {
	pcc := c.pcpu[c.core()%archrt.CoreID(len(c.pcpu))]
	pcc.mu.Lock()
	if pcc.loaded == nil {
		pcc.loaded = newMag(pcc.magsize)
	}
	if !pcc.loaded.full() {
		pcc.loaded.push(obj)
		pcc.mu.Unlock()
		return
	}
	if pcc.prev != nil && !pcc.prev.full() {
		pcc.loaded, pcc.prev = pcc.prev, pcc.loaded
		pcc.loaded.push(obj)
		pcc.mu.Unlock()
		return
	}
	pcc.mu.Unlock()

	c.depot.lock()
	m := c.depot.popEmpty()
	sz := c.depot.magsize
	c.depot.unlock()

	if m == nil {
		// Allocate a fresh magazine atomically. This must not recurse back
		// into this cache's own Free path; on failure we skip the
		// magazine layer entirely rather than risk deadlocking the first
		// free this cache ever sees.
		m = c.allocMagazine(sz)
	}
	if m == nil {
		c.freeToSlabDirect(obj)
		return
	}

	pcc.mu.Lock()
	if pcc.prev != nil {
		c.depot.lock()
		c.depot.pushFull(pcc.prev)
		c.depot.unlock()
	}
	pcc.prev = pcc.loaded
	pcc.loaded = m
	pcc.loaded.push(obj)
	pcc.mu.Unlock()
}

// freeToSlabDirect bypasses the magazine layer and returns obj straight to
// its owning slab, running the destructor first.
func (c *Cache_t) freeToSlabDirect(obj unsafe.Pointer) {
	if c.Dtor != nil {
		c.Dtor(obj)
	}
	c.mu.Lock()
	c.returnToSlab(obj)
	c.mu.Unlock()
}

// returnToSlab gives obj back to its owning slab's free list and updates
// full/partial/empty list membership. Caller must hold c.mu and must already
// have run the destructor, if any.
func (c *Cache_t) returnToSlab(obj unsafe.Pointer) {
	var s *slab_t
	if c.useBufctl {
		v, ok := c.bufctls.Get(uintptr(obj))
		if !ok {
			panic("slab: free of unknown object")
		}
		s = v.(*bufctl_t).slab
	} else {
		// Span membership is determined by address range, not arithmetic,
		// since spans come from an arbitrary host allocation rather than a
		// fixed page frame.
		s = c.findSlabByAddr(obj)
		if s == nil {
			panic("slab: free of object outside any known slab")
		}
	}

	wasFull := s.numBusy == s.numTotal
	c.giveOne(s, obj)
	s.numBusy--

	if wasFull {
		c.full.remove(s)
		c.partial.pushFront(s)
	}
	if s.numBusy == 0 {
		c.partial.remove(s)
		c.empty.pushFront(s)
	}
}

func (c *Cache_t) findSlabByAddr(obj unsafe.Pointer) *slab_t {
	addr := uintptr(obj)
	for _, l := range []*slabList_t{&c.partial, &c.full} {
		for s := l.head; s != nil; s = s.next {
			start := uintptr(s.mem)
			if addr >= start && addr < start+uintptr(s.memSize) {
				return s
			}
		}
	}
	return nil
}

// Reap releases every completely-empty slab back to the source arena. It
// does not touch partial or full slabs.
func (c *Cache_t) Reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := c.empty.head; s != nil; {
		next := s.next
		c.empty.remove(s)
		c.Source.Free(s.mem, s.memSize)
		s = next
	}
}

// Destroy tears the cache down: every outstanding magazine (per-core and
// depot) is drained back to its owning slab first, then the cache refuses
// (returning false) if any slab still has live objects in it, mirroring the
// source's refusal to destroy a cache that still owns outstanding
// allocations.
func (c *Cache_t) Destroy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pcc := range c.pcpu {
		pcc.mu.Lock()
		if pcc.loaded != nil {
			c.drainMagazine(pcc.loaded)
		}
		if pcc.prev != nil {
			c.drainMagazine(pcc.prev)
		}
		pcc.mu.Unlock()
	}
	for m := c.depot.popFull(); m != nil; m = c.depot.popFull() {
		c.drainMagazine(m)
	}

	if !c.full.empty() || !c.partial.empty() {
		return false
	}
	for s := c.empty.head; s != nil; s = s.next {
		c.Source.Free(s.mem, s.memSize)
	}
	return true
}

// drainMagazine empties m, destructing and returning every object to its
// slab. Caller must hold c.mu.
func (c *Cache_t) drainMagazine(m *mag_t) {
	for !m.empty() {
		obj := m.pop()
		if c.Dtor != nil {
			c.Dtor(obj)
		}
		c.returnToSlab(obj)
	}
}
