// Package pagemap is the kernel's page cache: it maps an object (a file, a
// block device) into page-size chunks, analogous to Linux's struct
// address_space. Grounded on original_source/kern/src/pagemap.c in full —
// the CAS-slot encoding, pm_find_page/pm_insert_page/pm_put_page/
// pm_load_page(_nowait)/pm_remove_contig, and the "clear PG_REMOVAL on every
// exit path" fix §9 flags as a bug in the original.
//
// This port drops pagemap.c's VMR reverse-mapping and its accompanying
// PTE-unmap/TLB-shootdown passes: this core's vm package doesn't keep a
// pm_vmrs-style reverse map of who has a page_map faulted in, so
// RemoveContig here operates purely on the page cache's own CAS slots and
// writeback, without walking page tables to unmap anything. Everything
// pagemap.c does to the radix tree and the page's own flags is kept intact.
package pagemap

import (
	"sync"
	"sync/atomic"

	"caller"
	"defs"
	"kthread"
	"mem"
	"radix"
)

// Page flag bits, the subset of struct page's pg_flags this port needs.
const (
	pgLocked = 1 << iota
	pgUptodate
	pgDirty
	pgRemoval
	pgPagemap
)

// Backend supplies the actual page content, the Go stand-in for
// page_map_operations: whatever sits behind a Pagemap_t (a file, a block
// device) reads and writes pages through this.
type Backend interface {
	ReadPage(pm *Pagemap_t, index uint64, pg *mem.Pg_t) defs.Err_t
	WritePage(pm *Pagemap_t, index uint64, pg *mem.Pg_t) defs.Err_t
}

// pageDesc is the bookkeeping record pm keeps per cached page, the stand-in
// for struct page's pagemap-relevant fields (pg_flags, pg_sem, pg_tree_slot,
// pg_index). mem.Pg_t itself is a bare page-size int array with no room for
// bookkeeping, so pagemap keeps this alongside it instead of embedding.
type pageDesc struct {
	pg    *mem.Pg_t
	pa    mem.Pa_t
	index uint64
	flags atomic.Uint32
	sem   *kthread.Semaphore_t
	slot  *atomic.Uint64
}

// PM slot encoding: |--11--|--1--|----52 bits----|
//
//	refcnt   removal   token (an index into pm's token table, standing in
//	                    for the original's packed physical page number —
//	                    this core has no reason to pack a real physical
//	                    frame number into the slot itself)
const pmFlagsShift = 52
const pmRemoval = uint64(1) << pmFlagsShift
const pmRefcntShift = pmFlagsShift + 1
const pmTokenMask = (uint64(1) << pmFlagsShift) - 1

func slotRemoval(v uint64) bool    { return v&pmRemoval != 0 }
func slotSetRemoval(v uint64) uint64 { return v | pmRemoval }
func slotToken(v uint64) uint64    { return v & pmTokenMask }
func slotSetToken(v, tok uint64) uint64 {
	return (v &^ pmTokenMask) | (tok & pmTokenMask)
}
func slotRefcnt(v uint64) int { return int(v >> pmRefcntShift) }
func slotIncRefcnt(v uint64) uint64 {
	nv := v + (1 << pmRefcntShift)
	if slotRefcnt(nv) <= 0 {
		caller.PanicInvariant("pagemap: slot refcnt overflowed/went negative on incref")
	}
	return nv
}
func slotClearRemoval(v uint64) uint64 { return v &^ pmRemoval }

func orFlags(f *atomic.Uint32, bits uint32) {
	for {
		old := f.Load()
		if old&bits == bits {
			return
		}
		if f.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func andNotFlags(f *atomic.Uint32, bits uint32) {
	for {
		old := f.Load()
		if old&bits == 0 {
			return
		}
		if f.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// Pagemap_t is the teacher's struct page_map: a radix tree of cached pages
// for one backing object, plus the token table pagemap uses in place of a
// packed physical frame number.
type Pagemap_t struct {
	tree     *radix.Tree_t
	phys     *mem.Physmem_t
	op       Backend
	mu       sync.Mutex // serializes structure-changing ops, the pm_qlock equivalent
	numPages int

	tokens struct {
		mu    sync.Mutex
		next  uint64
		byTok map[uint64]*pageDesc
	}
}

// MkPagemap is pm_init: constructs an empty page cache backed by phys for
// frame allocation and op for reading/writing page content.
func MkPagemap(phys *mem.Physmem_t, op Backend) *Pagemap_t {
	pm := &Pagemap_t{tree: radix.NewTree(), phys: phys, op: op}
	pm.tokens.next = 1 // token 0 is reserved, mirrors "never alloc page 0"
	pm.tokens.byTok = make(map[uint64]*pageDesc)
	return pm
}

func (pm *Pagemap_t) newToken(pd *pageDesc) uint64 {
	pm.tokens.mu.Lock()
	defer pm.tokens.mu.Unlock()
	tok := pm.tokens.next
	pm.tokens.next++
	pm.tokens.byTok[tok] = pd
	return tok
}

func (pm *Pagemap_t) lookupToken(tok uint64) *pageDesc {
	pm.tokens.mu.Lock()
	defer pm.tokens.mu.Unlock()
	return pm.tokens.byTok[tok]
}

func (pm *Pagemap_t) dropToken(tok uint64) {
	pm.tokens.mu.Lock()
	defer pm.tokens.mu.Unlock()
	delete(pm.tokens.byTok, tok)
}

// findPage is pm_find_page: looks up index, bumping the slot's refcnt and
// clearing any in-progress removal mark if found. Returns nil if nothing is
// cached at index. Every successful find must be balanced by putPage.
func (pm *Pagemap_t) findPage(index uint64) *pageDesc {
	s := pm.tree.LookupSlot(index)
	if s == nil {
		return nil
	}
	for {
		old := s.Load()
		tok := slotToken(old)
		if tok == 0 {
			return nil
		}
		nv := slotIncRefcnt(slotClearRemoval(old))
		if s.CompareAndSwap(old, nv) {
			return pm.lookupToken(tok)
		}
	}
}

// putPage is pm_put_page: decrefs the pm-slot usage ref findPage (or a fresh
// insert) left behind. The underlying page ref stays with the cache entry
// until RemoveContig actually evicts it.
func (pm *Pagemap_t) putPage(pd *pageDesc) {
	if pd.slot == nil {
		caller.PanicInvariant("pagemap: put_page on a page with no tree slot")
	}
	pd.slot.Add(-(uint64(1) << pmRefcntShift))
}

// insertPage is pm_insert_page: publishes a freshly allocated page at index,
// or reports EEXIST if someone beat us to it. Takes ownership of pd's page
// ref on success (the caller's ref becomes the pm-slot ref).
func (pm *Pagemap_t) insertPage(index uint64, pd *pageDesc) defs.Err_t {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	s := pm.tree.Slot(index)
	cur := s.Load()
	if slotToken(cur) != 0 {
		return defs.EEXIST
	}
	tok := pm.newToken(pd)
	nv := slotIncRefcnt(slotSetToken(0, tok))
	if !s.CompareAndSwap(cur, nv) {
		pm.dropToken(tok)
		return defs.EEXIST
	}
	pd.slot = s
	pd.index = index
	pm.numPages++
	return defs.ESUCCESS
}

func (pm *Pagemap_t) allocPage(index uint64) (*pageDesc, defs.Err_t) {
	pg, pa, ok := pm.phys.Refpg_new_nozero()
	if !ok {
		return nil, defs.ENOMEM
	}
	pd := &pageDesc{pg: pg, pa: pa, index: index, sem: kthread.MkSemaphore(0)}
	pd.flags.Store(pgLocked | pgPagemap)
	return pd, defs.ESUCCESS
}

func (pm *Pagemap_t) freePage(pd *pageDesc) {
	pm.phys.Refdown(pd.pa)
}

// findOrInsert is the retry loop at the top of pm_load_page: keep trying to
// find the page; if absent, allocate and insert one, retrying on a lost
// EEXIST race against a concurrent loader.
func (pm *Pagemap_t) findOrInsert(index uint64) (pd *pageDesc, freshlyInserted bool, err defs.Err_t) {
	for {
		if found := pm.findPage(index); found != nil {
			return found, false, defs.ESUCCESS
		}
		fresh, aerr := pm.allocPage(index)
		if aerr != defs.ESUCCESS {
			return nil, false, aerr
		}
		switch pm.insertPage(index, fresh) {
		case defs.ESUCCESS:
			return fresh, true, defs.ESUCCESS
		case defs.EEXIST:
			pm.freePage(fresh)
			continue
		default:
			pm.freePage(fresh)
			return nil, false, defs.ENOMEM
		}
	}
}

// LoadPage is pm_load_page, and the method that makes Pagemap_t satisfy
// vm.Pager: makes sure index is loaded and returns its physical location.
// Unlike the original (which hands the caller a pm-slot ref to put later),
// this core's Pager interface has no matching "done" call, so LoadPage
// takes and releases its own lookup ref internally — ownership of the page
// passes to whatever PTE the caller installs with the returned address,
// exactly as the original intends once the fault handler finishes with it.
func (pm *Pagemap_t) LoadPage(pgn uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	index := uint64(pgn)
	pd, freshlyInserted, err := pm.findOrInsert(index)
	if err != defs.ESUCCESS {
		return nil, 0, err
	}
	defer pm.putPage(pd)

	if !freshlyInserted {
		if pd.flags.Load()&pgUptodate != 0 {
			return pd.pg, pd.pa, defs.ESUCCESS
		}
		pd.sem.Down()
		if pd.flags.Load()&pgUptodate != 0 {
			pd.sem.Up()
			return pd.pg, pd.pa, defs.ESUCCESS
		}
	}
	if rerr := pm.op.ReadPage(pm, index, pd.pg); rerr != defs.ESUCCESS {
		pd.sem.Up()
		return nil, 0, rerr
	}
	orFlags(&pd.flags, pgUptodate)
	pd.sem.Up()
	return pd.pg, pd.pa, defs.ESUCCESS
}

// LoadPageNowait is pm_load_page_nowait: only returns a page already cached
// and up to date, never allocates or blocks.
func (pm *Pagemap_t) LoadPageNowait(pgn uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	index := uint64(pgn)
	pd := pm.findPage(index)
	if pd == nil {
		return nil, 0, defs.EAGAIN
	}
	defer pm.putPage(pd)
	if pd.flags.Load()&pgUptodate == 0 {
		return nil, 0, defs.EAGAIN
	}
	return pd.pg, pd.pa, defs.ESUCCESS
}

// MarkDirty flags the page at index dirty, the bookkeeping a write fault or
// a write(2) performs before WritebackPages or RemoveContig's writeback pass
// picks it up.
func (pm *Pagemap_t) MarkDirty(pgn uintptr) {
	pd := pm.findPage(uint64(pgn))
	if pd == nil {
		return
	}
	defer pm.putPage(pd)
	orFlags(&pd.flags, pgDirty)
}

// WritebackPages is pm_writeback_pages: flushes every currently dirty page
// through the backend, clearing PG_DIRTY as it goes.
func (pm *Pagemap_t) WritebackPages() {
	pm.tokens.mu.Lock()
	descs := make([]*pageDesc, 0, len(pm.tokens.byTok))
	for _, pd := range pm.tokens.byTok {
		descs = append(descs, pd)
	}
	pm.tokens.mu.Unlock()

	for _, pd := range descs {
		if pd.flags.Load()&pgDirty != 0 {
			andNotFlags(&pd.flags, pgDirty)
			pm.op.WritePage(pm, pd.index, pd.pg)
		}
	}
}

// RemoveContig is pm_remove_contig: attempts to evict pages
// [index, index+nrPages) from the cache, writing back any that are dirty
// first. Returns the number of pages actually removed — a page with a live
// refcnt, or one that races with a concurrent finder before the second
// pass, is left in place.
//
// PG_REMOVAL is cleared on every exit path once set, including the abort
// branches ("someone grabbed a ref before we finished" and "lost the final
// CAS"), per the fix §9 calls out: the original sometimes leaves it set on
// those paths, which would wedge the page out of future removal attempts.
func (pm *Pagemap_t) RemoveContig(index, nrPages uint64) int {
	if nrPages == 0 {
		return 0
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	marked := make([]uint64, 0, nrPages)
	for i := index; i < index+nrPages; i++ {
		s := pm.tree.LookupSlot(i)
		if s == nil {
			continue
		}
		for {
			old := s.Load()
			tok := slotToken(old)
			if tok == 0 {
				break
			}
			if slotRefcnt(old) != 0 {
				break
			}
			if slotRemoval(old) {
				marked = append(marked, i)
				break
			}
			nv := slotSetRemoval(old)
			if s.CompareAndSwap(old, nv) {
				pd := pm.lookupToken(tok)
				orFlags(&pd.flags, pgRemoval)
				marked = append(marked, i)
				break
			}
			// Lost the CAS race; old changed underneath us, retry this index.
		}
	}

	// Writeback pass: flush anything marked and still dirty before evicting.
	for _, i := range marked {
		s := pm.tree.LookupSlot(i)
		if s == nil {
			continue
		}
		tok := slotToken(s.Load())
		pd := pm.lookupToken(tok)
		if pd == nil {
			continue
		}
		if pd.flags.Load()&pgDirty != 0 {
			andNotFlags(&pd.flags, pgDirty)
			pm.op.WritePage(pm, i, pd.pg)
		}
	}

	removed := 0
	for _, i := range marked {
		s := pm.tree.LookupSlot(i)
		if s == nil {
			continue
		}
		old := s.Load()
		tok := slotToken(old)
		pd := pm.lookupToken(tok)
		if pd == nil {
			continue
		}
		if pd.flags.Load()&pgRemoval == 0 {
			continue // already handled by a previous pass iteration
		}
		if !slotRemoval(old) {
			// A finder grabbed a ref and cleared removal since we marked it:
			// abort the remove for this page, but still clear our PG_REMOVAL.
			andNotFlags(&pd.flags, pgRemoval)
			continue
		}
		if slotRefcnt(old) != 0 {
			// A ref appeared between marking and the final CAS: abort and
			// clear PG_REMOVAL, same as the "someone grabbed a ref" case.
			andNotFlags(&pd.flags, pgRemoval)
			continue
		}
		nv := slotSetToken(old, 0)
		if !s.CompareAndSwap(old, nv) {
			andNotFlags(&pd.flags, pgRemoval)
			continue
		}
		pd.flags.Store(0)
		pm.freePage(pd)
		pm.dropToken(tok)
		pm.tree.Delete(i)
		removed++
	}
	pm.numPages -= removed
	return removed
}

// NumPages reports how many pages are currently cached, for diagnostics and
// tests.
func (pm *Pagemap_t) NumPages() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.numPages
}
