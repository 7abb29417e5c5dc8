package vm

import "sort"

import "defs"
import "mem"

// mtype_t distinguishes how a Vminfo_t's pages are populated on fault.
type mtype_t int

const (
	// VANON is a private anonymous region: faults are satisfied from the
	// zero page (read) or a freshly allocated page (write, breaking COW).
	VANON mtype_t = iota
	// VFILE is a file-backed region; faults go through a Pager.
	VFILE
	// VSANON is a shared anonymous region; every mapper sees the same
	// physical pages, so a fault here is a bug (it must already be
	// mapped by whoever created the share).
	VSANON
)

// Pager supplies physical pages for file-backed mappings. pagemap's page
// cache is the only implementation; this interface exists so vm does not
// need to import pagemap's full API, just the one call its fault handler
// makes.
type Pager interface {
	LoadPage(pgn uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t)
}

// Mfile_t is the file-mapping state of one file-backed Vminfo_t: its pager,
// unpin hook, and a count of mapped pages that Clear uses to decide when to
// unpin. _mkvmi gives each file region its own Mfile_t; it is not shared
// between regions.
type Mfile_t struct {
	mfops    Pager
	unpin    mem.Unpin_i
	mapcount int
}

// Vminfo_t describes one mapped region of a process's address space: a
// contiguous run of virtual pages, how faults against it are satisfied, and
// the permissions a fault is allowed to install.
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen uintptr
	Perms uint
	file  struct {
		foff   int
		mfile  *Mfile_t
		shared bool
	}
}

// Ptefor returns a pointer to the PTE for va within pmap, creating
// intermediate page tables as needed.
func (vmi *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	return mem.PgdirWalk(pmap, va, mem.WalkCreateNormal)
}

// Filepage loads the page backing faultaddr from this region's file pager.
func (vmi *Vminfo_t) Filepage(faultaddr uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	if vmi.file.mfile == nil || vmi.file.mfile.mfops == nil {
		return nil, 0, -defs.EINVAL
	}
	pgn := faultaddr>>PGSHIFT - vmi.Pgn + uintptr(vmi.file.foff>>PGSHIFT)
	return vmi.file.mfile.mfops.LoadPage(pgn)
}

func (vmi *Vminfo_t) end() uintptr {
	return vmi.Pgn + vmi.Pglen
}

// Vmregion_t is the ordered set of mapped regions making up one address
// space's user-visible layout. Regions never overlap; insert panics if
// asked to create one that would.
type Vmregion_t struct {
	regions []*Vminfo_t
}

// insert adds vmi to the region set, keeping it sorted by starting page
// number. It does not touch a file mapping's mapcount; _mkvmi sets that.
func (vr *Vmregion_t) insert(vmi *Vminfo_t) {
	i := sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].Pgn >= vmi.Pgn
	})
	if i < len(vr.regions) && vr.regions[i].Pgn < vmi.end() {
		panic("overlapping vm region")
	}
	if i > 0 && vr.regions[i-1].end() > vmi.Pgn {
		panic("overlapping vm region")
	}
	vr.regions = append(vr.regions, nil)
	copy(vr.regions[i+1:], vr.regions[i:])
	vr.regions[i] = vmi
}

// Lookup returns the region containing va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	i := sort.Search(len(vr.regions), func(i int) bool {
		return vr.regions[i].end() > pgn
	})
	if i == len(vr.regions) || vr.regions[i].Pgn > pgn {
		return nil, false
	}
	return vr.regions[i], true
}

// empty finds the lowest gap of at least `want` bytes at or above start,
// returning its start address and available length (which may exceed
// want). It never looks below start.
func (vr *Vmregion_t) empty(start, want uintptr) (uintptr, uintptr) {
	startpg := start >> PGSHIFT
	wantpg := (want + mem.PGOFFSET) >> PGSHIFT
	cur := startpg
	for _, r := range vr.regions {
		if r.end() <= cur {
			continue
		}
		if r.Pgn > cur && r.Pgn-cur >= wantpg {
			return cur << PGSHIFT, (r.Pgn - cur) << PGSHIFT
		}
		// gap before r (if any) is too small; keep looking past r.
		cur = r.end()
	}
	return cur << PGSHIFT, 1<<48 - (cur << PGSHIFT)
}

// Clear drops every region's reference to its backing file, for address
// space teardown.
func (vr *Vmregion_t) Clear() {
	for _, r := range vr.regions {
		if r.Mtype != VFILE || r.file.mfile == nil {
			continue
		}
		mf := r.file.mfile
		mf.mapcount -= int(r.Pglen)
		if mf.mapcount <= 0 && mf.unpin != nil {
			mf.unpin.Unpin(0)
		}
	}
	vr.regions = nil
}

// pmap_walk returns the PTE for va, creating intermediate tables as needed
// under the given perms (perms is only consulted for its PTE_PS bit, to
// decide on a jumbo walk).
func pmap_walk(pmap *mem.Pmap_t, va int, perms mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	create := mem.WalkCreateNormal
	if perms&PTE_PS != 0 {
		create = mem.WalkCreateJumbo
	}
	pte, ok := mem.PgdirWalk(pmap, uintptr(va), create)
	if !ok {
		return nil, -defs.ENOMEM
	}
	return pte, 0
}

// Pmap_lookup returns the PTE for va without creating anything, or nil if
// there is none.
func Pmap_lookup(pmap *mem.Pmap_t, va int) *mem.Pa_t {
	pte, _ := mem.PgdirWalk(pmap, uintptr(va), mem.WalkNoCreate)
	return pte
}
