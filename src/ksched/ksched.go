// Package ksched implements the two-tier core scheduler: SCPs on a single
// runnable list serviced by the LL core, MCPs rotating between a primary and
// secondary list serviced by a poke-gated sweep. Grounded on
// original_source/kern/src/schedule.c; this is the first occupant of what
// the teacher shipped as an empty stub module.
package ksched

import (
	"sync"

	"limits"
)

// PcoreID identifies a physical core by index.
type PcoreID uint32

// Proc is the subset of process-layer behavior the scheduler calls into.
// Defined here (rather than imported from package proc) so ksched and proc
// can depend on each other without a cycle: proc implements Proc and holds a
// *Ksched_t, ksched only ever sees the interface.
type Proc interface {
	PID() int
	IsWaiting() bool
	IsDying() bool
	Incref()
	Decref()
	// GiveCores atomically hands pcores to the proc and transitions it to
	// running if appropriate. An error return means the proc was WAITING or
	// DYING and the cores must be returned to the idle list.
	GiveCores(pcores []PcoreID) error
	RunM()
	// PreemptCore attempts to reclaim pcore from whatever holds it, with no
	// warning time. True means the core is now idle and dealloc'd from
	// whoever had it.
	PreemptCore(pcore PcoreID) bool
	ResWanted(t limits.ResType) int
	ResGranted(t limits.ResType) int
	AddResGranted(t limits.ResType, delta int) int
}

// schedPcore tracks one physical core's allocation and provisioning state,
// the Go shape of struct sched_pcore.
type schedPcore struct {
	id        PcoreID
	allocProc Proc
	provProc  Proc
}

// pokeTracker is the wait-free single-runner-with-rerun gate described in
// spec 4.5 ("Poke gate"): at most one goroutine runs fn at a time, and if
// poked while running, fn runs again before the gate goes quiet.
type pokeTracker struct {
	mu        sync.Mutex
	running   bool
	wantAgain bool
	fn        func()
}

func (pk *pokeTracker) poke() {
	pk.mu.Lock()
	if pk.running {
		pk.wantAgain = true
		pk.mu.Unlock()
		return
	}
	pk.running = true
	pk.mu.Unlock()
	for {
		pk.fn()
		pk.mu.Lock()
		if pk.wantAgain {
			pk.wantAgain = false
			pk.mu.Unlock()
			continue
		}
		pk.running = false
		pk.mu.Unlock()
		return
	}
}

// Ksched_t is the scheduler's global mutable state: the pcore table, the
// idle-core list, per-proc provisioning lists, and the MCP primary/secondary
// rotation. Spec 3's "Global mutable state" note calls these process-wide
// singletons initialized once at boot; expressed here as an explicitly
// constructed struct (via NewKsched) rather than package-level globals so
// tests can build fresh, isolated instances.
type Ksched_t struct {
	mu      sync.Mutex
	numCPUs int
	pcores  []*schedPcore
	idle    []*schedPcore // FIFO of unallocated pcores, like idlecores

	primary   []Proc
	secondary []Proc

	provAllocMe    map[Proc][]*schedPcore
	provNotAllocMe map[Proc][]*schedPcore

	poker pokeTracker
}

// NewKsched builds a scheduler for numCPUs pcores, all idle and
// unprovisioned, core 0 reserved as the LL/management core.
func NewKsched(numCPUs int) *Ksched_t {
	ks := &Ksched_t{
		numCPUs:        numCPUs,
		pcores:         make([]*schedPcore, numCPUs),
		provAllocMe:    make(map[Proc][]*schedPcore),
		provNotAllocMe: make(map[Proc][]*schedPcore),
	}
	for i := 0; i < numCPUs; i++ {
		spc := &schedPcore{id: PcoreID(i)}
		ks.pcores[i] = spc
		if i != 0 { // core 0 is the LL core, never idle-listed
			ks.idle = append(ks.idle, spc)
		}
	}
	ks.poker.fn = ks.runMCPKsched
	return ks
}

// IsLLCore reports whether pcore is a low-latency/management core. Core 0
// is the only one, same simplification schedule.c's own comment admits to
// ("For now, core0 is the only LL core").
func (ks *Ksched_t) IsLLCore(pcore PcoreID) bool {
	return pcore == 0
}

// MaxVcores is the most vcores any one MCP may ever hold: every core except
// the reserved LL core.
func (ks *Ksched_t) MaxVcores() int {
	return ks.numCPUs - 1
}

// RunScheduler pokes the MCP ksched to run (or re-run). Spec 4.5's "Cpu idle
// hook"/"Alarm tick" both funnel SCP scheduling through the caller instead;
// this mirrors run_scheduler's MCP half.
func (ks *Ksched_t) RunScheduler() {
	ks.poker.poke()
}

// PokeKsched is the MCP-only poke entry point a proc uses to ask the
// scheduler to reconsider it, mirroring poke_ksched (the res_type parameter
// the teacher threads through unused is dropped here, matching its own
// comment that it ignores it "for now").
func (ks *Ksched_t) PokeKsched() {
	ks.poker.poke()
}

// AddMCP enqueues a freshly-made multi-core proc onto the primary list.
func (ks *Ksched_t) AddMCP(p Proc) {
	ks.mu.Lock()
	ks.primary = append(ks.primary, p)
	ks.mu.Unlock()
}

// getCoresNeeded computes amt_wanted - amt_granted, clamped to [0,
// max_vcores], with the self-correcting nudges get_cores_needed applies: a
// request over max is capped down to 1, and a zero request from a
// non-WAITING proc is bumped to 1 so it can make progress and yield
// properly. ks.mu must be held by the caller.
func (ks *Ksched_t) getCoresNeeded(p Proc) int {
	wanted := p.ResWanted(limits.ResCores)
	if wanted > ks.MaxVcores() {
		// Asked for the impossible; cap locally rather than crash them.
		wanted = 1
	}
	if wanted == 0 {
		wanted = 1
	}
	granted := p.ResGranted(limits.ResCores)
	if wanted <= granted {
		return 0
	}
	return wanted - granted
}

// runMCPKsched is the two-pass primary/secondary sweep described in spec
// 4.5's "MCP pass", the body of __run_mcp_ksched. Only ever invoked through
// ks.poker, which guarantees a single runner.
func (ks *Ksched_t) runMCPKsched() {
	ks.mu.Lock()
	for len(ks.primary) > 0 {
		p := ks.primary[0]
		ks.primary = ks.primary[1:]

		if p.IsWaiting() {
			ks.secondary = append(ks.secondary, p)
			continue
		}
		need := ks.getCoresNeeded(p)
		if need == 0 {
			ks.secondary = append(ks.secondary, p)
			continue
		}
		p.Incref()
		ks.coreRequest(p, need)
		if !p.IsDying() {
			ks.secondary = append(ks.secondary, p)
		}
		p.Decref()
	}
	ks.primary, ks.secondary = ks.secondary, ks.primary
	ks.mu.Unlock()
}

// coreRequest is __core_request: first reclaim cores provisioned to p but
// held by someone else (preempting as needed), then pull from the idle
// list, then hand the assembled corelist to p. ks.mu is held on entry and
// exit; it is dropped around the calls into Proc that may block.
func (ks *Ksched_t) coreRequest(p Proc, amtNeeded int) {
	var corelist []PcoreID

	notAlloc := ks.provNotAllocMe[p]
	for len(notAlloc) > 0 && len(corelist) < amtNeeded {
		spc := notAlloc[0]
		if spc.allocProc != nil {
			victim := spc.allocProc
			ks.mu.Unlock()
			ok := victim.PreemptCore(spc.id)
			ks.mu.Lock()
			notAlloc = ks.provNotAllocMe[p]
			if ok {
				ks.provTrackDealloc(victim, spc)
				ks.idle = append(ks.idle, spc)
			} else {
				// Unmapped by some other path (yield/death); whoever did
				// that already tracked the dealloc and idled it. Nothing
				// more to do here; the retry loop below will see it either
				// still prov_not_alloc_me (idle) or no longer prov'd to p.
			}
			if spc.provProc != p {
				notAlloc = ks.provNotAllocMe[p]
				continue
			}
		}
		// spc is now idle and still provisioned to p: claim it.
		ks.removeIdle(spc)
		corelist = append(corelist, spc.id)
		ks.provTrackAlloc(p, spc)
		notAlloc = ks.provNotAllocMe[p]
	}

	// Idle cores provisioned to some other proc are skipped.
	for i := 0; len(corelist) < amtNeeded && i < len(ks.idle); {
		spc := ks.idle[i]
		if spc.provProc != nil && spc.provProc != p {
			i++
			continue
		}
		ks.idle = append(ks.idle[:i], ks.idle[i+1:]...)
		corelist = append(corelist, spc.id)
		ks.provTrackAlloc(p, spc)
	}

	if len(corelist) == 0 {
		return
	}

	ks.mu.Unlock()
	err := p.GiveCores(corelist)
	ks.mu.Lock()
	if err != nil {
		for _, id := range corelist {
			spc := ks.pcores[id]
			ks.idle = append(ks.idle, spc)
			ks.provTrackDealloc(p, spc)
		}
		return
	}
	ks.mu.Unlock()
	p.RunM()
	ks.mu.Lock()
}

func (ks *Ksched_t) removeIdle(spc *schedPcore) {
	for i, s := range ks.idle {
		if s == spc {
			ks.idle = append(ks.idle[:i], ks.idle[i+1:]...)
			return
		}
	}
}

// provTrackAlloc mirrors __prov_track_alloc: marks spc allocated to p and,
// if spc is provisioned to p, moves it from p's not-alloc list to its
// alloc list. ks.mu must be held.
func (ks *Ksched_t) provTrackAlloc(p Proc, spc *schedPcore) {
	spc.allocProc = p
	if spc.provProc == p {
		ks.removeFromProvList(ks.provNotAllocMe, p, spc)
		ks.provAllocMe[p] = append(ks.provAllocMe[p], spc)
	}
}

// provTrackDealloc mirrors __prov_track_dealloc.
func (ks *Ksched_t) provTrackDealloc(p Proc, spc *schedPcore) {
	spc.allocProc = nil
	if spc.provProc == p {
		ks.removeFromProvList(ks.provAllocMe, p, spc)
		ks.provNotAllocMe[p] = append([]*schedPcore{spc}, ks.provNotAllocMe[p]...)
	}
}

func (ks *Ksched_t) removeFromProvList(list map[Proc][]*schedPcore, p Proc, spc *schedPcore) {
	s := list[p]
	for i, x := range s {
		if x == spc {
			list[p] = append(s[:i], s[i+1:]...)
			return
		}
	}
}

// ProvisionCore dedicates pcore to p for future scheduling, mirroring
// provision_core. LL cores may never be provisioned; passing a nil p
// de-provisions.
func (ks *Ksched_t) ProvisionCore(p Proc, pcore PcoreID) error {
	if int(pcore) >= ks.numCPUs {
		return errBadPcore
	}
	if ks.IsLLCore(pcore) {
		return errLLCore
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	spc := ks.pcores[pcore]
	if spc.provProc != nil {
		if spc.allocProc == spc.provProc {
			ks.removeFromProvList(ks.provAllocMe, spc.provProc, spc)
		} else {
			ks.removeFromProvList(ks.provNotAllocMe, spc.provProc, spc)
		}
	}
	if p != nil {
		if spc.allocProc == p {
			ks.provAllocMe[p] = append(ks.provAllocMe[p], spc)
		} else {
			ks.provNotAllocMe[p] = append(ks.provNotAllocMe[p], spc)
		}
	}
	spc.provProc = p
	return nil
}

type kschedErr string

func (e kschedErr) Error() string { return string(e) }

const (
	errBadPcore = kschedErr("ksched: pcore out of range")
	errLLCore   = kschedErr("ksched: cannot provision an LL core")
)
