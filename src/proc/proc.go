// Package proc is the process layer the scheduler and the page-cache fault
// path call into: a process state machine, its address space, its granted
// vcores, and its resource-request vector. The teacher ships this module as
// an empty stub; this fleshes it out on usage patterns from vm/as.go (the
// Vm_t it wraps) and original_source/kern/src/schedule.c (the proc-facing
// calls __core_request and __run_mcp_ksched make: proc_incref/decref,
// proc_preempt_core, proc_give_cores/run_m, and the PROC_* state names).
package proc

import (
	"sync"
	"sync/atomic"

	"accnt"
	"defs"
	"klog"
	"ksched"
	"limits"
	"mem"
	"pagemap"
	"vm"
)

// State is a process's position in the PROC_* state machine schedule.c
// peeks at (PROC_WAITING, PROC_DYING, ...).
type State int

const (
	RunnableS State = iota
	RunningS
	RunnableM
	RunningM
	Waiting
	Dying
)

func (s State) String() string {
	switch s {
	case RunnableS:
		return "RUNNABLE_S"
	case RunningS:
		return "RUNNING_S"
	case RunnableM:
		return "RUNNABLE_M"
	case RunningM:
		return "RUNNING_M"
	case Waiting:
		return "WAITING"
	case Dying:
		return "DYING"
	default:
		return "UNKNOWN"
	}
}

var log = klog.For("proc")

// Proc_t is one process: its address space, its resource-request vector,
// the pcores currently granted to it, and its kref-style lifetime.
//
// Embedding vm.Vm_t (rather than holding *vm.Vm_t) keeps the teacher's
// original field-access idiom (p.Lock(), p.Pgfault(...)) working unchanged
// on the new type.
type Proc_t struct {
	vm.Vm_t

	mu    sync.Mutex
	pid   int
	state State

	refs atomic.Int64

	res     limits.ResVector_t
	vcores  []ksched.PcoreID
	Acct    accnt.Accnt_t

	ks   *ksched.Ksched_t
	phys *mem.Physmem_t
}

// New builds a fresh process with its own pmap, starting single-core
// (RUNNABLE_S): most processes never ask for more than one core and never
// touch the MCP scheduler at all.
func New(pid int, ks *ksched.Ksched_t, phys *mem.Physmem_t) (*Proc_t, defs.Err_t) {
	pmap, p_pmap, ok := phys.Pmap_new()
	if !ok {
		return nil, defs.ENOMEM
	}
	p := &Proc_t{
		pid:   pid,
		state: RunnableS,
		ks:    ks,
		phys:  phys,
	}
	p.refs.Store(1)
	p.Vm_t.Pmap = pmap
	p.Vm_t.P_pmap = p_pmap
	log.Printf("pid %d: created, state %s", pid, p.state)
	return p, defs.ESUCCESS
}

func (p *Proc_t) PID() int { return p.pid }

func (p *Proc_t) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proc_t) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Proc_t) IsWaiting() bool { return p.State() == Waiting }
func (p *Proc_t) IsDying() bool   { return p.State() == Dying }

// Block transitions a running process to WAITING, e.g. because it parked on
// a kthread semaphore or an event-queue wait; the MCP sweep will route it to
// the secondary list without granting it anything until Wake undoes this.
func (p *Proc_t) Block() { p.setState(Waiting) }

// Wake undoes Block, making the process eligible for the next MCP pass
// again. A process that asks for cores while WAITING would just get the
// self-correcting nudge wasted on it, so callers should Wake before
// re-requesting resources.
func (p *Proc_t) Wake() {
	p.mu.Lock()
	if p.state == Waiting {
		if len(p.vcores) > 0 {
			p.state = RunningM
		} else {
			p.state = RunnableM
		}
	}
	p.mu.Unlock()
}

// BecomeMCP transitions a single-core process into a multi-core one,
// eligible to be handed to ksched.AddMCP. Only valid from the single-core
// states; a no-op otherwise.
func (p *Proc_t) BecomeMCP() {
	p.mu.Lock()
	if p.state == RunnableS || p.state == RunningS {
		p.state = RunnableM
	}
	p.mu.Unlock()
}

// Kill marks the process DYING. Once DYING it never leaves that state;
// schedule.c relies on this when it peeks at p.state without the sched lock
// held (spec 5's "Peeking at the state is okay... once it is DYING, it'll
// remain DYING until we decref").
func (p *Proc_t) Kill() {
	p.setState(Dying)
}

// Incref/Decref implement the proc kref the scheduler holds across
// __core_request's dropped-lock window so p can't be freed out from under
// it.
func (p *Proc_t) Incref() { p.refs.Add(1) }

func (p *Proc_t) Decref() {
	if p.refs.Add(-1) == 0 {
		p.teardown()
	}
}

func (p *Proc_t) teardown() {
	log.Printf("pid %d: refcount reached zero, freeing address space", p.pid)
	p.Vm_t.Uvmfree()
}

// WantCores sets the process's core request (spec.md's resource-request
// vector, RES_CORES) and, for an MCP, pokes the scheduler to look at it
// again — the user-facing half of poke_ksched.
func (p *Proc_t) WantCores(amt int) {
	p.res.Want(limits.ResCores, amt)
	if p.ks != nil {
		p.ks.PokeKsched()
	}
}

func (p *Proc_t) ResWanted(t limits.ResType) int  { return p.res.Wanted(t) }
func (p *Proc_t) ResGranted(t limits.ResType) int { return p.res.Granted(t) }
func (p *Proc_t) AddResGranted(t limits.ResType, delta int) int {
	return p.res.AddGranted(t, delta)
}

// NumVcores reports how many pcores are currently granted.
func (p *Proc_t) NumVcores() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vcores)
}

// GiveCores is ksched.Proc's hand-off call, __proc_give_cores: atomically
// grant pcores to the process and transition it to running, unless it has
// since gone WAITING or DYING, in which case the scheduler must put them
// back on the idle list itself.
func (p *Proc_t) GiveCores(pcores []ksched.PcoreID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Waiting || p.state == Dying {
		return errCannotGive
	}
	p.vcores = append(p.vcores, pcores...)
	p.res.AddGranted(limits.ResCores, len(pcores))
	if p.state == RunnableM {
		p.state = RunningM
	}
	return nil
}

// RunM is __proc_run_m: harmless (a no-op past logging) on an
// already-RUNNING_M proc, the case the scheduler hits when it gives cores
// in small batches and runs the proc after each batch.
func (p *Proc_t) RunM() {
	p.mu.Lock()
	if p.state == RunnableM {
		p.state = RunningM
	}
	n := len(p.vcores)
	p.mu.Unlock()
	log.Printf("pid %d: running with %d vcores", p.pid, n)
}

// PreemptCore is proc_preempt_core: immediate, unwarned preemption of one
// pcore. Returns false if the process no longer holds that core (a racing
// yield or death already let it go), matching __core_request's "the
// preempt failed" branch.
func (p *Proc_t) PreemptCore(pcore ksched.PcoreID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.vcores {
		if c == pcore {
			p.vcores = append(p.vcores[:i], p.vcores[i+1:]...)
			p.res.AddGranted(limits.ResCores, -1)
			return true
		}
	}
	return false
}

// MapFile maps a private file-backed region starting at start for len
// bytes, backed by a freshly constructed page cache over be. The returned
// Pagemap_t is the caller's to keep for writeback/eviction (spec 4.3); this
// is the call site that actually exercises vm.Pager end to end.
func (p *Proc_t) MapFile(start, length int, perms mem.Pa_t, be pagemap.Backend, foff int) *pagemap.Pagemap_t {
	pm := pagemap.MkPagemap(p.phys, be)
	p.Vm_t.Vmadd_file(start, length, perms, pm, foff)
	return pm
}

// MapSharedFile is MapFile's shared-mapping counterpart, threading an
// unpin callback through to vm.Vmadd_sharefile the way a shared mmap needs
// on unmap.
func (p *Proc_t) MapSharedFile(start, length int, perms mem.Pa_t, be pagemap.Backend, foff int, unpin mem.Unpin_i) *pagemap.Pagemap_t {
	pm := pagemap.MkPagemap(p.phys, be)
	p.Vm_t.Vmadd_sharefile(start, length, perms, pm, foff, unpin)
	return pm
}

type procErr string

func (e procErr) Error() string { return string(e) }

const errCannotGive = procErr("proc: cannot give cores to a WAITING or DYING process")

// Table_t is the process table the scheduler and syscall layer look
// processes up in by pid, the Go shape of the original's pid2proc.
type Table_t struct {
	mu     sync.Mutex
	nextID int
	procs  map[int]*Proc_t
}

// NewTable builds an empty, ready-to-use process table.
func NewTable() *Table_t {
	return &Table_t{nextID: 1, procs: make(map[int]*Proc_t)}
}

// Spawn allocates a fresh pid and registers a new process under it.
func (t *Table_t) Spawn(ks *ksched.Ksched_t, phys *mem.Physmem_t) (*Proc_t, defs.Err_t) {
	t.mu.Lock()
	pid := t.nextID
	t.nextID++
	t.mu.Unlock()

	p, err := New(pid, ks, phys)
	if err != defs.ESUCCESS {
		return nil, err
	}
	t.mu.Lock()
	t.procs[pid] = p
	t.mu.Unlock()
	return p, defs.ESUCCESS
}

// Lookup returns the process registered under pid, or nil.
func (t *Table_t) Lookup(pid int) *Proc_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

// Remove drops pid from the table, e.g. once it has died and been reaped.
func (t *Table_t) Remove(pid int) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()
}
