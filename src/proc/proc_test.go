package proc

import (
	"testing"

	"defs"
	"ksched"
	"mem"
	"pagemap"
)

func TestSpawnAssignsIncrementingPIDs(t *testing.T) {
	phys := mem.Phys_init()
	ks := ksched.NewKsched(4)
	tbl := NewTable()

	p1, err := tbl.Spawn(ks, phys)
	if err != defs.ESUCCESS {
		t.Fatalf("Spawn failed: %v", err)
	}
	p2, err := tbl.Spawn(ks, phys)
	if err != defs.ESUCCESS {
		t.Fatalf("Spawn failed: %v", err)
	}
	if p2.PID() != p1.PID()+1 {
		t.Fatalf("pids = %d, %d; want consecutive", p1.PID(), p2.PID())
	}
	if tbl.Lookup(p1.PID()) != p1 {
		t.Fatal("Lookup should find the spawned process")
	}
}

func TestGiveCoresTransitionsRunnableMToRunningM(t *testing.T) {
	phys := mem.Phys_init()
	p, err := New(1, nil, phys)
	if err != defs.ESUCCESS {
		t.Fatalf("New failed: %v", err)
	}
	p.setState(RunnableM)

	if gerr := p.GiveCores([]ksched.PcoreID{1, 2}); gerr != nil {
		t.Fatalf("GiveCores failed: %v", gerr)
	}
	if p.State() != RunningM {
		t.Fatalf("state = %v, want RUNNING_M", p.State())
	}
	if p.NumVcores() != 2 {
		t.Fatalf("NumVcores = %d, want 2", p.NumVcores())
	}
	if p.ResGranted(0) != 2 {
		t.Fatalf("granted = %d, want 2", p.ResGranted(0))
	}
}

func TestGiveCoresFailsWhenWaitingOrDying(t *testing.T) {
	phys := mem.Phys_init()
	p, _ := New(2, nil, phys)
	p.Block()
	if err := p.GiveCores([]ksched.PcoreID{1}); err == nil {
		t.Fatal("GiveCores should fail on a WAITING process")
	}
	p.Wake()
	p.Kill()
	if err := p.GiveCores([]ksched.PcoreID{1}); err == nil {
		t.Fatal("GiveCores should fail on a DYING process")
	}
}

func TestPreemptCoreRemovesGrantedCore(t *testing.T) {
	phys := mem.Phys_init()
	p, _ := New(3, nil, phys)
	p.setState(RunnableM)
	p.GiveCores([]ksched.PcoreID{5, 6})

	if !p.PreemptCore(5) {
		t.Fatal("PreemptCore should succeed on a held core")
	}
	if p.NumVcores() != 1 {
		t.Fatalf("NumVcores = %d, want 1 after preemption", p.NumVcores())
	}
	if p.PreemptCore(5) {
		t.Fatal("PreemptCore should fail the second time for the same core")
	}
}

func TestWakeRestoresRunningMWhenCoresHeld(t *testing.T) {
	phys := mem.Phys_init()
	p, _ := New(4, nil, phys)
	p.setState(RunnableM)
	p.GiveCores([]ksched.PcoreID{1})
	p.Block()
	if p.State() != Waiting {
		t.Fatal("Block should move the process to WAITING")
	}
	p.Wake()
	if p.State() != RunningM {
		t.Fatalf("state after Wake = %v, want RUNNING_M (still holds a core)", p.State())
	}
}

func TestBecomeMCPThenSchedulerGrantsCores(t *testing.T) {
	phys := mem.Phys_init()
	ks := ksched.NewKsched(4)
	tbl := NewTable()

	p, err := tbl.Spawn(ks, phys)
	if err != defs.ESUCCESS {
		t.Fatalf("Spawn failed: %v", err)
	}
	if p.State() != RunnableS {
		t.Fatalf("state = %v, want RUNNABLE_S on spawn", p.State())
	}

	p.BecomeMCP()
	if p.State() != RunnableM {
		t.Fatalf("state after BecomeMCP = %v, want RUNNABLE_M", p.State())
	}

	ks.AddMCP(p)
	p.WantCores(2)
	ks.RunScheduler()

	if p.NumVcores() != 2 {
		t.Fatalf("NumVcores = %d, want 2 after the scheduler grants them", p.NumVcores())
	}
	if p.State() != RunningM {
		t.Fatalf("state = %v, want RUNNING_M once cores are held", p.State())
	}
}

func TestIncrefDecrefTearsDownAtZero(t *testing.T) {
	phys := mem.Phys_init()
	p, _ := New(5, nil, phys)
	p.Incref()
	p.Decref()
	if p.refs.Load() != 1 {
		t.Fatalf("refs = %d, want 1 after balanced incref/decref", p.refs.Load())
	}
	p.Decref() // drops to 0, triggers teardown
	if p.refs.Load() != 0 {
		t.Fatalf("refs = %d, want 0", p.refs.Load())
	}
}

func TestMapFileWiresPagerThroughToFault(t *testing.T) {
	phys := mem.Phys_init()
	p, _ := New(6, nil, phys)

	pm := p.MapFile(0x1000, mem.PGSIZE, mem.PTE_U, &loadBackend{}, 0)
	if pm == nil {
		t.Fatal("MapFile should return a non-nil Pagemap_t")
	}

	vmi, ok := p.Vm_t.Vmregion.Lookup(0x1000)
	if !ok {
		t.Fatal("expected a Vminfo_t at 0x1000")
	}
	pg, _, ferr := vmi.Filepage(0x1000)
	if ferr != defs.ESUCCESS {
		t.Fatalf("Filepage failed: %v", ferr)
	}
	if pg[0] != 0 {
		t.Fatalf("page content = %d, want 0 (index 0)", pg[0])
	}
}

// loadBackend is the minimal pagemap.Backend that proves the wiring: it
// fills a faulted-in page with its own index, the same fixture pagemap's
// own tests use.
type loadBackend struct{}

func (b *loadBackend) ReadPage(pm *pagemap.Pagemap_t, index uint64, pg *mem.Pg_t) defs.Err_t {
	pg[0] = int(index)
	return defs.ESUCCESS
}

func (b *loadBackend) WritePage(pm *pagemap.Pagemap_t, index uint64, pg *mem.Pg_t) defs.Err_t {
	return defs.ESUCCESS
}
