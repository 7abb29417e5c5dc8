package ksched

import (
	"sync"
	"testing"

	"limits"
)

// fakeProc is a minimal Proc for exercising the scheduler in isolation.
type fakeProc struct {
	mu      sync.Mutex
	pid     int
	waiting bool
	dying   bool
	res     limits.ResVector_t
	given   [][]PcoreID
	refs    int
	ran     int
}

func newFakeProc(pid int, want int) *fakeProc {
	fp := &fakeProc{pid: pid}
	fp.res.Want(limits.ResCores, want)
	return fp
}

func (p *fakeProc) PID() int { return p.pid }
func (p *fakeProc) IsWaiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting
}
func (p *fakeProc) IsDying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dying
}
func (p *fakeProc) Incref() { p.mu.Lock(); p.refs++; p.mu.Unlock() }
func (p *fakeProc) Decref() { p.mu.Lock(); p.refs--; p.mu.Unlock() }
func (p *fakeProc) GiveCores(pcores []PcoreID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting || p.dying {
		return errLLCore // any error value; content unchecked by callers in these tests
	}
	p.given = append(p.given, pcores)
	for range pcores {
		p.res.AddGranted(limits.ResCores, 1)
	}
	return nil
}
func (p *fakeProc) RunM() { p.mu.Lock(); p.ran++; p.mu.Unlock() }
func (p *fakeProc) PreemptCore(PcoreID) bool { return true }
func (p *fakeProc) ResWanted(t limits.ResType) int  { return p.res.Wanted(t) }
func (p *fakeProc) ResGranted(t limits.ResType) int { return p.res.Granted(t) }
func (p *fakeProc) AddResGranted(t limits.ResType, delta int) int {
	return p.res.AddGranted(t, delta)
}

func TestIsLLCoreOnlyCoreZero(t *testing.T) {
	ks := NewKsched(4)
	if !ks.IsLLCore(0) {
		t.Fatal("core 0 should be the LL core")
	}
	if ks.IsLLCore(1) {
		t.Fatal("core 1 should not be an LL core")
	}
}

func TestMaxVcoresExcludesLLCore(t *testing.T) {
	ks := NewKsched(8)
	if ks.MaxVcores() != 7 {
		t.Fatalf("MaxVcores = %d, want 7", ks.MaxVcores())
	}
}

func TestRunMCPKschedGrantsIdleCores(t *testing.T) {
	ks := NewKsched(4) // 3 non-LL cores idle
	p := newFakeProc(1, 2)
	ks.AddMCP(p)

	ks.RunScheduler()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.given) != 1 || len(p.given[0]) != 2 {
		t.Fatalf("expected one grant of 2 cores, got %v", p.given)
	}
	if p.ran != 1 {
		t.Fatalf("RunM called %d times, want 1", p.ran)
	}
}

func TestRunMCPKschedMovesWaitingToSecondary(t *testing.T) {
	ks := NewKsched(4)
	p := newFakeProc(1, 2)
	p.waiting = true
	ks.AddMCP(p)

	ks.RunScheduler()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.given) != 0 {
		t.Fatal("a WAITING proc should not be granted cores")
	}

	// The sweep puts p on the secondary list, then swaps the lists, so p
	// ends up as the only entry of the new primary list.
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if len(ks.primary) != 1 || ks.primary[0] != Proc(p) {
		t.Fatalf("WAITING proc should have been moved to secondary (primary after swap), got %v", ks.primary)
	}
}

func TestRunMCPKschedZeroWantGetsOne(t *testing.T) {
	ks := NewKsched(4)
	p := newFakeProc(1, 0) // not waiting, wants 0: should be nudged to 1
	ks.AddMCP(p)

	ks.RunScheduler()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.given) != 1 || len(p.given[0]) != 1 {
		t.Fatalf("expected the self-correcting nudge to grant exactly 1 core, got %v", p.given)
	}
}

func TestProvisionCoreRejectsLLCore(t *testing.T) {
	ks := NewKsched(4)
	p := newFakeProc(1, 1)
	if err := ks.ProvisionCore(p, 0); err == nil {
		t.Fatal("provisioning core 0 should fail")
	}
}

func TestProvisionCoreRejectsOutOfRange(t *testing.T) {
	ks := NewKsched(4)
	p := newFakeProc(1, 1)
	if err := ks.ProvisionCore(p, 99); err == nil {
		t.Fatal("provisioning an out-of-range pcore should fail")
	}
}

func TestProvisionThenRequestPrefersProvisionedCore(t *testing.T) {
	ks := NewKsched(4)
	p := newFakeProc(1, 1)
	if err := ks.ProvisionCore(p, 2); err != nil {
		t.Fatalf("ProvisionCore failed: %v", err)
	}
	ks.AddMCP(p)
	ks.RunScheduler()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.given) != 1 || len(p.given[0]) != 1 || p.given[0][0] != 2 {
		t.Fatalf("expected the provisioned core 2 to be granted, got %v", p.given)
	}
}

func TestPokeGateCoalescesConcurrentPokes(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	blocking := make(chan struct{})
	started := make(chan struct{}, 1)
	pk := &pokeTracker{fn: func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-blocking
		mu.Lock()
		runs++
		mu.Unlock()
	}}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); pk.poke() }()
	<-started // first run is inside fn, blocked on `blocking`

	// These pokes arrive while the first run is in flight; they should
	// coalesce into at most one extra run, not queue up N deep.
	pk.poke()
	pk.poke()
	pk.poke()
	close(blocking)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if runs == 0 || runs > 2 {
		t.Fatalf("runs = %d, want 1 or 2 (coalesced)", runs)
	}
}
