// Package archrt stands in for the handful of hooks the teacher's boot and
// fault-handling code expects from its own forked Go runtime
// (runtime.Get_phys, runtime.Cpuid, runtime.Pml4freeze, runtime.Condflush,
// runtime.MAXCPUS, and friends). That fork isn't part of this tree, so this
// package gives the rest of the core the same call shapes, backed by
// ordinary Go: a simulated physical arena for boot-time page enumeration,
// golang.org/x/sys/cpu for real feature detection, and a plain per-core
// array sized by NumCPU instead of a compiled-in MAXCPUS constant.
package archrt

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// MaxCPUs bounds the per-core arrays the rest of the core allocates
// (sched_pcore tables, pcpu magazine caches, …). The teacher compiles this
// in as runtime.MAXCPUS; this core sizes it from the host at boot.
var MaxCPUs = func() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 256 {
		n = 256
	}
	return n
}()

// HasGBPages stands in for the 1 GB page support check. x/sys/cpu has no
// flag for 1 GB pages, so this reports the AVX2 feature bit instead; it does
// not query 1 GB page support itself.
func HasGBPages() bool {
	return cpu.X86.HasAVX2
}

// HasGlobalPages reports whether the CPU supports global (PGE) mappings. The
// teacher's Dmap_init consults CPUID directly before installing the
// recursive self-map; we approximate with an x/sys/cpu flag instead of
// inline CPUID since this core does not run on bare metal.
func HasGlobalPages() bool {
	return cpu.X86.HasSSE2
}

// CoreID identifies a virtual core. Ids are handed out round-robin by
// ClaimCore; CPUHint gives each goroutine the id it claimed the first time
// it asked. The teacher's kthreads run one-per-core cooperatively; this core
// models "the current core" with that goroutine-scoped id.
type CoreID int

// coreAssign hands out core identities to callers that register themselves
// as "pinned" to a core (boot sequencing, per-cpu cache owners, …). Unlike
// the teacher's single-threaded-per-core event loop, Go reuses OS threads
// freely, so ownership here is an explicit claim, not an implicit one.
var coreAssign struct {
	sync.Mutex
	next int
}

// ClaimCore hands out the next unused core id, wrapping at MaxCPUs. Boot
// code calls this once per simulated core when standing up pcpu structures.
func ClaimCore() CoreID {
	coreAssign.Lock()
	defer coreAssign.Unlock()
	id := coreAssign.next % MaxCPUs
	coreAssign.next++
	return CoreID(id)
}

var cpuHints sync.Map // goroutine id -> CoreID

// CPUHint returns a stable per-goroutine core identity, the hosted stand-in
// for the teacher's runtime.CPUHint() (which reads the real core a kthread
// is pinned to out of the forked runtime's scheduler state). Every caller
// that shares a goroutine shares a core identity for the lifetime of that
// goroutine, which is the property the per-cpu magazine caches and free
// lists actually need: "the same logical owner keeps coming back".
func CPUHint() CoreID {
	gid := goroutineID()
	if v, ok := cpuHints.Load(gid); ok {
		return v.(CoreID)
	}
	id := ClaimCore()
	actual, _ := cpuHints.LoadOrStore(gid, id)
	return actual.(CoreID)
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// NowNanos returns a monotonic nanosecond timestamp, the architecture-layer
// stand-in for the teacher's nsec()/rdtsc()-based sampling used by the slab
// depot's contention window and the scheduler's alarm tick.
func NowNanos() int64 {
	return time.Since(bootTime).Nanoseconds()
}

// bootTime anchors NowNanos; time.Since reads Go's monotonic clock.
var bootTime = time.Now()

// PhysPage is one simulated frame of physical memory returned by GetPhys.
// The teacher's runtime.Get_phys() hands back real physical addresses from
// the bootloader's memory map; this core simulates an arbitrarily large
// physical address space as a monotonically increasing counter of
// page-aligned addresses, which is all mem.Phys_init needs to build its
// free lists in a hosted environment.
type PhysPage uintptr

const PageShift = 12
const PageSize = 1 << PageShift

var physCounter uint64

// GetPhys simulates the bootloader handing the kernel one more physical
// page frame. Never returns the same address twice.
func GetPhys() PhysPage {
	n := atomic.AddUint64(&physCounter, 1)
	return PhysPage(n << PageShift)
}

// ResetPhys rewinds the simulated physical allocator; tests use this to get
// a deterministic, small physical address space instead of one seeded by
// prior tests in the same process.
func ResetPhys() {
	atomic.StoreUint64(&physCounter, 0)
}

// Pml4freeze is the teacher's signal that boot-time page-directory mutation
// is over and the self-map/direct-map are stable for the rest of the run.
// Kept as an explicit call (rather than silently implied) so mem.Dmap_init
// reads the same way the teacher's does.
func Pml4freeze() {}

// CondFlush invalidates the calling core's TLB if, and only if, the given
// page directory is the one currently active there. The teacher uses this
// as the single-CPU fast path of Tlbshoot; multi-core shootdown goes through
// an explicit IPI-equivalent instead (see mem.TLBShootdown).
func CondFlush(pgdirPhys uintptr) {
	// Hosted stand-in: nothing to invalidate outside of real hardware
	// paging; callers rely on this for sequencing, not for correctness of
	// address translation in this simulation.
	_ = pgdirPhys
}

// Cpuid mirrors the teacher's runtime.Cpuid(eax, ecx) hook. On the real
// kernel this executes the CPUID instruction directly; hosted, it reports
// the feature bits matching golang.org/x/sys/cpu's probe so the same
// feature-test call sites (Dmap_init's gbpages/global-page checks) work
// unmodified.
func Cpuid(eax, ecx uint32) (a, b, c, d uint32) {
	switch eax {
	case 0x1:
		if cpu.X86.HasSSE2 {
			d |= 1 << 13 // PGE, global pages
		}
	case 0x80000001:
		if HasGBPages() {
			d |= 1 << 26 // 1GB page support
		}
	}
	return
}

// Rcr4 mirrors reading the real CR4 control register. Global pages are
// modeled as always enabled once Cpuid reports PGE support, matching what
// a real boot sequence would have set before calling into Dmap_init.
func Rcr4() uint64 {
	return 1 << 7
}

// FxInit returns the reset FPU/SSE save-area image a fresh thread's context
// starts from. The teacher's compiled-in runtime.Fxinit holds the actual
// bit pattern the hardware FXSAVE instruction expects; hosted, nothing ever
// traps on this state, so a zeroed image is a faithful enough stand-in for
// bookkeeping purposes (callers only care that every thread starts from the
// same image).
func FxInit() [64]uintptr {
	return [64]uintptr{}
}

// Vtop mirrors the teacher's runtime.Vtop: translate a VA the Go runtime's
// own allocator handed out into a physical address. The forked runtime does
// this via its own page tables; hosted, we derive a stable synthetic
// physical address from the VA itself (an identity-style mapping scoped to
// the simulated physical window), which is enough for bookkeeping
// structures (Kents, kpages) that only need a stable, unique PA per VA.
func Vtop(p unsafe.Pointer) (uintptr, bool) {
	va := uintptr(p)
	if va == 0 {
		return 0, false
	}
	return va, true
}
