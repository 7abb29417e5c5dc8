// Package kcfg holds the boot-time tunables that the teacher expressed as
// compile-time constants (mem.PGSIZE, slab's magMinSize/magMaxSize, ...).
// There is no config-file layer here, matching that idiom: a Boot value is
// built once at cmd/kcore startup and threaded down explicitly to whatever
// needs it, rather than read back out of a global singleton.
package kcfg

import "time"

// Boot collects the tunables a fresh core needs at startup. Defaults mirror
// the constants already compiled into mem/slab/archrt; overriding a field
// changes the corresponding package's effective behavior only if the
// constructor that consumes it actually reads the field (see each
// subsystem's New*/Mk* entry point).
type Boot struct {
	// NumCPU sizes every per-core array (pcpu magazine caches, the
	// physical-memory per-cpu freelists, the scheduler's pcore table). 0
	// means "ask the runtime", mirroring archrt.MaxCPUs's own default.
	NumCPU int

	// PhysPages is the number of physical page frames to back with
	// mem.Physmem_t. 0 means "use whatever the host can actually back",
	// left to the caller to resolve against real memory.
	PhysPages int

	// MagazineMin/MagazineMax bound a slab cache's per-core magazine
	// size, the same role slab.go's magMinSize/magMaxSize constants play.
	MagazineMin int
	MagazineMax int

	// BusyResizeThreshold/BusyResizeTimeout gate the depot's adaptive
	// magazine growth under contention, mirroring slab.go's
	// busyResizeThreshold/busyResizeTimeoutNs.
	BusyResizeThreshold int
	BusyResizeTimeout   time.Duration

	// AlarmTick is the wall-clock period of the SCP scheduler's alarm
	// (spec 4.5's "10 ms wall-clock alarm on core 0").
	AlarmTick time.Duration
}

// Default returns the tunables this core ships with out of the box: the
// same numbers the teacher hard-coded into slab.go, plus the 10ms alarm
// tick schedule.c's TIMER_TICK_USEC names.
func Default() Boot {
	return Boot{
		NumCPU:              0,
		PhysPages:           0,
		MagazineMin:         1,
		MagazineMax:         32,
		BusyResizeThreshold: 5,
		BusyResizeTimeout:   time.Millisecond,
		AlarmTick:           10 * time.Millisecond,
	}
}
