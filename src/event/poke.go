package event

import "sync"

// PokeTracker is the wait-free single-runner-with-rerun gate parlib's
// poke.h provides: at most one goroutine runs fn at a time, and a poke that
// arrives mid-run is coalesced into one guaranteed extra run rather than
// queued. uth's sleep controller uses this to dedupe concurrent wakeup
// attempts into a single uthread_runnable call.
//
// This is a distinct type from ksched's own poke gate rather than a shared
// one: in the original, the kernel's poke_tracker (schedule.c) and
// parlib's poke_tracker (this file) are different libraries linked into
// different address spaces, so duplicating the small gate here instead of
// importing ksched keeps that same separation.
type PokeTracker struct {
	mu        sync.Mutex
	running   bool
	wantAgain bool
	fn        func(arg interface{})
	lastArg   interface{}
}

// NewPoker builds a poke gate around fn.
func NewPoker(fn func(arg interface{})) *PokeTracker {
	return &PokeTracker{fn: fn}
}

// Poke runs fn(arg) if nothing else is currently running it; otherwise it
// flags that fn should run again before the gate goes idle.
func (pk *PokeTracker) Poke(arg interface{}) {
	pk.mu.Lock()
	if pk.running {
		pk.wantAgain = true
		pk.lastArg = arg
		pk.mu.Unlock()
		return
	}
	pk.running = true
	pk.lastArg = arg
	pk.mu.Unlock()
	for {
		pk.mu.Lock()
		a := pk.lastArg
		pk.mu.Unlock()
		pk.fn(a)
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
