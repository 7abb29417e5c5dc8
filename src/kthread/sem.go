// Package kthread models the kernel's blocked-context bookkeeping: the
// descriptor a sleeping control flow leaves behind, semaphores and condition
// variables built on it, and the abortable-sleeper registry used to cancel a
// blocked syscall from another core.
//
// The teacher's original runs one kthread per core and switches stacks by
// hand (setjmp/longjmp plus a spare-stack cache) to park and resume one.
// Hosted Go already parks and resumes a blocked goroutine for free, so this
// package keeps the original's queueing and wakeup *algorithm* — FIFO
// waiters, wake-exactly-one on up, nr_signals accounting, broadcast-wakes-all
// — and expresses "park the stack" as "block the goroutine on a channel"
// instead of a literal stack swap.
package kthread

import (
	"sync"

	"caller"
	"defs"
)

// Kthread_t is the bookkeeping record a blocked goroutine leaves in a
// semaphore's waiter queue, the adapted stand-in for the teacher's struct
// kthread. Flags records KTH_* bits the way the original does; this core
// never actually saves/restores an address space on park (no real context
// switch happens), but keeps the flag so call sites read the same as the
// teacher's.
type Kthread_t struct {
	Name  string
	Flags int

	wake  chan struct{}
	abort chan struct{}

	// sem/sysc are set only while parked in DownAbortable, so AbortAllSysc
	// can splice this kthread out of its semaphore's waiter list and undo
	// the signal deduction, the same accounting __abort_and_release_cle's
	// caller relies on.
	sem  *Semaphore_t
	sysc *Sysc
}

const (
	KTH_SAVE_ADDR_SPACE = 1 << iota
	KTH_IS_KTASK
)

func newKthread(name string) *Kthread_t {
	return &Kthread_t{Name: name, wake: make(chan struct{}, 1)}
}

// Semaphore_t is the counting semaphore the teacher's sem_down/sem_up pair
// operates on. A negative nr_signals is the number of parked waiters, the
// same encoding the original uses so nr_sem_waiters (sem_up's accounting
// check) stays a one-line negation.
type Semaphore_t struct {
	mu        sync.Mutex
	nrSignals int
	waiters   []*Kthread_t // FIFO, oldest first; TAILQ in the original
}

// MkSemaphore constructs a semaphore starting with the given signal count,
// the direct translation of sem_init.
func MkSemaphore(signals int) *Semaphore_t {
	return &Semaphore_t{nrSignals: signals}
}

// NrWaiters reports the number of parked downers, mirroring the original's
// nr_sem_waiters helper (0 - nr_signals, asserted non-negative).
func (s *Semaphore_t) NrWaiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nrWaitersLocked()
}

func (s *Semaphore_t) nrWaitersLocked() int {
	n := -s.nrSignals
	if n < 0 {
		caller.PanicInvariant("kthread: semaphore nr_signals implies negative waiter count")
	}
	return n
}

// Trydown is the non-blocking sem_trydown: grabs one signal if available,
// reports false without blocking otherwise.
func (s *Semaphore_t) Trydown() bool {
	return s.TrydownBulk(1)
}

// TrydownBulk is sem_trydown_bulk: grabs n signals atomically or none at all.
func (s *Semaphore_t) TrydownBulk(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nrSignals-n < 0 {
		return false
	}
	s.nrSignals -= n
	return true
}

// Down is sem_down: takes one signal, blocking the calling goroutine until
// one becomes available if none are free. The teacher spins briefly on
// CONFIG_SEM_SPINWAIT before parking; that's a bare-metal latency
// optimization with no hosted analogue, so this core goes straight to the
// trydown-then-park path.
func (s *Semaphore_t) Down() {
	s.DownBulk(1)
}

// DownBulk is sem_down_bulk: acquires n signals, one at a time. The original
// notes this is "far from ideal" since a waiter can be woken n separate
// times instead of once for the full amount; kept faithful to that shape
// rather than "fixed".
func (s *Semaphore_t) DownBulk(n int) {
	for i := 0; i < n; i++ {
		s.downOne()
	}
}

func (s *Semaphore_t) downOne() {
	k := Current()
	if k == nil {
		k = newKthread("anon")
	} else if k.wake == nil {
		k.wake = make(chan struct{}, 1)
	}

	s.mu.Lock()
	s.nrSignals--
	if s.nrSignals < 0 {
		s.waiters = append(s.waiters, k)
		s.mu.Unlock()
		<-k.wake
		return
	}
	s.mu.Unlock()
}

// Up is sem_up: returns one signal, waking the oldest waiter if any were
// parked. Returns whether anyone was woken, matching the original's bool
// return (true means the memory behind sem might be freed by the wakee now,
// the same caveat the original calls out for __up).
func (s *Semaphore_t) Up() bool {
	s.mu.Lock()
	old := s.nrSignals
	s.nrSignals++
	var woke *Kthread_t
	if old < 0 {
		if len(s.waiters) == 0 {
			s.mu.Unlock()
			caller.PanicInvariant("kthread: sem_up found nr_signals negative with no waiters")
		}
		woke = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()
	if woke == nil {
		return false
	}
	woke.wake <- struct{}{}
	return true
}

// removeWaiter splices k out of the waiter queue and restores the signal it
// had deducted, iff k is still actually parked there. Returns false if k was
// already popped by a racing Up, in which case the caller must not treat the
// down as aborted — it is about to legitimately wake up.
func (s *Semaphore_t) removeWaiter(k *Kthread_t) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == k {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			s.nrSignals++
			return true
		}
	}
	return false
}

// DownAbortable is the abortable-sleeper variant of Down: it registers the
// calling kthread with the abort registry before parking, so AbortAllSysc
// can cancel it from another core. Returns ETIMEDOUT if aborted while
// parked, ESUCCESS otherwise.
func (s *Semaphore_t) DownAbortable(sysc *Sysc) defs.Err_t {
	if s.Trydown() {
		return defs.ESUCCESS
	}
	k := Current()
	if k == nil {
		k = newKthread("anon")
	}
	if k.wake == nil {
		k.wake = make(chan struct{}, 1)
	}
	k.abort = make(chan struct{}, 1)
	k.sem = s
	k.sysc = sysc

	abortable.register(k)
	defer func() {
		abortable.deregister(k)
		k.sem = nil
		k.sysc = nil
	}()

	s.mu.Lock()
	s.nrSignals--
	if s.nrSignals >= 0 {
		s.mu.Unlock()
		return defs.ESUCCESS
	}
	s.waiters = append(s.waiters, k)
	s.mu.Unlock()

	select {
	case <-k.wake:
		return defs.ESUCCESS
	case <-k.abort:
		return defs.ETIMEDOUT
	}
}
