// Package limits holds the atomic give/take counter the scheduler and the
// process layer use to track a resource's wanted-vs-granted amounts.
package limits

import "sync/atomic"
import "unsafe"

// Sysatomic_t is a numeric limit that can be atomically updated. Kept
// verbatim from the teacher: a resource pool drained by Taken and refilled
// by Given, reporting success/failure instead of going negative.
type Sysatomic_t int64

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	atomic.AddInt64(s._aptr(), n)
}

// Taken tries to decrement the limit by the provided amount, returning
// false (and leaving the counter unchanged) if that would drive it
// negative.
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	return false
}

// Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

// Get returns the current value.
func (s *Sysatomic_t) Get() int64 {
	return atomic.LoadInt64(s._aptr())
}

// ResType enumerates the resource kinds a process can request allocation
// of. The source's resource request vector is keyed by an enum of this
// shape (cores, pages, file descriptors, …); this core only needs the one
// the scheduler consumes, but keeps the vector generic.
type ResType int

const (
	ResCores ResType = iota
	ResNumTypes
)

// ResVector_t is a process's per-resource-type wanted/granted pair, the
// structure spec.md's Process data model calls "a resource-request vector
// (per resource type, amt_wanted, amt_granted)".
type ResVector_t struct {
	wanted  [ResNumTypes]int64
	granted [ResNumTypes]int64
}

// Want sets the amount requested of a resource type.
func (r *ResVector_t) Want(t ResType, amt int) {
	atomic.StoreInt64(&r.wanted[t], int64(amt))
}

// Wanted returns the amount currently requested.
func (r *ResVector_t) Wanted(t ResType) int {
	return int(atomic.LoadInt64(&r.wanted[t]))
}

// Granted returns the amount currently granted.
func (r *ResVector_t) Granted(t ResType) int {
	return int(atomic.LoadInt64(&r.granted[t]))
}

// AddGranted adjusts the granted amount by delta (may be negative, e.g. on
// preemption); returns the new value.
func (r *ResVector_t) AddGranted(t ResType, delta int) int {
	return int(atomic.AddInt64(&r.granted[t], int64(delta)))
}
