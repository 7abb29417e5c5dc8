package kthread

import (
	"sync"

	"archrt"
)

// curKthread is the adapted replacement for tinfo.go's "current thread note"
// accessor: the teacher reads this out of a dedicated forked-runtime
// register (runtime.Gptr), which doesn't exist here, so this core keeps one
// slot per archrt core id instead. One mutex guards the whole map; slots
// are not locked individually.
var curKthread struct {
	mu   sync.Mutex
	byID map[archrt.CoreID]*Kthread_t
}

func init() {
	curKthread.byID = make(map[archrt.CoreID]*Kthread_t)
}

// Current returns the Kthread_t descriptor associated with the calling
// goroutine's core, or nil if none has been installed (e.g. a goroutine that
// has never called Adopt). Down/DownAbortable fall back to an anonymous,
// unregistered descriptor when this returns nil.
func Current() *Kthread_t {
	id := archrt.CPUHint()
	curKthread.mu.Lock()
	defer curKthread.mu.Unlock()
	return curKthread.byID[id]
}

// Adopt installs name as the current kthread for the calling goroutine's
// core and returns its descriptor, the hosted stand-in for the teacher
// stashing a freshly created kthread in pcpui->cur_kthread. Call once per
// logical kernel thread before it can be parked by Down/DownAbortable and
// still be found by AbortAllSysc.
func Adopt(name string) *Kthread_t {
	id := archrt.CPUHint()
	k := newKthread(name)
	curKthread.mu.Lock()
	curKthread.byID[id] = k
	curKthread.mu.Unlock()
	return k
}
