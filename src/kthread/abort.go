package kthread

import "sync"

// Sysc is the minimal stand-in for the teacher's struct syscall: just enough
// identity (an opaque tag plus an fd-ish field) for AbortAllSysc's predicate
// to match against, the way __abort_all_sysc's should_abort callback does.
type Sysc struct {
	Tag string
	FD  int
}

// UsesFD reports whether this syscall touches the given fd, the Go
// equivalent of sysc_uses_fd, used to ground AbortAllSysc(fd)-style callers.
func (s *Sysc) UsesFD(fd int) bool {
	return s != nil && s.FD == fd
}

// abortable is the per-process abortable-sleeper list the teacher keeps as
// p->abortable_sleepers/p->abort_list_lock. This core has one process's
// worth of kernel-side blocking in view per kthread package instance, so a
// single package-level registry stands in for the per-proc list.
// DownAbortable and AbortAllSysc always use this registry; a Registry built
// with NewRegistry is not consulted by them.
var abortable = NewRegistry()

// Registry is an abortable-sleeper list: every kthread currently parked in
// DownAbortable registers here so a predicate-driven abort can find and wake
// it from another goroutine, mirroring abort_sysc/__abort_all_sysc.
type Registry struct {
	mu       sync.Mutex
	sleepers []*Kthread_t
}

// NewRegistry constructs an empty abortable-sleeper list.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) register(k *Kthread_t) {
	r.mu.Lock()
	r.sleepers = append(r.sleepers, k)
	r.mu.Unlock()
}

func (r *Registry) deregister(k *Kthread_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.sleepers {
		if w == k {
			r.sleepers = append(r.sleepers[:i], r.sleepers[i+1:]...)
			return
		}
	}
}

// AbortAllSysc is the supplemented __abort_all_sysc generic-predicate form:
// walks the registry, aborting every sleeper whose Sysc matches pred, and
// returns the count actually aborted. A sleeper that has already been woken
// by a racing Up is not counted — removeWaiter reports false for it, the
// same "can't touch what's already off the list" rule abort_sysc follows.
func AbortAllSysc(pred func(*Sysc) bool) int {
	abortable.mu.Lock()
	matched := make([]*Kthread_t, 0, len(abortable.sleepers))
	for _, k := range abortable.sleepers {
		if pred(k.sysc) {
			matched = append(matched, k)
		}
	}
	abortable.mu.Unlock()

	n := 0
	for _, k := range matched {
		if k.sem == nil {
			continue
		}
		if k.sem.removeWaiter(k) {
			k.abort <- struct{}{}
			n++
		}
	}
	return n
}

// AbortSysc aborts exactly one sleeper blocked on the given Sysc, the
// single-target form of abort_sysc.
func AbortSysc(sysc *Sysc) bool {
	return AbortAllSysc(func(s *Sysc) bool { return s == sysc }) > 0
}
