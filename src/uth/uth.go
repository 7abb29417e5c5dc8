// Package uth implements the uthread-side half of event-queue blocking:
// wakeup/sleep controllers and the "check, signal, check again" loop a
// uthread runs to block on a set of event queues without missing a wakeup
// that races the block itself. Grounded on
// original_source/user/parlib/event.c (uth_sleep_ctlr, evq_wakeup_ctlr,
// uth_blockon_evqs_arr); the teacher ships this as an empty stub module.
package uth

import (
	"sync"

	"event"
)

// SleepCtlr is the bookkeeping for one uthread sleeping on a set of event
// queues, the Go shape of struct uth_sleep_ctlr. wake is this hosted core's
// stand-in for uthread_runnable: parking is a channel receive instead of a
// 2LS yield, since a hosted goroutine already has somewhere to go back to
// sleep on natively (the same substitution kthread's semaphores make).
type SleepCtlr struct {
	mu        sync.Mutex
	checkEvqs bool
	blocked   bool
	wake      chan struct{}
	poker     *event.PokeTracker
	links     []*waitLink
}

func newSleepCtlr() *SleepCtlr {
	uc := &SleepCtlr{wake: make(chan struct{}, 1)}
	uc.poker = event.NewPoker(func(interface{}) { uc.wakeupPoke() })
	return uc
}

// wakeupPoke is __uth_wakeup_poke: runs at most once at a time (via
// uc.poker), and only actually wakes the uthread if it was genuinely
// parked, so a poke racing a block-that-never-happened is harmless.
func (uc *SleepCtlr) wakeupPoke() {
	uc.mu.Lock()
	if !uc.blocked {
		uc.mu.Unlock()
		return
	}
	uc.blocked = false
	uc.mu.Unlock()
	select {
	case uc.wake <- struct{}{}:
	default:
	}
}

// WakeupCtlr attaches to an event.Queue and tracks which sleep controllers
// are waiting on it, the Go shape of struct evq_wakeup_ctlr.
type WakeupCtlr struct {
	mu      sync.Mutex
	waiters []*waitLink
}

// waitLink is one (uthread, evq) pairing, the Go shape of struct
// evq_wait_link: up to M*N of these exist for M uthreads times N evqs each.
type waitLink struct {
	sleep  *SleepCtlr
	wakeup *WakeupCtlr
}

// AttachWakeupCtlr installs a WakeupCtlr on q and points its handler at
// evqWakeupHandler, the Go shape of evq_attach_wakeup_ctlr. Any evq that
// uth.BlockonEvqs will wait on must have this called on it first.
func AttachWakeupCtlr(q *event.Queue) *WakeupCtlr {
	wc := &WakeupCtlr{}
	q.UData = wc
	q.Handler = evqWakeupHandler
	return wc
}

// RemoveWakeupCtlr detaches the wakeup controller installed by
// AttachWakeupCtlr, the Go shape of evq_remove_wakeup_ctlr.
func RemoveWakeupCtlr(q *event.Queue) {
	q.UData = nil
	q.Handler = nil
}

// evqWakeupHandler runs when q is checked; rather than consuming the
// message itself, it wakes every uthread waiting on q so each can re-poll
// all of its own evqs (broadcast, not a targeted single wakeup — see
// unlink's own note in the original about that tradeoff).
func evqWakeupHandler(q *event.Queue) {
	wc, ok := q.UData.(*WakeupCtlr)
	if !ok || wc == nil {
		return
	}
	wc.mu.Lock()
	links := append([]*waitLink(nil), wc.waiters...)
	wc.mu.Unlock()
	for _, l := range links {
		l.sleep.mu.Lock()
		l.sleep.checkEvqs = true
		l.sleep.mu.Unlock()
		l.sleep.poker.Poke(nil)
	}
}

func link(uc *SleepCtlr, wc *WakeupCtlr) *waitLink {
	l := &waitLink{sleep: uc, wakeup: wc}
	uc.links = append(uc.links, l)
	wc.mu.Lock()
	wc.waiters = append(wc.waiters, l)
	wc.mu.Unlock()
	return l
}

func unlink(l *waitLink) {
	wc := l.wakeup
	wc.mu.Lock()
	for i, x := range wc.waiters {
		if x == l {
			wc.waiters = append(wc.waiters[:i], wc.waiters[i+1:]...)
			break
		}
	}
	wc.mu.Unlock()
}

// extractEvqsMsg polls every evq once and returns the first message found,
// the Go shape of extract_evqs_msg.
func extractEvqsMsg(evqs []*event.Queue) (event.Msg, *event.Queue, bool) {
	for _, q := range evqs {
		if msg, ok := q.Mbox.GetMsg(); ok {
			return msg, q, true
		}
	}
	return event.Msg{}, nil, false
}

// CheckEvqs polls evqs once without blocking, the Go shape of
// uth_check_evqs.
func CheckEvqs(evqs ...*event.Queue) (event.Msg, *event.Queue, bool) {
	return extractEvqsMsg(evqs)
}

// BlockonEvqs blocks the calling goroutine until one of evqs yields a
// message, the Go shape of uth_blockon_evqs_arr's "check, signal, check
// again" loop. Every evq passed in must already have had AttachWakeupCtlr
// called on it.
func BlockonEvqs(evqs ...*event.Queue) (event.Msg, *event.Queue) {
	if msg, which, ok := extractEvqsMsg(evqs); ok {
		return msg, which
	}

	uc := newSleepCtlr()
	links := make([]*waitLink, len(evqs))
	for i, q := range evqs {
		wc, ok := q.UData.(*WakeupCtlr)
		if !ok || wc == nil {
			panic("uth: BlockonEvqs on a queue with no WakeupCtlr attached")
		}
		links[i] = link(uc, wc)
	}
	defer func() {
		for _, l := range links {
			unlink(l)
		}
	}()

	for {
		uc.mu.Lock()
		uc.checkEvqs = false
		uc.mu.Unlock()

		if msg, which, ok := extractEvqsMsg(evqs); ok {
			return msg, which
		}

		uc.mu.Lock()
		uc.blocked = true
		recheck := uc.checkEvqs
		uc.mu.Unlock()
		if recheck {
			uc.poker.Poke(nil)
		}
		<-uc.wake
	}
}
