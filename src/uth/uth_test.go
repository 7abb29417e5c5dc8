package uth

import (
	"testing"
	"time"

	"event"
)

func TestCheckEvqsReturnsFalseWhenEmpty(t *testing.T) {
	q := event.NewQueue(event.MboxUCQ)
	AttachWakeupCtlr(q)
	if _, _, ok := CheckEvqs(q); ok {
		t.Fatal("CheckEvqs on an empty queue should report nothing found")
	}
}

func TestCheckEvqsFindsPendingMessage(t *testing.T) {
	q := event.NewQueue(event.MboxUCQ)
	AttachWakeupCtlr(q)
	q.Send(event.Msg{Type: event.EvUser, Arg2: 3})

	msg, which, ok := CheckEvqs(q)
	if !ok || which != q || msg.Arg2 != 3 {
		t.Fatalf("CheckEvqs = %+v, %v, %v", msg, which, ok)
	}
}

func TestBlockonEvqsReturnsImmediatelyIfAlreadyPending(t *testing.T) {
	q := event.NewQueue(event.MboxUCQ)
	AttachWakeupCtlr(q)
	q.Send(event.Msg{Type: event.EvUser, Arg2: 11})

	done := make(chan struct{})
	var got event.Msg
	go func() {
		got, _ = BlockonEvqs(q)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockonEvqs should not have blocked; message was already queued")
	}
	if got.Arg2 != 11 {
		t.Fatalf("got %+v", got)
	}
}

func TestBlockonEvqsWakesOnLateSend(t *testing.T) {
	q := event.NewQueue(event.MboxUCQ)
	AttachWakeupCtlr(q)

	done := make(chan struct{})
	var got event.Msg
	var which *event.Queue
	go func() {
		got, which = BlockonEvqs(q)
		close(done)
	}()

	// Give the blocker a moment to register and park.
	time.Sleep(20 * time.Millisecond)
	q.Send(event.Msg{Type: event.EvUser, Arg2: 42})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockonEvqs never woke up after a late Send")
	}
	if which != q || got.Arg2 != 42 {
		t.Fatalf("got %+v on %v", got, which)
	}
}

func TestBlockonEvqsAcrossMultipleQueuesPicksWhicheverFires(t *testing.T) {
	a := event.NewQueue(event.MboxUCQ)
	b := event.NewQueue(event.MboxUCQ)
	AttachWakeupCtlr(a)
	AttachWakeupCtlr(b)

	done := make(chan struct{})
	var which *event.Queue
	go func() {
		_, which = BlockonEvqs(a, b)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Send(event.Msg{Type: event.EvUser, Arg2: 7})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockonEvqs never woke up")
	}
	if which != b {
		t.Fatalf("expected wakeup to report queue b, got %v", which)
	}
}

func TestBlockonEvqsPanicsWithoutWakeupCtlr(t *testing.T) {
	q := event.NewQueue(event.MboxUCQ)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic blocking on a queue with no WakeupCtlr attached")
		}
	}()
	BlockonEvqs(q)
}

func TestRemoveWakeupCtlrClearsHandler(t *testing.T) {
	q := event.NewQueue(event.MboxUCQ)
	AttachWakeupCtlr(q)
	RemoveWakeupCtlr(q)
	if q.Handler != nil || q.UData != nil {
		t.Fatal("RemoveWakeupCtlr should clear both Handler and UData")
	}
}

func TestUnlinkRemovesWaiterFromWakeupCtlr(t *testing.T) {
	q := event.NewQueue(event.MboxUCQ)
	wc := AttachWakeupCtlr(q)
	uc := newSleepCtlr()
	l := link(uc, wc)

	wc.mu.Lock()
	n := len(wc.waiters)
	wc.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 waiter after link, got %d", n)
	}

	unlink(l)
	wc.mu.Lock()
	n = len(wc.waiters)
	wc.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected 0 waiters after unlink, got %d", n)
	}
}
