package kthread

import (
	"sync"
	"testing"
	"time"

	"defs"
)

func TestSemTrydownRoundtrip(t *testing.T) {
	s := MkSemaphore(1)
	if !s.Trydown() {
		t.Fatal("trydown should succeed with one signal available")
	}
	if s.Trydown() {
		t.Fatal("trydown should fail once the signal is taken")
	}
	s.Up()
	if !s.Trydown() {
		t.Fatal("trydown should succeed again after up")
	}
}

func TestSemDownBlocksUntilUp(t *testing.T) {
	s := MkSemaphore(0)
	done := make(chan struct{})
	go func() {
		s.Down()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("down returned before any up")
	case <-time.After(20 * time.Millisecond):
	}

	s.Up()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("down never returned after up")
	}
}

func TestSemUpWakesOldestWaiterFirst(t *testing.T) {
	s := MkSemaphore(0)
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			s.Down()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		// give each goroutine a chance to park before starting the next
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		s.Up()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 wakeups, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("wakeup order = %v, want FIFO 0,1,2", order)
		}
	}
}

func TestSemTrydownBulk(t *testing.T) {
	s := MkSemaphore(5)
	if !s.TrydownBulk(3) {
		t.Fatal("bulk trydown of 3 from 5 should succeed")
	}
	if s.TrydownBulk(3) {
		t.Fatal("bulk trydown of 3 from remaining 2 should fail")
	}
	if !s.TrydownBulk(2) {
		t.Fatal("bulk trydown of exactly the remainder should succeed")
	}
}

func TestSemDownBulk(t *testing.T) {
	s := MkSemaphore(0)
	done := make(chan struct{})
	go func() {
		s.DownBulk(3)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Up()
	s.Up()
	select {
	case <-done:
		t.Fatal("down_bulk(3) returned after only 2 ups")
	default:
	}
	s.Up()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("down_bulk(3) never returned after 3 ups")
	}
}

func TestCondVarSignalWakesOne(t *testing.T) {
	var mu sync.Mutex
	cv := MkCondVar(&mu)
	ready := make(chan struct{})
	woke := make(chan struct{})

	mu.Lock()
	go func() {
		mu.Lock()
		close(ready)
		cv.Wait()
		close(woke)
		mu.Unlock()
	}()
	mu.Unlock()
	<-ready
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	cv.Signal()
	mu.Unlock()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("signal never woke the waiter")
	}
}

func TestCondVarBroadcastWakesAll(t *testing.T) {
	var mu sync.Mutex
	cv := MkCondVar(&mu)
	const n = 4
	var wg sync.WaitGroup
	started := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			started <- struct{}{}
			cv.Wait()
			mu.Unlock()
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	cv.Broadcast()
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not wake every waiter")
	}
}

func TestAdoptAndCurrent(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if Current() != nil {
			t.Error("fresh goroutine should have no current kthread until Adopt")
		}
		k := Adopt("worker")
		if Current() != k {
			t.Error("Current should return the just-adopted kthread")
		}
	}()
	<-done
}

func TestDownAbortableWakesOnAbort(t *testing.T) {
	s := MkSemaphore(0)
	sysc := &Sysc{Tag: "read", FD: 3}
	resCh := make(chan defs.Err_t, 1)

	go func() {
		Adopt("blocked-reader")
		resCh <- s.DownAbortable(sysc)
	}()
	time.Sleep(20 * time.Millisecond)

	n := AbortAllSysc(func(sy *Sysc) bool { return sy != nil && sy.UsesFD(3) })
	if n != 1 {
		t.Fatalf("expected to abort exactly 1 sleeper, aborted %d", n)
	}

	select {
	case err := <-resCh:
		if err != defs.ETIMEDOUT {
			t.Fatalf("aborted down should return ETIMEDOUT, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("aborted down never returned")
	}
}

func TestDownAbortableSucceedsWithoutAbort(t *testing.T) {
	s := MkSemaphore(0)
	sysc := &Sysc{Tag: "write", FD: 9}
	resCh := make(chan defs.Err_t, 1)

	go func() {
		Adopt("writer")
		resCh <- s.DownAbortable(sysc)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Up()

	select {
	case err := <-resCh:
		if err != defs.ESUCCESS {
			t.Fatalf("normally woken down should return ESUCCESS, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("down never returned after up")
	}
}
