package event

import "testing"

func TestUCQMboxFIFO(t *testing.T) {
	m := NewMbox(MboxUCQ)
	m.put(Msg{Type: EvUser, Arg2: 1})
	m.put(Msg{Type: EvUser, Arg2: 2})
	msg, ok := m.GetMsg()
	if !ok || msg.Arg2 != 1 {
		t.Fatalf("expected first message (arg2=1), got %+v ok=%v", msg, ok)
	}
	msg, ok = m.GetMsg()
	if !ok || msg.Arg2 != 2 {
		t.Fatalf("expected second message (arg2=2), got %+v ok=%v", msg, ok)
	}
	if !m.IsEmpty() {
		t.Fatal("mbox should be empty after draining both messages")
	}
}

func TestBitmapMboxCoalesces(t *testing.T) {
	m := NewMbox(MboxBitmap)
	m.put(Msg{Type: EvUser})
	m.put(Msg{Type: EvUser})
	count := 0
	for !m.IsEmpty() {
		if _, ok := m.GetMsg(); ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("bitmap mbox should coalesce repeated posts of the same type, got %d", count)
	}
}

func TestCEQMboxKeepsLastPayloadPerType(t *testing.T) {
	m := NewMbox(MboxCEQ)
	m.put(Msg{Type: EvUser, Arg2: 1})
	m.put(Msg{Type: EvUser, Arg2: 2})
	msg, ok := m.GetMsg()
	if !ok || msg.Arg2 != 2 {
		t.Fatalf("expected the last posted payload (arg2=2), got %+v ok=%v", msg, ok)
	}
	if !m.IsEmpty() {
		t.Fatal("ceq mbox should be empty after draining its one coalesced slot")
	}
}

func TestPostDeliversIntoMbox(t *testing.T) {
	m := NewMbox(MboxUCQ)
	Post(m, Msg{Type: EvUser, Arg2: 5})
	msg, ok := m.GetMsg()
	if !ok || msg.Arg2 != 5 {
		t.Fatalf("Post should have delivered the message, got %+v ok=%v", msg, ok)
	}
}

func TestHandleMboxRunsRegisteredHandler(t *testing.T) {
	const myType EvType = EvUser + 100
	var got Msg
	called := 0
	RegisterHandler(myType, func(msg Msg, evType EvType, data interface{}) {
		got = msg
		called++
	}, nil)

	m := NewMbox(MboxUCQ)
	m.put(Msg{Type: myType, Arg2: 42})
	if !HandleMbox(m) {
		t.Fatal("HandleMbox should report it handled something")
	}
	if called != 1 || got.Arg2 != 42 {
		t.Fatalf("handler called %d times with %+v", called, got)
	}
}

func TestQueueSendInvokesHandler(t *testing.T) {
	q := NewQueue(MboxUCQ)
	var received Msg
	q.Handler = func(q *Queue) {
		msg, _ := q.Mbox.GetMsg()
		received = msg
	}
	q.Send(Msg{Type: EvUser, Arg2: 9})
	if received.Arg2 != 9 {
		t.Fatalf("handler should see the sent message, got %+v", received)
	}
	if !q.AlertPending {
		t.Fatal("Send should mark AlertPending")
	}
}

func TestHandleEvEventDrainsNestedQueue(t *testing.T) {
	inner := NewQueue(MboxUCQ)
	inner.Mbox.put(Msg{Type: EvUser, Arg2: 5})
	inner.AlertPending = true

	outer := NewMbox(MboxUCQ)
	outer.put(Msg{Type: EvEvent, Arg3: inner})
	HandleMbox(outer)

	if inner.AlertPending {
		t.Fatal("handleEvEvent should clear the nested queue's AlertPending")
	}
	if !inner.Mbox.IsEmpty() {
		t.Fatal("handleEvEvent should drain the nested queue's mbox")
	}
}

func TestVcoresHandleEventsClearsNotifPending(t *testing.T) {
	vc := NewVcores()
	v := vc.Vcpd(0)
	v.NotifPending = true
	v.Public.put(Msg{Type: EvUser})

	n := vc.HandleEvents(0)
	if n != 1 {
		t.Fatalf("expected one mbox handled (public), got %d", n)
	}
	if v.NotifPending {
		t.Fatal("HandleEvents should clear NotifPending")
	}
}

func TestRequestRemoteDrainThenTryHandleDrainsRemote(t *testing.T) {
	vc := NewVcores()
	remote := vc.Vcpd(2)
	remote.Public.put(Msg{Type: EvUser, Arg2: 77})

	vc.RequestRemoteDrain(0, 2)
	vc.TryHandleRemoteMbox(0)

	if !remote.Public.IsEmpty() {
		t.Fatal("TryHandleRemoteMbox should have drained vcore 2's public mbox")
	}
}

func TestRequestRemoteDrainNoOpOnEmptyMbox(t *testing.T) {
	vc := NewVcores()
	vc.Vcpd(3) // empty public mbox
	vc.RequestRemoteDrain(0, 3)

	vc.mu.Lock()
	_, pending := vc.drain[0]
	vc.mu.Unlock()
	if pending {
		t.Fatal("an empty remote mbox should never schedule a drain")
	}
}

func TestPokeTrackerCoalescesReentrantPokes(t *testing.T) {
	runs := 0
	blocking := make(chan struct{})
	started := make(chan struct{}, 1)
	pk := NewPoker(func(arg interface{}) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-blocking
		runs++
	})

	done := make(chan struct{})
	go func() { pk.Poke(nil); close(done) }()
	<-started
	pk.Poke(nil)
	pk.Poke(nil)
	close(blocking)
	<-done

	if runs == 0 || runs > 2 {
		t.Fatalf("runs = %d, want 1 or 2 (coalesced)", runs)
	}
}
