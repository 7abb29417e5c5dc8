package event

import "sync"

// Vcpd is one vcore's preempt-data mailboxes: a private mbox only that
// vcore ever drains, and a public one any vcore may notice has pending
// activity, the Go shape of struct preempt_data's ev_mbox_private/public.
type Vcpd struct {
	Private      Mbox
	Public       Mbox
	NotifPending bool
}

// NewVcpd builds a Vcpd with UCQ mailboxes, the default mbox kind
// event_mbox_init uses for VCPD queues absent a caller-specified type.
func NewVcpd() *Vcpd {
	return &Vcpd{Private: NewMbox(MboxUCQ), Public: NewMbox(MboxUCQ)}
}

// Vcores is the process-wide table of per-vcore VCPD state and the
// cross-vcore drain sentinel, the hosted equivalent of the kernel's
// per_cpu_info array plus the __vc_handle_an_mbox/__vc_rem_vcoreid TLS
// pair. A real vcore has one goroutine driving it, so the sentinel is kept
// per-vcore here rather than truly thread-local.
type Vcores struct {
	mu    sync.Mutex
	vcpd  map[uint32]*Vcpd
	drain map[uint32]*RemoteDrainRequest
}

// NewVcores builds an empty vcore table; call Vcpd(id) to lazily create
// each vcore's mailboxes on first use.
func NewVcores() *Vcores {
	return &Vcores{vcpd: make(map[uint32]*Vcpd), drain: make(map[uint32]*RemoteDrainRequest)}
}

// Vcpd returns vcoreid's mailbox pair, creating it on first access.
func (v *Vcores) Vcpd(vcoreid uint32) *Vcpd {
	v.mu.Lock()
	defer v.mu.Unlock()
	vc, ok := v.vcpd[vcoreid]
	if !ok {
		vc = NewVcpd()
		v.vcpd[vcoreid] = vc
	}
	return vc
}

// HandleEvents drains vcoreid's private then public VCPD mbox, mirroring
// handle_events: notif_pending is cleared up front since the kernel may
// set it again concurrently and a caller leaving vcore context always
// double-checks it afterward.
func (v *Vcores) HandleEvents(vcoreid uint32) int {
	vc := v.Vcpd(vcoreid)
	vc.NotifPending = false
	n := 0
	if HandleMbox(vc.Private) {
		n++
	}
	if HandleMbox(vc.Public) {
		n++
	}
	return n
}

// RemoteDrainRequest records that the vcore it targets owes a drain pass
// over another vcore's public mbox, the Go shape of the TLS pair
// __vc_handle_an_mbox/__vc_rem_vcoreid.
type RemoteDrainRequest struct {
	RemVcoreID uint32
}

// RequestRemoteDrain is handle_vcpd_mbox: vcoreid noticed remVcoreid's
// public mbox has messages (e.g. it was about to run on a core that used
// to belong to remVcoreid). If vcoreid has nothing in flight, set the
// sentinel for its own next TryHandleRemoteMbox call; if it's already
// draining someone else, defer by posting an EV_CHECK_MSGS to itself
// rather than nesting; if it's already draining remVcoreid specifically,
// there's nothing to do.
func (v *Vcores) RequestRemoteDrain(vcoreid, remVcoreid uint32) {
	if vcoreid == remVcoreid {
		return
	}
	if v.Vcpd(remVcoreid).Public.IsEmpty() {
		return
	}
	v.mu.Lock()
	req, handling := v.drain[vcoreid]
	if handling {
		already := req.RemVcoreID == remVcoreid
		v.mu.Unlock()
		if !already {
			v.Vcpd(vcoreid).Public.put(Msg{Type: EvCheckMsgs, Arg2: uint64(remVcoreid)})
		}
		return
	}
	v.drain[vcoreid] = &RemoteDrainRequest{RemVcoreID: remVcoreid}
	v.mu.Unlock()
}

// TryHandleRemoteMbox is try_handle_remote_mbox: called from a vcore's own
// entry/dispatch loop, it drains whatever remote public mbox
// RequestRemoteDrain queued up for it, then clears the sentinel.
func (v *Vcores) TryHandleRemoteMbox(vcoreid uint32) {
	v.mu.Lock()
	req, ok := v.drain[vcoreid]
	v.mu.Unlock()
	if !ok {
		return
	}
	HandleMbox(v.Vcpd(req.RemVcoreID).Public)
	v.mu.Lock()
	delete(v.drain, vcoreid)
	v.mu.Unlock()
}
