package hypervisor

import (
	"container/heap"
	"time"

	"apexhv/internal/hypervisor/port"
	"apexhv/internal/hypervisor/shim"
	"apexhv/pkg/apex"
)

type waitKind int

const (
	waitPeriodic waitKind = iota
	waitTimed
	waitReceive
)

func (k waitKind) String() string {
	switch k {
	case waitPeriodic:
		return "periodic"
	case waitTimed:
		return "timed"
	default:
		return "receive"
	}
}

// parkedCall is an APEX call answered later: at the partition's next
// window, at a deadline, or when a message arrives.
type parkedCall struct {
	call     shim.Call
	kind     waitKind
	binding  *port.Binding
	deadline time.Duration
	// index is the position in the wait queue, -1 when the call has no deadline.
	index int
}

// waitQueue orders parked calls by deadline.
type waitQueue []*parkedCall

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool { return q[i].deadline < q[j].deadline }

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	pc := x.(*parkedCall)
	pc.index = len(*q)
	*q = append(*q, pc)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	pc := old[n-1]
	old[n-1] = nil
	pc.index = -1
	*q = old[:n-1]
	return pc
}

// park holds call until it is released. A negative deadline waits forever.
func (h *Hypervisor) park(ps *partitionState, pc *parkedCall, timeout time.Duration, now time.Duration) {
	pc.index = -1
	if timeout >= 0 {
		pc.deadline = now + timeout
		heap.Push(&h.waits, pc)
	}
	ps.parked = pc
}

// unpark removes the parked call of ps, if any, and returns it.
func (h *Hypervisor) unpark(ps *partitionState) *parkedCall {
	pc := ps.parked
	if pc == nil {
		return nil
	}
	if pc.index >= 0 {
		heap.Remove(&h.waits, pc.index)
	}
	ps.parked = nil
	return pc
}

// expireWaits answers every parked call whose deadline has passed.
func (h *Hypervisor) expireWaits(now time.Duration) {
	for h.waits.Len() > 0 && h.waits[0].deadline <= now {
		pc := heap.Pop(&h.waits).(*parkedCall)
		ps, ok := h.byID[pc.call.Partition]
		if !ok || ps.parked != pc {
			continue
		}
		ps.parked = nil
		switch pc.kind {
		case waitReceive:
			pc.call.Reply(apex.Response{Code: apex.TimedOut, Message: "no message before timeout"})
		default:
			pc.call.Reply(apex.Response{Code: apex.NoError})
		}
	}
}

// nextWake is the elapsed time the run loop must wake up at.
func (h *Hypervisor) nextWake() time.Duration {
	next := h.dispatcher.NextBoundary()
	if h.waits.Len() > 0 && h.waits[0].deadline < next {
		next = h.waits[0].deadline
	}
	return next
}
