package port

import (
	apperrors "apexhv/pkg/errors"
)

// Queuing region layout:
//
//	0   head      consumer counter
//	8   tail      producer counter
//	16  overflow  1 when a message was evicted since the last receive
//	24  reserved
//	32  slots     msg_num * (8 byte length + msg_size rounded up to a word)
const (
	queueHeadOff     = 0
	queueTailOff     = 8
	queueOverflowOff = 16
	queueSlotsOff    = 32
)

// QueuingRegionSize returns the region size needed for msgNum slots of msgSize.
func QueuingRegionSize(msgSize, msgNum int) int {
	return queueSlotsOff + msgNum*(8+align8(msgSize))
}

// QueueStatus is a snapshot of a queuing channel.
type QueueStatus struct {
	Len      int
	Capacity int
	MsgSize  int
	Overflow bool
}

// Queuing is a bounded single-producer single-consumer FIFO. Drop-oldest
// eviction is done by the producer advancing the consumer counter with CAS,
// so the consumer commits a pop only if its CAS on head succeeds.
type Queuing struct {
	region   Region
	buf      []byte
	msgSize  int
	capacity int
	slotSize int
	policy   OverflowPolicy
}

// NewQueuing lays a queuing channel over region.
func NewQueuing(region Region, msgSize, msgNum int, policy OverflowPolicy) (*Queuing, error) {
	if msgSize <= 0 || msgNum <= 0 {
		return nil, apperrors.New(apperrors.ChannelInvalid).WithMessage("queuing msg_size and msg_num must be positive")
	}
	buf := region.Bytes()
	if len(buf) < QueuingRegionSize(msgSize, msgNum) {
		return nil, apperrors.Newf(apperrors.ChannelInvalid, "queuing region too small: %d < %d", len(buf), QueuingRegionSize(msgSize, msgNum))
	}
	return &Queuing{
		region:   region,
		buf:      buf,
		msgSize:  msgSize,
		capacity: msgNum,
		slotSize: 8 + align8(msgSize),
		policy:   policy,
	}, nil
}

func (q *Queuing) Kind() Kind { return KindQueuing }

func (q *Queuing) MsgSize() int { return q.msgSize }

// Capacity returns msg_num.
func (q *Queuing) Capacity() int { return q.capacity }

// Policy returns the overflow policy.
func (q *Queuing) Policy() OverflowPolicy { return q.policy }

func (q *Queuing) slotOff(counter uint64) int {
	return queueSlotsOff + int(counter%uint64(q.capacity))*q.slotSize
}

// Write appends msg. A full queue rejects it or evicts the head, per policy.
func (q *Queuing) Write(msg []byte) error {
	if len(msg) > q.msgSize {
		return apperrors.Newf(apperrors.MessageTooLarge, "message of %d bytes exceeds msg_size %d", len(msg), q.msgSize).
			WithDetail("size", len(msg)).
			WithDetail("msg_size", q.msgSize)
	}
	head := word(q.buf, queueHeadOff)
	tail := word(q.buf, queueTailOff)

	t := tail.Load()
	h := head.Load()
	if t-h >= uint64(q.capacity) {
		if q.policy == RejectNew {
			return apperrors.Newf(apperrors.QueueFull, "queue full (%d messages)", q.capacity).
				WithDetail("capacity", q.capacity)
		}
		// A failed CAS means the consumer popped the head concurrently and
		// there is room again.
		if head.CompareAndSwap(h, h+1) {
			word(q.buf, queueOverflowOff).Store(1)
		}
	}
	off := q.slotOff(t)
	storeWords(q.buf, off+8, msg)
	word(q.buf, off).Store(uint64(len(msg)))
	tail.Store(t + 1)
	return nil
}

// Read pops the head message. An empty queue yields QueueEmpty.
func (q *Queuing) Read() (Message, error) {
	head := word(q.buf, queueHeadOff)
	tail := word(q.buf, queueTailOff)
	for {
		h := head.Load()
		if h == tail.Load() {
			return Message{}, apperrors.New(apperrors.QueueEmpty)
		}
		off := q.slotOff(h)
		n := int(word(q.buf, off).Load())
		if n > q.msgSize {
			n = q.msgSize
		}
		data := loadWords(q.buf, off+8, n)
		if head.CompareAndSwap(h, h+1) {
			overflow := word(q.buf, queueOverflowOff).Swap(0) == 1
			return Message{Data: data, Valid: true, Overflow: overflow}, nil
		}
	}
}

// Len returns the number of queued messages.
func (q *Queuing) Len() int {
	t := word(q.buf, queueTailOff).Load()
	h := word(q.buf, queueHeadOff).Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Status returns a snapshot of the queue.
func (q *Queuing) Status() QueueStatus {
	return QueueStatus{
		Len:      q.Len(),
		Capacity: q.capacity,
		MsgSize:  q.msgSize,
		Overflow: word(q.buf, queueOverflowOff).Load() == 1,
	}
}

// Clear discards queued messages from the consumer side.
func (q *Queuing) Clear() {
	head := word(q.buf, queueHeadOff)
	for {
		h := head.Load()
		t := word(q.buf, queueTailOff).Load()
		if h >= t || head.CompareAndSwap(h, t) {
			break
		}
	}
	word(q.buf, queueOverflowOff).Store(0)
}

// Reset empties the queue. Callers ensure neither side is active.
func (q *Queuing) Reset() {
	word(q.buf, queueHeadOff).Store(0)
	word(q.buf, queueTailOff).Store(0)
	word(q.buf, queueOverflowOff).Store(0)
}
