package port

import (
	"fmt"
	"sync"
	"testing"

	apperrors "apexhv/pkg/errors"
)

func newQueuing(t *testing.T, msgSize, msgNum int, policy OverflowPolicy) *Queuing {
	t.Helper()
	q, err := NewQueuing(NewHeapRegion(QueuingRegionSize(msgSize, msgNum)), msgSize, msgNum, policy)
	if err != nil {
		t.Fatalf("NewQueuing failed: %v", err)
	}
	return q
}

func TestQueuingRejectNew(t *testing.T) {
	q := newQueuing(t, 8, 2, RejectNew)

	for _, m := range []string{"m1", "m2"} {
		if err := q.Write([]byte(m)); err != nil {
			t.Fatalf("Write %s failed: %v", m, err)
		}
	}
	if err := q.Write([]byte("m3")); !apperrors.Is(err, apperrors.QueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
	for _, want := range []string{"m1", "m2"} {
		msg, err := q.Read()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(msg.Data) != want {
			t.Fatalf("expected %s, got %s", want, msg.Data)
		}
	}
	if _, err := q.Read(); !apperrors.Is(err, apperrors.QueueEmpty) {
		t.Fatalf("expected QueueEmpty, got %v", err)
	}
}

func TestQueuingDropOldest(t *testing.T) {
	q := newQueuing(t, 8, 2, DropOldest)

	for _, m := range []string{"m1", "m2", "m3"} {
		if err := q.Write([]byte(m)); err != nil {
			t.Fatalf("Write %s failed: %v", m, err)
		}
	}
	if st := q.Status(); st.Len != 2 || !st.Overflow {
		t.Fatalf("unexpected status %+v", st)
	}
	first, err := q.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(first.Data) != "m2" || !first.Overflow {
		t.Fatalf("expected m2 with overflow flag, got %q overflow=%v", first.Data, first.Overflow)
	}
	second, err := q.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(second.Data) != "m3" || second.Overflow {
		t.Fatalf("expected m3 without overflow flag, got %q overflow=%v", second.Data, second.Overflow)
	}
}

func TestQueuingWrapAround(t *testing.T) {
	q := newQueuing(t, 16, 3, RejectNew)
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			if err := q.Write([]byte(fmt.Sprintf("r%d-%d", round, i))); err != nil {
				t.Fatalf("round %d write %d failed: %v", round, i, err)
			}
		}
		for i := 0; i < 3; i++ {
			msg, err := q.Read()
			if err != nil {
				t.Fatalf("round %d read %d failed: %v", round, i, err)
			}
			if want := fmt.Sprintf("r%d-%d", round, i); string(msg.Data) != want {
				t.Fatalf("expected %s, got %s", want, msg.Data)
			}
		}
	}
}

func TestQueuingClearAndReset(t *testing.T) {
	q := newQueuing(t, 8, 4, DropOldest)
	for i := 0; i < 6; i++ {
		_ = q.Write([]byte{byte(i)})
	}
	q.Clear()
	if st := q.Status(); st.Len != 0 || st.Overflow || st.Capacity != 4 {
		t.Fatalf("unexpected status after clear %+v", st)
	}
	_ = q.Write([]byte("after"))
	msg, err := q.Read()
	if err != nil || string(msg.Data) != "after" {
		t.Fatalf("expected message written after clear, got %q err=%v", msg.Data, err)
	}
	_ = q.Write([]byte("x"))
	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after reset, got %d", q.Len())
	}
	if err := q.Write(make([]byte, 9)); !apperrors.Is(err, apperrors.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
}

func TestQueuingConcurrentProducerConsumer(t *testing.T) {
	q := newQueuing(t, 8, 8, RejectNew)
	const total = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if err := q.Write([]byte(fmt.Sprintf("%08d", i))); err == nil {
				i++
			}
		}
	}()

	for next := 0; next < total; {
		msg, err := q.Read()
		if err != nil {
			continue
		}
		if want := fmt.Sprintf("%08d", next); string(msg.Data) != want {
			t.Fatalf("out of order: expected %s, got %s", want, msg.Data)
		}
		next++
	}
	wg.Wait()
}
