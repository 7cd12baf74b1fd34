package port

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"apexhv/internal/hypervisor/clock"
	apperrors "apexhv/pkg/errors"
)

func newSampling(t *testing.T, clk clock.Clock, msgSize int, refresh time.Duration) *Sampling {
	t.Helper()
	s, err := NewSampling(NewHeapRegion(SamplingRegionSize(msgSize)), msgSize, refresh, clk)
	if err != nil {
		t.Fatalf("NewSampling failed: %v", err)
	}
	return s
}

func TestSamplingValidity(t *testing.T) {
	clk := clock.NewManual(0)
	s := newSampling(t, clk, 16, 100*time.Millisecond)

	if err := s.Write([]byte("X")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	clk.Set(50 * time.Millisecond)
	msg, err := s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(msg.Data) != "X" || !msg.Valid {
		t.Fatalf("expected valid X at 50ms, got %q valid=%v", msg.Data, msg.Valid)
	}

	clk.Set(150 * time.Millisecond)
	msg, err = s.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(msg.Data) != "X" || msg.Valid {
		t.Fatalf("expected stale X at 150ms, got %q valid=%v", msg.Data, msg.Valid)
	}
}

func TestSamplingBoundaryIsValid(t *testing.T) {
	clk := clock.NewManual(10 * time.Millisecond)
	s := newSampling(t, clk, 8, 20*time.Millisecond)
	_ = s.Write([]byte("edge"))
	clk.Set(30 * time.Millisecond)
	msg, err := s.Read()
	if err != nil || !msg.Valid {
		t.Fatalf("expected value exactly refresh_period old to be valid, got valid=%v err=%v", msg.Valid, err)
	}
	if msg.Stamp != 10*time.Millisecond {
		t.Fatalf("expected stamp 10ms, got %v", msg.Stamp)
	}
}

func TestSamplingReadIsIdempotent(t *testing.T) {
	clk := clock.NewManual(0)
	s := newSampling(t, clk, 32, time.Second)
	_ = s.Write([]byte("first value"))
	_ = s.Write([]byte("second"))

	a, errA := s.Read()
	b, errB := s.Read()
	if errA != nil || errB != nil {
		t.Fatalf("reads failed: %v %v", errA, errB)
	}
	if !bytes.Equal(a.Data, b.Data) || a.Valid != b.Valid || a.Stamp != b.Stamp {
		t.Fatalf("reads differ: %+v vs %+v", a, b)
	}
	if string(a.Data) != "second" {
		t.Fatalf("expected latest value, got %q", a.Data)
	}
}

func TestSamplingErrors(t *testing.T) {
	clk := clock.NewManual(0)
	s := newSampling(t, clk, 4, time.Second)

	if _, err := s.Read(); !apperrors.Is(err, apperrors.NoMessage) {
		t.Fatalf("expected NoMessage before first write, got %v", err)
	}
	if err := s.Write([]byte("too long")); !apperrors.Is(err, apperrors.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
	if err := s.Write(nil); err != nil {
		t.Fatalf("empty message should be accepted: %v", err)
	}
	msg, err := s.Read()
	if err != nil || len(msg.Data) != 0 {
		t.Fatalf("expected empty message, got %q err=%v", msg.Data, err)
	}
	s.Reset()
	if _, err := s.Read(); !apperrors.Is(err, apperrors.NoMessage) {
		t.Fatalf("expected NoMessage after reset, got %v", err)
	}
}

func TestSamplingConcurrentReadersNeverTear(t *testing.T) {
	clk := clock.NewMonotonic()
	const size = 64
	s := newSampling(t, clk, size, time.Second)

	patterns := [][]byte{bytes.Repeat([]byte{'a'}, size), bytes.Repeat([]byte{'b'}, size/2)}
	_ = s.Write(patterns[0])

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			_ = s.Write(patterns[i%2])
		}
	}()

	for i := 0; i < 2000; i++ {
		msg, err := s.Read()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !bytes.Equal(msg.Data, patterns[0]) && !bytes.Equal(msg.Data, patterns[1]) {
			close(done)
			wg.Wait()
			t.Fatalf("torn read: %q", msg.Data)
		}
	}
	close(done)
	wg.Wait()
}
