//go:build linux

package port

import (
	"testing"
	"time"

	"apexhv/internal/hypervisor/clock"
	apperrors "apexhv/pkg/errors"
)

func TestReadOnlyMappingSeesWrites(t *testing.T) {
	clk := clock.NewManual(0)
	r := newTestRegistryWith(t, clk, SharedAllocator)
	src, _ := r.Lookup(Endpoint{Partition: "sensor", Port: "temp_out"})
	writer := src.Channel.Port.(*Sampling)

	files, err := r.ReaderFiles("ctrl")
	if err != nil {
		t.Fatalf("ReaderFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].Port != "temp_in" {
		t.Fatalf("unexpected reader files: %+v", files)
	}
	if others, _ := r.ReaderFiles("sensor"); len(others) != 0 {
		t.Fatalf("a source must not receive reader files, got %d", len(others))
	}

	region, err := MapReadOnly(files[0].File.Fd(), SamplingRegionSize(16))
	_ = files[0].File.Close()
	if err != nil {
		t.Fatalf("MapReadOnly failed: %v", err)
	}
	defer region.Close()
	reader, err := NewSampling(region, 16, time.Second, clk)
	if err != nil {
		t.Fatalf("NewSampling failed: %v", err)
	}

	if _, err := reader.Read(); !apperrors.Is(err, apperrors.NoMessage) {
		t.Fatalf("expected NoMessage before first write, got %v", err)
	}
	clk.Set(10 * time.Millisecond)
	if err := writer.Write([]byte("21C")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	msg, err := reader.Read()
	if err != nil || string(msg.Data) != "21C" || !msg.Valid || msg.Stamp != 10*time.Millisecond {
		t.Fatalf("unexpected read through mapping: %+v err=%v", msg, err)
	}

	clk.Set(2 * time.Second)
	if msg, _ := reader.Read(); msg.Valid {
		t.Fatal("expected stale value once the refresh period passed")
	}

	if err := reader.Write([]byte("x")); !apperrors.Is(err, apperrors.PortDirection) {
		t.Fatalf("expected read-only mapping to refuse writes, got %v", err)
	}
	reader.Reset()
	if _, err := writer.Read(); err != nil {
		t.Fatalf("Reset on a read-only mapping must not clear the value: %v", err)
	}
}

func TestOpenReadOnlyCannotMapWritable(t *testing.T) {
	region, err := NewSharedRegion("ro", 64)
	if err != nil {
		t.Fatalf("NewSharedRegion failed: %v", err)
	}
	defer region.Close()
	f, err := region.(SharedRegion).OpenReadOnly()
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("x")); err == nil {
		t.Fatal("expected write through read-only descriptor to fail")
	}
}
