//go:build linux

package hypervisor

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"apexhv/internal/hypervisor/clock"
	"apexhv/internal/hypervisor/isolation"
	"apexhv/internal/hypervisor/port"
	"apexhv/pkg/apex"
)

func TestSpawnSharesSamplingDestinations(t *testing.T) {
	iso := newFakeManager()
	passed := make(map[string][]*os.File)
	iso.onSpawn = func(req isolation.SpawnRequest) {
		for _, f := range req.Files {
			fd, err := syscall.Dup(int(f.Fd()))
			if err != nil {
				t.Errorf("dup failed: %v", err)
				continue
			}
			dup := os.NewFile(uintptr(fd), f.Name())
			passed[req.Descriptor.Name] = append(passed[req.Descriptor.Name], dup)
			t.Cleanup(func() { _ = dup.Close() })
		}
	}
	clk := clock.NewMonotonic()
	h, err := New(Options{
		Model:     testModel(),
		Isolation: iso,
		Clock:     clk,
		Allocator: port.SharedAllocator,
		Connector: func(string) (io.ReadWriteCloser, *os.File, error) {
			hvEnd, _ := net.Pipe()
			r, w, err := os.Pipe()
			if err != nil {
				return nil, nil, err
			}
			_ = r.Close()
			return hvEnd, w, nil
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer h.teardown(context.Background())
	if err := h.start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if n := len(passed["p1"]); n != 0 {
		t.Fatalf("p1 reads no sampling port, got %d files", n)
	}
	if n := len(passed["p2"]); n != 1 {
		t.Fatalf("p2 should receive the temp region, got %d files", n)
	}

	resp, err := h.createPort(h.byID["p2"], apex.Request{
		Op:        apex.OpCreateSampling,
		Name:      "temp_in",
		Direction: apex.DirectionDestination,
	}, port.KindSampling)
	if err != nil {
		t.Fatalf("createPort failed: %v", err)
	}
	r := resp.Region
	if r == nil || r.Fd != apex.CallFD+1 || r.MsgSize != 64 || r.ClockBase != int64(clk.Base()) {
		t.Fatalf("unexpected shared region %+v", r)
	}

	src, err := h.createPort(h.byID["p1"], apex.Request{
		Op:        apex.OpCreateSampling,
		Name:      "temp_out",
		Direction: apex.DirectionSource,
	}, port.KindSampling)
	if err != nil || src.Region != nil {
		t.Fatalf("a source port is never shared: %+v err=%v", src, err)
	}

	region, err := port.MapReadOnly(passed["p2"][0].Fd(), r.Size)
	if err != nil {
		t.Fatalf("MapReadOnly failed: %v", err)
	}
	defer region.Close()
	reader, err := port.NewSampling(region, r.MsgSize, 0, clock.FromBase(0))
	if err != nil {
		t.Fatalf("NewSampling failed: %v", err)
	}
	b, _ := h.registry.Lookup(port.Endpoint{Partition: "p1", Port: "temp_out"})
	if err := b.Channel.Port.Write([]byte("21C")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	msg, err := reader.Read()
	if err != nil || string(msg.Data) != "21C" {
		t.Fatalf("partition mapping did not see the write: %q %v", msg.Data, err)
	}
}
