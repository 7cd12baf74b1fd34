package journal

import (
	"context"
	"testing"
	"time"

	"apexhv/internal/hypervisor/health"
	apperrors "apexhv/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestJournal(t *testing.T, cfg Config) (*Journal, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	j := NewWithClient(client, cfg, "boot-1")
	return j, mr
}

func record(partition string, kind health.FaultKind, action health.Action) health.Record {
	return health.Record{
		Fault: health.Fault{
			Partition: partition,
			Kind:      kind,
			Detail:    "exit code 3",
			At:        25 * time.Millisecond,
			Frame:     2,
		},
		Action:    action,
		Escalated: true,
		Time:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPublishAppendsToStream(t *testing.T) {
	j, mr := newTestJournal(t, Config{Stream: "faults"})
	ctx := context.Background()

	if err := j.Publish(ctx, record("p1", health.UnexpectedExit, health.WarmRestart)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	rec := record("p2", health.Overrun, health.Ignore)
	rec.Err = "recovery failed"
	if err := j.Publish(ctx, rec); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := j.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	entries, err := mr.Stream("faults")
	if err != nil {
		t.Fatalf("read stream failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	got := make(map[string]string)
	values := entries[0].Values
	for i := 0; i+1 < len(values); i += 2 {
		got[values[i]] = values[i+1]
	}
	want := map[string]string{
		"partition": "p1",
		"kind":      string(health.UnexpectedExit),
		"action":    string(health.WarmRestart),
		"escalated": "true",
		"at":        "25ms",
		"frame":     "2",
		"boot_id":   "boot-1",
		"detail":    "exit code 3",
		"time":      "2026-01-02T03:04:05Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %s: expected %q, got %q", k, v, got[k])
		}
	}
	if _, ok := got["error"]; ok {
		t.Fatalf("unexpected error field on successful record")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	j, _ := newTestJournal(t, Config{Stream: "faults"})
	ctx := context.Background()
	defer func() { _ = j.Close(ctx) }()

	for _, name := range []string{"p1", "p2", "p3"} {
		if err := j.write(ctx, record(name, health.Overrun, health.Ignore)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	entries, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Fields["partition"] != "p3" || entries[1].Fields["partition"] != "p2" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	// No writer goroutine, so the queue fills deterministically.
	j := &Journal{
		client:  client,
		stream:  "faults",
		timeout: time.Second,
		queue:   make(chan health.Record, 1),
		done:    make(chan struct{}),
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	if err := j.Publish(ctx, record("p1", health.Overrun, health.Ignore)); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	err := j.Publish(ctx, record("p1", health.Overrun, health.Ignore))
	if !apperrors.Is(err, apperrors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	if j.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", j.Dropped())
	}
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{}, "")
	if !apperrors.Is(err, apperrors.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestNewPingsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	j, err := New(context.Background(), Config{Redis: RedisConfig{Addr: mr.Addr()}}, "")
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if j.stream != defaultStream {
		t.Fatalf("expected default stream, got %q", j.stream)
	}
	_ = j.Close(context.Background())
}

func TestNewFailsWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis failed: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	_, err = New(context.Background(), Config{Redis: RedisConfig{Addr: addr, DialTimeout: 200 * time.Millisecond}}, "")
	if !apperrors.Is(err, apperrors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}
