package ipcbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaberg/ipcbus/internal/shmregion"
)

func newTestBus(t *testing.T, region shmregion.Region, name string) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.Region = region
	cfg.OwnsRegion = true
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func drain(t *testing.T, ch <-chan []byte, n int, timeout time.Duration) []string {
	t.Helper()
	got := make([]string, 0, n)
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case msg := <-ch:
			got = append(got, string(msg))
		case <-deadline:
			t.Fatalf("timed out after %d/%d messages: %v", len(got), n, got)
		}
	}
	return got
}

func mustPublish(t *testing.T, b *Bus, msg string) {
	t.Helper()
	h, err := b.Publish(context.Background(), []byte(msg))
	if err != nil {
		t.Fatalf("Publish(%q): %v", msg, err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after Publish(%q): %v", msg, err)
	}
}

func TestEcho(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	a := newTestBus(t, region, "echo")

	// A second participant shares the very same region value, mirroring how
	// two real processes would share the same named shared memory segment.
	cfg := DefaultConfig()
	cfg.Name = "echo"
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.Region = region
	cfg.OwnsRegion = false
	bBus, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bBus.Close()

	sub, err := bBus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	mustPublish(t, a, "lorem")
	mustPublish(t, a, "ipsum")
	mustPublish(t, a, "yes")

	got := drain(t, sub, 3, 2*time.Second)
	want := []string{"lorem", "ipsum", "yes"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSelfFilter(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	a := newTestBus(t, region, "self-filter")

	sub, err := a.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	mustPublish(t, a, "hello")

	select {
	case msg := <-sub:
		t.Fatalf("expected no delivery of self-published entry, got %q", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHistoryIsNotReplayed(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	a := newTestBus(t, region, "history")
	mustPublish(t, a, "x")

	cfg := DefaultConfig()
	cfg.Name = "history"
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.Region = region
	cfg.OwnsRegion = false
	bBus, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bBus.Close()

	sub, err := bBus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case msg := <-sub:
		t.Fatalf("expected history not to be replayed, got %q", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPublishRejectsEmptyMessage(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	b := newTestBus(t, region, "empty")

	if _, err := b.Publish(context.Background(), nil); err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestPublishBatchSkipsEmptyMessages(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	a := newTestBus(t, region, "batch-skip")

	cfg := DefaultConfig()
	cfg.Name = "batch-skip"
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.Region = region
	cfg.OwnsRegion = false
	bBus, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bBus.Close()
	sub, err := bBus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h, err := a.PublishBatch(context.Background(), [][]byte{[]byte("one"), nil, []byte("two")})
	if err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got := drain(t, sub, 2, 2*time.Second)
	if got[0] != "one" || got[1] != "two" {
		t.Fatalf("got %v", got)
	}
}

func TestPublishRejectsPayloadThatCanNeverFit(t *testing.T) {
	region := shmregion.NewMemRegion(256)
	cfg := DefaultConfig()
	cfg.Name = "capacity"
	cfg.MaxFileSize = 256
	cfg.Region = region
	cfg.OwnsRegion = true
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	oversized := make([]byte, 512)
	_, err = b.Publish(context.Background(), oversized)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestCapacityCapEventuallyAppendsAfterAgeing(t *testing.T) {
	region := shmregion.NewMemRegion(256)
	cfg := DefaultConfig()
	cfg.Name = "capacity-cap"
	cfg.MaxFileSize = 256
	cfg.MinMessageAge = 30 * time.Millisecond
	cfg.Region = region
	cfg.OwnsRegion = true
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	for i := 0; i < 20; i++ {
		h, err := b.Publish(context.Background(), []byte("x"))
		if err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = h.Wait(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Wait #%d: %v", i, err)
		}
	}

	if got := b.MessagesPublished(); got != 20 {
		t.Fatalf("expected 20 published, got %d", got)
	}
}

func TestFanOutToMultipleLocalSubscribers(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	a := newTestBus(t, region, "fanout")

	cfg := DefaultConfig()
	cfg.Name = "fanout"
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.Region = region
	cfg.OwnsRegion = false
	bBus, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bBus.Close()

	sub1, err := bBus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	sub2, err := bBus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}

	mustPublish(t, a, "broadcast")

	for _, sub := range []<-chan []byte{sub1, sub2} {
		got := drain(t, sub, 1, 2*time.Second)
		if got[0] != "broadcast" {
			t.Fatalf("got %v", got)
		}
	}
}

func TestResetMetricsIsIdempotent(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	b := newTestBus(t, region, "metrics")
	mustPublish(t, b, "a")

	if err := b.ResetMetrics(); err != nil {
		t.Fatalf("ResetMetrics: %v", err)
	}
	if err := b.ResetMetrics(); err != nil {
		t.Fatalf("ResetMetrics (second call): %v", err)
	}
	if got := b.MessagesPublished(); got != 0 {
		t.Fatalf("expected 0 after reset, got %d", got)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	cfg := DefaultConfig()
	cfg.Name = "disposed"
	cfg.Region = region
	cfg.OwnsRegion = true
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}

	if _, err := b.Publish(context.Background(), []byte("x")); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed from Publish, got %v", err)
	}
	if _, err := b.Subscribe(context.Background()); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed from Subscribe, got %v", err)
	}
	if err := b.ResetMetrics(); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed from ResetMetrics, got %v", err)
	}
}

func TestOnMessageReceivedHandlerInvokedAndPanicsContained(t *testing.T) {
	region := shmregion.NewMemRegion(DefaultMaxFileSize)
	a := newTestBus(t, region, "handler")

	cfg := DefaultConfig()
	cfg.Name = "handler"
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.Region = region
	cfg.OwnsRegion = false
	bBus, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer bBus.Close()

	bBus.OnMessageReceived(func(msg []byte) {
		panic("boom") // must not take the bus down
	})
	mustPublish(t, a, "first")
	time.Sleep(300 * time.Millisecond) // let the panicking handler run and recover

	received := make(chan string, 1)
	bBus.OnMessageReceived(func(msg []byte) {
		received <- string(msg)
	})
	mustPublish(t, a, "second")

	select {
	case got := <-received:
		if got != "second" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler invocation after a prior panic")
	}
}
