package synclock

import (
	"context"
	"time"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
)

// memBackend is an in-process stand-in for the SysV semaphore pair, used
// by tests that want to exercise NamedLock's protocol without depending on
// real cross-process IPC objects being available in the sandbox.
type memBackend struct {
	mutex   chan struct{}
	permits chan struct{}
}

// NewMemBackend returns a Backend usable by a single process, with the
// counting semaphore initialized to maxReaders permits.
func NewMemBackend(maxReaders int) Backend {
	b := &memBackend{
		mutex:   make(chan struct{}, 1),
		permits: make(chan struct{}, maxReaders),
	}
	b.mutex <- struct{}{}
	for i := 0; i < maxReaders; i++ {
		b.permits <- struct{}{}
	}
	return b
}

func (b *memBackend) WaitMutex(ctx context.Context, timeout time.Duration) error {
	return take(ctx, b.mutex, timeout)
}

func (b *memBackend) SignalMutex() {
	b.mutex <- struct{}{}
}

func (b *memBackend) WaitPermit(ctx context.Context, timeout time.Duration) error {
	return take(ctx, b.permits, timeout)
}

func (b *memBackend) SignalPermits(n int) {
	for i := 0; i < n; i++ {
		b.permits <- struct{}{}
	}
}

func (b *memBackend) Close() error { return nil }

func take(ctx context.Context, ch chan struct{}, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return ipcerr.ErrTimeout
	case <-ctx.Done():
		return ipcerr.ErrCanceled
	}
}
