// Package synclock implements NamedLock: a multi-reader/single-writer
// lock built from a named mutex and a named counting semaphore, shared
// by every process that opens the same name.
//
// The acquisition order is always local latch -> named mutex -> named
// semaphore permits, never the reverse - holding the named mutex while
// taking semaphore permits is what prevents a writer from starving
// behind a stream of readers and what gives a writer's batch of permit
// acquisitions all-or-nothing progress.
package synclock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
)

// Backend is the narrow surface NamedLock needs from the host's named
// semaphore primitive. sysvBackend (lock_linux.go) implements it over
// SysV IPC; memBackend (lock_mem.go) implements it in-process for tests
// that don't need real cross-process semantics.
type Backend interface {
	// WaitMutex takes one permit of the binary mutex semaphore, bounded by timeout.
	WaitMutex(ctx context.Context, timeout time.Duration) error
	// SignalMutex releases the binary mutex semaphore.
	SignalMutex()
	// WaitPermit takes one permit of the counting semaphore, bounded by timeout.
	WaitPermit(ctx context.Context, timeout time.Duration) error
	// SignalPermits releases n permits of the counting semaphore.
	SignalPermits(n int)
	// Close releases this process's local handles. It must never remove the
	// named objects themselves - other participants may still hold them.
	Close() error
}

// Guard is a scoped lock acquisition; Release must be called exactly once.
type Guard struct {
	release func()
	once    int32
}

// Release returns the permits this guard holds and frees the local latch.
// Calling Release more than once is a no-op.
func (g *Guard) Release() {
	if g == nil || !atomic.CompareAndSwapInt32(&g.once, 0, 1) {
		return
	}
	g.release()
}

// NamedLock is the multi-reader/single-writer lock described by component
// C1: up to maxReaders concurrent readers, or one exclusive writer.
type NamedLock struct {
	name        string
	maxReaders  int
	waitTimeout time.Duration
	backend     Backend

	// localLatch serializes acquisition attempts made by this instance so a
	// single instance never over-commits its own share of the semaphore
	// from multiple goroutines racing each other.
	localLatch chan struct{}

	readerHeld int32 // atomic: count of read permits this instance currently holds
	writerHeld int32 // atomic: 1 while this instance holds the write lock
	disposed   int32 // atomic
}

// New constructs a NamedLock over backend, which must already be bound to
// the host's named mutex/semaphore pair for name.
func New(name string, maxReaders int, waitTimeout time.Duration, backend Backend) *NamedLock {
	return &NamedLock{
		name:        name,
		maxReaders:  maxReaders,
		waitTimeout: waitTimeout,
		backend:     backend,
		localLatch:  make(chan struct{}, 1),
	}
}

func (l *NamedLock) takeLocalLatch(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l.localLatch <- struct{}{}:
		return nil
	case <-t.C:
		return ipcerr.ErrTimeout
	case <-ctx.Done():
		return ipcerr.ErrCanceled
	}
}

func (l *NamedLock) releaseLocalLatch() {
	<-l.localLatch
}

// AcquireRead takes one read permit. See component C1 step-by-step
// semantics in SPEC_FULL.md section 4.1.
func (l *NamedLock) AcquireRead(ctx context.Context) (*Guard, error) {
	if atomic.LoadInt32(&l.disposed) != 0 {
		return nil, ipcerr.ErrDisposed
	}
	if err := l.takeLocalLatch(ctx, l.waitTimeout); err != nil {
		return nil, err
	}
	if err := l.backend.WaitMutex(ctx, l.waitTimeout); err != nil {
		l.releaseLocalLatch()
		return nil, err
	}
	if err := l.backend.WaitPermit(ctx, l.waitTimeout); err != nil {
		l.backend.SignalMutex()
		l.releaseLocalLatch()
		return nil, err
	}
	l.backend.SignalMutex()
	atomic.AddInt32(&l.readerHeld, 1)

	var released int32
	return &Guard{release: func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			l.backend.SignalPermits(1)
			atomic.AddInt32(&l.readerHeld, -1)
			l.releaseLocalLatch()
		}
	}}, nil
}

// AcquireWrite takes all maxReaders permits, giving this holder exclusion
// against both readers and other writers.
func (l *NamedLock) AcquireWrite(ctx context.Context) (*Guard, error) {
	if atomic.LoadInt32(&l.disposed) != 0 {
		return nil, ipcerr.ErrDisposed
	}
	if err := l.takeLocalLatch(ctx, l.waitTimeout); err != nil {
		return nil, err
	}
	if err := l.backend.WaitMutex(ctx, l.waitTimeout); err != nil {
		l.releaseLocalLatch()
		return nil, err
	}

	taken := 0
	for taken < l.maxReaders {
		if err := l.backend.WaitPermit(ctx, l.waitTimeout); err != nil {
			if taken > 0 {
				l.backend.SignalPermits(taken)
			}
			l.backend.SignalMutex()
			l.releaseLocalLatch()
			return nil, err
		}
		taken++
	}
	l.backend.SignalMutex()
	atomic.StoreInt32(&l.writerHeld, 1)

	var released int32
	return &Guard{release: func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			l.backend.SignalPermits(l.maxReaders)
			atomic.StoreInt32(&l.writerHeld, 0)
			l.releaseLocalLatch()
		}
	}}, nil
}

// IsReaderHeld reports whether this instance currently holds a read permit.
func (l *NamedLock) IsReaderHeld() bool { return atomic.LoadInt32(&l.readerHeld) > 0 }

// IsWriterHeld reports whether this instance currently holds the write lock.
func (l *NamedLock) IsWriterHeld() bool { return atomic.LoadInt32(&l.writerHeld) != 0 }

// Close disposes this instance's local handles. It refuses to do so while
// any acquisition is mid-flight by taking the local latch first; if that
// times out it fails with ErrTimeout rather than risk closing primitives
// a live guard still depends on.
func (l *NamedLock) Close() error {
	if !atomic.CompareAndSwapInt32(&l.disposed, 0, 1) {
		return nil
	}
	if err := l.takeLocalLatch(context.Background(), l.waitTimeout); err != nil {
		atomic.StoreInt32(&l.disposed, 0)
		return fmt.Errorf("synclock: close %s: %w", l.name, err)
	}
	defer l.releaseLocalLatch()
	return l.backend.Close()
}
