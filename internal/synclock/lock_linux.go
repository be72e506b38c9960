//go:build linux

package synclock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
	"golang.org/x/sys/unix"
)

// sysvBackend binds a NamedLock to a pair of SysV semaphore sets: a
// single-slot binary mutex and an n-slot counting semaphore. SysV
// semaphores persist at the OS level until explicitly removed with
// IPC_RMID; unlike a Windows named object they are not reference-counted
// by attached processes, so this backend deliberately never removes them
// - the same tradeoff the spec documents for abandoned-mutex recovery,
// applied consistently to teardown. Acquiring with SEM_UNDO means a
// crashed holder's permits are returned automatically by the kernel when
// its process table entry is cleaned up.
type sysvBackend struct {
	mutexID  int
	permitID int
}

// pollSlice bounds each individual Semtimedop call so WaitMutex/WaitPermit
// can still notice context cancellation while blocked.
const pollSlice = 50 * time.Millisecond

// NewSysVBackend opens (creating if necessary) the two semaphore sets
// backing name, with the counting semaphore initialized to maxReaders.
func NewSysVBackend(name string, maxReaders int) (Backend, error) {
	mutexKey := ipcKey("TinyReadWriteLock_Mutex_" + name)
	permitKey := ipcKey("TinyReadWriteLock_Semaphore_" + name)

	mutexID, err := unix.Semget(mutexKey, 1, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: semget mutex: %v", ipcerr.ErrSystemPrimitiveUnavailable, err)
	}
	if err := initSemIfZero(mutexID, 0, 1); err != nil {
		return nil, fmt.Errorf("%w: init mutex: %v", ipcerr.ErrSystemPrimitiveUnavailable, err)
	}

	permitID, err := unix.Semget(permitKey, 1, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: semget permits: %v", ipcerr.ErrSystemPrimitiveUnavailable, err)
	}
	if err := initSemIfZero(permitID, 0, maxReaders); err != nil {
		return nil, fmt.Errorf("%w: init permits: %v", ipcerr.ErrSystemPrimitiveUnavailable, err)
	}

	return &sysvBackend{mutexID: mutexID, permitID: permitID}, nil
}

// initSemIfZero sets a freshly created semaphore's value, racing safely
// against another participant doing the same: SETVAL is only applied when
// the value observed is still the just-created default of 0.
func initSemIfZero(id int, num int, value int) error {
	cur, err := unix.SemctlInt(id, num, unix.GETVAL)
	if err != nil {
		return err
	}
	if cur != 0 {
		return nil
	}
	_, err = unix.SemctlInt(id, num, unix.SETVAL, value)
	if err != nil {
		// Another participant raced us and already initialized it - not an error.
		return nil
	}
	return nil
}

func ipcKey(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	k := int32(h.Sum32())
	if k < 0 {
		k = -k
	}
	if k == 0 {
		k = 1
	}
	return int(k)
}

func (b *sysvBackend) WaitMutex(ctx context.Context, timeout time.Duration) error {
	return semWait(ctx, b.mutexID, timeout, unix.SEM_UNDO)
}

func (b *sysvBackend) SignalMutex() {
	_ = semSignal(b.mutexID, 1, unix.SEM_UNDO)
}

func (b *sysvBackend) WaitPermit(ctx context.Context, timeout time.Duration) error {
	return semWait(ctx, b.permitID, timeout, unix.SEM_UNDO)
}

func (b *sysvBackend) SignalPermits(n int) {
	_ = semSignal(b.permitID, n, unix.SEM_UNDO)
}

func (b *sysvBackend) Close() error {
	// Intentionally a no-op: see the package doc comment above sysvBackend.
	return nil
}

// semWait decrements semaphore id's single slot by one, bounded by timeout
// and polled in pollSlice increments so ctx cancellation is observed even
// though Semtimedop itself cannot see a Go context.
func semWait(ctx context.Context, id int, timeout time.Duration, flags int16) error {
	deadline := time.Now().Add(timeout)
	sops := []unix.Sembuf{{SemNum: 0, SemOp: -1, SemFlg: flags}}
	for {
		select {
		case <-ctx.Done():
			return ipcerr.ErrCanceled
		default:
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ipcerr.ErrTimeout
		}
		slice := remaining
		if slice > pollSlice {
			slice = pollSlice
		}
		ts := unix.NsecToTimespec(slice.Nanoseconds())
		err := unix.Semtimedop(id, sops, &ts)
		if err == nil {
			return nil
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		return fmt.Errorf("synclock: semtimedop: %w", err)
	}
}

func semSignal(id int, n int, flags int16) error {
	sops := []unix.Sembuf{{SemNum: 0, SemOp: int16(n), SemFlg: flags}}
	return unix.Semop(id, sops)
}
