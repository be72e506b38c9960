//go:build linux

package shmregion

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"
	"unsafe"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
	"github.com/jkaberg/ipcbus/internal/synclock"
	"golang.org/x/sys/unix"
)

// watchPollInterval bounds how often the background watcher re-checks the
// generation counter. It is independent of wait_timeout (which only
// bounds individual lock acquisitions) so that cross-process delivery
// stays on the order of milliseconds as section 1 promises, rather than
// being throttled down to wait_timeout's default of five seconds.
const watchPollInterval = 15 * time.Millisecond

// sysvRegion is the real cross-process SharedRegion: SysV shared memory
// sized maxFileSize+4, mediated by a synclock.NamedLock, with change
// notification realized as a monotonically incrementing generation
// counter rather than a literal manual-reset event. SPEC_FULL.md's DOMAIN
// STACK section explains why: POSIX has no cross-process auto/manual
// reset event with the Win32 semantics the upstream design assumes, and
// spec.md section 9 explicitly sanctions a generation counter as the
// platform-appropriate substitute.
type sysvRegion struct {
	maxFileSize uint32
	lock        *synclock.NamedLock

	shmID  int
	addr   uintptr
	region []byte // addr reinterpreted as a byte slice, len = maxFileSize+4

	genID int // SysV semaphore used purely as an atomic counter

	updates chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates or opens the named shared region. name selects which
// participants share it; maxFileSize is the capacity for the serialized
// payload (excludes the 4-byte length prefix); maxReaders and waitTimeout
// parameterize the owned NamedLock exactly as SPEC_FULL.md section 4.1
// describes.
func New(name string, maxFileSize uint32, maxReaders int, waitTimeout time.Duration) (Region, error) {
	backend, err := synclock.NewSysVBackend(name, maxReaders)
	if err != nil {
		return nil, err
	}
	lock := synclock.New(name, maxReaders, waitTimeout, backend)

	shmKey := ipcKey("TinyMemoryMappedFile_MemoryMappedFile_" + name)
	size := int(maxFileSize) + 4
	shmID, err := unix.SysvShmGet(shmKey, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: shmget: %v", ipcerr.ErrSystemPrimitiveUnavailable, err)
	}
	addr, err := unix.SysvShmAttach(shmID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: shmat: %v", ipcerr.ErrSystemPrimitiveUnavailable, err)
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	genKey := ipcKey("TinyMemoryMappedFile_WaitHandle_" + name)
	genID, err := unix.Semget(genKey, 1, unix.IPC_CREAT|0o600)
	if err != nil {
		_ = unix.SysvShmDetach(addr)
		return nil, fmt.Errorf("%w: semget generation: %v", ipcerr.ErrSystemPrimitiveUnavailable, err)
	}

	r := &sysvRegion{
		maxFileSize: maxFileSize,
		lock:        lock,
		shmID:       shmID,
		addr:        addr,
		region:      region,
		genID:       genID,
		updates:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	r.wg.Add(1)
	go r.watch()
	return r, nil
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

func (r *sysvRegion) MaxFileSize() uint32 { return r.maxFileSize }

func (r *sysvRegion) Size(ctx context.Context) (uint32, error) {
	g, err := r.lock.AcquireRead(ctx)
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return r.lengthLocked(), nil
}

func (r *sysvRegion) Read(ctx context.Context, fn func(io.Reader) error) error {
	g, err := r.lock.AcquireRead(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	l := r.lengthLocked()
	return fn(bytes.NewReader(r.region[4 : 4+l]))
}

func (r *sysvRegion) Write(ctx context.Context, payload []byte) error {
	if uint32(len(payload)) > r.maxFileSize {
		return ipcerr.ErrPayloadTooLarge
	}
	g, err := r.lock.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	r.writeLocked(payload)
	r.pulse()
	return nil
}

func (r *sysvRegion) ReadModifyWrite(ctx context.Context, fn func(current []byte) ([]byte, error)) error {
	g, err := r.lock.AcquireWrite(ctx)
	if err != nil {
		return err
	}
	defer g.Release()

	l := r.lengthLocked()
	current := append([]byte(nil), r.region[4:4+l]...)
	next, err := fn(current)
	if err != nil {
		return err
	}
	if uint32(len(next)) > r.maxFileSize {
		return ipcerr.ErrPayloadTooLarge
	}
	r.writeLocked(next)
	r.pulse()
	return nil
}

func (r *sysvRegion) lengthLocked() uint32 {
	return binary.LittleEndian.Uint32(r.region[0:4])
}

func (r *sysvRegion) writeLocked(payload []byte) {
	binary.LittleEndian.PutUint32(r.region[0:4], uint32(len(payload)))
	copy(r.region[4:4+len(payload)], payload)
}

// pulse increments the generation counter, which every watcher (including
// this process's own) observes on its next poll tick.
func (r *sysvRegion) pulse() {
	sops := []unix.Sembuf{{SemNum: 0, SemOp: 1, SemFlg: 0}}
	_ = unix.Semop(r.genID, sops)
}

func (r *sysvRegion) Updates() <-chan struct{} { return r.updates }

// watch polls the generation counter and forwards a coalesced wakeup to
// Updates whenever it changes, until done is closed. Polling (rather than
// a blocking wait) is the documented tradeoff for not having a real
// cross-process auto-reset event; see the sysvRegion doc comment.
func (r *sysvRegion) watch() {
	defer r.wg.Done()
	last, _ := unix.SemctlInt(r.genID, 0, unix.GETVAL)
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			cur, err := unix.SemctlInt(r.genID, 0, unix.GETVAL)
			if err != nil {
				continue
			}
			if cur != last {
				last = cur
				select {
				case r.updates <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (r *sysvRegion) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		close(r.updates)
		if derr := unix.SysvShmDetach(r.addr); derr != nil {
			err = fmt.Errorf("shmregion: detach: %w", derr)
		}
		if lerr := r.lock.Close(); lerr != nil && err == nil {
			err = lerr
		}
	})
	return err
}
