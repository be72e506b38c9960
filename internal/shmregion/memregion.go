package shmregion

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
)

// memRegion is the in-memory Region test double described in the package
// doc comment. Unlike the real SysV-backed region it has no independent
// identity across processes - two *memRegion values only behave like two
// participants on the same bus if the test explicitly shares one value
// between them (the same pattern SPEC_FULL.md's "externally supplied
// region" construction path exercises).
type memRegion struct {
	maxFileSize uint32

	mu      sync.RWMutex
	payload []byte

	updates chan struct{}
	closed  bool
}

// NewMemRegion returns a ready-to-use in-memory Region with the given
// capacity.
func NewMemRegion(maxFileSize uint32) Region {
	return &memRegion{
		maxFileSize: maxFileSize,
		updates:     make(chan struct{}, 1),
	}
}

func (r *memRegion) MaxFileSize() uint32 { return r.maxFileSize }

func (r *memRegion) Size(context.Context) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint32(len(r.payload)), nil
}

func (r *memRegion) Read(_ context.Context, fn func(io.Reader) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(bytes.NewReader(r.payload))
}

func (r *memRegion) Write(_ context.Context, payload []byte) error {
	if uint32(len(payload)) > r.maxFileSize {
		return ipcerr.ErrPayloadTooLarge
	}
	r.mu.Lock()
	r.payload = append([]byte(nil), payload...)
	r.mu.Unlock()
	r.pulse()
	return nil
}

func (r *memRegion) ReadModifyWrite(_ context.Context, fn func(current []byte) ([]byte, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := fn(r.payload)
	if err != nil {
		return err
	}
	if uint32(len(next)) > r.maxFileSize {
		return ipcerr.ErrPayloadTooLarge
	}
	r.payload = next
	r.pulseLocked()
	return nil
}

// pulse is the Write path's equivalent of pulseLocked, taken without
// already holding the region's mutex.
func (r *memRegion) pulse() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

func (r *memRegion) pulseLocked() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

func (r *memRegion) Updates() <-chan struct{} { return r.updates }

func (r *memRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.updates)
	return nil
}
