//go:build !linux

package shmregion

import (
	"fmt"
	"time"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
)

// New is only implemented on linux, where SysV shared memory and
// semaphores are available. Other platforms must pass an explicitly
// constructed Region (NewMemRegion in tests) through Config.Region instead
// of relying on the default construction path.
func New(name string, maxFileSize uint32, maxReaders int, waitTimeout time.Duration) (Region, error) {
	return nil, fmt.Errorf("%w: SysV shared memory is only available on linux", ipcerr.ErrSystemPrimitiveUnavailable)
}
