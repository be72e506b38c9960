//go:build !linux

package synclock

import (
	"fmt"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
)

// NewSysVBackend is only implemented on linux, where SysV IPC semaphores
// are available. Other platforms must construct a Bus over an explicitly
// supplied Region (shmregion.NewMemRegion in tests) instead of relying on
// the default construction path.
func NewSysVBackend(name string, maxReaders int) (Backend, error) {
	return nil, fmt.Errorf("%w: SysV semaphores are only available on linux", ipcerr.ErrSystemPrimitiveUnavailable)
}
