package ipcbus

import "github.com/jkaberg/ipcbus/internal/ipcerr"

// Sentinel errors returned by Bus operations. Callers should compare with
// errors.Is, since errors returned from internal layers wrap these.
var (
	ErrInvalidName                = ipcerr.ErrInvalidName
	ErrInvalidCapacity            = ipcerr.ErrInvalidCapacity
	ErrInvalidReaderCount         = ipcerr.ErrInvalidReaderCount
	ErrSystemPrimitiveUnavailable = ipcerr.ErrSystemPrimitiveUnavailable
	ErrDisposed                   = ipcerr.ErrDisposed
	ErrEmptyMessage               = ipcerr.ErrEmptyMessage
	ErrPayloadTooLarge            = ipcerr.ErrPayloadTooLarge
	ErrTimeout                    = ipcerr.ErrTimeout
	ErrCanceled                   = ipcerr.ErrCanceled
)
