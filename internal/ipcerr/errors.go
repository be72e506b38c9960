// Package ipcerr holds the sentinel errors shared by every layer of the bus
// (lock, region, codec, bus). They live in their own leaf package so the
// public ipcbus package can re-export them without an import cycle.
package ipcerr

import "errors"

var (
	// ErrInvalidName is returned when a bus is constructed with an empty name.
	ErrInvalidName = errors.New("ipcbus: invalid bus name")
	// ErrInvalidCapacity is returned when max_file_size is too small to ever
	// hold an empty log book plus one minimal entry.
	ErrInvalidCapacity = errors.New("ipcbus: invalid max file size")
	// ErrInvalidReaderCount is returned when max_reader_count is less than 1.
	ErrInvalidReaderCount = errors.New("ipcbus: invalid max reader count")
	// ErrSystemPrimitiveUnavailable is returned when the host cannot create
	// the named kernel objects the bus needs.
	ErrSystemPrimitiveUnavailable = errors.New("ipcbus: system primitive unavailable")
	// ErrDisposed is returned by any public operation invoked after Close.
	ErrDisposed = errors.New("ipcbus: disposed")
	// ErrEmptyMessage is returned by Publish for a zero-length message.
	ErrEmptyMessage = errors.New("ipcbus: empty message")
	// ErrPayloadTooLarge is returned when a serialized payload would not fit
	// within max_file_size.
	ErrPayloadTooLarge = errors.New("ipcbus: payload too large")
	// ErrTimeout is returned when a lock or gate acquisition exceeds wait_timeout.
	ErrTimeout = errors.New("ipcbus: timed out")
	// ErrCanceled is returned when cooperative cancellation was observed.
	ErrCanceled = errors.New("ipcbus: canceled")
)
