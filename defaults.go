package ipcbus

import "time"

// Central place for the bus's timing and capacity defaults. Changing a
// value here affects every Config produced by DefaultConfig.

const (
	// DefaultMaxFileSize is the capacity in bytes for the serialized
	// LogBook stored in the shared region.
	DefaultMaxFileSize uint32 = 1 << 20 // 1 MiB

	// DefaultMaxReaderCount is the number of read-semaphore permits, and
	// the batch size a writer must acquire to gain exclusion.
	DefaultMaxReaderCount = 6

	// DefaultMinMessageAge is the lower bound on an entry's lifetime
	// before it becomes eligible for trimming.
	DefaultMinMessageAge = 500 * time.Millisecond

	// DefaultWaitTimeout ceilings any individual lock or gate
	// acquisition.
	DefaultWaitTimeout = 5 * time.Second

	// writeSlotBudget bounds how long a single publish transform may hold
	// the cross-process write lock before yielding it back.
	writeSlotBudget = 100 * time.Millisecond

	// publishBackoff is slept between publish passes when the queue is
	// still non-empty after a write slot, giving other participants a
	// chance to read and entries a chance to age past min_message_age.
	publishBackoff = 50 * time.Millisecond
)

// Named kernel-object naming convention: every name below is prefixed onto
// the bus name to derive the four system-global primitives a bus uses.
const (
	namedMutexPrefix     = "TinyReadWriteLock_Mutex_"
	namedSemaphorePrefix = "TinyReadWriteLock_Semaphore_"
	sharedRegionPrefix   = "TinyMemoryMappedFile_MemoryMappedFile_"
	changeSignalPrefix   = "TinyMemoryMappedFile_WaitHandle_"
)
