package ipcbus

import (
	"fmt"
	"time"

	"github.com/jkaberg/ipcbus/internal/ipcerr"
	"github.com/jkaberg/ipcbus/internal/logbook"
	"github.com/jkaberg/ipcbus/internal/shmregion"
	"github.com/sirupsen/logrus"
)

// minUsableMaxFileSize is the smallest capacity that can ever hold a single
// one-byte entry: an empty LogBook plus one entry's fixed overhead plus one
// byte of payload.
var minUsableMaxFileSize = uint32(logbook.MinBookSize() + logbook.EntryOverhead + 1)

// Config holds all configuration options for a Bus.
type Config struct {
	// Name is the bus identifier; it is used verbatim to derive the names
	// of the four named kernel objects a bus shares with its peers.
	Name string

	// MaxFileSize is the capacity in bytes for the serialized LogBook.
	// Must be large enough to hold an empty book plus one minimal entry;
	// Validate rejects anything smaller with ErrInvalidCapacity. Defaults
	// to DefaultMaxFileSize.
	MaxFileSize uint32

	// MaxReaderCount is the number of read-semaphore permits, and the
	// batch size a writer must acquire to gain exclusion. Must be >= 1.
	// Defaults to DefaultMaxReaderCount.
	MaxReaderCount int

	// MinMessageAge is the lower bound on an entry's lifetime before it
	// becomes eligible for trimming. Defaults to DefaultMinMessageAge.
	MinMessageAge time.Duration

	// WaitTimeout ceilings any individual lock or gate acquisition.
	// Defaults to DefaultWaitTimeout.
	WaitTimeout time.Duration

	// Logger receives structured diagnostics, most notably handler
	// panics/errors from OnMessageReceived. A nil Logger falls back to
	// logrus.StandardLogger().
	Logger *logrus.Logger

	// Region, when non-nil, is used instead of constructing a SysV-backed
	// region from Name/MaxFileSize/MaxReaderCount/WaitTimeout. This is the
	// externally-supplied-region construction path: tests pass an
	// in-memory shmregion.Region here.
	Region shmregion.Region

	// OwnsRegion controls whether Close disposes Region. It is ignored
	// (always true) when Region is nil, since in that case the bus
	// constructed the region itself. Defaults to false when Region is
	// supplied, matching "borrowed unless told otherwise".
	OwnsRegion bool
}

// DefaultConfig returns a Config with every optional field set to its
// documented default. Name is left empty; callers must set it.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:    DefaultMaxFileSize,
		MaxReaderCount: DefaultMaxReaderCount,
		MinMessageAge:  DefaultMinMessageAge,
		WaitTimeout:    DefaultWaitTimeout,
	}
}

// Validate checks the configuration and fills in any zero-valued optional
// field with its default. It mirrors the construction-time argument checks
// new_bus must perform.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ipcerr.ErrInvalidName)
	}

	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxFileSize < minUsableMaxFileSize {
		return fmt.Errorf("%w: max_file_size must be >= %d, got %d", ipcerr.ErrInvalidCapacity, minUsableMaxFileSize, c.MaxFileSize)
	}

	if c.MaxReaderCount == 0 {
		c.MaxReaderCount = DefaultMaxReaderCount
	}
	if c.MaxReaderCount < 1 {
		return fmt.Errorf("%w: max_reader_count must be >= 1, got %d", ipcerr.ErrInvalidReaderCount, c.MaxReaderCount)
	}

	if c.MinMessageAge == 0 {
		c.MinMessageAge = DefaultMinMessageAge
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}

	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}

	return nil
}
