// Package ipcbus implements an inter-process, broadcast, FIFO message bus
// for cooperating processes on the same host. Publishers append opaque
// byte messages to a shared, size-bounded log; every other participant
// subscribed to the same bus name observes each message at most once, in
// publish order, typically within milliseconds. There is no broker
// process: coordination happens entirely through the named kernel
// primitives and shared memory region in internal/synclock and
// internal/shmregion.
package ipcbus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/ipcbus/internal/fanout"
	"github.com/jkaberg/ipcbus/internal/ipcerr"
	"github.com/jkaberg/ipcbus/internal/logbook"
	"github.com/jkaberg/ipcbus/internal/shmregion"
	"github.com/sirupsen/logrus"
)

// Handle is returned by Publish/PublishBatch. It completes when the
// publisher's queue has fully drained, or when ctx passed to Wait is
// canceled first. The pattern mirrors a future/promise: the publish work
// itself runs on a background goroutine regardless of whether the caller
// ever calls Wait.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the publish completes or ctx is canceled, whichever
// comes first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bus is one participant in a named message bus.
type Bus struct {
	cfg        Config
	region     shmregion.Region
	ownsRegion bool
	instanceID uuid.UUID
	logger     *logrus.Logger

	cursor int64 // atomic: highest entry id already forwarded to subscribers

	publishedCount int64 // atomic
	receivedCount  int64 // atomic

	receiveGate chan struct{} // single-permit latch serializing receive passes
	relay       *fanout.Relay

	handlerMu sync.RWMutex
	handler   func([]byte)

	disposed int32 // atomic

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Bus per cfg. If cfg.Region is nil a SysV-backed region
// is created (or opened, if another participant already created it) from
// cfg.Name/MaxFileSize/MaxReaderCount/WaitTimeout, and is owned by this
// Bus. Otherwise cfg.Region is used as-is and ownership for Close follows
// cfg.OwnsRegion.
func New(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	ownsRegion := cfg.OwnsRegion
	if region == nil {
		r, err := shmregion.New(cfg.Name, cfg.MaxFileSize, cfg.MaxReaderCount, cfg.WaitTimeout)
		if err != nil {
			return nil, err
		}
		region = r
		ownsRegion = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		cfg:         cfg,
		region:      region,
		ownsRegion:  ownsRegion,
		instanceID:  uuid.New(),
		logger:      cfg.Logger,
		receiveGate: make(chan struct{}, 1),
		relay:       fanout.New(),
		ctx:         ctx,
		cancel:      cancel,
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), cfg.WaitTimeout)
	defer initCancel()
	lastID, err := b.currentLastID(initCtx)
	if err != nil {
		if ownsRegion {
			_ = region.Close()
		}
		cancel()
		return nil, err
	}
	atomic.StoreInt64(&b.cursor, lastID)

	recvCh, _ := b.relay.Subscribe()
	b.wg.Add(2)
	go b.runHandlerLoop(recvCh)
	go b.runWatchLoop()

	return b, nil
}

// currentLastID decodes the LogBook under a read lock and returns last_id,
// implementing construction step 2: "cursor = last_id" so history already
// in the log is never replayed to a freshly joined participant.
func (b *Bus) currentLastID(ctx context.Context) (int64, error) {
	var lastID int64
	err := b.region.Read(ctx, func(r io.Reader) error {
		book, _ := logbook.Decode(r)
		lastID = book.LastID
		return nil
	})
	return lastID, err
}

// InstanceID returns the random identifier assigned to this participant at
// construction, used to self-filter its own published entries.
func (b *Bus) InstanceID() uuid.UUID { return b.instanceID }

// Name returns the bus name this participant was configured with.
func (b *Bus) Name() string { return b.cfg.Name }

func (b *Bus) isDisposed() bool { return atomic.LoadInt32(&b.disposed) != 0 }

// Publish appends a single message. message must be non-empty.
func (b *Bus) Publish(ctx context.Context, message []byte) (*Handle, error) {
	if b.isDisposed() {
		return nil, ipcerr.ErrDisposed
	}
	if len(message) == 0 {
		return nil, ipcerr.ErrEmptyMessage
	}
	return b.PublishBatch(ctx, [][]byte{message})
}

// PublishBatch appends an ordered sequence of messages. Empty messages are
// silently skipped. A message whose entry can never fit in the configured
// capacity, no matter how empty the log, fails the whole call with
// ErrPayloadTooLarge rather than looping forever.
func (b *Bus) PublishBatch(ctx context.Context, messages [][]byte) (*Handle, error) {
	if b.isDisposed() {
		return nil, ipcerr.ErrDisposed
	}

	minCapacity := int(b.cfg.MaxFileSize) - logbook.MinBookSize()
	for _, m := range messages {
		if len(m) == 0 {
			continue
		}
		if logbook.EntryOverhead+len(m) > minCapacity {
			return nil, fmt.Errorf("%w: entry of %d bytes cannot fit within max_file_size=%d",
				ipcerr.ErrPayloadTooLarge, len(m), b.cfg.MaxFileSize)
		}
	}

	queue := make([][]byte, len(messages))
	copy(queue, messages)

	h := &Handle{done: make(chan struct{})}
	go b.runPublish(ctx, queue, h)
	return h, nil
}

// runPublish implements the append-with-trim algorithm described for
// publish_batch: repeatedly acquire the write lock for at most a 100ms
// slot, trimming aged entries and appending as many queued messages as fit,
// backing off 50ms between passes while the queue is still non-empty.
func (b *Bus) runPublish(ctx context.Context, queue [][]byte, h *Handle) {
	defer close(h.done)

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			h.err = ipcerr.ErrCanceled
			return
		case <-b.ctx.Done():
			h.err = ipcerr.ErrDisposed
			return
		default:
		}

		publishedThisPass := 0
		err := b.region.ReadModifyWrite(ctx, func(current []byte) ([]byte, error) {
			book, ok := logbook.Decode(bytes.NewReader(current))
			if !ok {
				// Half-written length field from a crashed writer: self-heal
				// by treating the region as an empty book.
				book = logbook.LogBook{}
			}

			now := time.Now()
			cutoff := now.Add(-b.cfg.MinMessageAge).UnixNano()

			trimFrom := 0
			for trimFrom < len(book.Entries) && book.Entries[trimFrom].Timestamp < cutoff {
				trimFrom++
			}
			retained := append([]logbook.LogEntry(nil), book.Entries[trimFrom:]...)
			currentSize := logbook.Size(logbook.LogBook{LastID: book.LastID, Entries: retained})

			deadline := now.Add(writeSlotBudget)
			batchTimestamp := now.UnixNano()
			for len(queue) > 0 && time.Now().Before(deadline) {
				payload := queue[0]
				if len(payload) == 0 {
					queue = queue[1:]
					continue
				}
				cost := logbook.EntryOverhead + len(payload)
				if currentSize+cost > int(b.cfg.MaxFileSize) {
					break
				}
				queue = queue[1:]
				book.LastID++
				retained = append(retained, logbook.LogEntry{
					ID:        book.LastID,
					Instance:  b.instanceID,
					Timestamp: batchTimestamp,
					Message:   payload,
				})
				currentSize += cost
				publishedThisPass++
			}

			var buf bytes.Buffer
			next := logbook.LogBook{LastID: book.LastID, Entries: retained}
			if err := logbook.Encode(&buf, next); err != nil {
				return nil, fmt.Errorf("ipcbus: encode log book: %w", err)
			}
			return buf.Bytes(), nil
		})
		if err != nil {
			h.err = err
			return
		}
		if publishedThisPass > 0 {
			atomic.AddInt64(&b.publishedCount, int64(publishedThisPass))
		}

		if len(queue) == 0 {
			return
		}

		select {
		case <-time.After(publishBackoff):
		case <-ctx.Done():
			h.err = ipcerr.ErrCanceled
			return
		case <-b.ctx.Done():
			h.err = ipcerr.ErrDisposed
			return
		}
	}
}

// Subscribe registers a fresh subscription and returns a channel that
// yields the message bytes of every entry received from this point on, in
// order. The channel is closed when ctx is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if b.isDisposed() {
		return nil, ipcerr.ErrDisposed
	}
	ch, cancelSub := b.relay.Subscribe()
	go func() {
		select {
		case <-ctx.Done():
			cancelSub()
		case <-b.ctx.Done():
		}
	}()
	return ch, nil
}

// OnMessageReceived registers handler to be invoked synchronously, on an
// internal worker goroutine, for every entry this participant receives.
// Passing nil unregisters the current handler. Panics and errors from a
// previous handler never reach here; see runHandlerLoop.
func (b *Bus) OnMessageReceived(handler func([]byte)) {
	b.handlerMu.Lock()
	b.handler = handler
	b.handlerMu.Unlock()
}

// runHandlerLoop drains the bus's own internal subscription and invokes the
// registered handler for each message, recovering from panics so a faulty
// subscriber handler can never take the bus down.
func (b *Bus) runHandlerLoop(ch <-chan []byte) {
	defer b.wg.Done()
	for msg := range ch {
		b.dispatch(msg)
	}
}

func (b *Bus) dispatch(msg []byte) {
	b.handlerMu.RLock()
	handler := b.handler
	b.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("panic", r).Warn("ipcbus: message handler panicked")
		}
	}()
	handler(msg)
}

// runWatchLoop triggers a receive pass on every SharedRegion change
// notification, until the bus's internal context is canceled.
func (b *Bus) runWatchLoop() {
	defer b.wg.Done()
	updates := b.region.Updates()
	for {
		select {
		case <-b.ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			if err := b.receivePass(b.ctx); err != nil && b.logger != nil {
				b.logger.WithError(err).Debug("ipcbus: receive pass failed")
			}
		}
	}
}

// receivePass implements the receive path: it serializes itself behind the
// receive gate so at most one pass is ever in flight, reads the current
// LogBook under a read lock, advances the cursor, and forwards every new,
// non-self-published, non-empty entry to local subscribers.
func (b *Bus) receivePass(ctx context.Context) error {
	select {
	case b.receiveGate <- struct{}{}:
	case <-ctx.Done():
		return ipcerr.ErrCanceled
	case <-time.After(b.cfg.WaitTimeout):
		return ipcerr.ErrTimeout
	}
	defer func() { <-b.receiveGate }()

	if b.isDisposed() {
		return nil
	}

	var book logbook.LogBook
	err := b.region.Read(ctx, func(r io.Reader) error {
		decoded, _ := logbook.Decode(r)
		book = decoded
		return nil
	})
	if err != nil {
		return err
	}

	readFrom := atomic.LoadInt64(&b.cursor)
	atomic.StoreInt64(&b.cursor, book.LastID)

	received := 0
	for _, e := range book.Entries {
		if e.ID <= readFrom {
			continue
		}
		if e.Instance == b.instanceID {
			continue
		}
		if len(e.Message) == 0 {
			continue
		}
		b.relay.Publish(e.Message)
		received++
	}
	if received > 0 {
		atomic.AddInt64(&b.receivedCount, int64(received))
	}
	return nil
}

// MessagesPublished returns the number of messages this participant has
// successfully published since construction or the last ResetMetrics.
func (b *Bus) MessagesPublished() uint64 { return uint64(atomic.LoadInt64(&b.publishedCount)) }

// MessagesReceived returns the number of messages this participant has
// forwarded to local subscribers since construction or the last
// ResetMetrics.
func (b *Bus) MessagesReceived() uint64 { return uint64(atomic.LoadInt64(&b.receivedCount)) }

// ResetMetrics atomically zeroes both counters.
func (b *Bus) ResetMetrics() error {
	if b.isDisposed() {
		return ipcerr.ErrDisposed
	}
	atomic.StoreInt64(&b.publishedCount, 0)
	atomic.StoreInt64(&b.receivedCount, 0)
	return nil
}

// Close disposes the bus synchronously. It is safe to call more than once.
func (b *Bus) Close() error { return b.CloseContext(context.Background()) }

// CloseContext disposes the bus, bounding the final receive-gate
// acquisition (step 6 below) by ctx in addition to wait_timeout.
//
// Disposal order: mark disposed, cancel the internal context (which also
// stops watching for region updates), close every subscriber channel, wait
// for the handler and watch loops, and finally - only if this Bus owns its
// region - take the receive gate and dispose the region.
func (b *Bus) CloseContext(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.disposed, 0, 1) {
		return nil
	}

	b.cancel()
	b.relay.Close()
	b.wg.Wait()

	if !b.ownsRegion {
		return nil
	}

	gateCtx, cancel := context.WithTimeout(ctx, b.cfg.WaitTimeout)
	defer cancel()
	select {
	case b.receiveGate <- struct{}{}:
		defer func() { <-b.receiveGate }()
	case <-gateCtx.Done():
		return fmt.Errorf("ipcbus: close: %w", ipcerr.ErrTimeout)
	}

	return b.region.Close()
}
