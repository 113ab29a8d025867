// Package ubatcher owns one io_uring and turns it into a callback API:
// operations pushed from any goroutine are buffered, submitted in batches
// by a submission goroutine, and completed by a completion goroutine that
// invokes the callback registered for each operation.
package ubatcher

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godzie44/go-uring/uring"
)

// Callback receives the raw completion result; err is set when result < 0
// or when the operation never reached the kernel.
type Callback func(result int32, err error)

const (
	DefaultBatchSize     = 16
	DefaultFlushInterval = time.Millisecond // partial batches are submitted at least this often

	RingSizeMultiplier = 256
	CQEventsBatch      = 64
	CQWaitTimeout      = 100 * time.Millisecond

	queueAttempts = 10
)

var (
	ErrRingUnsupported = errors.New("ubatcher: io_uring fast poll is not supported")
	ErrClosed          = errors.New("ubatcher: closed")
)

type UBatcher struct {
	ring *uring.Ring

	callbackMut sync.Mutex
	callbacks   map[uint64]Callback
	nextID      uint64

	buffer      *Buffer
	batchSignal chan struct{}
	batchSize   uint32
	cqes        []*uring.CQEvent

	started   atomic.Bool
	shutdown  atomic.Bool
	cqDone    chan struct{}
	sqDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewUBatcher creates a ring sized for batches of size operations.
// Sockets on the ring rely on fast poll, so kernels without it are rejected.
func NewUBatcher(size uint32) (*UBatcher, error) {
	if size == 0 {
		size = DefaultBatchSize
	}

	ring, err := uring.New(size * RingSizeMultiplier)
	if err != nil {
		return nil, fmt.Errorf("create ring: %w", err)
	}
	if !ring.Params.FastPollFeature() {
		ring.Close()
		return nil, ErrRingUnsupported
	}

	return &UBatcher{
		ring:        ring,
		callbacks:   make(map[uint64]Callback),
		nextID:      rand.Uint64(),
		buffer:      NewBuffer(),
		batchSignal: make(chan struct{}, 1),
		batchSize:   size,
		cqes:        make([]*uring.CQEvent, CQEventsBatch),
		cqDone:      make(chan struct{}),
		sqDone:      make(chan struct{}),
	}, nil
}

// PushOperation buffers an operation; cb runs on the completion goroutine.
func (u *UBatcher) PushOperation(operation uring.Operation, cb Callback) {
	if u.shutdown.Load() {
		cb(0, ErrClosed)
		return
	}

	entry := acquireEntry()
	entry.operation = operation
	entry.cb = cb
	u.buffer.Put(entry)

	if u.buffer.Size() >= int(u.batchSize) {
		select {
		case u.batchSignal <- struct{}{}:
		default:
		}
	}
}

func (u *UBatcher) addToUring(operation uring.Operation, cb Callback) {
	u.callbackMut.Lock()
	defer u.callbackMut.Unlock()

	userData := u.nextID
	u.nextID++

	var err error
	for range queueAttempts {
		err = u.ring.QueueSQE(operation, 0, userData)
		if err == nil {
			u.callbacks[userData] = cb
			return
		}
		// the submission queue is full: hand what we have to the kernel
		if _, serr := u.ring.Submit(); serr != nil {
			err = serr
		}
	}

	cb(0, fmt.Errorf("queue operation: %w", err))
}

func (u *UBatcher) handleBatch() {
	entries := u.buffer.GetAll()
	if len(entries) == 0 {
		return
	}

	for _, e := range entries {
		u.addToUring(e.operation, e.cb)
		releaseEntry(e)
	}

	// on failure the entries stay queued on the ring and go out with the
	// next Submit
	_, _ = u.ring.Submit()
}

// SQEventsHandlerRun submits buffered operations when a batch fills up or
// the flush interval passes, whichever comes first.
func (u *UBatcher) SQEventsHandlerRun() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(u.sqDone)

	ticker := time.NewTicker(DefaultFlushInterval)
	defer ticker.Stop()

	for !u.shutdown.Load() {
		select {
		case <-u.batchSignal:
		case <-ticker.C:
		}
		u.handleBatch()
	}
}

func (u *UBatcher) CQEventsHandlerRun() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(u.cqDone)

	for !u.shutdown.Load() {
		if _, err := u.ring.WaitCQEventsWithTimeout(1, CQWaitTimeout); err != nil {
			continue
		}
		u.processCQE()
	}
}

func (u *UBatcher) processCQE() {
	u.callbackMut.Lock()
	defer u.callbackMut.Unlock()

	n := u.ring.PeekCQEventBatch(u.cqes)
	for i := 0; i < n; i++ {
		cqe := u.cqes[i]
		if cb, ok := u.callbacks[cqe.UserData]; ok {
			delete(u.callbacks, cqe.UserData)
			cb(cqe.Res, cqe.Error())
		}
	}
	u.ring.AdvanceCQ(uint32(n))
}

// failPending completes every registered callback with err.
func (u *UBatcher) failPending(err error) {
	u.callbackMut.Lock()
	defer u.callbackMut.Unlock()

	for id, cb := range u.callbacks {
		delete(u.callbacks, id)
		cb(0, err)
	}
}

func (u *UBatcher) Run() {
	if !u.started.CompareAndSwap(false, true) {
		return
	}
	go u.SQEventsHandlerRun()
	go u.CQEventsHandlerRun()
}

func (u *UBatcher) Shutdown() {
	u.shutdown.Store(true)
}

// Wait blocks until both goroutines have exited. It returns at once if Run
// was never called.
func (u *UBatcher) Wait() {
	if !u.started.Load() {
		return
	}
	<-u.cqDone
	<-u.sqDone
}

// Close stops both goroutines, closes the ring and fails whatever was still
// in flight with ErrClosed.
func (u *UBatcher) Close() error {
	u.closeOnce.Do(func() {
		u.Shutdown()
		u.Wait()

		u.closeErr = u.ring.Close()

		for _, e := range u.buffer.GetAll() {
			e.cb(0, ErrClosed)
			releaseEntry(e)
		}
		u.failPending(ErrClosed)
	})
	return u.closeErr
}
