package ubalancer

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/I-Missha/uecho/ubatcher"
	"github.com/godzie44/go-uring/uring"
)

// UBalancer spreads operations over several UBatchers round-robin.
// Safe for use from many goroutines. Done is closed once every batcher has
// stopped.
type UBalancer struct {
	batchers    []*ubatcher.UBatcher
	numBatchers int
	counter     atomic.Uint64
	shutdown    atomic.Bool
	running     atomic.Bool
	finished    atomic.Bool
	done        chan struct{}
	logger      *log.Logger
}

const (
	DefaultNumBatchers = 4
	DefaultBatchSize   = ubatcher.DefaultBatchSize
)

var (
	ErrNotRunning = errors.New("ubalancer: not running")
	ErrShutdown   = errors.New("ubalancer: shut down")
)

// NewUBalancer opens numBatchers rings. Zero values select the defaults.
func NewUBalancer(numBatchers int, batchSize uint32) (*UBalancer, error) {
	if numBatchers <= 0 {
		numBatchers = DefaultNumBatchers
	}
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	batchers := make([]*ubatcher.UBatcher, 0, numBatchers)
	for i := 0; i < numBatchers; i++ {
		b, err := ubatcher.NewUBatcher(batchSize)
		if err != nil {
			for _, opened := range batchers {
				opened.Close()
			}
			return nil, fmt.Errorf("batcher %d: %w", i, err)
		}
		batchers = append(batchers, b)
	}

	return &UBalancer{
		batchers:    batchers,
		numBatchers: numBatchers,
		done:        make(chan struct{}),
		logger:      log.Default(),
	}, nil
}

// SetLogger replaces the logger used for lifecycle messages.
func (ub *UBalancer) SetLogger(l *log.Logger) {
	if l != nil {
		ub.logger = l
	}
}

// PushOperation hands the operation to the next batcher. cb is called exactly
// once when err is nil.
func (ub *UBalancer) PushOperation(operation uring.Operation, cb func(result int32, err error)) error {
	if ub.finished.Load() || ub.shutdown.Load() {
		return ErrShutdown
	}
	if !ub.running.Load() {
		return ErrNotRunning
	}

	idx := ub.counter.Add(1) % uint64(ub.numBatchers)
	ub.batchers[idx].PushOperation(operation, cb)
	return nil
}

func (ub *UBalancer) Run() {
	if !ub.running.CompareAndSwap(false, true) {
		return
	}

	ub.logger.Printf("[UBalancer] starting %d batchers", ub.numBatchers)
	for _, batcher := range ub.batchers {
		batcher.Run()
	}

	go ub.monitor()
}

func (ub *UBalancer) Shutdown() {
	if !ub.shutdown.CompareAndSwap(false, true) {
		return
	}

	ub.logger.Printf("[UBalancer] shutting down")
	for _, batcher := range ub.batchers {
		batcher.Shutdown()
	}
}

func (ub *UBalancer) monitor() {
	for _, batcher := range ub.batchers {
		batcher.Wait()
	}

	ub.finished.Store(true)
	close(ub.done)
	ub.logger.Printf("[UBalancer] all batchers stopped")
}

// Wait blocks until every batcher has stopped. It returns at once if the
// balancer was never started.
func (ub *UBalancer) Wait() {
	if !ub.running.Load() {
		return
	}
	<-ub.done
}

// Close stops all batchers and releases their rings. Operations still in
// flight complete with ubatcher.ErrClosed.
func (ub *UBalancer) Close() error {
	ub.Shutdown()
	ub.Wait()

	var errs []error
	for i, batcher := range ub.batchers {
		if err := batcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("batcher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Done is closed when the balancer has finished.
func (ub *UBalancer) Done() <-chan struct{} {
	return ub.done
}

func (ub *UBalancer) IsFinished() bool {
	return ub.finished.Load()
}
