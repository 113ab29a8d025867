// Package uecho runs the echo protocol for one accepted connection.
package uecho

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"

	"github.com/I-Missha/uecho/upeer"
	"github.com/I-Missha/uecho/ustats"
)

// DefaultBufferSize is how much a single read may pull off the socket.
const DefaultBufferSize = 1024

// ErrShortWrite is returned when a write makes no progress without failing.
var ErrShortWrite = errors.New("uecho: write made no progress")

type State int32

const (
	StateAwaitingRead State = iota
	StateEchoing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRead:
		return "awaiting-read"
	case StateEchoing:
		return "echoing"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

var bufPool bytebufferpool.Pool

// Worker owns exactly one connection from construction until Run returns.
type Worker struct {
	id      string
	conn    net.Conn
	bufSize int
	stats   *ustats.Stats
	logger  *log.Logger

	peer  atomic.Pointer[upeer.Peer]
	state atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Worker)

func WithBufferSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.bufSize = n
		}
	}
}

func WithStats(s *ustats.Stats) Option {
	return func(w *Worker) {
		w.stats = s
	}
}

func WithLogger(l *log.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWorker(conn net.Conn, opts ...Option) *Worker {
	w := &Worker{
		id:      uuid.NewString()[:8],
		conn:    conn,
		bufSize: DefaultBufferSize,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) ID() string { return w.id }

// Peer is Unknown until Run has resolved it.
func (w *Worker) Peer() upeer.Peer {
	if p := w.peer.Load(); p != nil {
		return *p
	}
	return upeer.Unknown
}

func (w *Worker) State() State { return State(w.state.Load()) }

// Run resolves the peer, echoes until EOF or an I/O error, then closes the
// connection. A clean EOF returns nil.
func (w *Worker) Run() error {
	w.stats.WorkerStarted()

	err := w.run()

	if cerr := w.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	if err != nil {
		w.logger.Printf("[Worker %s] %s: %v", w.id, w.Peer(), err)
	}
	w.stats.WorkerDone(err)
	return err
}

func (w *Worker) run() error {
	peer := upeer.FromAddr(w.conn.RemoteAddr())
	w.peer.Store(&peer)
	if peer.Known() {
		w.logger.Printf("[Worker %s] client connected from %s (%s)", w.id, peer, peer.Family)
	} else {
		w.logger.Printf("[Worker %s] client connected from unknown", w.id)
	}

	bb := bufPool.Get()
	defer bufPool.Put(bb)
	if cap(bb.B) < w.bufSize {
		bb.B = make([]byte, w.bufSize)
	}
	bb.B = bb.B[:w.bufSize]
	buf := bb.B

	for {
		w.state.Store(int32(StateAwaitingRead))

		n, rerr := w.conn.Read(buf)
		if n > 0 {
			w.stats.Received(n)
			w.state.Store(int32(StateEchoing))
			if err := w.writeFull(buf[:n]); err != nil {
				return err
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return nil
		default:
			return rerr
		}
	}
}

// writeFull writes the whole span, looping over short writes.
func (w *Worker) writeFull(p []byte) error {
	for len(p) > 0 {
		n, err := w.conn.Write(p)
		w.stats.Echoed(n)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Close releases the connection. Only the first call reaches the socket.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.state.Store(int32(StateClosed))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}
