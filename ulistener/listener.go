// Package ulistener owns the listening socket of the echo service: it binds
// a dual-stack endpoint, accepts forever and hands every connection to a
// detached uecho.Worker.
package ulistener

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/I-Missha/uecho/uecho"
	"github.com/I-Missha/uecho/ustats"
)

var (
	ErrListenerClosed = errors.New("ulistener: listener closed")
	ErrSpawnLimit     = errors.New("ulistener: worker limit reached")
	ErrUnknownEngine  = errors.New("ulistener: unknown engine")
	ErrNotTCP         = errors.New("ulistener: accepted connection is not TCP")
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// wrapFunc moves an accepted connection onto the configured engine.
type wrapFunc func(net.Conn) (net.Conn, error)

type Listener struct {
	cfg     Config
	ln      net.Listener
	spawner Spawner
	stats   *ustats.Stats
	logger  *log.Logger

	wrap   wrapFunc
	engine io.Closer

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Listener)

func WithSpawner(s Spawner) Option {
	return func(l *Listener) {
		l.spawner = s
	}
}

func WithStats(s *ustats.Stats) Option {
	return func(l *Listener) {
		l.stats = s
	}
}

func WithLogger(lg *log.Logger) Option {
	return func(l *Listener) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// Listen binds the wildcard address on cfg.Port with cfg.Backlog pending
// connections. Any error here leaves nothing open and is meant to be fatal.
func Listen(cfg Config, opts ...Option) (*Listener, error) {
	cfg = cfg.withDefaults()

	ln, dual, err := listenDualStack(cfg.Port, cfg.Backlog)
	if err != nil {
		return nil, err
	}

	l, err := New(ln, cfg, opts...)
	if err != nil {
		ln.Close()
		return nil, err
	}

	if !dual {
		l.logger.Printf("[Listener] IPv6 is not available, accepting IPv4 only")
	}
	l.logger.Printf("[Listener] Server is listening on %s (backlog %d, engine %s)", ln.Addr(), cfg.Backlog, cfg.Engine)
	return l, nil
}

// New serves connections from an already bound listener.
func New(ln net.Listener, cfg Config, opts ...Option) (*Listener, error) {
	cfg = cfg.withDefaults()

	l := &Listener{
		cfg:    cfg,
		ln:     ln,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.spawner == nil {
		l.spawner = GoSpawner
		if cfg.MaxWorkers > 0 {
			l.spawner = LimitSpawner(cfg.MaxWorkers)
		}
	}

	wrap, engine, err := newEngine(cfg, l.logger)
	if err != nil {
		return nil, err
	}
	l.wrap = wrap
	l.engine = engine
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts until the listener is closed. Failed accepts are logged and
// retried after a short backoff; they never end the loop.
func (l *Listener) Serve() error {
	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrListenerClosed
			}
			l.stats.AcceptFailed()

			delay *= 2
			if delay == 0 {
				delay = minAcceptDelay
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			l.logger.Printf("[Listener] Error accepting connection: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}

		delay = 0
		l.stats.Accepted()
		l.dispatch(conn)
	}
}

func (l *Listener) dispatch(conn net.Conn) {
	ec, err := l.wrap(conn)
	if err != nil {
		l.drop(conn, err)
		return
	}

	w := uecho.NewWorker(ec,
		uecho.WithBufferSize(l.cfg.BufferSize),
		uecho.WithStats(l.stats),
		uecho.WithLogger(l.logger),
	)
	if err := l.spawner.Spawn(func() { _ = w.Run() }); err != nil {
		l.drop(ec, err)
	}
}

func (l *Listener) drop(c io.Closer, err error) {
	l.stats.SpawnFailed()
	l.logger.Printf("[Listener] Error creating worker: %v; dropping connection", err)
	if cerr := c.Close(); cerr != nil {
		l.logger.Printf("[Listener] Error closing dropped connection: %v", cerr)
	}
}

// Close stops the accept loop. Workers already running are not interrupted
// unless they depend on the ring engine, which is shut down as well.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
		if l.engine != nil {
			if err := l.engine.Close(); err != nil && l.closeErr == nil {
				l.closeErr = fmt.Errorf("close engine: %w", err)
			}
		}
	})
	return l.closeErr
}

func stdWrap(c net.Conn) (net.Conn, error) {
	return c, nil
}
