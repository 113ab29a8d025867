//go:build linux

// Package net provides net.Conn implementations whose reads and writes go
// through an io_uring balancer instead of the Go netpoller.
package net

import (
	"errors"
	"fmt"
	"io"
	gonet "net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/godzie44/go-uring/uring"
	"golang.org/x/sys/unix"

	"github.com/I-Missha/uecho/ubalancer"
	"github.com/I-Missha/uecho/upeer"
)

var ErrNilBalancer = errors.New("net: nil balancer")

type opResult struct {
	res int32
	err error
}

// Conn is a connected stream socket driven by a UBalancer. The descriptor
// is kept in blocking mode; fast poll parks pending operations in the kernel.
type Conn struct {
	fd       int
	mu       sync.Mutex
	balancer *ubalancer.UBalancer
	wCount   atomic.Int64
	rCount   atomic.Int64

	local  gonet.Addr
	remote gonet.Addr
}

func newConn(fd int, balancer *ubalancer.UBalancer) *Conn {
	c := &Conn{fd: fd, balancer: balancer}
	if sa, err := unix.Getsockname(fd); err == nil {
		if p := upeer.FromSockaddr(sa); p.Known() {
			c.local = p.TCPAddr()
		}
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		if p := upeer.FromSockaddr(sa); p.Known() {
			c.remote = p.TCPAddr()
		}
	}
	return c
}

// NewUringConn takes over tc: its socket is duplicated onto the ring and the
// original connection is closed. tc must not be used afterwards.
func NewUringConn(tc *gonet.TCPConn, balancer *ubalancer.UBalancer) (*Conn, error) {
	if balancer == nil {
		return nil, ErrNilBalancer
	}

	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}

	var fd int
	var dupErr error
	if err := rc.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup socket: %w", dupErr)
	}
	tc.Close()

	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	return newConn(fd, balancer), nil
}

func (c *Conn) descriptor() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return -1, gonet.ErrClosed
	}
	return c.fd, nil
}

// do pushes one operation and blocks until it completes.
func (c *Conn) do(op uring.Operation) (int32, error) {
	return submit(c.balancer, nil, op)
}

func submit(b *ubalancer.UBalancer, cancel <-chan struct{}, op uring.Operation) (int32, error) {
	ch := make(chan opResult, 1)
	err := b.PushOperation(op, func(res int32, err error) {
		ch <- opResult{res: res, err: err}
	})
	if err != nil {
		return 0, err
	}

	select {
	case r := <-ch:
		if r.err == nil && r.res < 0 {
			r.err = syscall.Errno(-r.res)
		}
		return r.res, r.err
	case <-b.Done():
		return 0, ubalancer.ErrShutdown
	case <-cancel:
		return 0, ErrCanceled
	}
}

func (c *Conn) Read(b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}
	fd, err := c.descriptor()
	if err != nil {
		return 0, err
	}

	res, err := c.do(uring.Read(uintptr(fd), b, 0))
	if err != nil {
		return 0, &gonet.OpError{Op: "read", Net: "tcp", Source: c.local, Addr: c.remote, Err: err}
	}
	if res == 0 {
		return 0, io.EOF
	}

	c.rCount.Add(int64(res))
	return int(res), nil
}

// Write issues a single write; the kernel may accept fewer bytes than
// len(b) and the short count is returned as is.
func (c *Conn) Write(b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}
	fd, err := c.descriptor()
	if err != nil {
		return 0, err
	}

	res, err := c.do(uring.Write(uintptr(fd), b, 0))
	if err != nil {
		return 0, &gonet.OpError{Op: "write", Net: "tcp", Source: c.local, Addr: c.remote, Err: err}
	}

	c.wCount.Add(int64(res))
	return int(res), nil
}

// CloseWrite shuts down the sending side, like (*net.TCPConn).CloseWrite.
func (c *Conn) CloseWrite() error {
	fd, err := c.descriptor()
	if err != nil {
		return err
	}
	return unix.Shutdown(fd, unix.SHUT_WR)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return gonet.ErrClosed
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

func (c *Conn) LocalAddr() gonet.Addr {
	return c.local
}

func (c *Conn) RemoteAddr() gonet.Addr {
	return c.remote
}

// BytesRead and BytesWritten count what went through the ring.
func (c *Conn) BytesRead() int64    { return c.rCount.Load() }
func (c *Conn) BytesWritten() int64 { return c.wCount.Load() }

// Deadlines are not supported on the ring path and are ignored.
func (c *Conn) SetDeadline(t time.Time) error {
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return nil
}
