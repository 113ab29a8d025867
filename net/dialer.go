//go:build linux

package net

import (
	"context"
	"errors"
	"fmt"
	gonet "net"
	"sync/atomic"
	"syscall"

	"github.com/godzie44/go-uring/uring"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"

	"github.com/I-Missha/uecho/ubalancer"
)

var (
	ErrCanceled          = errors.New("connection canceled")
	ErrUnsupportedFamily = errors.New("unsupported address family")
)

// UringDialer opens TCP connections with socket and connect operations
// submitted to the ring.
type UringDialer struct {
	balancer *ubalancer.UBalancer
	success  atomic.Int64
}

// NewUringDialer returns a dialer on b. The balancer must be running.
func NewUringDialer(b *ubalancer.UBalancer) (*UringDialer, error) {
	if b == nil {
		return nil, ErrNilBalancer
	}
	return &UringDialer{balancer: b}, nil
}

func (d *UringDialer) DialContext(ctx context.Context, network, address string) (gonet.Conn, error) {
	addr, err := gonet.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	var socketOp uring.Operation
	switch sockaddrnet.NetAddrAF(addr) {
	case syscall.AF_INET:
		socketOp = uring.Socket(syscall.AF_INET, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	case syscall.AF_INET6:
		socketOp = uring.Socket(syscall.AF_INET6, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, addr)
	}

	res, err := submit(d.balancer, ctx.Done(), socketOp)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}
	fd := int(res)

	if _, err := submit(d.balancer, ctx.Done(), uring.Connect(uintptr(fd), addr)); err != nil {
		unix.Close(fd)
		return nil, &gonet.OpError{Op: "dial", Net: network, Addr: addr, Err: err}
	}

	d.success.Add(1)
	return newConn(fd, d.balancer), nil
}

func (d *UringDialer) Dial(network, address string) (gonet.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *UringDialer) GetSuccessCount() int {
	return int(d.success.Load())
}
