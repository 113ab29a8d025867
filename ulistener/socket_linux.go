//go:build linux

package ulistener

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenDualStack builds the listening socket by hand because net.Listen
// neither exposes the backlog nor guarantees IPV6_V6ONLY is cleared.
// dual is false when the host has no IPv6 and 0.0.0.0 was bound instead.
func listenDualStack(port, backlog int) (ln net.Listener, dual bool, err error) {
	dual = true
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if errors.Is(err, unix.EAFNOSUPPORT) {
		dual = false
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	}
	if err != nil {
		return nil, false, fmt.Errorf("socket: %w", err)
	}

	f := os.NewFile(uintptr(fd), "ulistener")
	defer f.Close()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, false, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.Sockaddr = &unix.SockaddrInet4{Port: port}
	wildcard := fmt.Sprintf("0.0.0.0:%d", port)
	if dual {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			return nil, false, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
		}
		sa = &unix.SockaddrInet6{Port: port}
		wildcard = fmt.Sprintf("[::]:%d", port)
	}

	if err := unix.Bind(fd, sa); err != nil {
		return nil, false, fmt.Errorf("bind %s: %w", wildcard, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, false, fmt.Errorf("listen %s: %w", wildcard, err)
	}

	// FileListener dups fd; the deferred Close releases the original.
	ln, err = net.FileListener(f)
	if err != nil {
		return nil, false, fmt.Errorf("file listener: %w", err)
	}
	return ln, dual, nil
}
