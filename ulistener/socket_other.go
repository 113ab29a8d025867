//go:build !linux

package ulistener

import (
	"fmt"
	"net"
)

// The backlog is left to the runtime default outside Linux.
func listenDualStack(port, _ int) (net.Listener, bool, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, false, err
	}
	return ln, true, nil
}
