//go:build linux

package ulistener

import (
	"fmt"
	"io"
	"log"
	"net"

	unet "github.com/I-Missha/uecho/net"
	"github.com/I-Missha/uecho/ubalancer"
)

func newEngine(cfg Config, logger *log.Logger) (wrapFunc, io.Closer, error) {
	switch cfg.Engine {
	case EngineStd:
		return stdWrap, nil, nil
	case EngineUring:
		b, err := ubalancer.NewUBalancer(cfg.RingBatchers, cfg.RingBatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("start uring engine: %w", err)
		}
		b.SetLogger(logger)
		b.Run()

		wrap := func(c net.Conn) (net.Conn, error) {
			tc, ok := c.(*net.TCPConn)
			if !ok {
				return nil, ErrNotTCP
			}
			return unet.NewUringConn(tc, b)
		}
		return wrap, b, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
}
