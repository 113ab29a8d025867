//go:build !linux

package ulistener

import (
	"fmt"
	"io"
	"log"
)

func newEngine(cfg Config, _ *log.Logger) (wrapFunc, io.Closer, error) {
	if cfg.Engine == EngineStd {
		return stdWrap, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
}
