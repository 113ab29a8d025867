package uecho

import (
	"context"
	"io"
	"sync/atomic"
)

// DefaultMessage is what the stress client sends, trailing NUL included.
var DefaultMessage = []byte("Hello, server!\x00")

// Flood writes msg to w back to back, never reading, until ctx is done or a
// write fails. written, when non-nil, is advanced after every write so that
// callers can report throughput while Flood runs.
func Flood(ctx context.Context, w io.Writer, msg []byte, written *atomic.Int64) error {
	if len(msg) == 0 {
		msg = DefaultMessage
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(msg)
		if written != nil {
			written.Add(int64(n))
		}
		if err != nil {
			return err
		}
	}
}
