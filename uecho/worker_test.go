package uecho

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/I-Missha/uecho/upeer"
	"github.com/I-Missha/uecho/ustats"
)

type readResult struct {
	data string
	err  error
}

// scriptConn replays a fixed sequence of reads and records every write.
type scriptConn struct {
	net.Conn

	mu       sync.Mutex
	reads    []readResult
	out      bytes.Buffer
	maxWrite int
	writeErr error
	closes   int
	remote   net.Addr
}

func (c *scriptConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	return copy(b, r.data), r.err
}

func (c *scriptConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(b)
	if c.maxWrite >= 0 && n > c.maxWrite {
		n = c.maxWrite
	}
	c.out.Write(b[:n])
	return n, nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *scriptConn) RemoteAddr() net.Addr { return c.remote }

func newScriptConn(reads ...readResult) *scriptConn {
	return &scriptConn{
		reads:    reads,
		maxWrite: -1,
		remote:   &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestWorkerEchoesScriptedReads(t *testing.T) {
	c := newScriptConn(
		readResult{data: "hello "},
		readResult{data: ""},
		readResult{data: "world"},
		readResult{data: "!", err: io.EOF},
	)
	w := NewWorker(c, WithLogger(quietLogger()))

	if err := w.Run(); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if got := c.out.String(); got != "hello world!" {
		t.Errorf("echoed %q", got)
	}
	if c.closes != 1 {
		t.Errorf("conn closed %d times, want 1", c.closes)
	}
	if w.State() != StateClosed {
		t.Errorf("state = %v, want closed", w.State())
	}
	if p := w.Peer(); p.Family != upeer.FamilyIPv4 || p.Port != 40000 {
		t.Errorf("peer = %+v", p)
	}
}

func TestWorkerLoopsOverShortWrites(t *testing.T) {
	c := newScriptConn(readResult{data: "abcdefghij"})
	c.maxWrite = 3

	if err := NewWorker(c, WithLogger(quietLogger())).Run(); err != nil {
		t.Fatal(err)
	}
	if c.out.String() != "abcdefghij" {
		t.Errorf("echoed %q", c.out.String())
	}
}

func TestWorkerStalledWrite(t *testing.T) {
	c := newScriptConn(readResult{data: "x"})
	c.maxWrite = 0

	err := NewWorker(c, WithLogger(quietLogger())).Run()
	if !errors.Is(err, ErrShortWrite) {
		t.Fatalf("Run() = %v, want ErrShortWrite", err)
	}
	if c.closes != 1 {
		t.Errorf("conn closed %d times, want 1", c.closes)
	}
}

func TestWorkerErrorsCloseConnection(t *testing.T) {
	t.Run("read", func(t *testing.T) {
		c := newScriptConn(readResult{err: syscall.ECONNRESET})
		st := ustats.New()
		err := NewWorker(c, WithLogger(quietLogger()), WithStats(st)).Run()
		if !errors.Is(err, syscall.ECONNRESET) {
			t.Fatalf("Run() = %v", err)
		}
		if c.closes != 1 {
			t.Errorf("closes = %d", c.closes)
		}
		if snap := st.Snapshot(); snap.Active != 0 || snap.WorkerErrors != 1 {
			t.Errorf("stats = %+v", snap)
		}
	})

	t.Run("write", func(t *testing.T) {
		c := newScriptConn(readResult{data: "x"}, readResult{data: "y"})
		c.writeErr = syscall.EPIPE
		err := NewWorker(c, WithLogger(quietLogger())).Run()
		if !errors.Is(err, syscall.EPIPE) {
			t.Fatalf("Run() = %v", err)
		}
		if len(c.reads) != 1 {
			t.Errorf("worker kept reading after a failed write")
		}
	})
}

func TestWorkerUnknownPeer(t *testing.T) {
	c := newScriptConn()
	c.remote = nil

	var logs bytes.Buffer
	w := NewWorker(c, WithLogger(log.New(&logs, "", 0)))
	if err := w.Run(); err != nil {
		t.Fatal(err)
	}
	if w.Peer() != upeer.Unknown {
		t.Errorf("peer = %+v, want Unknown", w.Peer())
	}
	if !strings.Contains(logs.String(), "client connected from unknown") {
		t.Errorf("log = %q", logs.String())
	}
}

func TestWorkerCloseIsIdempotent(t *testing.T) {
	c := newScriptConn()
	w := NewWorker(c)
	w.Close()
	w.Close()
	if err := w.Run(); err != nil {
		t.Fatal(err)
	}
	if c.closes != 1 {
		t.Errorf("closes = %d, want 1", c.closes)
	}
}

func TestWorkerBufferSizeBoundsReads(t *testing.T) {
	c := &chunkConn{scriptConn: newScriptConn()}
	c.data = bytes.Repeat([]byte("z"), 100)

	if err := NewWorker(c, WithBufferSize(16), WithLogger(quietLogger())).Run(); err != nil {
		t.Fatal(err)
	}
	for _, n := range c.readSizes {
		if n > 16 {
			t.Fatalf("read buffer of %d bytes, want at most 16", n)
		}
	}
	if c.out.Len() != 100 {
		t.Errorf("echoed %d bytes, want 100", c.out.Len())
	}
}

// chunkConn serves data in as large pieces as the caller's buffer allows.
type chunkConn struct {
	*scriptConn
	data      []byte
	readSizes []int
}

func (c *chunkConn) Read(b []byte) (int, error) {
	c.readSizes = append(c.readSizes, len(b))
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := copy(b, c.data)
	c.data = c.data[n:]
	return n, nil
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// serveOne accepts a single connection and runs a worker on it.
func serveOne(t *testing.T, ln net.Listener, st *ustats.Stats) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- NewWorker(c, WithStats(st), WithLogger(quietLogger())).Run()
	}()
	return done
}

func TestWorkerLargePayloadOverTCP(t *testing.T) {
	ln := listen(t)
	done := serveOne(t, ln, nil)

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	go func() {
		c.Write(payload)
		c.(*net.TCPConn).CloseWrite()
	}()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: got %d bytes, want %d", len(got), len(payload))
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}
}

func TestFloodAgainstWorker(t *testing.T) {
	ln := listen(t)
	st := ustats.New()
	done := serveOne(t, ln, st)

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	var written atomic.Int64
	err = Flood(ctx, c, nil, &written)
	if err == nil {
		t.Fatal("Flood returned nil")
	}
	if written.Load() == 0 {
		t.Error("Flood wrote nothing")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish after the flooding client went away")
	}
	if st.Active() != 0 {
		t.Errorf("active = %d, want 0", st.Active())
	}
	if st.Snapshot().BytesReceived == 0 {
		t.Error("worker received nothing")
	}
}

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after == 0 {
		return 0, io.ErrClosedPipe
	}
	w.after--
	return len(p), nil
}

func TestFloodStopsOnWriteError(t *testing.T) {
	var written atomic.Int64
	err := Flood(context.Background(), &failingWriter{after: 3}, []byte("ab"), &written)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("Flood() = %v", err)
	}
	if written.Load() != 6 {
		t.Errorf("written = %d, want 6", written.Load())
	}
	if len(DefaultMessage) != 15 {
		t.Errorf("default message is %d bytes, want 15", len(DefaultMessage))
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateAwaitingRead: "awaiting-read",
		StateEchoing:      "echoing",
		StateClosed:       "closed",
		State(42):         "invalid",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
