package bench

import (
	"bytes"
	"io"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/I-Missha/uecho/ulistener"
	"github.com/I-Missha/uecho/ustats"
)

func startServer(b *testing.B, engine ulistener.Engine) (string, *ustats.Stats) {
	b.Helper()
	cfg := ulistener.DefaultConfig()
	cfg.Port = 0
	cfg.Backlog = 1024
	cfg.Engine = engine

	stats := ustats.New()
	l, err := ulistener.Listen(cfg, ulistener.WithStats(stats), ulistener.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		b.Skipf("engine %s: %v", engine, err)
	}
	go l.Serve()
	b.Cleanup(func() { l.Close() })

	return net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Addr().(*net.TCPAddr).Port)), stats
}

func BenchmarkEchoRoundTrip(b *testing.B) {
	for _, engine := range []ulistener.Engine{ulistener.EngineStd, ulistener.EngineUring} {
		for _, size := range []int{15, 1024, 16 * 1024} {
			b.Run(string(engine)+"/"+strconv.Itoa(size), func(b *testing.B) {
				benchmarkEchoRoundTrip(b, engine, size)
			})
		}
	}
}

func benchmarkEchoRoundTrip(b *testing.B, engine ulistener.Engine, size int) {
	addr, _ := startServer(b, engine)
	msg := bytes.Repeat([]byte{'x'}, size)

	b.SetBytes(int64(size))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			b.Errorf("dial: %v", err)
			return
		}
		defer conn.Close()

		got := make([]byte, size)
		for pb.Next() {
			if _, err := conn.Write(msg); err != nil {
				b.Errorf("write: %v", err)
				return
			}
			if _, err := io.ReadFull(conn, got); err != nil {
				b.Errorf("read: %v", err)
				return
			}
		}
	})
}

// Every iteration is a fresh connection: accept, peer resolution, one echo
// and teardown.
func BenchmarkConnectEchoClose(b *testing.B) {
	for _, engine := range []ulistener.Engine{ulistener.EngineStd, ulistener.EngineUring} {
		b.Run(string(engine), func(b *testing.B) {
			addr, stats := startServer(b, engine)
			msg := []byte("Hello, server!\x00")

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				got := make([]byte, len(msg))
				for pb.Next() {
					conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
					if err != nil {
						b.Errorf("dial: %v", err)
						return
					}
					if _, err := conn.Write(msg); err != nil {
						b.Errorf("write: %v", err)
					} else if _, err := io.ReadFull(conn, got); err != nil {
						b.Errorf("read: %v", err)
					}
					conn.Close()
				}
			})
			b.StopTimer()

			snap := stats.Snapshot()
			b.ReportMetric(float64(snap.SpawnErrors+snap.AcceptErrors), "errors")
		})
	}
}
