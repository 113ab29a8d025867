// Package ustats keeps process-wide echo service counters.
//
// Every method is safe on a nil *Stats so that the listener and workers can
// call it unconditionally when stats are disabled.
package ustats

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "uecho"

type Stats struct {
	active atomic.Int64

	accepted      prometheus.Counter
	acceptErrors  prometheus.Counter
	spawnErrors   prometheus.Counter
	bytesReceived prometheus.Counter
	bytesEchoed   prometheus.Counter
	workerErrors  prometheus.Counter

	registry *prometheus.Registry
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Active        int64
	Accepted      uint64
	AcceptErrors  uint64
	SpawnErrors   uint64
	BytesReceived uint64
	BytesEchoed   uint64
	WorkerErrors  uint64
}

func New() *Stats {
	s := &Stats{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Connections returned by accept.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "accept_errors_total",
			Help: "Failed accept calls.",
		}),
		spawnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "spawn_errors_total",
			Help: "Accepted connections dropped because no worker could be started.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "received_bytes_total",
			Help: "Bytes read from peers.",
		}),
		bytesEchoed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "echoed_bytes_total",
			Help: "Bytes written back to peers.",
		}),
		workerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_errors_total",
			Help: "Workers that ended with a read or write error.",
		}),
		registry: prometheus.NewRegistry(),
	}

	s.registry.MustRegister(
		s.accepted, s.acceptErrors, s.spawnErrors,
		s.bytesReceived, s.bytesEchoed, s.workerErrors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Connections currently owned by a worker.",
		}, func() float64 { return float64(s.active.Load()) }),
	)
	return s
}

func (s *Stats) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Stats) Accepted() {
	if s != nil {
		s.accepted.Inc()
	}
}

func (s *Stats) AcceptFailed() {
	if s != nil {
		s.acceptErrors.Inc()
	}
}

func (s *Stats) SpawnFailed() {
	if s != nil {
		s.spawnErrors.Inc()
	}
}

// WorkerStarted and WorkerDone bracket the lifetime of one worker.
func (s *Stats) WorkerStarted() {
	if s != nil {
		s.active.Add(1)
	}
}

func (s *Stats) WorkerDone(err error) {
	if s == nil {
		return
	}
	s.active.Add(-1)
	if err != nil {
		s.workerErrors.Inc()
	}
}

func (s *Stats) Received(n int) {
	if s != nil && n > 0 {
		s.bytesReceived.Add(float64(n))
	}
}

func (s *Stats) Echoed(n int) {
	if s != nil && n > 0 {
		s.bytesEchoed.Add(float64(n))
	}
}

func (s *Stats) Active() int64 {
	if s == nil {
		return 0
	}
	return s.active.Load()
}

func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return Snapshot{
		Active:        s.active.Load(),
		Accepted:      counterValue(s.accepted),
		AcceptErrors:  counterValue(s.acceptErrors),
		SpawnErrors:   counterValue(s.spawnErrors),
		BytesReceived: counterValue(s.bytesReceived),
		BytesEchoed:   counterValue(s.bytesEchoed),
		WorkerErrors:  counterValue(s.workerErrors),
	}
}

// Report logs the active connection count every interval until ctx is done.
func (s *Stats) Report(ctx context.Context, interval time.Duration, logger *log.Logger) {
	if s == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = log.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			logger.Printf("[Stats] [conn] %d accepted=%d echoed=%dB errors=%d",
				snap.Active, snap.Accepted, snap.BytesEchoed, snap.AcceptErrors+snap.SpawnErrors+snap.WorkerErrors)
		}
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
