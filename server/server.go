// Package server exposes the echo service counters over HTTP.
package server

import (
	"log"
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/I-Missha/uecho/ustats"
)

// StatsServer answers /metrics, /conns and /healthz. Any other path is 404.
type StatsServer struct {
	stats   *ustats.Stats
	metrics fasthttp.RequestHandler
	srv     *fasthttp.Server
	logger  *log.Logger
}

func NewStatsServer(stats *ustats.Stats, logger *log.Logger) *StatsServer {
	if stats == nil {
		stats = ustats.New()
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &StatsServer{
		stats:   stats,
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(stats.Registry(), promhttp.HandlerOpts{})),
		logger:  logger,
	}
	s.srv = &fasthttp.Server{
		Handler:               s.handle,
		Name:                  "uecho-stats",
		NoDefaultServerHeader: true,
	}
	return s
}

func (s *StatsServer) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		s.metrics(ctx)
	case "/conns":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.WriteString(strconv.FormatInt(s.stats.Active(), 10))
		ctx.WriteString("\n")
	case "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.WriteString("ok\n")
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

// Serve blocks until ln is closed or Shutdown is called.
func (s *StatsServer) Serve(ln net.Listener) error {
	s.logger.Printf("[Stats] Serving metrics on http://%s/metrics", ln.Addr())
	return s.srv.Serve(ln)
}

func (s *StatsServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *StatsServer) Shutdown() error {
	return s.srv.Shutdown()
}
