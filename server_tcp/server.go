package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/I-Missha/uecho/server"
	"github.com/I-Missha/uecho/uecho"
	"github.com/I-Missha/uecho/ulistener"
	"github.com/I-Missha/uecho/ustats"
)

func main() {
	cfg := ulistener.DefaultConfig()

	flag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on, dual-stack")
	flag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "pending connection queue length")
	flag.IntVar(&cfg.BufferSize, "buffer", uecho.DefaultBufferSize, "bytes read per receive")
	flag.IntVar(&cfg.MaxWorkers, "max-workers", 0, "concurrent connection limit, 0 is unbounded")
	engine := flag.String("engine", string(ulistener.EngineStd), "connection I/O engine: std or uring")
	statsAddr := flag.String("stats", "", "address for the HTTP stats endpoint, empty disables it")
	report := flag.Duration("report", 0, "interval for logging stats, 0 disables it")
	flag.Parse()

	cfg.Engine = ulistener.Engine(*engine)

	log.SetPrefix(fmt.Sprintf("[pid:%d] ", os.Getpid()))
	logger := log.Default()
	stats := ustats.New()

	l, err := ulistener.Listen(cfg, ulistener.WithStats(stats), ulistener.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create listener: %s", err)
	}
	defer l.Close()

	if *statsAddr != "" {
		srv := server.NewStatsServer(stats, logger)
		go func() {
			if err := srv.ListenAndServe(*statsAddr); err != nil {
				log.Printf("[Stats] %s", err)
			}
		}()
	}
	if *report > 0 {
		go stats.Report(context.Background(), *report, logger)
	}

	start := time.Now()
	err = l.Serve()
	log.Printf("[Listener] stopped after %s: %s", time.Since(start).Round(time.Second), err)
}
