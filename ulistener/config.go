package ulistener

import "github.com/I-Missha/uecho/uecho"

const (
	DefaultPort    = 12345
	DefaultBacklog = 5
)

type Engine string

const (
	// EngineStd serves connections through the Go runtime netpoller.
	EngineStd Engine = "std"
	// EngineUring moves every accepted socket onto an io_uring balancer.
	EngineUring Engine = "uring"
)

// Config is passed to the listener at construction and never changes after.
type Config struct {
	Port       int // 0 picks an ephemeral port
	Backlog    int
	BufferSize int
	MaxWorkers int // 0 means unbounded
	Engine     Engine

	RingBatchers  int
	RingBatchSize uint32
}

func DefaultConfig() Config {
	return Config{
		Port:       DefaultPort,
		Backlog:    DefaultBacklog,
		BufferSize: uecho.DefaultBufferSize,
		Engine:     EngineStd,
	}
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.BufferSize <= 0 {
		c.BufferSize = uecho.DefaultBufferSize
	}
	if c.Engine == "" {
		c.Engine = EngineStd
	}
	if c.MaxWorkers < 0 {
		c.MaxWorkers = 0
	}
	return c
}
