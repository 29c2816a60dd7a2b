package daemon

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/hugeremap/internal/debug"
	"github.com/srediag/hugeremap/pkg/protocol"
)

var log = debug.New("hugetlbd", nil)

const (
	DefaultPollTimeout       = 10 * time.Minute
	DefaultShareTimeout      = 10 * time.Minute
	DefaultRequestTimeout    = 60 * time.Second
	DefaultResponseTimeout   = 60 * time.Second
	DefaultCompletionTimeout = 300 * time.Second
	DefaultMaxEntries        = 4096
	DefaultCreateRetries     = 5
	DefaultCreateInterval    = 20 * time.Millisecond
)

// Config holds daemon parameters. Zero durations and sizes take the
// defaults above.
type Config struct {
	// Socket is the unix socket path clients connect to.
	Socket string
	// ShareDir holds the shared backing files. It should live on hugetlbfs.
	ShareDir string
	// PollTimeout is how long the daemon waits for a connection before it
	// reaps idle entries on its own.
	PollTimeout time.Duration
	// ShareTimeout is how long an entry may go unused before it is reaped.
	ShareTimeout      time.Duration
	RequestTimeout    time.Duration
	ResponseTimeout   time.Duration
	CompletionTimeout time.Duration
	// MaxEntries caps the registry; the least recently used entry is
	// evicted and its file unlinked when a new one would exceed it.
	MaxEntries int
	// CreateRetries bounds attempts to clear a stale file that holds the
	// name of a new entry.
	CreateRetries  uint64
	CreateInterval time.Duration
	// AdminAddr serves /metrics, /live and /ready when set.
	AdminAddr string
	// Registry receives the daemon's metrics. A private registry is used
	// when nil.
	Registry *prometheus.Registry
}

func (c *Config) setDefaults() {
	if c.Socket == "" {
		c.Socket = protocol.DefaultSocket
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ShareTimeout <= 0 {
		c.ShareTimeout = DefaultShareTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.CreateRetries == 0 {
		c.CreateRetries = DefaultCreateRetries
	}
	if c.CreateInterval <= 0 {
		c.CreateInterval = DefaultCreateInterval
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
}

func (c *Config) validate() error {
	if c.ShareDir == "" {
		return errors.New("daemon: share directory is required")
	}
	if len(c.Socket) >= 108 {
		return errors.New("daemon: socket path too long")
	}
	return nil
}
