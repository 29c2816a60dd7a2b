package remap

import (
	"os"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/hugeremap/api"
	"github.com/srediag/hugeremap/internal/debug"
	"github.com/srediag/hugeremap/pkg/protocol"
)

var log = debug.New("remap", nil)

// Environment variables read by ConfigFromEnv.
const (
	EnvElfMap       = "HUGETLB_ELFMAP"
	EnvForce        = "HUGETLB_FORCE_ELFMAP"
	EnvMinimalCopy  = "HUGETLB_MINIMAL_COPY"
	EnvShare        = "HUGETLB_SHARE"
	EnvSharePath    = "HUGETLB_SHARE_PATH"
	EnvShareSocket  = "HUGETLB_SHARE_SOCKET"
	EnvPath         = "HUGETLB_PATH"
	EnvReserveChild = "HUGETLB_RESERVE_CHILD"
)

const instrumentation = "github.com/srediag/hugeremap/pkg/remap"

// Segments selects segments by writability.
type Segments uint8

const (
	SegmentsReadOnly Segments = 1 << iota
	SegmentsWritable

	SegmentsNone Segments = 0
	SegmentsAll           = SegmentsReadOnly | SegmentsWritable
)

func (s Segments) allows(writable bool) bool {
	if writable {
		return s&SegmentsWritable != 0
	}
	return s&SegmentsReadOnly != 0
}

// Config controls one remap.
type Config struct {
	// Segments limits remapping to read-only and/or writable segments.
	// SegmentsNone disables remapping. Writable segments of the running
	// program are never remapped, whatever this allows.
	Segments Segments
	// Force remaps the aligned interior of segments of binaries that carry
	// no huge page marker.
	Force bool
	// MinimalCopy copies only the used part of bss tails. It only applies
	// to images whose bss is untouched.
	MinimalCopy bool
	// Share obtains read-only segments through the sharing daemon.
	// Writable segments are never shared.
	Share  bool
	Socket string
	// ShareDir, when set, is the only directory shared files are accepted
	// from. It does not move the files: the daemon creates them in its own
	// --share-dir, which must match for sharing to succeed.
	ShareDir string
	// Identity keys shared files. Zero means the running executable's
	// identity.
	Identity uint64
	// Path is the directory for private backing files. Empty means the
	// first hugetlbfs mount.
	Path string
	// RequireHugetlbfs rejects a Path that is not on hugetlbfs.
	RequireHugetlbfs bool
	// PageSize overrides the page size of the backing files.
	PageSize uint64
	// ReserveChild faults in huge pages from a helper process before the
	// parent maps them.
	ReserveChild bool
	// CopyWorkers is the number of goroutines copying segment bytes.
	CopyWorkers int
	// Sharer replaces the daemon client when sharing is enabled.
	Sharer api.Sharer

	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig remaps every marked segment privately, with minimal copy.
func DefaultConfig() Config {
	return Config{
		Segments:         SegmentsAll,
		MinimalCopy:      true,
		Socket:           protocol.DefaultSocket,
		RequireHugetlbfs: true,
		CopyWorkers:      runtime.GOMAXPROCS(0),
	}
}

// ConfigFromEnv reads the HUGETLB_* environment on top of DefaultConfig.
// Unknown values are logged and ignored.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	switch v := os.Getenv(EnvElfMap); strings.ToUpper(v) {
	case "":
	case "NO":
		cfg.Segments = SegmentsNone
	case "R":
		cfg.Segments = SegmentsReadOnly
	case "W":
		cfg.Segments = SegmentsWritable
	case "RW":
		cfg.Segments = SegmentsAll
	default:
		log.Warnf("%s=%q not understood, remapping all segments", EnvElfMap, v)
	}

	cfg.Force = isYes(os.Getenv(EnvForce))
	if v := os.Getenv(EnvMinimalCopy); v != "" && isNo(v) {
		cfg.MinimalCopy = false
	}

	switch v := os.Getenv(EnvShare); v {
	case "", "0":
	case "1":
		cfg.Share = true
	default:
		log.Warnf("%s=%q not understood, sharing disabled", EnvShare, v)
	}
	if v := os.Getenv(EnvShareSocket); v != "" {
		cfg.Socket = v
	}
	if v := os.Getenv(EnvPath); v != "" {
		cfg.Path = v
	}
	// hugetlbd takes the same variable as its --share-dir default.
	if v := os.Getenv(EnvSharePath); v != "" {
		cfg.ShareDir = v
	}
	cfg.ReserveChild = isYes(os.Getenv(EnvReserveChild))
	return cfg
}

func (c *Config) setDefaults() {
	if c.Socket == "" {
		c.Socket = protocol.DefaultSocket
	}
	if c.CopyWorkers <= 0 {
		c.CopyWorkers = 1
	}
	if c.Meter == nil {
		c.Meter = otel.Meter(instrumentation)
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(instrumentation)
	}
}

func isYes(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "y", "1", "true", "on":
		return true
	}
	return false
}

func isNo(v string) bool {
	switch strings.ToLower(v) {
	case "no", "n", "0", "false", "off":
		return true
	}
	return false
}
