package dxmem

import (
	"os"
	"strconv"

	"go.uber.org/zap"
)

// config holds the resolved set of values used to construct a DXMem
// instance. New keeps the resolved config for the instance's lifetime;
// callers have no handle to it once New returns.
type config struct {
	heapSize uint64
	nodeID   uint16
	logger   *zap.Logger
	counters Counters
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}

	if env := os.Getenv("DXMEM_HEAP_SIZE"); env != "" {
		if val, err := strconv.ParseUint(env, 10, 64); err == nil {
			cfg.heapSize = val
		}
	}
	if env := os.Getenv("DXMEM_NODE_ID"); env != "" {
		if val, err := strconv.ParseUint(env, 10, 16); err == nil {
			cfg.nodeID = uint16(val)
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.heapSize == 0 {
		cfg.heapSize = 1 << 30 // 1 GiB
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.counters == nil {
		cfg.counters = NopCounters{}
	}
	return cfg
}

// OptList returns a slice with the opts given; useful if you want to
// possibly append more options to the list before using it with New.
func OptList(opts ...func(*config)) []func(*config) {
	return opts
}

// OptHeapSize sets the size in bytes of the reserved heap region. Defaults
// to env DXMEM_HEAP_SIZE or 1 GiB.
func OptHeapSize(bytes uint64) func(*config) {
	return func(cfg *config) {
		cfg.heapSize = bytes
	}
}

// OptNodeID sets the 16-bit node identity this DXMem instance issues CIDs
// under. Defaults to env DXMEM_NODE_ID or 0.
func OptNodeID(id uint16) func(*config) {
	return func(cfg *config) {
		cfg.nodeID = id
	}
}

// OptLogger injects a structured logger used for defragmenter lifecycle
// events, out-of-memory warnings, and read-lock saturation warnings.
// Defaults to a no-op logger.
func OptLogger(logger *zap.Logger) func(*config) {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// OptCounters injects an operation-counter sink. Defaults to a no-op
// implementation; see PrometheusCounters for a ready-made adapter.
func OptCounters(c Counters) func(*config) {
	return func(cfg *config) {
		cfg.counters = c
	}
}
