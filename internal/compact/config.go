// Package compact implements the two background archive-rewriting workers:
// the merger, which attributes device-agnostic orphan segments to devices,
// and the compactor, which coalesces small per-device segments for
// locality.
package compact

import (
	"time"

	"github.com/klauspost/compress/zstd"
)

// UnknownDeviceID is the synthetic device id attached to entries with no
// `deviceId` prop, so the merger can still group and attribute them.
const UnknownDeviceID = "unknown"

// Config controls the compactors' tunables. All fields have sensible
// defaults, so this configuration is optional.
type Config struct {
	// TargetSegmentSize is the entry count a flushed per-device buffer
	// (merger) or coalesced segment (compactor) aims for. Default: 300000
	TargetSegmentSize int

	// MergerBatchSize bounds how many orphan segments the merger pulls
	// from the catalog per iteration. Default: 2000
	MergerBatchSize int

	// MaxInCore bounds the total entries buffered in-core across all
	// devices before the merger evicts the least-recently-touched device.
	// Default: 10,000,000
	MaxInCore int

	// ArchiveDir holds sealed segment files (`<id>.log`), shared with
	// internal/ingest's seal step.
	ArchiveDir string

	// CompressionLevel is the zstd level used when flushing coalesced
	// segments: higher than the ingest pipeline's seal-time level
	// (zstd.SpeedDefault), since background rewriting can afford to spend
	// more CPU for a smaller archive footprint.
	CompressionLevel zstd.EncoderLevel

	// CompressionConcurrency is the number of zstd encoder goroutines for
	// the compactor's (not the merger's) flush path.
	CompressionConcurrency int

	// MergerInterval is how often the merger's gocron job runs.
	// Default: 10s
	MergerInterval time.Duration

	// CompactorInterval is how often the compactor's gocron job runs.
	// Default: 30s
	CompactorInterval time.Duration
}

// DefaultConfig returns the default compactor configuration. ArchiveDir must
// still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		TargetSegmentSize:      300_000,
		MergerBatchSize:        2000,
		MaxInCore:              10_000_000,
		CompressionLevel:       zstd.SpeedBestCompression,
		CompressionConcurrency: 4,
		MergerInterval:         10 * time.Second,
		CompactorInterval:      30 * time.Second,
	}
}
