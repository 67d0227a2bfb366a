package compact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeOrphanSegment seals entries as a catalog row with no device_id, the
// shape the merger consumes.
func makeOrphanSegment(t *testing.T, cfg *Config, entries []*logcodec.LogEntry) {
	t.Helper()
	require.NoError(t, sealDeviceSegment(cfg, store.GetSegmentRepository(), "", entries, zstd.SpeedDefault))
}

func TestMergerAttributesSingleDeviceSegment(t *testing.T) {
	cfg := testConfig(t)
	makeOrphanSegment(t, cfg, testEntries("dev-1", 10))

	m := NewMerger(cfg)
	found, err := m.RunOnce()
	require.NoError(t, err)
	assert.True(t, found)

	segs, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{DeviceIDs: []string{"dev-1"}})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(10), segs[0].LogsCount)

	orphans, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{OrphanOnly: true})
	require.NoError(t, err)
	assert.Empty(t, orphans, "orphan consumed")
}

func TestMergerSmallBufferStillFlushedUnconditionally(t *testing.T) {
	cfg := testConfig(t)
	cfg.TargetSegmentSize = 1000 // buffer of 3 never hits this
	makeOrphanSegment(t, cfg, testEntries("dev-2", 3))

	m := NewMerger(cfg)
	_, err := m.RunOnce()
	require.NoError(t, err)

	segs, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{DeviceIDs: []string{"dev-2"}})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(3), segs[0].LogsCount, "small buffer persisted, not dropped")
}

func TestMergerMultipleDevicesNoLoss(t *testing.T) {
	cfg := testConfig(t)
	mixed := append(testEntries("dev-a", 4), testEntries("dev-b", 6)...)
	makeOrphanSegment(t, cfg, mixed)

	m := NewMerger(cfg)
	_, err := m.RunOnce()
	require.NoError(t, err)

	segsA, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{DeviceIDs: []string{"dev-a"}})
	require.NoError(t, err)
	segsB, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{DeviceIDs: []string{"dev-b"}})
	require.NoError(t, err)

	var total int64
	for _, s := range segsA {
		total += s.LogsCount
	}
	for _, s := range segsB {
		total += s.LogsCount
	}
	assert.Equal(t, int64(10), total, "no entries dropped across the split")
}

func TestMergerNoDeviceIDUsesUnknownAndAttachesProp(t *testing.T) {
	cfg := testConfig(t)
	makeOrphanSegment(t, cfg, testEntries("", 2))

	m := NewMerger(cfg)
	_, err := m.RunOnce()
	require.NoError(t, err)

	segs, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{DeviceIDs: []string{UnknownDeviceID}})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(2), segs[0].LogsCount)

	entries, err := readSegmentFile(filepath.Join(cfg.ArchiveDir, segs[0].ID+".log"))
	require.NoError(t, err)
	for _, e := range entries {
		found := false
		for _, p := range e.Props {
			if p.Key == "deviceId" && p.Value == UnknownDeviceID {
				found = true
			}
		}
		assert.True(t, found, "unknown fallback id attached back onto entry props")
	}
}

func TestMergerFlushesAtTargetSegmentSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.TargetSegmentSize = 5
	makeOrphanSegment(t, cfg, testEntries("dev-3", 12))

	m := NewMerger(cfg)
	_, err := m.RunOnce()
	require.NoError(t, err)

	segs, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{DeviceIDs: []string{"dev-3"}})
	require.NoError(t, err)

	var total int64
	for _, s := range segs {
		total += s.LogsCount
		assert.LessOrEqual(t, s.LogsCount, int64(cfg.TargetSegmentSize))
	}
	assert.Equal(t, int64(12), total)
	assert.Greater(t, len(segs), 1, "12 entries at target size 5 split into multiple flushes")
}

func TestMergerLRUEvictionRespectsInCoreCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.TargetSegmentSize = 1_000_000 // never hit by size alone
	cfg.MaxInCore = 10

	m := NewMerger(cfg)
	for i := 0; i < 5; i++ {
		device := string(rune('a' + i))
		for j := 0; j < 5; j++ {
			m.handleLog(testEntry(device, "x"))
		}
	}

	assert.LessOrEqual(t, m.total, cfg.MaxInCore, "in-core buffer count respects MaxInCore")

	for device := range m.buffers {
		require.NoError(t, m.flushDevice(device))
	}

	var persisted int64
	for i := 0; i < 5; i++ {
		device := string(rune('a' + i))
		segs, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{DeviceIDs: []string{device}})
		require.NoError(t, err)
		for _, s := range segs {
			persisted += s.LogsCount
		}
	}
	assert.Equal(t, int64(25), persisted, "eviction flushes to disk, it never drops entries")
}

func TestReadSegmentFileRejectsMissingFile(t *testing.T) {
	_, err := readSegmentFile(filepath.Join(t.TempDir(), "does-not-exist.log"))
	assert.True(t, os.IsNotExist(err))
}
