package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	entries []*logcodec.LogEntry
}

func (p *recordingPublisher) Publish(e *logcodec.LogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func testEntry(deviceID, msg string) *logcodec.LogEntry {
	return &logcodec.LogEntry{
		Version:   logcodec.CurrentVersion,
		Timestamp: time.Now().UTC().Round(time.Microsecond),
		Random:    1,
		Level:     logcodec.LevelInfo,
		Props:     []logcodec.Prop{{Key: "deviceId", Value: deviceID}},
		Msg:       msg,
	}
}

func TestPipelineSaveLogsAppendsAndPublishes(t *testing.T) {
	walDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ArchiveDir = t.TempDir()
	cfg.SealThreshold = 1000

	pub := &recordingPublisher{}
	p, err := Open(cfg, walDir, pub)
	require.NoError(t, err)
	defer p.Close()

	entries := []*logcodec.LogEntry{testEntry("dev-1", "one"), testEntry("dev-1", "two")}
	require.NoError(t, p.SaveLogs(entries))

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 2, pub.count())
}

func TestPipelineSealsAtThreshold(t *testing.T) {
	walDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ArchiveDir = t.TempDir()
	cfg.SealThreshold = 5

	p, err := Open(cfg, walDir, nil)
	require.NoError(t, err)
	defer p.Close()

	var entries []*logcodec.LogEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, testEntry("dev-1", "msg"))
	}
	require.NoError(t, p.SaveLogs(entries))

	assert.Equal(t, 0, p.Len(), "tail resets after sealing")

	segs, err := store.GetSegmentRepository().FindSegments(store.SegmentQuery{OrphanOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, segs)

	var found *store.Segment
	for _, s := range segs {
		if s.LogsCount == 5 {
			found = s
		}
	}
	require.NotNil(t, found, "sealed segment with 5 entries registered in catalog")

	props, err := store.GetSegmentRepository().SegmentProps(found.ID)
	require.NoError(t, err)
	hasLevel := false
	for _, pr := range props {
		if pr.Key == "level" && pr.Value == "info" {
			hasLevel = true
		}
	}
	assert.True(t, hasLevel, "synthetic level prop recorded")
}

func TestPipelineRecoversFromWAL(t *testing.T) {
	walDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ArchiveDir = t.TempDir()
	cfg.SealThreshold = 1000

	p1, err := Open(cfg, walDir, nil)
	require.NoError(t, err)
	require.NoError(t, p1.SaveLogs([]*logcodec.LogEntry{testEntry("dev-1", "survives crash")}))
	p1.Close()

	p2, err := Open(cfg, walDir, nil)
	require.NoError(t, err)
	defer p2.Close()

	assert.Equal(t, 1, p2.Len())
}
