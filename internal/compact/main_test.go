package compact

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/store"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "puppylog-compact-test")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	if err := store.Connect(filepath.Join(dir, "test.db")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.ArchiveDir = t.TempDir()
	return cfg
}

func testEntry(deviceID, msg string) *logcodec.LogEntry {
	e := &logcodec.LogEntry{
		Version:   logcodec.CurrentVersion,
		Timestamp: time.Now().UTC().Round(time.Microsecond),
		Random:    1,
		Level:     logcodec.LevelInfo,
		Msg:       msg,
	}
	if deviceID != "" {
		e.Props = []logcodec.Prop{{Key: "deviceId", Value: deviceID}}
	}
	return e
}

func testEntries(deviceID string, n int) []*logcodec.LogEntry {
	entries := make([]*logcodec.LogEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, testEntry(deviceID, fmt.Sprintf("msg-%d", i)))
	}
	return entries
}
