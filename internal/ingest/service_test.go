package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceHandleUploadThenImportScan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UploadDir = t.TempDir()
	cfg.ArchiveDir = t.TempDir()
	cfg.SealThreshold = 1000

	svc, err := NewService(cfg, t.TempDir(), nil)
	require.NoError(t, err)
	defer svc.Shutdown()

	data := encodedBytes(t, testEntry("dev-5", "hello"))
	require.NoError(t, svc.HandleUpload("dev-5", strings.NewReader(string(data))))

	svc.runImportScan()

	assert.Equal(t, 1, svc.Pipeline().Len())
}

func TestServiceCleanupRemovesStalePart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UploadDir = t.TempDir()
	cfg.ArchiveDir = t.TempDir()
	cfg.StalePartTTL = 0 // everything is immediately "stale" for this test

	svc, err := NewService(cfg, t.TempDir(), nil)
	require.NoError(t, err)
	defer svc.Shutdown()

	// Simulate a crash mid-upload: a .part file that never got renamed.
	partPath := filepath.Join(cfg.UploadDir, "dev-6-1700000000000-deadbeef.part")
	require.NoError(t, os.WriteFile(partPath, []byte("incomplete"), 0o644))

	time.Sleep(time.Millisecond)
	svc.runStalePartCleanup()

	_, err = os.Stat(partPath)
	assert.True(t, os.IsNotExist(err), "stale .part file garbage collected")
}
