package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puppycorp/puppylog/internal/util"
	"github.com/puppycorp/puppylog/pkg/log"
)

// Stage streams r into a temp file inside dir named
// `<device>-<unixMilli>-<nonce>.part`, fsyncs it, and atomically renames it
// to the `.ready` sibling so the background importer picks it up. It returns
// the final `.ready` path.
func Stage(dir, deviceID string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ingest: create upload dir: %w", err)
	}

	nonce := uuid.New().String()[:8]
	base := fmt.Sprintf("%s-%d-%s", deviceID, time.Now().UnixMilli(), nonce)
	partPath := filepath.Join(dir, base+".part")
	readyPath := filepath.Join(dir, base+".ready")

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("ingest: create staging file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(partPath)
		return "", fmt.Errorf("ingest: stage upload: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(partPath)
		return "", fmt.Errorf("ingest: fsync staged upload: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("ingest: close staged upload: %w", err)
	}

	if err := os.Rename(partPath, readyPath); err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("ingest: rename staged upload to ready: %w", err)
	}

	log.Debugf("ingest: staged %s (%d bytes)", readyPath, util.GetFilesize(readyPath))
	return readyPath, nil
}

// deviceIDFromStagedName recovers the device id embedded in a staged file's
// base name (`<device>-<ts>-<nonce>`).
func deviceIDFromStagedName(path string) (string, bool) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	idx := strings.LastIndex(base, "-")
	if idx <= 0 {
		return "", false
	}
	idx = strings.LastIndex(base[:idx], "-")
	if idx <= 0 {
		return "", false
	}
	return base[:idx], true
}
