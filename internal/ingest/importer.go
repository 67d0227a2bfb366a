package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/puppycorp/puppylog/internal/util"
	"github.com/puppycorp/puppylog/pkg/log"
)

// Importer reads staged `.ready` files into the live tail, in the
// background, decoupled from the request that staged them.
type Importer struct {
	pipeline   *Pipeline
	deviceRepo *store.DeviceRepository
}

// NewImporter returns an Importer feeding p.
func NewImporter(p *Pipeline) *Importer {
	return &Importer{pipeline: p, deviceRepo: store.GetDeviceRepository()}
}

// ImportFile reads, decodes, and appends one staged `.ready` file, then
// deletes it. A decode failure on any single entry is logged and the
// remaining bytes (the undecodable trailer) are discarded without aborting
// the import; staging I/O errors are returned so the caller can retry on the
// next scan.
func (im *Importer) ImportFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ingest: read staged upload %s: %w", path, err)
	}

	data, err := maybeGunzip(raw)
	if err != nil {
		log.Errorf("ingest: decompress staged upload %s: %v", path, err)
		return os.Remove(path)
	}

	deviceID, _ := deviceIDFromStagedName(path)

	entries, err := decodeEntries(data)
	if err != nil {
		log.Errorf("ingest: decode staged upload %s: %v", path, err)
	}

	if len(entries) > 0 {
		if err := im.pipeline.SaveLogs(entries); err != nil {
			return fmt.Errorf("ingest: save logs from %s: %w", path, err)
		}
	}

	if deviceID != "" {
		if err := im.deviceRepo.UpdateDeviceStats(deviceID, int64(len(raw)), int64(len(entries)), time.Now().UnixMilli()); err != nil {
			// Accounting failure is logged but never fatal: losing a device's
			// stats update must not block the import it's reporting on.
			log.Errorf("ingest: update device stats for %s: %v", deviceID, err)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("ingest: cleanup staged upload %s: %w", path, err)
	}

	return nil
}

// decodeEntries decodes every whole log entry from data. A trailing partial
// record (ErrNotEnoughData) is discarded silently; any other decode error
// stops the scan and is returned alongside the entries decoded so far.
func decodeEntries(data []byte) ([]*logcodec.LogEntry, error) {
	entries := make([]*logcodec.LogEntry, 0, 64)
	pos := 0
	for pos < len(data) {
		e, err := logcodec.DeserializeSlice(data, &pos)
		if err != nil {
			if errors.Is(err, logcodec.ErrNotEnoughData) {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func maybeGunzip(raw []byte) ([]byte, error) {
	r, err := util.MaybeGunzipReader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("new gzip reader: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gzip stream: %w", err)
	}
	return out, nil
}
