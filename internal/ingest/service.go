package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/puppycorp/puppylog/pkg/log"
)

// Service is the process-wide upload front door: it admits uploads, stages
// them to disk, and runs the background importer and stale-`.part` cleanup
// loops by registering gocron jobs rather than hand-rolled `time.Ticker`
// loops.
type Service struct {
	cfg      *Config
	guard    *Guard
	pipeline *Pipeline
	importer *Importer

	sched gocron.Scheduler
}

// NewService wires a Guard, Pipeline, and Importer into one Service. Callers
// must call Start to begin the background loops.
func NewService(cfg *Config, walDir string, pub Publisher) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	pipeline, err := Open(cfg, walDir, pub)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		guard:    NewGuard(cfg.MaxConcurrentUploads),
		pipeline: pipeline,
		importer: NewImporter(pipeline),
	}, nil
}

// Pipeline returns the service's live-tail pipeline, e.g. for the searcher
// (C9) to read the current live segment.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Guard returns the service's admission guard, e.g. for a status endpoint
// to report whether uploads are temporarily being refused.
func (s *Service) Guard() *Guard {
	return s.guard
}

// HandleUpload runs the synchronous half of an upload: admission and
// staging. Import happens later, off the request path, when the background
// loop picks up the resulting `.ready` file.
func (s *Service) HandleUpload(deviceID string, body io.Reader) error {
	if err := s.guard.Acquire(); err != nil {
		return err
	}
	defer s.guard.Release()

	if _, err := Stage(s.cfg.UploadDir, deviceID, body); err != nil {
		return err
	}
	return nil
}

// Start registers and starts the background import and cleanup loops.
func (s *Service) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("ingest: create scheduler: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.ImportInterval),
		gocron.NewTask(s.runImportScan),
	); err != nil {
		return fmt.Errorf("ingest: register import job: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.CleanupInterval),
		gocron.NewTask(s.runStalePartCleanup),
	); err != nil {
		return fmt.Errorf("ingest: register cleanup job: %w", err)
	}

	s.sched = sched
	s.sched.Start()
	return nil
}

// Shutdown stops the scheduler and the pipeline's WAL writer.
func (s *Service) Shutdown() {
	if s.sched != nil {
		if err := s.sched.Shutdown(); err != nil {
			log.Errorf("ingest: scheduler shutdown: %v", err)
		}
	}
	s.pipeline.Close()
}

// runImportScan lists `.ready` files in the upload directory and imports
// each in turn. A failed import is logged; the file is left in place so
// the next scan retries it.
func (s *Service) runImportScan() {
	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("ingest: scan upload dir: %v", err)
		}
		return
	}

	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".ready") {
			continue
		}
		path := filepath.Join(s.cfg.UploadDir, de.Name())
		if err := s.importer.ImportFile(path); err != nil {
			log.Errorf("ingest: import %s: %v", path, err)
		}
	}
}

// runStalePartCleanup deletes `.part` files that have sat unmodified longer
// than cfg.StalePartTTL.
func (s *Service) runStalePartCleanup() {
	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("ingest: scan upload dir for cleanup: %v", err)
		}
		return
	}

	cutoff := time.Now().Add(-s.cfg.StalePartTTL)
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".part") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.cfg.UploadDir, de.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Errorf("ingest: remove stale staged upload %s: %v", path, err)
			} else {
				log.Warnf("ingest: removed stale staged upload %s", path)
			}
		}
	}
}
