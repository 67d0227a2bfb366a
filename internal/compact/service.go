package compact

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/puppycorp/puppylog/internal/metrics"
	"github.com/puppycorp/puppylog/pkg/log"
)

// Service schedules the merger and compactor as independent gocron jobs,
// mirroring internal/ingest's Service: each archive-rewriting worker gets
// its own interval rather than sharing one loop.
type Service struct {
	cfg       *Config
	merger    *Merger
	compactor *Compactor

	sched gocron.Scheduler
}

// NewService wires a Merger and Compactor using cfg (DefaultConfig if nil).
func NewService(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		cfg:       cfg,
		merger:    NewMerger(cfg),
		compactor: NewCompactor(cfg),
	}
}

// Merger returns the service's merger, e.g. for a caller that wants to drive
// it directly in a test.
func (s *Service) Merger() *Merger { return s.merger }

// Compactor returns the service's compactor.
func (s *Service) Compactor() *Compactor { return s.compactor }

// Start registers and starts the merger and compactor gocron jobs.
func (s *Service) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("compact: create scheduler: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.MergerInterval),
		gocron.NewTask(s.runMerger),
	); err != nil {
		return fmt.Errorf("compact: register merger job: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.CompactorInterval),
		gocron.NewTask(s.runCompactor),
	); err != nil {
		return fmt.Errorf("compact: register compactor job: %w", err)
	}

	s.sched = sched
	s.sched.Start()
	return nil
}

// Shutdown stops the scheduler.
func (s *Service) Shutdown() {
	if s.sched != nil {
		if err := s.sched.Shutdown(); err != nil {
			log.Errorf("compact: scheduler shutdown: %v", err)
		}
	}
}

// runMerger drains every pending batch of orphan segments in one tick, not
// just one, so the merger keeps up under a backlog instead of draining it
// one MergerBatchSize chunk per interval.
func (s *Service) runMerger() {
	for {
		found, err := s.merger.RunOnce()
		if err != nil {
			log.Errorf("compact: merger run: %v", err)
			return
		}
		if !found {
			return
		}
		metrics.CompactionRuns.WithLabelValues("merger").Inc()
	}
}

func (s *Service) runCompactor() {
	found, err := s.compactor.RunOnce()
	if err != nil {
		log.Errorf("compact: compactor run: %v", err)
		return
	}
	if found {
		metrics.CompactionRuns.WithLabelValues("compactor").Inc()
	}
}
