// Package server wires C1-C10 into one running instance: the metadata
// store connection, the ingest and compact background services, the
// subscribe fan-out hub, and the searcher, plus the process-wide metrics
// registry. Its HTTP routes and handlers are built by Router
// (handlers.go); cmd/puppylogd wraps them in middleware and serves them.
package server

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puppycorp/puppylog/internal/compact"
	"github.com/puppycorp/puppylog/internal/config"
	"github.com/puppycorp/puppylog/internal/ingest"
	"github.com/puppycorp/puppylog/internal/metrics"
	"github.com/puppycorp/puppylog/internal/search"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/puppycorp/puppylog/internal/subscribe"
	"github.com/puppycorp/puppylog/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Server owns every long-lived core component for one process. Start and
// Shutdown are the only lifecycle methods; everything else is read
// directly off the exported fields by the transport layer.
type Server struct {
	Env      *config.Env
	Settings *config.Settings

	Hub     *subscribe.Hub
	Ingest  *ingest.Service
	Compact *compact.Service
	Search  *search.Searcher

	Registry *prometheus.Registry
}

// New loads configuration, connects the metadata store, and wires the
// ingest, compact, subscribe, and search components together. Callers must
// call Start before any background loop runs.
func New(env *config.Env) (*Server, error) {
	settings, err := config.LoadSettings(env.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("server: load settings: %w", err)
	}

	storeCfg := store.DefaultConfig()
	storeCfg.CleanupDeleteCount = env.CleanupDeleteCount
	store.SetConfig(storeCfg)
	if err := store.Connect(env.DBPath); err != nil {
		return nil, fmt.Errorf("server: connect store: %w", err)
	}

	hub := subscribe.NewHub()

	walDir := env.LogPath
	ingestCfg := ingest.DefaultConfig()
	ingestCfg.MaxConcurrentUploads = int64(env.MaxConcurrentUploads)
	ingestCfg.UploadDir = env.UploadPath
	ingestCfg.ArchiveDir = walDir

	ingestSvc, err := ingest.NewService(ingestCfg, walDir, hub)
	if err != nil {
		return nil, fmt.Errorf("server: start ingest service: %w", err)
	}

	compactCfg := compact.DefaultConfig()
	compactCfg.ArchiveDir = walDir
	compactSvc := compact.NewService(compactCfg)

	searcher := search.New(ingestSvc.Pipeline(), store.GetSegmentRepository(), walDir)

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("server: register metrics: %w", err)
	}

	return &Server{
		Env:      env,
		Settings: settings,
		Hub:      hub,
		Ingest:   ingestSvc,
		Compact:  compactSvc,
		Search:   searcher,
		Registry: reg,
	}, nil
}

// Start launches the ingest and compact background schedulers, both under
// one errgroup.Group so a failure to register either's jobs surfaces as a
// single wrapped error instead of a silent half-started server.
func (s *Server) Start() error {
	var g errgroup.Group
	g.Go(s.Ingest.Start)
	g.Go(s.Compact.Start)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: start background services: %w", err)
	}
	log.Info("server: ingest and compact background services started")
	return nil
}

// Shutdown stops every background component. ctx is accepted for symmetry
// with the HTTP server's graceful shutdown and to bound how long Shutdown
// itself may block in a future component that needs it; none of the
// current components do.
func (s *Server) Shutdown(ctx context.Context) {
	s.Compact.Shutdown()
	s.Ingest.Shutdown()
	s.Hub.Close()
}
