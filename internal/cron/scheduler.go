// Package cron implements the manifest-directory poller used by
// cmd/wasmguardd: a background loop that periodically rescans a directory
// of component manifest (.toml) files and reports newly appeared or
// disappeared manifests, so components can be onboarded (or flagged for
// removal) without a process restart. Adapted from the teacher's
// Scheduler, which polled a persistence store for due cron schedules on a
// fixed-interval loop (fire-on-start, then on every tick) — the same loop
// shape, retargeted from "query the store" to "stat a directory."
package cron

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/wasmguard/internal/capability"
	"github.com/basket/wasmguard/internal/manifest"
)

// Config holds the dependencies for the manifest-directory poller.
type Config struct {
	ManifestDir string
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 1 minute if zero

	// OnDiscovered is called once per manifest file the first time it is
	// observed (or re-observed after having disappeared), with the parsed
	// security context. A parse failure is logged and the path is not
	// marked seen, so a corrected manifest is retried on the next tick.
	OnDiscovered func(path string, ctx *capability.SecurityContext)

	// OnRemoved is called once per manifest path that was previously
	// discovered but is no longer present in ManifestDir.
	OnRemoved func(path string)
}

// Scheduler periodically scans ManifestDir and diffs its contents against
// the set of previously discovered manifests.
type Scheduler struct {
	dir          string
	logger       *slog.Logger
	interval     time.Duration
	onDiscovered func(string, *capability.SecurityContext)
	onRemoved    func(string)

	mu   sync.Mutex
	seen map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dir:          cfg.ManifestDir,
		logger:       logger,
		interval:     interval,
		onDiscovered: cfg.OnDiscovered,
		onRemoved:    cfg.OnRemoved,
		seen:         make(map[string]struct{}),
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron: manifest poller started", "dir", s.dir, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron: manifest poller stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval,
// scanning the directory each time.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Scan immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans ManifestDir for *.toml files, reporting any newly discovered
// or removed manifests since the previous scan.
func (s *Scheduler) tick(ctx context.Context) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("cron: failed to read manifest directory", "dir", s.dir, "error", err)
		return
	}

	current := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		current[path] = struct{}{}

		s.mu.Lock()
		_, already := s.seen[path]
		s.mu.Unlock()
		if already {
			continue
		}

		text, err := os.ReadFile(path)
		if err != nil {
			s.logger.Error("cron: failed to read manifest", "path", path, "error", err)
			continue
		}
		secCtx, err := manifest.Parse(string(text))
		if err != nil {
			s.logger.Error("cron: failed to parse manifest", "path", path, "error", err)
			continue
		}

		s.mu.Lock()
		s.seen[path] = struct{}{}
		s.mu.Unlock()

		s.logger.Info("cron: discovered component manifest", "path", path, "component_id", secCtx.Metadata.Id)
		if s.onDiscovered != nil {
			s.onDiscovered(path, secCtx)
		}
	}

	var removed []string
	s.mu.Lock()
	for path := range s.seen {
		if _, ok := current[path]; !ok {
			delete(s.seen, path)
			removed = append(removed, path)
		}
	}
	s.mu.Unlock()

	for _, path := range removed {
		s.logger.Info("cron: manifest removed", "path", path)
		if s.onRemoved != nil {
			s.onRemoved(path)
		}
	}
}
