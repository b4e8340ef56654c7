// Package scheduler runs the background tasks of querycache: polling the
// configured targets into the cache and history, and pruning old history.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/querycache/internal/cache"
	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/db"
	"github.com/energizer-project/querycache/internal/events"
	"github.com/energizer-project/querycache/internal/util"
)

// maxConcurrentPolls bounds the number of targets queried at once.
const maxConcurrentPolls = 8

// pruneHour is the local hour at which history is pruned.
const pruneHour = 4

// Refresher re-queries a server and caches the result.
type Refresher interface {
	Refresh(ctx context.Context, addr string) (*cache.Entry, error)
}

// SnapshotStore persists poll results.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *db.Snapshot) (int64, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	rules    Refresher
	store    SnapshotStore
	logger   zerolog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler. store and eventBus may be nil.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, rules Refresher, store SnapshotStore) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		rules:    rules,
		store:    store,
		logger:   util.ComponentLogger("scheduler"),
		now:      time.Now,
	}
}

// Start runs the poll and prune loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	go s.runPollLoop(ctx)
	if s.store != nil {
		go s.runPruneLoop(ctx)
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// runPollLoop polls immediately, then every poll interval. The interval is
// re-read each round so config changes take effect without a restart.
func (s *Scheduler) runPollLoop(ctx context.Context) {
	for {
		s.PollOnce(ctx)

		interval := s.cfg.GetTargets().PollInterval()
		if interval <= 0 {
			interval = time.Minute
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// PollOnce refreshes every configured target and records a snapshot of each
// successful reply. It returns the number of targets that answered.
func (s *Scheduler) PollOnce(ctx context.Context) int {
	targets := s.cfg.GetTargets().Addresses
	if len(targets) == 0 {
		return 0
	}

	var ok atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)

	for _, addr := range targets {
		g.Go(func() error {
			if s.pollTarget(gctx, addr) {
				ok.Add(1)
			}
			// A failing target must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Debug().
		Int("targets", len(targets)).
		Int32("answered", ok.Load()).
		Msg("poll round completed")
	return int(ok.Load())
}

func (s *Scheduler) pollTarget(ctx context.Context, addr string) bool {
	entry, err := s.rules.Refresh(ctx, addr)
	if err != nil {
		// The cache logs and emits the failure.
		return false
	}

	if s.store == nil {
		return true
	}

	snap := db.NewSnapshot(entry.Address, entry.Reply, entry.FetchedAt, entry.Latency)
	id, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		s.logger.Error().Err(err).Str("address", entry.Address).Msg("failed to save snapshot")
		return true
	}

	s.emit(events.Event{
		Type:    events.EventSnapshotSaved,
		Payload: events.SnapshotSavedPayload{Address: entry.Address, SnapshotID: id},
	})
	return true
}

// runPruneLoop prunes history once a day at pruneHour.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		next := nextPruneTime(s.now())
		s.logger.Info().Time("next_run", next).Msg("history prune scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if _, err := s.PruneOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("history prune failed")
			}
		}
	}
}

// PruneOnce removes snapshots older than the retention window.
func (s *Scheduler) PruneOnce(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}

	days := s.cfg.GetStorage().RetentionDays
	if days <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	removed, err := s.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.emit(events.Event{
		Type:    events.EventHistoryPruned,
		Payload: events.HistoryPrunedPayload{Removed: removed, Cutoff: cutoff},
	})
	return removed, nil
}

// nextPruneTime returns the next pruneHour strictly after now.
func nextPruneTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), pruneHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) emit(e events.Event) {
	if s.eventBus == nil {
		return
	}
	e.Source = "scheduler"
	s.eventBus.Emit(context.Background(), e)
}
