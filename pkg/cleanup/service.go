// Package cleanup provides data retention enforcement.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// PurgeStore is the persistence surface the retention loop drives.
type PurgeStore interface {
	PurgeDeleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Service periodically hard-deletes soft-deleted candidate versions once
// their retention window expires. Purging is idempotent and safe to run
// from multiple pods.
type Service struct {
	store     PurgeStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultRetention keeps soft-deleted versions restorable for a week.
const DefaultRetention = 7 * 24 * time.Hour

// NewService creates the retention service. Zero retention or interval
// fall back to the defaults (7 days, hourly).
func NewService(store PurgeStore, retention, interval time.Duration, logger *slog.Logger) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Service{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "cleanup"),
	}
}

// Start launches the background purge loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup service started",
		"retention", s.retention, "interval", s.interval)
}

// Stop signals the purge loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.purge(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Service) purge(ctx context.Context) {
	count, err := s.store.PurgeDeleted(ctx, s.retention)
	if err != nil {
		s.logger.Error("retention purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("purged expired deleted candidates", "count", count)
	}
}
