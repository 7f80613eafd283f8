// Package reaper evicts match requests that waited too long.
//
// Two mechanisms are layered on the same store.
// Timeouts runs inside every relaxation tick and notifies the connection of its failure.
// The Sweeper runs on a coarse interval as a backstop against connections
// that vanished without a clean cancel. Its notification is best-effort, removal is not.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ReasonTimeout is the failure reason of a request that found no peer in time.
const ReasonTimeout = "timeout"

// Store is the part of matchqueue.Store used by the reaper.
type Store interface {
	Expire(ctx context.Context, connID string, requestedAt time.Time) (*matchqueue.Request, error)
	Stale(ctx context.Context, cutoff time.Time) ([]*matchqueue.Request, error)
}

// Notifier delivers match failures to client connections.
type Notifier interface {
	MatchFailed(ctx context.Context, connID string, reason string) error
}

// Timeouts fails requests older than Timeout.
type Timeouts struct {
	Log      *zap.Logger
	Store    Store
	Notifier Notifier
	Metrics  *Metrics

	Timeout time.Duration
}

// Check expires every request of the snapshot that is at least Timeout old at now.
//
// A request is notified only if this call removed it,
// so concurrent checks on overlapping snapshots deliver exactly one failure.
// Returns the number of expired requests.
func (t *Timeouts) Check(ctx context.Context, now time.Time, reqs []*matchqueue.Request) (int, error) {
	var expired int
	for _, req := range reqs {
		if req.Age(now) < t.Timeout {
			continue
		}
		removed, err := t.Store.Expire(ctx, req.ConnectionID, req.RequestedAt)
		if errors.Is(err, matchqueue.ErrNotFound) {
			continue // matched, cancelled or replaced meanwhile
		} else if err != nil {
			return expired, fmt.Errorf("failed to expire %s: %w", req.ConnectionID, err)
		}
		expired++
		t.Metrics.timeouts.Add(ctx, 1)
		t.Log.Info("Match request timed out",
			zap.String("conn", removed.ConnectionID),
			zap.Duration("age", removed.Age(now)))
		if err := t.Notifier.MatchFailed(ctx, removed.ConnectionID, ReasonTimeout); err != nil {
			t.Log.Warn("Failed to notify timeout",
				zap.String("conn", removed.ConnectionID),
				zap.Error(err))
		}
	}
	return expired, nil
}

// Sweeper periodically removes requests older than MaxAge.
// It is safe to run multiple instances on the same store.
type Sweeper struct {
	Log      *zap.Logger
	Store    Store
	Notifier Notifier
	Metrics  *Metrics

	Interval time.Duration
	MaxAge   time.Duration
	Now      func() time.Time // defaults to time.Now
}

// MaxAgeFor returns the sweep cutoff age for a match timeout and relaxation interval.
func MaxAgeFor(timeout, relaxInterval time.Duration) time.Duration {
	return timeout + 3*relaxInterval
}

// Run sweeps every Interval until the context is canceled.
// Failed sweeps are logged and retried on the next interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.Error("Stale sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep removes all requests older than MaxAge once.
// Returns the number of removed requests.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	stale, err := s.Store.Stale(ctx, now().Add(-s.MaxAge))
	if err != nil {
		return 0, err
	}
	var swept int
	for _, req := range stale {
		removed, err := s.Store.Expire(ctx, req.ConnectionID, req.RequestedAt)
		if errors.Is(err, matchqueue.ErrNotFound) {
			continue
		} else if err != nil {
			return swept, fmt.Errorf("failed to sweep %s: %w", req.ConnectionID, err)
		}
		swept++
		s.Metrics.swept.Add(ctx, 1)
		s.Log.Info("Swept stale match request", zap.String("conn", removed.ConnectionID))
		if err := s.Notifier.MatchFailed(ctx, removed.ConnectionID, ReasonTimeout); err != nil {
			s.Log.Debug("Stale connection unreachable",
				zap.String("conn", removed.ConnectionID),
				zap.Error(err))
		}
	}
	return swept, nil
}

// Metrics holds the reaper counters.
type Metrics struct {
	timeouts metric.Int64Counter
	swept    metric.Int64Counter
}

// NewMetrics registers the reaper counters.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.timeouts, err = m.NewInt64Counter("reaper_timeouts")
	if err != nil {
		return nil, err
	}
	metrics.swept, err = m.NewInt64Counter("reaper_swept")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}
