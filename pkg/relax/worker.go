package relax

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/reaper"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Store is the part of matchqueue.Store used by the worker.
type Store interface {
	Snapshot(ctx context.Context) ([]*matchqueue.Request, error)
	ClaimPair(ctx context.Context, a, b *matchqueue.Request) error
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, owner string) error
}

// Dispatcher hands off a committed match to downstream services.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *matchqueue.MatchEvent) error
}

// Options configures the relaxation worker.
type Options struct {
	TickInterval  time.Duration
	RelaxInterval time.Duration
	// LeaseTTL bounds how long a crashed worker blocks the others.
	// It has to cover the slowest tick, including dispatch retries.
	LeaseTTL time.Duration
}

// DefaultOptions are the default worker options.
var DefaultOptions = Options{
	TickInterval:  3 * time.Second,
	RelaxInterval: 10 * time.Second,
	LeaseTTL:      time.Minute,
}

func (o *Options) leaseTTL() time.Duration {
	if o.LeaseTTL < o.TickInterval {
		return o.TickInterval
	}
	return o.LeaseTTL
}

// Worker pairs pending requests the fast path could not reach and fails timed out requests.
//
// Ticks of all processes sharing a store are serialized with a lease,
// a process not holding it skips the tick.
type Worker struct {
	Log        *zap.Logger
	Store      Store
	Dispatcher Dispatcher
	Timeouts   *reaper.Timeouts
	Metrics    *Metrics

	Options
	Owner string           // lease owner ID, unique per process
	Now   func() time.Time // defaults to time.Now
}

// Run ticks every TickInterval until the context is canceled.
// A failed tick is logged and the next one runs as scheduled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := w.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.Log.Error("Relaxation tick failed", zap.Error(err))
		}
	}
}

// Step runs a single tick and returns the number of matches made.
func (w *Worker) Step(ctx context.Context) (int, error) {
	ok, err := w.Store.AcquireLease(ctx, w.Owner, w.leaseTTL())
	if err != nil {
		return 0, err
	}
	if !ok {
		w.Log.Debug("Tick lease held elsewhere, skipping")
		return 0, nil
	}
	defer func() {
		if err := w.Store.ReleaseLease(ctx, w.Owner); err != nil {
			w.Log.Warn("Failed to release tick lease", zap.Error(err))
		}
	}()
	w.Metrics.ticks.Add(ctx, 1)

	snapshot, err := w.Store.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	if w.Now != nil {
		now = w.Now()
	}
	pairs, rest := Pairs(snapshot, now, w.RelaxInterval)
	var matched int
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		if err := w.Store.ClaimPair(ctx, a, b); errors.Is(err, matchqueue.ErrNotFound) {
			w.Log.Debug("Pair changed since snapshot",
				zap.String("conn_a", a.ConnectionID),
				zap.String("conn_b", b.ConnectionID))
			// The unchanged side is still due for its timeout check.
			rest = append(rest, a, b)
			continue
		} else if err != nil {
			return matched, fmt.Errorf("failed to claim pair: %w", err)
		}
		matched++
		w.Metrics.pairs.Add(ctx, 1)
		ev := matchqueue.NewMatchEvent(*a, *b)
		w.Log.Info("Relaxed match",
			zap.String("match_id", ev.MatchID),
			zap.String("conn_a", a.ConnectionID),
			zap.String("conn_b", b.ConnectionID),
			zap.Int("level_a", Level(a.Age(now), w.RelaxInterval)),
			zap.Int("level_b", Level(b.Age(now), w.RelaxInterval)))
		if err := w.Dispatcher.Dispatch(ctx, &ev); err != nil {
			w.Log.Error("Failed to dispatch match",
				zap.String("match_id", ev.MatchID),
				zap.Error(err))
		}
	}
	if w.Timeouts != nil {
		if _, err := w.Timeouts.Check(ctx, now, rest); err != nil {
			return matched, err
		}
	}
	return matched, nil
}

// Pairs greedily pairs compatible requests, oldest first.
// No request appears in more than one pair. The unpaired requests are returned in rest.
func Pairs(reqs []*matchqueue.Request, now time.Time, interval time.Duration) (pairs [][2]*matchqueue.Request, rest []*matchqueue.Request) {
	sorted := make([]*matchqueue.Request, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RequestedAt.Before(sorted[j].RequestedAt)
	})
	consumed := make([]bool, len(sorted))
	for i := range sorted {
		if consumed[i] {
			continue
		}
		for j := i + 1; j < len(sorted); j++ {
			if consumed[j] {
				continue
			}
			if Compatible(sorted[i], sorted[j], now, interval) {
				consumed[i], consumed[j] = true, true
				pairs = append(pairs, [2]*matchqueue.Request{sorted[i], sorted[j]})
				break
			}
		}
		if !consumed[i] {
			rest = append(rest, sorted[i])
		}
	}
	return pairs, rest
}

// Metrics holds the worker counters.
type Metrics struct {
	ticks metric.Int64Counter
	pairs metric.Int64Counter
}

// NewMetrics registers the worker counters.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.ticks, err = m.NewInt64Counter("relax_ticks")
	if err != nil {
		return nil, err
	}
	metrics.pairs, err = m.NewInt64Counter("relax_pairs")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}
