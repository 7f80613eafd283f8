package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/queuekey"
	"go.od2.network/matchmaker/pkg/redistest"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap/zaptest"
)

type failure struct {
	conn   string
	reason string
}

type recordingNotifier struct {
	lock     sync.Mutex
	failures []failure
	err      error
}

func (r *recordingNotifier) MatchFailed(_ context.Context, connID string, reason string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failures = append(r.failures, failure{connID, reason})
	return r.err
}

func newStore(ctx context.Context, t *testing.T) (*matchqueue.Store, func()) {
	rd := redistest.NewRedis(ctx, t)
	store, err := matchqueue.NewStore(ctx, rd.Client, matchqueue.KeysForPrefix("reaper"))
	require.NoError(t, err)
	return store, func() { rd.Close(t) }
}

func put(ctx context.Context, t *testing.T, s *matchqueue.Store, conn string, cat string, at time.Time) *matchqueue.Request {
	req := &matchqueue.Request{
		ConnectionID: conn,
		UserID:       "user-" + conn,
		DisplayName:  conn,
		RequestedAt:  at,
		Criteria:     queuekey.Criteria{Category: cat},
	}
	require.NoError(t, s.Put(ctx, req))
	require.NoError(t, s.Enqueue(ctx, conn, queuekey.KeysFor(req.Criteria)))
	return req
}

func newMetrics(t *testing.T) *Metrics {
	metrics, err := NewMetrics(metric.Meter{})
	require.NoError(t, err)
	return metrics
}

func TestTimeouts_Check(t *testing.T) {
	ctx := context.Background()
	store, done := newStore(ctx, t)
	defer done()

	now := time.Unix(1_600_000_000, 0)
	put(ctx, t, store, "old", "Arrays", now.Add(-40*time.Second))
	put(ctx, t, store, "edge", "Graphs", now.Add(-30*time.Second))
	put(ctx, t, store, "fresh", "Trees", now.Add(-10*time.Second))
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)

	notifier := new(recordingNotifier)
	timeouts := Timeouts{
		Log:      zaptest.NewLogger(t),
		Store:    store,
		Notifier: notifier,
		Metrics:  newMetrics(t),
		Timeout:  30 * time.Second,
	}
	n, err := timeouts.Check(ctx, now, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []failure{{"old", ReasonTimeout}, {"edge", ReasonTimeout}}, notifier.failures)

	// Checking the same snapshot again notifies nobody.
	n, err = timeouts.Check(ctx, now, snap)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, notifier.failures, 2)

	members, err := store.QueueMembers(ctx, queuekey.Encode(queuekey.Category, queuekey.Criteria{Category: "Arrays"}))
	require.NoError(t, err)
	assert.Empty(t, members)
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestTimeouts_Check_Replaced(t *testing.T) {
	ctx := context.Background()
	store, done := newStore(ctx, t)
	defer done()

	now := time.Unix(1_600_000_000, 0)
	put(ctx, t, store, "c1", "", now.Add(-time.Minute))
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	// The connection asks again before the check runs.
	put(ctx, t, store, "c1", "", now)

	notifier := new(recordingNotifier)
	timeouts := Timeouts{
		Log:      zaptest.NewLogger(t),
		Store:    store,
		Notifier: notifier,
		Metrics:  newMetrics(t),
		Timeout:  30 * time.Second,
	}
	n, err := timeouts.Check(ctx, now, snap)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, notifier.failures)
	_, err = store.Get(ctx, "c1")
	assert.NoError(t, err)
}

func TestTimeouts_Check_NotifyFailure(t *testing.T) {
	ctx := context.Background()
	store, done := newStore(ctx, t)
	defer done()

	now := time.Unix(1_600_000_000, 0)
	put(ctx, t, store, "a", "", now.Add(-time.Minute))
	put(ctx, t, store, "b", "", now.Add(-time.Minute))
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)

	notifier := &recordingNotifier{err: errors.New("connection gone")}
	timeouts := Timeouts{
		Log:      zaptest.NewLogger(t),
		Store:    store,
		Notifier: notifier,
		Metrics:  newMetrics(t),
		Timeout:  30 * time.Second,
	}
	n, err := timeouts.Check(ctx, now, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	remaining, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	store, done := newStore(ctx, t)
	defer done()

	now := time.Unix(1_600_000_000, 0)
	maxAge := MaxAgeFor(30*time.Second, 10*time.Second)
	assert.Equal(t, time.Minute, maxAge)
	put(ctx, t, store, "abandoned", "Arrays", now.Add(-2*time.Minute))
	put(ctx, t, store, "waiting", "Arrays", now.Add(-45*time.Second))

	notifier := &recordingNotifier{err: errors.New("connection gone")}
	sweeper := Sweeper{
		Log:      zaptest.NewLogger(t),
		Store:    store,
		Notifier: notifier,
		Metrics:  newMetrics(t),
		Interval: time.Hour,
		MaxAge:   maxAge,
		Now:      func() time.Time { return now },
	}
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []failure{{"abandoned", ReasonTimeout}}, notifier.failures)
	_, err = store.Get(ctx, "abandoned")
	assert.ErrorIs(t, err, matchqueue.ErrNotFound)
	_, err = store.Get(ctx, "waiting")
	assert.NoError(t, err)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, done := newStore(ctx, t)
	defer done()

	put(ctx, t, store, "abandoned", "", time.Now().Add(-time.Hour))
	notifier := new(recordingNotifier)
	sweeper := Sweeper{
		Log:      zaptest.NewLogger(t),
		Store:    store,
		Notifier: notifier,
		Metrics:  newMetrics(t),
		Interval: 50 * time.Millisecond,
		MaxAge:   time.Minute,
	}
	errC := make(chan error, 1)
	go func() { errC <- sweeper.Run(ctx) }()
	require.Eventually(t, func() bool {
		n, err := store.Len(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errC, context.Canceled)
}
