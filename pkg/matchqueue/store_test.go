package matchqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/matchmaker/pkg/queuekey"
	"go.od2.network/matchmaker/pkg/redistest"
)

func newTestStore(ctx context.Context, t *testing.T) (*Store, func()) {
	rd := redistest.NewRedis(ctx, t)
	store, err := NewStore(ctx, rd.Client, KeysForPrefix("test"))
	require.NoError(t, err)
	return store, func() { rd.Close(t) }
}

var baseTime = time.Unix(1_600_000_000, 0)

func newRequest(conn string, cat, diff string, offset time.Duration) *Request {
	return &Request{
		ConnectionID: conn,
		UserID:       "user-" + conn,
		DisplayName:  "Name " + conn,
		ContactInfo:  conn + "@example.org",
		RequestedAt:  baseTime.Add(offset),
		Criteria:     queuekey.Criteria{Category: cat, Difficulty: diff},
	}
}

func (r *Request) withUser(user string) *Request {
	r.UserID = user
	return r
}

func putAndMatch(ctx context.Context, t *testing.T, s *Store, req *Request) *MatchEvent {
	require.NoError(t, s.Put(ctx, req))
	ev, err := s.Match(ctx, req)
	require.NoError(t, err)
	return ev
}

// enqueue stores a request and queues it without searching for a peer.
func enqueue(ctx context.Context, t *testing.T, s *Store, req *Request) {
	require.NoError(t, s.Put(ctx, req))
	require.NoError(t, s.Enqueue(ctx, req.ConnectionID, queuekey.KeysFor(req.Criteria)))
}

func TestStore_PutGetRemove(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	req := newRequest("c1", "Arrays", "Easy", 0)
	require.NoError(t, s.Put(ctx, req))
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ConnectionID)
	assert.Equal(t, "user-c1", got.UserID)
	assert.Equal(t, "Name c1", got.DisplayName)
	assert.Equal(t, "c1@example.org", got.ContactInfo)
	assert.Equal(t, req.Criteria, got.Criteria)
	assert.True(t, req.RequestedAt.Equal(got.RequestedAt))
	assert.Empty(t, got.Queues)

	// Last write wins, old queue membership is dropped.
	ev, err := s.Match(ctx, req)
	require.NoError(t, err)
	require.Nil(t, ev)
	members, err := s.QueueMembers(ctx, queuekey.Encode(queuekey.All, req.Criteria))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
	replaced := newRequest("c1", "Graphs", "", time.Second)
	require.NoError(t, s.Put(ctx, replaced))
	members, err = s.QueueMembers(ctx, queuekey.Encode(queuekey.All, req.Criteria))
	require.NoError(t, err)
	assert.Empty(t, members)
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Graphs", got.Category)
	assert.Equal(t, "", got.Difficulty)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Remove is idempotent.
	removed, err := s.Remove(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Remove(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = s.Remove(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, removed)
	_, err = s.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_PutInvalid(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	for _, req := range []*Request{
		{UserID: "u", DisplayName: "n", RequestedAt: baseTime},
		{ConnectionID: "c", DisplayName: "n", RequestedAt: baseTime},
		{ConnectionID: "c", UserID: "u", RequestedAt: baseTime},
		{ConnectionID: "c", UserID: "u", DisplayName: "n"},
		{ConnectionID: "c", UserID: "u", DisplayName: "n", RequestedAt: baseTime,
			Criteria: queuekey.Criteria{Category: "a\x00b"}},
	} {
		assert.ErrorIs(t, s.Put(ctx, req), ErrInvalidRequest)
	}
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	assert.ErrorIs(t, s.Enqueue(ctx, "c1", []string{"g"}), ErrNotFound)
	require.NoError(t, s.Put(ctx, newRequest("c1", "", "", 0)))
	require.NoError(t, s.Put(ctx, newRequest("c2", "", "", time.Second)))
	require.NoError(t, s.Enqueue(ctx, "c1", []string{"g", "c\x00Arrays"}))
	require.NoError(t, s.Enqueue(ctx, "c2", []string{"g"}))
	// Enqueueing twice does not duplicate entries.
	require.NoError(t, s.Enqueue(ctx, "c2", []string{"g"}))

	members, err := s.QueueMembers(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, members)
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "c\x00Arrays"}, got.Queues)

	require.NoError(t, s.Dequeue(ctx, "c1", []string{"g"}))
	require.NoError(t, s.Dequeue(ctx, "c1", []string{"g"}))
	require.NoError(t, s.Dequeue(ctx, "unknown", []string{"g"}))
	members, err = s.QueueMembers(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, members)
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c\x00Arrays"}, got.Queues)

	// Remove drops the remaining queue entries.
	_, err = s.Remove(ctx, "c1")
	require.NoError(t, err)
	members, err = s.QueueMembers(ctx, "c\x00Arrays")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestStore_Match_SameCriteria(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	a := newRequest("a", "Arrays", "Easy", 0)
	b := newRequest("b", "Arrays", "Easy", time.Second)
	assert.Nil(t, putAndMatch(ctx, t, s, a))
	ev := putAndMatch(ctx, t, s, b)
	require.NotNil(t, ev)
	assert.NotEmpty(t, ev.MatchID)
	assert.Equal(t, "a", ev.RequestA.ConnectionID)
	assert.Equal(t, "Name a", ev.RequestA.DisplayName)
	assert.Equal(t, "b", ev.RequestB.ConnectionID)
	assert.Equal(t, "Arrays", ev.Category)
	assert.Equal(t, "Easy", ev.Difficulty)

	// Both left every queue.
	for _, key := range append(queuekey.KeysFor(a.Criteria), "g") {
		members, err := s.QueueMembers(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, members, "queue %q", key)
	}
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_Match_General(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	assert.Nil(t, putAndMatch(ctx, t, s, newRequest("a", "", "", 0)))
	ev := putAndMatch(ctx, t, s, newRequest("b", "", "", 0))
	require.NotNil(t, ev)
	assert.Equal(t, AnyValue, ev.Category)
	assert.Equal(t, AnyValue, ev.Difficulty)
}

func TestStore_Match_StrictAtLevelZero(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	assert.Nil(t, putAndMatch(ctx, t, s, newRequest("a", "Graphs", "Medium", 0)))
	assert.Nil(t, putAndMatch(ctx, t, s, newRequest("b", "Graphs", "Hard", 0)))
	assert.Nil(t, putAndMatch(ctx, t, s, newRequest("c", "DynamicProgramming", "Easy", 0)))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStore_Match_Specificity(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	// The general peer waited longer, but the exact peer is more specific.
	enqueue(ctx, t, s, newRequest("general", "", "", 0))
	enqueue(ctx, t, s, newRequest("cat-only", "Arrays", "", time.Second))
	enqueue(ctx, t, s, newRequest("exact", "Arrays", "Easy", 2*time.Second))

	ev := putAndMatch(ctx, t, s, newRequest("x", "Arrays", "Easy", 3*time.Second))
	require.NotNil(t, ev)
	assert.Equal(t, "exact", ev.RequestA.ConnectionID)

	ev = putAndMatch(ctx, t, s, newRequest("y", "Arrays", "Easy", 4*time.Second))
	require.NotNil(t, ev)
	assert.Equal(t, "cat-only", ev.RequestA.ConnectionID)
	assert.Equal(t, "Arrays", ev.Category)
	assert.Equal(t, "Easy", ev.Difficulty)

	ev = putAndMatch(ctx, t, s, newRequest("z", "Arrays", "Easy", 5*time.Second))
	require.NotNil(t, ev)
	assert.Equal(t, "general", ev.RequestA.ConnectionID)
}

func TestStore_Match_Wildcard(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	assert.Nil(t, putAndMatch(ctx, t, s, newRequest("a", queuekey.Wildcard, "Hard", 0)))
	ev := putAndMatch(ctx, t, s, newRequest("b", "Graphs", "Hard", time.Second))
	require.NotNil(t, ev)
	assert.Equal(t, "a", ev.RequestA.ConnectionID)
	assert.Equal(t, "Graphs", ev.Category)
}

func TestStore_Match_FIFO(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	for i := 0; i < 3; i++ {
		conn := fmt.Sprintf("q%d", i)
		enqueue(ctx, t, s, newRequest(conn, "Trees", "", time.Duration(i)*time.Second))
	}
	for i := 0; i < 3; i++ {
		ev := putAndMatch(ctx, t, s, newRequest(fmt.Sprintf("n%d", i), "Trees", "", time.Minute))
		require.NotNil(t, ev)
		assert.Equal(t, fmt.Sprintf("q%d", i), ev.RequestA.ConnectionID)
	}
}

func TestStore_Match_SameUser(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	a := newRequest("tab1", "", "", 0)
	b := newRequest("tab2", "", "", time.Second)
	b.UserID = a.UserID
	assert.Nil(t, putAndMatch(ctx, t, s, a))
	assert.Nil(t, putAndMatch(ctx, t, s, b))
}

func TestStore_Match_Gone(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	req := newRequest("a", "", "", 0)
	require.NoError(t, s.Put(ctx, req))
	_, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	_, err = s.Match(ctx, req)
	assert.ErrorIs(t, err, ErrNotFound)
	members, err := s.QueueMembers(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestStore_Match_SkipsStaleEntries(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	// A queue entry without request behind it.
	require.NoError(t, s.Redis.RPush(ctx, s.Keys.Queue("g"), "ghost").Err())
	assert.Nil(t, putAndMatch(ctx, t, s, newRequest("a", "", "", 0)))
	members, err := s.QueueMembers(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestStore_Match_Concurrent(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	const n = 40
	var wg sync.WaitGroup
	events := make(chan *MatchEvent, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newRequest(fmt.Sprintf("c%d", i), "", "", time.Duration(i)*time.Millisecond)
			if err := s.Put(ctx, req); err != nil {
				t.Error(err)
				return
			}
			ev, err := s.Match(ctx, req)
			if err != nil {
				t.Error(err)
				return
			}
			if ev != nil {
				events <- ev
			}
		}(i)
	}
	wg.Wait()
	close(events)
	seen := make(map[string]bool)
	var matched int
	for ev := range events {
		for _, conn := range []string{ev.RequestA.ConnectionID, ev.RequestB.ConnectionID} {
			assert.False(t, seen[conn], "double match of %s", conn)
			seen[conn] = true
		}
		matched += 2
	}
	remaining, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), int64(matched)+remaining)
	assert.LessOrEqual(t, remaining, int64(1))
}

func TestStore_PutMatch(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	_, err := s.PutMatch(ctx, newRequest("a", "Graphs", "Hard", 0))
	require.NoError(t, err)
	// Replacing drops the old queue entries in the same step.
	ev, err := s.PutMatch(ctx, newRequest("a", "Trees", "", time.Second))
	require.NoError(t, err)
	assert.Nil(t, ev)
	ev, err = s.PutMatch(ctx, newRequest("b", "Graphs", "Hard", 2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, ev)
	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Queues)

	ev, err = s.PutMatch(ctx, newRequest("c", "Trees", "Easy", 3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "a", ev.RequestA.ConnectionID)
	assert.Equal(t, "c", ev.RequestB.ConnectionID)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.PutMatch(ctx, newRequest("d", "", "", 0).withUser(""))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStore_PutMatch_Concurrent(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	const n = 40
	var wg sync.WaitGroup
	events := make(chan *MatchEvent, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newRequest(fmt.Sprintf("c%d", i), "", "", time.Duration(i)*time.Millisecond)
			ev, err := s.PutMatch(ctx, req)
			if err != nil {
				t.Error(err)
				return
			}
			if ev != nil {
				events <- ev
			}
		}(i)
	}
	wg.Wait()
	close(events)
	var matched int
	for range events {
		matched += 2
	}
	remaining, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), int64(matched)+remaining)
	assert.Equal(t, int64(0), remaining)
}

func TestStore_ClaimPair(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	a := newRequest("a", "Graphs", "Medium", 0)
	b := newRequest("b", "Graphs", "Hard", time.Second)
	putAndMatch(ctx, t, s, a)
	putAndMatch(ctx, t, s, b)
	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ConnectionID)
	assert.Equal(t, "b", snap[1].ConnectionID)

	// Replaced request must not be claimed with stale data.
	require.NoError(t, s.Put(ctx, newRequest("b", "Graphs", "Hard", 2*time.Second)))
	assert.ErrorIs(t, s.ClaimPair(ctx, snap[0], snap[1]), ErrNotFound)
	_, err = s.Get(ctx, "a")
	require.NoError(t, err, "failed claim must not remove either side")

	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ClaimPair(ctx, snap[0], snap[1]))
	assert.ErrorIs(t, s.ClaimPair(ctx, snap[0], snap[1]), ErrNotFound)
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	members, err := s.QueueMembers(ctx, "c\x00Graphs")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestStore_ExpireAndStale(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	putAndMatch(ctx, t, s, newRequest("old", "Arrays", "", 0))
	putAndMatch(ctx, t, s, newRequest("new", "Graphs", "", time.Minute))

	stale, err := s.Stale(ctx, baseTime.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ConnectionID)

	_, err = s.Expire(ctx, "old", baseTime.Add(time.Second))
	assert.ErrorIs(t, err, ErrNotFound, "request time mismatch")
	removed, err := s.Expire(ctx, "old", stale[0].RequestedAt)
	require.NoError(t, err)
	assert.Equal(t, "old", removed.ConnectionID)
	_, err = s.Expire(ctx, "old", stale[0].RequestedAt)
	assert.ErrorIs(t, err, ErrNotFound)

	members, err := s.QueueMembers(ctx, "c\x00Arrays")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestStore_Queues(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	queues, err := s.Queues(ctx)
	require.NoError(t, err)
	assert.Empty(t, queues)

	enqueue(ctx, t, s, newRequest("c1", "Arrays", "", 0))
	enqueue(ctx, t, s, newRequest("c2", "", "", time.Second))
	queues, err = s.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		queuekey.Encode(queuekey.Category, queuekey.Criteria{Category: "Arrays"}),
		queuekey.Encode(queuekey.General, queuekey.Criteria{}),
	}, queues)

	_, err = s.Remove(ctx, "c1")
	require.NoError(t, err)
	queues, err = s.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{queuekey.Encode(queuekey.General, queuekey.Criteria{})}, queues)
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, "mm\\*\\?\\[x\\]", globEscape("mm*?[x]"))
	assert.Equal(t, "plain\x00q\x00", globEscape("plain\x00q\x00"))
}

func TestStore_Lease(t *testing.T) {
	ctx := context.Background()
	s, done := newTestStore(ctx, t)
	defer done()

	ok, err := s.AcquireLease(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcquireLease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.ReleaseLease(ctx, "w2"))
	ok, err = s.AcquireLease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "foreign release must not drop the lease")
	require.NoError(t, s.ReleaseLease(ctx, "w1"))
	ok, err = s.AcquireLease(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
