// Package lobby handles the match requests of client connections.
package lobby

import (
	"context"
	"time"

	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/queuekey"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Store is the part of matchqueue.Store used by the lobby.
type Store interface {
	PutMatch(ctx context.Context, req *matchqueue.Request) (*matchqueue.MatchEvent, error)
	Remove(ctx context.Context, connID string) (bool, error)
}

// Dispatcher hands off a committed match to downstream services.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *matchqueue.MatchEvent) error
}

// Identity names the caller of a request.
type Identity struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	ContactInfo  string
}

// Status is the immediate outcome of a match request.
type Status string

// Request outcomes.
const (
	StatusSearching Status = "searching"
	StatusMatched   Status = "matched"
)

// DefaultDispatchTimeout bounds the handoff of a fast path match.
const DefaultDispatchTimeout = 30 * time.Second

// Result is the outcome of RequestMatch.
type Result struct {
	Status Status
	Event  *matchqueue.MatchEvent // set if matched
}

// Service runs the fast path of match requests.
type Service struct {
	Log        *zap.Logger
	Store      Store
	Dispatcher Dispatcher
	Metrics    *Metrics
	Now        func() time.Time // defaults to time.Now

	DispatchTimeout time.Duration // defaults to DefaultDispatchTimeout
}

// RequestMatch stores a request for the connection, replacing any earlier one,
// and tries to pair it with a queued peer right away.
//
// Invalid requests return an error wrapping matchqueue.ErrInvalidRequest
// without touching the store.
func (s *Service) RequestMatch(ctx context.Context, id Identity, criteria queuekey.Criteria) (*Result, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	req := &matchqueue.Request{
		ConnectionID: id.ConnectionID,
		UserID:       id.UserID,
		DisplayName:  id.DisplayName,
		ContactInfo:  id.ContactInfo,
		RequestedAt:  now(),
		Criteria:     criteria.Normalized(),
	}
	ev, err := s.Store.PutMatch(ctx, req)
	if err != nil {
		return nil, err
	}
	s.Metrics.requests.Add(ctx, 1)
	if ev == nil {
		s.Log.Debug("Searching",
			zap.String("conn", req.ConnectionID),
			zap.String("category", req.Category),
			zap.String("difficulty", req.Difficulty))
		return &Result{Status: StatusSearching}, nil
	}
	s.Metrics.matches.Add(ctx, 1)
	s.Log.Info("Matched",
		zap.String("match_id", ev.MatchID),
		zap.String("conn_a", ev.RequestA.ConnectionID),
		zap.String("conn_b", ev.RequestB.ConnectionID))
	if err := s.dispatch(ev); err != nil {
		s.Log.Error("Failed to dispatch match",
			zap.String("match_id", ev.MatchID),
			zap.Error(err))
	}
	return &Result{Status: StatusMatched, Event: ev}, nil
}

// dispatch hands off a match independently of the requesting connection.
// Both requests are already out of the store, so the peer depends on it.
func (s *Service) dispatch(ev *matchqueue.MatchEvent) error {
	timeout := s.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Dispatcher.Dispatch(ctx, ev)
}

// CancelMatch withdraws the request of a connection.
// Cancelling twice, or after a match, is a no-op that reports false.
func (s *Service) CancelMatch(ctx context.Context, connID string) (bool, error) {
	removed, err := s.Store.Remove(ctx, connID)
	if err != nil {
		return false, err
	}
	if removed {
		s.Log.Debug("Cancelled", zap.String("conn", connID))
	}
	return removed, nil
}

// Disconnect drops any request of a closed connection.
func (s *Service) Disconnect(ctx context.Context, connID string) error {
	_, err := s.CancelMatch(ctx, connID)
	return err
}

// Metrics holds the lobby counters.
type Metrics struct {
	requests metric.Int64Counter
	matches  metric.Int64Counter
}

// NewMetrics registers the lobby counters.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.requests, err = m.NewInt64Counter("matcher_requests")
	if err != nil {
		return nil, err
	}
	metrics.matches, err = m.NewInt64Counter("matcher_matches")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}
