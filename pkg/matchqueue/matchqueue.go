// Package matchqueue stores pending match requests in Redis and pairs them atomically.
//
// Requests
//
// Each live client connection owns at most one request.
// The request lives in a Redis hash keyed by connection ID,
// indexed in a sorted set by request time,
// and referenced from the FIFO queue lists selected by its criteria (see package queuekey).
// Requests are never updated in place: a new Put for the same connection replaces the old one.
//
// Matching
//
// The entire find-and-remove operation of the fast path is executed server-side
// as a single Lua script, so that two concurrent callers can never win the same peer.
// Pair claims of the relaxation worker, timeouts and cancels are scripts as well.
// Whichever script runs first wins; later ones observe ErrNotFound.
//
// The store is the single source of truth. No component caches request contents in memory,
// so any number of gateways, workers and reapers may share one Redis instance.
//
// The scripts construct keys from prefixes at runtime,
// which makes them incompatible with Redis Cluster.
package matchqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.od2.network/matchmaker/pkg/queuekey"
)

// Request is a pending match request of a single connection.
type Request struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	ContactInfo  string    `json:"contactInfo,omitempty"`
	RequestedAt  time.Time `json:"requestedAt"`

	queuekey.Criteria

	// Queues holds the queue keys the request is currently enqueued into.
	// Only populated when read back from the store.
	Queues []string `json:"-"`
}

// Limits on request fields.
const (
	MaxIDLength       = 128
	MaxCriteriaLength = 64
	MaxNameLength     = 256
)

// Validate checks the caller identity and criteria of a request.
// All errors wrap ErrInvalidRequest.
func (r *Request) Validate() error {
	if r.ConnectionID == "" {
		return fmt.Errorf("%w: missing connection ID", ErrInvalidRequest)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidRequest)
	}
	if r.DisplayName == "" {
		return fmt.Errorf("%w: missing display name", ErrInvalidRequest)
	}
	if len(r.ConnectionID) > MaxIDLength || len(r.UserID) > MaxIDLength {
		return fmt.Errorf("%w: identity too long", ErrInvalidRequest)
	}
	if len(r.DisplayName) > MaxNameLength || len(r.ContactInfo) > MaxNameLength {
		return fmt.Errorf("%w: display name or contact too long", ErrInvalidRequest)
	}
	if len(r.Category) > MaxCriteriaLength || len(r.Difficulty) > MaxCriteriaLength {
		return fmt.Errorf("%w: criteria too long", ErrInvalidRequest)
	}
	for _, s := range []string{r.ConnectionID, r.Category, r.Difficulty} {
		if strings.ContainsAny(s, "\x00\n") {
			return fmt.Errorf("%w: illegal characters in %q", ErrInvalidRequest, s)
		}
	}
	if r.RequestedAt.IsZero() {
		return fmt.Errorf("%w: missing request time", ErrInvalidRequest)
	}
	return nil
}

// Age returns the time elapsed since the request was made.
func (r *Request) Age(now time.Time) time.Duration {
	return now.Sub(r.RequestedAt)
}

// AnyValue is the agreed criteria value when neither side has a preference.
const AnyValue = "any"

// MatchEvent is the immutable record of one successful pairing.
type MatchEvent struct {
	MatchID  string
	RequestA Request // waited longer, or was already queued
	RequestB Request
	// Agreed criteria, concrete values or AnyValue.
	Category   string
	Difficulty string
}

// NewMatchEvent pairs two requests under a freshly generated match ID.
func NewMatchEvent(a, b Request) MatchEvent {
	return MatchEvent{
		MatchID:    uuid.New().String(),
		RequestA:   a,
		RequestB:   b,
		Category:   Agree(a.Category, b.Category),
		Difficulty: Agree(a.Difficulty, b.Difficulty),
	}
}

// Agree picks the criteria value of a pair.
// A side without preference takes the other side's value,
// two conflicting values resolve to b, the newer and stricter request.
func Agree(a, b string) string {
	aSet := a != "" && a != queuekey.Wildcard
	bSet := b != "" && b != queuekey.Wildcard
	switch {
	case bSet:
		return b
	case aSet:
		return a
	default:
		return AnyValue
	}
}

// Keys specifies the Redis keys of a matchmaking namespace.
type Keys struct {
	Requests string // Prefix for Hash: request fields by connection
	Pending  string // Sorted Set: connections by request time (unix ms)
	Queues   string // Prefix for List: connections by queue key (FIFO)
	Lease    string // String: owner of the current worker tick
}

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "matchmaker_v0"

// KeysForPrefix returns the Keys of a namespace.
func KeysForPrefix(prefix string) Keys {
	return Keys{
		Requests: prefix + "\x00r\x00",
		Pending:  prefix + "\x00p",
		Queues:   prefix + "\x00q\x00",
		Lease:    prefix + "\x00l",
	}
}

// Queue returns the Redis key of a queue list.
func (k Keys) Queue(queueKey string) string {
	return k.Queues + queueKey
}

// Request returns the Redis key of a request hash.
func (k Keys) Request(connID string) string {
	return k.Requests + connID
}
