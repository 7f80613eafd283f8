package matchqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/matchmaker/pkg/queuekey"
)

// Store interfaces with Redis to hold pending match requests.
type Store struct {
	// Modules
	Redis *redis.Client
	// Settings
	Keys      Keys
	ScanLimit uint // max queue entries inspected per candidate queue
	// Redis scripts
	*Scripts
}

// DefaultScanLimit is the ScanLimit of stores built by NewStore.
const DefaultScanLimit = 256

// NewStore loads the scripts and returns a store on the given namespace.
func NewStore(ctx context.Context, rd *redis.Client, keys Keys) (*Store, error) {
	scripts, err := LoadScripts(ctx, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to load matchqueue scripts: %w", err)
	}
	return &Store{
		Redis:     rd,
		Keys:      keys,
		ScanLimit: DefaultScanLimit,
		Scripts:   scripts,
	}, nil
}

func (s *Store) args(conn string, rest ...interface{}) []interface{} {
	return append([]interface{}{s.Keys.Requests, s.Keys.Queues, conn}, rest...)
}

func unixMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Put stores a request, replacing any prior request of the same connection.
// The replaced request leaves all its queues.
func (s *Store) Put(ctx context.Context, req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	err := s.put.Run(ctx, s.Redis, []string{s.Keys.Pending}, s.args(req.ConnectionID,
		req.UserID, req.DisplayName, req.ContactInfo,
		req.Category, req.Difficulty, unixMilli(req.RequestedAt),
	)...).Err()
	if err != nil {
		return storeErr("put", err)
	}
	return nil
}

// Get returns the request of a connection, or ErrNotFound.
func (s *Store) Get(ctx context.Context, connID string) (*Request, error) {
	fields, err := s.Redis.HGetAll(ctx, s.Keys.Request(connID)).Result()
	if err != nil {
		return nil, storeErr("get", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return requestFromMap(fields)
}

// Remove deletes the request of a connection and all its queue entries.
// Removing an absent connection is a no-op and reports false.
func (s *Store) Remove(ctx context.Context, connID string) (bool, error) {
	_, err := s.runRemove(ctx, connID, "")
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Expire removes a request only if it still carries the given request time,
// so that a replacing Put is never expired on behalf of its predecessor.
// Returns the removed request, or ErrNotFound.
func (s *Store) Expire(ctx context.Context, connID string, requestedAt time.Time) (*Request, error) {
	return s.runRemove(ctx, connID, unixMilli(requestedAt))
}

func (s *Store) runRemove(ctx context.Context, connID string, at string) (*Request, error) {
	res, err := s.remove.Run(ctx, s.Redis, []string{s.Keys.Pending}, s.args(connID, at)...).Result()
	if err != nil {
		return nil, storeErr("remove", err)
	}
	status, payload, err := parseStatusReply(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "gone":
		return nil, ErrNotFound
	case "removed":
		return requestFromReply(payload)
	default:
		return nil, replyErr("remove", res)
	}
}

// Enqueue adds an existing request to the tail of the given queues.
// Returns ErrNotFound if the connection has no request.
func (s *Store) Enqueue(ctx context.Context, connID string, queueKeys []string) error {
	res, err := s.enqueue.Run(ctx, s.Redis, []string{s.Keys.Pending},
		s.args(connID, stringsToArgs(queueKeys)...)...).Text()
	if err != nil {
		return storeErr("enqueue", err)
	}
	switch res {
	case "ok":
		return nil
	case "gone":
		return ErrNotFound
	default:
		return replyErr("enqueue", res)
	}
}

// Dequeue removes a connection from the given queues. Absent entries are ignored.
func (s *Store) Dequeue(ctx context.Context, connID string, queueKeys []string) error {
	err := s.dequeue.Run(ctx, s.Redis, []string{s.Keys.Pending},
		s.args(connID, stringsToArgs(queueKeys)...)...).Err()
	if err != nil {
		return storeErr("dequeue", err)
	}
	return nil
}

// Match atomically looks for a compatible queued peer of a stored request.
//
// Candidate queues are searched in queuekey.CandidateKeys order, oldest entry first.
// If a peer is found, both requests are removed from the store and returned as a MatchEvent.
// Otherwise, the request is enqueued into its own queues and Match returns nil.
// If the request was removed concurrently, Match returns ErrNotFound.
func (s *Store) Match(ctx context.Context, req *Request) (*MatchEvent, error) {
	res, err := s.match.Run(ctx, s.Redis, s.matchKeys(req),
		s.args(req.ConnectionID, s.ScanLimit, ownQueues(req))...).Result()
	if err != nil {
		return nil, storeErr("match", err)
	}
	return parseMatchReply("match", res, req)
}

// PutMatch runs Put and Match on a request as one atomic step.
// The request is never observable by other clients of the store between the two,
// so PutMatch does not return ErrNotFound.
func (s *Store) PutMatch(ctx context.Context, req *Request) (*MatchEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := s.putMatch.Run(ctx, s.Redis, s.matchKeys(req), s.args(req.ConnectionID,
		s.ScanLimit, ownQueues(req),
		req.UserID, req.DisplayName, req.ContactInfo,
		req.Category, req.Difficulty, unixMilli(req.RequestedAt),
	)...).Result()
	if err != nil {
		return nil, storeErr("put match", err)
	}
	return parseMatchReply("put match", res, req)
}

func (s *Store) matchKeys(req *Request) []string {
	candidates := queuekey.CandidateKeys(req.Criteria)
	keys := make([]string, 1, len(candidates)+1)
	keys[0] = s.Keys.Pending
	for _, c := range candidates {
		keys = append(keys, s.Keys.Queue(c))
	}
	return keys
}

func ownQueues(req *Request) string {
	return strings.Join(queuekey.KeysFor(req.Criteria), "\n")
}

func parseMatchReply(op string, res interface{}, req *Request) (*MatchEvent, error) {
	status, payload, err := parseStatusReply(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case "gone":
		return nil, ErrNotFound
	case "searching":
		return nil, nil
	case "matched":
		peer, err := requestFromReply(payload)
		if err != nil {
			return nil, err
		}
		ev := NewMatchEvent(*peer, *req)
		return &ev, nil
	default:
		return nil, replyErr(op, res)
	}
}

// ClaimPair removes two requests if both still exist with their snapshot request times.
// Returns ErrNotFound without touching either request otherwise.
func (s *Store) ClaimPair(ctx context.Context, a, b *Request) error {
	res, err := s.claimPair.Run(ctx, s.Redis, []string{s.Keys.Pending}, s.Keys.Requests, s.Keys.Queues,
		a.ConnectionID, unixMilli(a.RequestedAt),
		b.ConnectionID, unixMilli(b.RequestedAt),
	).Text()
	if err != nil {
		return storeErr("claim pair", err)
	}
	switch res {
	case "ok":
		return nil
	case "gone":
		return ErrNotFound
	default:
		return replyErr("claim pair", res)
	}
}

// Snapshot returns all pending requests sorted by request time.
func (s *Store) Snapshot(ctx context.Context) ([]*Request, error) {
	conns, err := s.Redis.ZRange(ctx, s.Keys.Pending, 0, -1).Result()
	if err != nil {
		return nil, storeErr("snapshot", err)
	}
	return s.getAll(ctx, conns)
}

// Stale returns the pending requests made at or before the cutoff.
func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	conns, err := s.Redis.ZRangeByScore(ctx, s.Keys.Pending, &redis.ZRangeBy{
		Min: "-inf",
		Max: unixMilli(cutoff),
	}).Result()
	if err != nil {
		return nil, storeErr("stale", err)
	}
	return s.getAll(ctx, conns)
}

func (s *Store) getAll(ctx context.Context, conns []string) ([]*Request, error) {
	if len(conns) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringStringMapCmd, len(conns))
	_, err := s.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, conn := range conns {
			cmds[i] = pipe.HGetAll(ctx, s.Keys.Request(conn))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("read requests", err)
	}
	reqs := make([]*Request, 0, len(conns))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // removed since the index was read
		}
		req, err := requestFromMap(fields)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
	return reqs, nil
}

// Len returns the number of pending requests.
func (s *Store) Len(ctx context.Context) (int64, error) {
	n, err := s.Redis.ZCard(ctx, s.Keys.Pending).Result()
	if err != nil {
		return 0, storeErr("len", err)
	}
	return n, nil
}

// QueueMembers returns the connections of a queue in FIFO order.
func (s *Store) QueueMembers(ctx context.Context, queueKey string) ([]string, error) {
	conns, err := s.Redis.LRange(ctx, s.Keys.Queue(queueKey), 0, -1).Result()
	if err != nil {
		return nil, storeErr("queue members", err)
	}
	return conns, nil
}

// Queues returns the queue keys of all non-empty queues, sorted.
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	var queueKeys []string
	iter := s.Redis.Scan(ctx, 0, globEscape(s.Keys.Queues)+"*", 256).Iterator()
	for iter.Next(ctx) {
		queueKeys = append(queueKeys, strings.TrimPrefix(iter.Val(), s.Keys.Queues))
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan queues", err)
	}
	sort.Strings(queueKeys)
	return queueKeys, nil
}

func globEscape(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AcquireLease takes the worker lease for ttl if nobody else holds it.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.Redis.SetNX(ctx, s.Keys.Lease, owner, ttl).Result()
	if err != nil {
		return false, storeErr("acquire lease", err)
	}
	return ok, nil
}

// ReleaseLease gives up the worker lease if still held by owner.
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	if err := s.unlease.Run(ctx, s.Redis, []string{s.Keys.Lease}, owner).Err(); err != nil {
		return storeErr("release lease", err)
	}
	return nil
}

func stringsToArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

// parseStatusReply splits a {status, payload?} script reply.
func parseStatusReply(res interface{}) (string, interface{}, error) {
	parts, ok := res.([]interface{})
	if !ok || len(parts) < 1 || len(parts) > 2 {
		return "", nil, replyErr("status", res)
	}
	status, ok := parts[0].(string)
	if !ok {
		return "", nil, replyErr("status", res)
	}
	if len(parts) == 2 {
		return status, parts[1], nil
	}
	return status, nil, nil
}

// requestFromReply parses a flat HGETALL reply.
func requestFromReply(payload interface{}) (*Request, error) {
	flat, ok := payload.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, replyErr("request fields", payload)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, ok1 := flat[i].(string)
		v, ok2 := flat[i+1].(string)
		if !ok1 || !ok2 {
			return nil, replyErr("request fields", payload)
		}
		fields[k] = v
	}
	return requestFromMap(fields)
}

func requestFromMap(fields map[string]string) (*Request, error) {
	atMs, err := strconv.ParseInt(fields["at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid request time %q of %q: %w", fields["at"], fields["conn"], err)
	}
	req := &Request{
		ConnectionID: fields["conn"],
		UserID:       fields["user"],
		DisplayName:  fields["name"],
		ContactInfo:  fields["contact"],
		RequestedAt:  time.UnixMilli(atMs),
		Criteria: queuekey.Criteria{
			Category:   fields["cat"],
			Difficulty: fields["diff"],
		},
	}
	if q := fields["queues"]; q != "" {
		req.Queues = strings.Split(q, "\n")
	}
	return req, nil
}
