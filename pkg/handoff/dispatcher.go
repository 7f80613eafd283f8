package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/rooms"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RoomCreator persists new rooms.
type RoomCreator interface {
	Create(ctx context.Context, room *rooms.Room) error
}

// Dispatcher persists a room for every match and announces it on Kafka.
// It does not wait for any downstream reply.
type Dispatcher struct {
	Log      *zap.Logger
	Rooms    RoomCreator
	Producer sarama.SyncProducer
	Metrics  *Metrics

	Topics        Topics
	MaxRetries    uint64        // retries per step
	RetryInterval time.Duration // initial retry interval, doubled each retry
}

// DefaultMaxRetries is the default number of retries per dispatch step.
const DefaultMaxRetries = 5

// Dispatch hands off a match event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *matchqueue.MatchEvent) error {
	room := rooms.NewRoom(ev, uuid.New().String(), time.Now())
	if err := d.retry(ctx, "create room", func() error {
		return d.Rooms.Create(ctx, room)
	}); err != nil {
		d.Metrics.failures.Add(ctx, 1)
		return fmt.Errorf("failed to create room of match %s: %w", ev.MatchID, err)
	}
	msgs, err := d.messages(room)
	if err != nil {
		return err
	}
	if err := d.retry(ctx, "publish", func() error {
		return d.Producer.SendMessages(msgs)
	}); err != nil {
		d.Metrics.failures.Add(ctx, 1)
		return fmt.Errorf("failed to publish match %s: %w", ev.MatchID, err)
	}
	d.Metrics.dispatched.Add(ctx, 1)
	d.Log.Info("Dispatched match",
		zap.String("match_id", room.MatchID),
		zap.String("session_id", room.SessionID),
		zap.String("category", room.Category),
		zap.String("difficulty", room.Difficulty))
	return nil
}

func (d *Dispatcher) messages(room *rooms.Room) ([]*sarama.ProducerMessage, error) {
	participants := room.Participants()
	created, err := json.Marshal(&MatchCreated{
		MatchID:    room.MatchID,
		SessionID:  room.SessionID,
		Category:   room.Category,
		Difficulty: room.Difficulty,
		Participants: []Participant{
			{UserID: participants[0].UserID, DisplayName: participants[0].DisplayName},
			{UserID: participants[1].UserID, DisplayName: participants[1].DisplayName},
		},
		CreatedAt: room.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	provision, err := json.Marshal(&SessionProvision{
		MatchID:        room.MatchID,
		SessionID:      room.SessionID,
		ParticipantIDs: []string{participants[0].UserID, participants[1].UserID},
		Category:       room.Category,
		Difficulty:     room.Difficulty,
	})
	if err != nil {
		return nil, err
	}
	key := sarama.StringEncoder(room.MatchID)
	return []*sarama.ProducerMessage{
		{Topic: d.Topics.MatchCreated, Key: key, Value: sarama.ByteEncoder(created)},
		{Topic: d.Topics.SessionProvision, Key: key, Value: sarama.ByteEncoder(provision)},
	}, nil
}

func (d *Dispatcher) retry(ctx context.Context, step string, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	if d.RetryInterval > 0 {
		exp.InitialInterval = d.RetryInterval
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, d.MaxRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		d.Log.Warn("Dispatch step failed, retrying",
			zap.String("step", step),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

// Metrics holds the handoff counters.
type Metrics struct {
	dispatched metric.Int64Counter
	failures   metric.Int64Counter
	questions  metric.Int64Counter
	notified   metric.Int64Counter
}

// NewMetrics registers the handoff counters.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.dispatched, err = m.NewInt64Counter("handoff_dispatched")
	if err != nil {
		return nil, err
	}
	metrics.failures, err = m.NewInt64Counter("handoff_dispatch_failures")
	if err != nil {
		return nil, err
	}
	metrics.questions, err = m.NewInt64Counter("handoff_questions")
	if err != nil {
		return nil, err
	}
	metrics.notified, err = m.NewInt64Counter("handoff_notified")
	if err != nil {
		return nil, err
	}
	return metrics, nil
}
