package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"go.od2.network/matchmaker/pkg/cachegc"
	"go.od2.network/matchmaker/pkg/notify"
	"go.od2.network/matchmaker/pkg/rooms"
	"go.uber.org/zap"
)

// batchConsumer reads a claim in batches and commits after every processed batch.
type batchConsumer struct {
	Log       *zap.Logger
	MaxDelay  time.Duration
	BatchSize uint
	handle    func(ctx context.Context, msg *sarama.ConsumerMessage) error
}

func (c *batchConsumer) consume(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		ok, err := c.nextBatch(session, claim)
		if err != nil {
			return err
		}
		if !ok {
			return nil // session closed
		}
	}
}

func (c *batchConsumer) nextBatch(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) (bool, error) {
	ctx := session.Context()
	timer := time.NewTimer(c.MaxDelay)
	defer timer.Stop()
	var batch []*sarama.ConsumerMessage
	open := true
readLoop:
	for i := uint(0); i < c.BatchSize; i++ {
		select {
		case <-ctx.Done():
			return false, nil
		case <-timer.C:
			break readLoop
		case msg, ok := <-claim.Messages():
			if !ok {
				open = false
				break readLoop
			}
			batch = append(batch, msg)
		}
	}
	if len(batch) == 0 {
		return open, nil
	}
	for _, msg := range batch {
		if err := c.handle(ctx, msg); err != nil {
			return false, fmt.Errorf("failed to process %s/%d@%d: %w",
				msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
	last := batch[len(batch)-1]
	session.MarkOffset(claim.Topic(), claim.Partition(), last.Offset+1, "")
	session.Commit()
	c.Log.Debug("Flushed batch",
		zap.String("topic", claim.Topic()),
		zap.Int("batch_size", len(batch)),
		zap.Int64("offset", last.Offset))
	return open, nil
}

// QuestionSetter attaches questions to rooms.
type QuestionSetter interface {
	SetQuestion(ctx context.Context, matchID string, questionID string) (bool, error)
}

// ReplyWorker consumes question selection replies and stores them on the rooms.
type ReplyWorker struct {
	Log     *zap.Logger
	Rooms   QuestionSetter
	Seen    *cachegc.Cache // recently stored match IDs
	Metrics *Metrics

	MaxDelay  time.Duration
	BatchSize uint
}

// Setup is called by sarama when the consumer group member starts.
func (w *ReplyWorker) Setup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is called by sarama after the consumer group member stops.
func (w *ReplyWorker) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim runs the consumer loop.
func (w *ReplyWorker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := batchConsumer{
		Log:       w.Log,
		MaxDelay:  w.MaxDelay,
		BatchSize: w.BatchSize,
		handle:    w.handle,
	}
	return c.consume(session, claim)
}

func (w *ReplyWorker) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	reply := new(QuestionSelected)
	if err := json.Unmarshal(msg.Value, reply); err != nil || reply.MatchID == "" || reply.QuestionID == "" {
		w.Log.Warn("Dropping invalid question reply",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value))
		return nil
	}
	if !w.Seen.AddIfAbsent(reply.MatchID, reply.QuestionID) {
		return nil
	}
	ok, err := w.Rooms.SetQuestion(ctx, reply.MatchID, reply.QuestionID)
	if err != nil {
		w.Seen.Remove(reply.MatchID)
		return err
	}
	if !ok {
		w.Log.Debug("Question already set or room closed",
			zap.String("match_id", reply.MatchID))
		return nil
	}
	w.Metrics.questions.Add(ctx, 1)
	w.Log.Info("Question selected",
		zap.String("match_id", reply.MatchID),
		zap.String("question_id", reply.QuestionID))
	return nil
}

// RoomReader reads rooms.
type RoomReader interface {
	Get(ctx context.Context, matchID string) (*rooms.Room, error)
}

// Notifier delivers match results to client connections.
type Notifier interface {
	MatchFound(ctx context.Context, connID string, msg *notify.Message) error
}

// NotifyWorker consumes session provisioning events
// and tells both participants about their room.
type NotifyWorker struct {
	Log      *zap.Logger
	Rooms    RoomReader
	Notifier Notifier
	Seen     *cachegc.Cache // recently notified match IDs
	Metrics  *Metrics

	MaxDelay  time.Duration
	BatchSize uint
}

// Setup is called by sarama when the consumer group member starts.
func (w *NotifyWorker) Setup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is called by sarama after the consumer group member stops.
func (w *NotifyWorker) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim runs the consumer loop.
func (w *NotifyWorker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := batchConsumer{
		Log:       w.Log,
		MaxDelay:  w.MaxDelay,
		BatchSize: w.BatchSize,
		handle:    w.handle,
	}
	return c.consume(session, claim)
}

func (w *NotifyWorker) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	provision := new(SessionProvision)
	if err := json.Unmarshal(msg.Value, provision); err != nil || provision.MatchID == "" {
		w.Log.Warn("Dropping invalid session provision",
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value))
		return nil
	}
	if !w.Seen.AddIfAbsent(provision.MatchID, struct{}{}) {
		return nil
	}
	room, err := w.Rooms.Get(ctx, provision.MatchID)
	if errors.Is(err, rooms.ErrNotFound) {
		w.Log.Warn("Session provision for unknown room",
			zap.String("match_id", provision.MatchID))
		return nil
	} else if err != nil {
		w.Seen.Remove(provision.MatchID)
		return err
	}
	p := room.Participants()
	for i := range p {
		self, peer := p[i], p[1-i]
		err := w.Notifier.MatchFound(ctx, self.ConnectionID, &notify.Message{
			MatchID:         room.MatchID,
			SessionID:       room.SessionID,
			PeerDisplayName: peer.DisplayName,
			PeerContactInfo: peer.ContactInfo,
			Category:        room.Category,
			Difficulty:      room.Difficulty,
		})
		if err != nil {
			w.Log.Warn("Failed to notify participant",
				zap.String("match_id", room.MatchID),
				zap.String("conn", self.ConnectionID),
				zap.Error(err))
			continue
		}
		w.Metrics.notified.Add(ctx, 1)
	}
	return nil
}
