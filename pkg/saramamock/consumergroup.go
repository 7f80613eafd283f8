// Package saramamock provides fakes of the sarama consumer group interfaces
// for testing consumer group handlers without a Kafka cluster.
package saramamock

import (
	"context"
	"sync"

	"github.com/Shopify/sarama"
)

// ConsumerGroupSession is a fake sarama.ConsumerGroupSession.
// It records marked offsets and commits.
type ConsumerGroupSession struct {
	MClaims       map[string][]int32
	MMemberID     string
	MContext      context.Context
	MGenerationID int32

	lock    sync.Mutex
	offsets map[string]map[int32]int64
	commits int
}

// Claims returns what's saved.
func (m *ConsumerGroupSession) Claims() map[string][]int32 {
	return m.MClaims
}

// MemberID returns what's saved.
func (m *ConsumerGroupSession) MemberID() string {
	return m.MMemberID
}

// GenerationID returns what's saved.
func (m *ConsumerGroupSession) GenerationID() int32 {
	return m.MGenerationID
}

// MarkOffset records the offset.
func (m *ConsumerGroupSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.offsets == nil {
		m.offsets = make(map[string]map[int32]int64)
	}
	if m.offsets[topic] == nil {
		m.offsets[topic] = make(map[int32]int64)
	}
	if offset > m.offsets[topic][partition] {
		m.offsets[topic][partition] = offset
	}
}

// Offset returns the highest marked offset of a partition.
func (m *ConsumerGroupSession) Offset(topic string, partition int32) int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.offsets[topic][partition]
}

// Commit counts commits.
func (m *ConsumerGroupSession) Commit() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.commits++
}

// Commits returns the number of commits.
func (m *ConsumerGroupSession) Commits() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.commits
}

// ResetOffset does nothing.
func (*ConsumerGroupSession) ResetOffset(_ string, _ int32, _ int64, _ string) {
	return
}

// MarkMessage records the offset after the message.
func (m *ConsumerGroupSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	m.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

// Context returns what's saved.
func (m *ConsumerGroupSession) Context() context.Context {
	return m.MContext
}

var _ sarama.ConsumerGroupSession = (*ConsumerGroupSession)(nil)

// ConsumerGroupClaim is a fake sarama.ConsumerGroupClaim.
type ConsumerGroupClaim struct {
	// NextMessage generates a Kafka message. Does not need to be thread-safe.
	NextMessage func() *sarama.ConsumerMessage
	msgChan     chan *sarama.ConsumerMessage

	// Saved values.
	MTopic               string
	MPartition           int32
	MInitialOffset       int64
	MHighWaterMarkOffset int64
}

// Init must be called before using other methods.
func (c *ConsumerGroupClaim) Init() {
	c.msgChan = make(chan *sarama.ConsumerMessage)
}

// Topic returns the saved value.
func (c *ConsumerGroupClaim) Topic() string {
	return c.MTopic
}

// Partition returns the saved value.
func (c *ConsumerGroupClaim) Partition() int32 {
	return c.MPartition
}

// InitialOffset returns the saved value.
func (c *ConsumerGroupClaim) InitialOffset() int64 {
	return c.MInitialOffset
}

// HighWaterMarkOffset returns the saved offset.
func (c *ConsumerGroupClaim) HighWaterMarkOffset() int64 {
	return c.MHighWaterMarkOffset
}

// Messages returns the messages channel.
func (c *ConsumerGroupClaim) Messages() <-chan *sarama.ConsumerMessage {
	return c.msgChan
}

// Run generates messages until the context is closed.
// A nil message from NextMessage ends the stream, Run then waits for the context.
// It can only be called once and will panic otherwise.
func (c *ConsumerGroupClaim) Run(ctx context.Context) error {
	defer close(c.msgChan)
	for {
		msg := c.NextMessage()
		if msg == nil {
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.msgChan <- msg:
			break // continue
		}
	}
}

// Serve returns a claim that delivers the given messages in order.
// Offsets, topic and partition of the messages are filled in.
// After the last message, Run blocks until the context is closed.
func Serve(topic string, partition int32, values ...[]byte) *ConsumerGroupClaim {
	claim := &ConsumerGroupClaim{
		MTopic:               topic,
		MPartition:           partition,
		MHighWaterMarkOffset: int64(len(values)),
	}
	claim.Init()
	var next int64
	claim.NextMessage = func() *sarama.ConsumerMessage {
		if next >= int64(len(values)) {
			return nil
		}
		msg := &sarama.ConsumerMessage{
			Topic:     topic,
			Partition: partition,
			Offset:    next,
			Value:     values[next],
		}
		next++
		return msg
	}
	return claim
}

var _ sarama.ConsumerGroupClaim = (*ConsumerGroupClaim)(nil)
