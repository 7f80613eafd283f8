// Package notify delivers server messages to client connections over Redis pub/sub.
//
// Every connection subscribes to its own channel on whichever gateway holds it,
// so any process can reach any connection without knowing where it lives.
// Delivery is best-effort: a message published while nobody listens is lost.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Server message types.
const (
	TypeSearching   = "searching"
	TypeMatched     = "matched"
	TypeMatchFound  = "matchFound"
	TypeMatchFailed = "matchFailed"
	TypeCancelled   = "cancelled"
	TypeError       = "error"
)

// Message is a server to client message.
type Message struct {
	Type            string `json:"type"`
	MatchID         string `json:"matchId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	PeerDisplayName string `json:"peerDisplayName,omitempty"`
	PeerContactInfo string `json:"peerContactInfo,omitempty"`
	Category        string `json:"category,omitempty"`
	Difficulty      string `json:"difficulty,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Channels names the pub/sub channels of a namespace.
type Channels struct {
	Prefix string
}

// ChannelsForPrefix returns the channels of a key namespace.
func ChannelsForPrefix(prefix string) Channels {
	return Channels{Prefix: prefix + "\x00conn:"}
}

// Conn returns the channel of a connection.
func (c Channels) Conn(connID string) string {
	return c.Prefix + connID
}

// Publisher sends messages to connections.
type Publisher struct {
	Redis    *redis.Client
	Channels Channels
}

// Publish sends a message to a connection.
// Returns the number of gateways that received it.
func (p *Publisher) Publish(ctx context.Context, connID string, msg *Message) (int64, error) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	n, err := p.Redis.Publish(ctx, p.Channels.Conn(connID), buf).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s to %s: %w", msg.Type, connID, err)
	}
	return n, nil
}

// MatchFailed tells a connection that its request failed.
func (p *Publisher) MatchFailed(ctx context.Context, connID string, reason string) error {
	_, err := p.Publish(ctx, connID, &Message{Type: TypeMatchFailed, Reason: reason})
	return err
}

// MatchFound tells a connection about its collaboration session.
func (p *Publisher) MatchFound(ctx context.Context, connID string, msg *Message) error {
	found := *msg
	found.Type = TypeMatchFound
	_, err := p.Publish(ctx, connID, &found)
	return err
}

// Subscription receives the messages of a single connection.
// Close must be called when the connection goes away.
type Subscription struct {
	pubsub *redis.PubSub
	c      chan *Message
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts receiving messages for a connection.
// The subscription is confirmed by Redis before Subscribe returns.
func (p *Publisher) Subscribe(ctx context.Context, connID string) (*Subscription, error) {
	pubsub := p.Redis.Subscribe(ctx, p.Channels.Conn(connID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", connID, err)
	}
	s := &Subscription{
		pubsub: pubsub,
		c:      make(chan *Message),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Subscription) run() {
	defer close(s.c)
	for raw := range s.pubsub.Channel() {
		msg := new(Message)
		if err := json.Unmarshal([]byte(raw.Payload), msg); err != nil {
			continue
		}
		select {
		case s.c <- msg:
		case <-s.done:
			return
		}
	}
}

// C returns the message channel. It is closed after Close.
func (s *Subscription) C() <-chan *Message {
	return s.c
}

// Close stops the subscription.
func (s *Subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
