package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.od2.network/matchmaker/pkg/lobby"
	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/notify"
	"go.od2.network/matchmaker/pkg/queuekey"
	"go.od2.network/matchmaker/pkg/ratelimit"
	"go.uber.org/zap"
)

// Client message types.
const (
	TypeRequestMatch = "requestMatch"
	TypeCancelMatch  = "cancelMatch"
)

// ClientMessage is a client to server message.
type ClientMessage struct {
	Type        string `json:"type"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Contact     string `json:"contact,omitempty"`
	Category    string `json:"category,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
}

type client struct {
	*Server
	log   *zap.Logger
	ws    *websocket.Conn
	id    string
	out   chan *notify.Message
	limit *ratelimit.RateLimit

	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(s *Server, ws *websocket.Conn) *client {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		Server: s,
		log:    s.Log.With(zap.String("conn", id)),
		ws:     ws,
		id:     id,
		out:    make(chan *notify.Message, 8),
		limit:  ratelimit.NewRateLimit(s.MessageRate, s.RateWindow),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *client) run() {
	defer c.ws.Close()
	defer c.cancel()
	sub, err := c.subscribe()
	if err != nil {
		c.log.Error("Failed to subscribe connection", zap.Error(err))
		_ = c.ws.WriteJSON(&notify.Message{Type: notify.TypeError, Error: "service unavailable"})
		return
	}
	defer sub.Close()
	defer c.disconnect()
	c.log.Debug("Connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(sub)
	}()
	c.readPump()
	c.cancel()
	wg.Wait()
	c.log.Debug("Disconnected")
}

func (c *client) subscribe() (*notify.Subscription, error) {
	var sub *notify.Subscription
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), c.ctx)
	err := backoff.Retry(func() error {
		var err error
		sub, err = c.Subscriber.Subscribe(c.ctx, c.id)
		return err
	}, b)
	return sub, err
}

func (c *client) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Lobby.Disconnect(ctx, c.id); err != nil {
		c.log.Warn("Failed to drop request of closed connection", zap.Error(err))
	}
}

func (c *client) readPump() {
	c.ws.SetReadLimit(c.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.PongTimeout))
	})
	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.PongTimeout))
		if !c.limit.Allow(time.Now()) {
			c.send(&notify.Message{Type: notify.TypeError, Error: "rate limited"})
			continue
		}
		msg := new(ClientMessage)
		if err := json.Unmarshal(buf, msg); err != nil {
			c.send(&notify.Message{Type: notify.TypeError, Error: "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg *ClientMessage) {
	switch msg.Type {
	case TypeRequestMatch:
		c.requestMatch(msg)
	case TypeCancelMatch:
		if _, err := c.Lobby.CancelMatch(c.ctx, c.id); err != nil {
			c.log.Error("Cancel failed", zap.Error(err))
			c.send(&notify.Message{Type: notify.TypeError, Error: "service unavailable, retry"})
			return
		}
		c.send(&notify.Message{Type: notify.TypeCancelled})
	default:
		c.send(&notify.Message{Type: notify.TypeError, Error: "unknown message type"})
	}
}

func (c *client) requestMatch(msg *ClientMessage) {
	res, err := c.Lobby.RequestMatch(c.ctx, lobby.Identity{
		ConnectionID: c.id,
		UserID:       msg.UserID,
		DisplayName:  msg.DisplayName,
		ContactInfo:  msg.Contact,
	}, queuekey.Criteria{
		Category:   msg.Category,
		Difficulty: msg.Difficulty,
	})
	if errors.Is(err, matchqueue.ErrInvalidRequest) {
		c.send(&notify.Message{Type: notify.TypeError, Error: err.Error()})
		return
	} else if err != nil {
		c.log.Error("Match request failed", zap.Error(err))
		c.send(&notify.Message{Type: notify.TypeError, Error: "service unavailable, retry"})
		return
	}
	switch res.Status {
	case lobby.StatusSearching:
		c.send(&notify.Message{Type: notify.TypeSearching})
	case lobby.StatusMatched:
		c.send(&notify.Message{Type: notify.TypeMatched, MatchID: res.Event.MatchID})
	}
}

func (c *client) send(msg *notify.Message) {
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	}
}

func (c *client) writePump(sub *notify.Subscription) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	for {
		var msg *notify.Message
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.WriteTimeout))
			return
		case msg = <-c.out:
		case m, ok := <-sub.C():
			if !ok {
				c.log.Warn("Subscription closed")
				c.fail()
				return
			}
			msg = m
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.WriteTimeout)); err != nil {
				c.fail()
				return
			}
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.log.Debug("Write failed", zap.Error(err))
			c.fail()
			return
		}
	}
}

// fail stops both pumps after a write side failure.
func (c *client) fail() {
	c.cancel()
	_ = c.ws.Close()
}
