// Package gateway serves client connections over WebSocket.
//
// Each WebSocket is one connection with its own ID and at most one pending request.
// Server messages for the connection arrive on its notify subscription,
// from whichever process produced them.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.od2.network/matchmaker/pkg/lobby"
	"go.od2.network/matchmaker/pkg/notify"
	"go.od2.network/matchmaker/pkg/queuekey"
	"go.uber.org/zap"
)

// Lobby handles match requests.
type Lobby interface {
	RequestMatch(ctx context.Context, id lobby.Identity, criteria queuekey.Criteria) (*lobby.Result, error)
	CancelMatch(ctx context.Context, connID string) (bool, error)
	Disconnect(ctx context.Context, connID string) error
}

// Subscriber opens per-connection notify subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, connID string) (*notify.Subscription, error)
}

// Options configures the gateway.
type Options struct {
	// AllowedOrigins lists the web origins allowed to connect.
	// A "*" entry accepts any origin, without cookies on cross-origin requests.
	AllowedOrigins []string
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// Client message rate limit per connection.
	MessageRate float32
	RateWindow  uint // seconds
}

// DefaultOptions are the default gateway options.
var DefaultOptions = Options{
	AllowedOrigins: []string{"http://localhost:3000"},
	PingInterval:   30 * time.Second,
	PongTimeout:    60 * time.Second,
	WriteTimeout:   10 * time.Second,
	MaxMessageSize: 4096,
	MessageRate:    2,
	RateWindow:     5,
}

// Server is the client-facing HTTP server.
type Server struct {
	Log        *zap.Logger
	Lobby      Lobby
	Subscriber Subscriber
	Health     func(ctx context.Context) error

	Options
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.serveHealth)
	r.Get("/ws", s.serveWS)
	return cors.New(cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: !s.anyOrigin(),
	}).Handler(r)
}

func (s *Server) anyOrigin() bool {
	for _, allowed := range s.AllowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Health(ctx); err != nil {
			s.Log.Warn("Health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.Log.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(s, ws)
	c.run()
}
