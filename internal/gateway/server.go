// Package gateway is the presentation transport: a chi HTTP router for the
// account, appeal and saved-connection endpoints, and a gobwas WebSocket
// endpoint that binds each connection to a client.Controller.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/strangers/internal/client"
	"github.com/whisper/strangers/internal/identity"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/records"
)

// Authenticator is the identity provider as seen by the gateway.
type Authenticator interface {
	CreateAccount(ctx context.Context, email, password string) (*identity.User, string, error)
	Authenticate(ctx context.Context, email, password string) (*identity.User, string, error)
	CurrentUser(ctx context.Context, token string) (*identity.User, error)
	EndSession(ctx context.Context, token string) error
}

// Records serves the appeal and saved-connection endpoints.
type Records interface {
	CreateAppeal(ctx context.Context, a records.Appeal) (*records.Appeal, error)
	Connections(ctx context.Context, userID string) ([]records.SavedConnection, error)
}

// ControllerFactory builds the controller for a newly connected user.
type ControllerFactory func(userID string) *client.Controller

// ServerConfig holds tunable parameters for the gateway.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on open WebSocket connections
	MaxFrameSize   int64         // largest accepted client frame, in bytes
	WriteTimeout   time.Duration // deadline for each outbound frame
	OpTimeout      time.Duration // bound on each dispatched operation
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		MaxFrameSize:   16 << 10,
		WriteTimeout:   10 * time.Second,
		OpTimeout:      10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server owns the HTTP listener and every open WebSocket connection.
type Server struct {
	cfg           ServerConfig
	auth          Authenticator
	records       Records
	newController ControllerFactory
	dispatcher    *MessageDispatcher
	conns         *ConnectionManager
	httpServer    *http.Server
	router        chi.Router
	wg            sync.WaitGroup
	done          chan struct{}
	stopOnce      sync.Once
	startedAt     time.Time
}

// NewServer creates a Server. recs may be nil when Postgres is not
// configured; the endpoints that need it then answer 503.
func NewServer(cfg ServerConfig, auth Authenticator, recs Records, factory ControllerFactory) *Server {
	def := DefaultServerConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}

	s := &Server{
		cfg:           cfg,
		auth:          auth,
		records:       recs,
		newController: factory,
		dispatcher:    NewMessageDispatcher(cfg.OpTimeout),
		conns:         NewConnectionManager(),
		done:          make(chan struct{}),
		startedAt:     time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleUpgrade)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Logger)
		api.Post("/auth/signup", s.handleSignup)
		api.Post("/auth/login", s.handleLogin)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireUser)
			authed.Post("/auth/logout", s.handleLogout)
			authed.Post("/appeals", s.handleAppeal)
			authed.Get("/connections", s.handleConnections)
		})
	})
	return r
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Start begins the heartbeat monitor and blocks serving HTTP.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	startHeartbeat(s, s.cfg.Heartbeat)

	log.Printf("[gateway] listening on %s (max_conns=%d)", s.cfg.ListenAddr, s.cfg.MaxConnections)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: http server: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the token query parameter, upgrades the
// connection and starts its read and write loops.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	user, err := s.auth.CurrentUser(r.Context(), token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if s.conns.Count() >= s.cfg.MaxConnections {
		respondError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed user=%s: %v", user.ID, err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Conn:         netConn,
		CreatedAt:    now,
		ctrl:         s.newController(user.ID),
		writeTimeout: s.cfg.WriteTimeout,
	}
	c.touch(now)

	if prev := s.conns.Add(c); prev != nil {
		log.Printf("[gateway] user=%s reconnected, replacing conn=%s", user.ID, prev.ID)
		s.replace(prev)
	}
	metrics.Connections.Set(float64(s.conns.Count()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	if _, err := c.ctrl.Resume(ctx); err != nil {
		log.Printf("[gateway] resume failed user=%s: %v", user.ID, err)
	}
	cancel()

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)

	log.Printf("[gateway] new connection conn=%s user=%s (total=%d)", c.ID, user.ID, s.conns.Count())
}

// writeLoop pushes the current state, then every update, until the
// controller closes its update channel.
func (s *Server) writeLoop(c *Connection) {
	defer s.wg.Done()

	if err := sendState(c, c.ctrl.State()); err != nil {
		c.Close()
		return
	}
	for st := range c.ctrl.Updates() {
		if err := sendState(c, st); err != nil {
			log.Printf("[gateway] state write failed conn=%s: %v", c.ID, err)
			c.Close()
			return
		}
	}
}

// readLoop reads frames until the connection fails or closes. Control
// frames only refresh liveness.
func (s *Server) readLoop(c *Connection) {
	defer s.wg.Done()
	defer s.remove(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch(time.Now())

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			if header.OpCode == ws.OpPing {
				c.writeMu.Lock()
				err = ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
			continue
		}

		if header.Length > s.cfg.MaxFrameSize {
			log.Printf("[gateway] frame too large conn=%s size=%d", c.ID, header.Length)
			return
		}
		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatcher.Dispatch(c, data)
	}
}

// remove unregisters c and tears it down.
func (s *Server) remove(c *Connection) {
	if s.conns.Remove(c.ID) {
		log.Printf("[gateway] connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
	}
	metrics.Connections.Set(float64(s.conns.Count()))
	s.teardown(c)
}

// teardown closes the socket and the controller. Safe to call repeatedly.
func (s *Server) teardown(c *Connection) {
	c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	if err := c.ctrl.Close(ctx); err != nil {
		log.Printf("[gateway] controller close failed user=%s: %v", c.UserID, err)
	}
}

// replace closes a socket superseded by a newer one of the same user. The
// partner is not told about the drop; the new controller resumes the chat.
func (s *Server) replace(c *Connection) {
	c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	if err := c.ctrl.Detach(ctx); err != nil {
		log.Printf("[gateway] controller detach failed user=%s: %v", c.UserID, err)
	}
}

// Shutdown stops the listener and closes every connection. Partners of
// connected users are told they dropped; their sessions stay open.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[gateway] shutting down...")
	s.stopOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		c.Close()
	}
	s.wg.Wait()

	log.Printf("[gateway] server stopped, all connections closed")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
