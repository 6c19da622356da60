package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"atlas/internal/logging"
)

// ServerConfig configures the relay server.
type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	HistoryLimit    int
}

// Server exposes the hub over websockets, plus health and stats endpoints.
type Server struct {
	cfg        ServerConfig
	hub        *Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer builds a relay server. Call Start to run it.
func NewServer(cfg ServerConfig) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}

	s := &Server{
		cfg: cfg,
		hub: NewHub(cfg.HistoryLimit),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the hub and the HTTP listener until ctx is cancelled, then
// shuts both down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logging.Collab("relay server listening on %s", s.cfg.Addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run()
		return nil
	})

	g.Go(func() error {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.CollabWarn("http shutdown: %v", err)
		}
		s.hub.Stop()
		return nil
	})

	return g.Wait()
}

// checkOrigin enforces the configured origin allowlist. Requests without
// an Origin header (non-browser clients) are always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// =============================================================================
// HTTP HANDLERS
// =============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.CollabWarn("upgrade failed: %v", err)
		return
	}

	c := newClient(uuid.NewString())
	if err := s.hub.Register(c); err != nil {
		conn.Close()
		return
	}

	go s.writePump(c, conn)
	s.readPump(c, conn)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Stats())
}

// =============================================================================
// CONNECTION PUMPS
// =============================================================================

// readPump feeds client frames to the hub until the connection dies.
// Runs on the handler goroutine; owns all reads.
func (s *Server) readPump(c *client, conn *websocket.Conn) {
	defer func() {
		s.hub.Unregister(c)
		conn.Close()
	}()

	pongWait := s.cfg.PingInterval + s.cfg.WriteTimeout
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.CollabDebug("client %s read error: %v", c.id, err)
			}
			return
		}
		if err := s.hub.Submit(c, data); err != nil {
			return
		}
	}
}

// writePump drains the client's send queue onto the socket and keeps the
// connection alive with pings. Owns all writes. Exits when the hub closes
// the send channel, closing the socket so readPump unblocks too.
func (s *Server) writePump(c *client, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
