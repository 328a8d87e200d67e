package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kefctl/kefctl/internal/cache"
	"github.com/kefctl/kefctl/internal/logging"
	"github.com/kefctl/kefctl/internal/monitor"
	"github.com/kefctl/kefctl/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum command size allowed from peer
	maxMessageSize = 4096

	// DefaultCommandTimeout bounds each command sent over the websocket
	DefaultCommandTimeout = 10 * time.Second
)

// Controller is the speaker facade surface the bridge exposes
type Controller interface {
	Name() string
	Reachability() monitor.State
	Snapshot() map[string]cache.Reading
	Subscribe(buffer int) (<-chan cache.Change, func())

	SetVolume(ctx context.Context, v float64) error
	VolumeUp(ctx context.Context) error
	VolumeDown(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	SetSource(ctx context.Context, src protocol.Source) error
	SetStandbyTimer(ctx context.Context, t protocol.StandbyTimer) error
	SetChannelsInverted(ctx context.Context, inverted bool) error
	SetDSP(ctx context.Context, name string, raw byte) error
	TurnOff(ctx context.Context) error
	TurnOn(ctx context.Context) error
	PlayPause(ctx context.Context) error
	NextTrack(ctx context.Context) error
	PreviousTrack(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// Config holds bridge settings
type Config struct {
	Listen         string        // host:port for ListenAndServe
	CommandTimeout time.Duration // 0 means DefaultCommandTimeout
}

// client wraps a websocket connection with a mutex for safe concurrent writes
type client struct {
	id    string
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	logging.LogWebSocketMessage(c.id, "sent", websocket.TextMessage, data)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Server publishes one speaker's cached state over HTTP and websockets and
// forwards websocket commands to the speaker.
type Server struct {
	ctl      Controller
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	wg      sync.WaitGroup
	closed  bool
}

// New creates a bridge for ctl
func New(ctl Controller, cfg Config) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	return &Server{
		ctl: ctl,
		cfg: cfg,
		log: logging.Named("bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler returns the HTTP routes: GET /state and GET /ws
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe listens on cfg.Listen and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// websocket client.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("State bridge listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	<-errCh
	s.log.Info("State bridge stopped")
	return err
}

// Close disconnects every websocket client and waits for their handlers
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.mutex.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mutex.Unlock()
		_ = c.conn.Close()
	}
	s.wg.Wait()
}

// ClientCount returns the number of connected websocket clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// State returns the current snapshot
func (s *Server) State() Snapshot {
	return newSnapshot(s.ctl.Name(), s.ctl.Reachability().String(), s.ctl.Snapshot())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	logging.LogHTTPRequest(r.RemoteAddr, r.Method, r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.State()); err != nil {
		s.log.Warn("Failed to write state", zap.Error(err))
	}
}

func (s *Server) register(conn *websocket.Conn) (*client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	c := &client{id: uuid.NewString(), conn: conn}
	s.clients[c.id] = c
	s.wg.Add(1)
	return c, true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logging.LogHTTPRequest(r.RemoteAddr, r.Method, r.URL.Path)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	c, ok := s.register(conn)
	if !ok {
		_ = conn.Close()
		return
	}
	defer s.unregister(c)
	defer func() { _ = conn.Close() }()

	log := s.log.With(zap.String("client", c.id), zap.String("remote_addr", r.RemoteAddr))
	log.Info("WebSocket client connected")
	defer log.Info("WebSocket client disconnected")

	// Subscribe before the snapshot so no change falls between the two.
	changes, unsubscribe := s.ctl.Subscribe(64)
	defer unsubscribe()

	if err := c.writeJSON(s.State()); err != nil {
		log.Debug("Failed to send snapshot", zap.Error(err))
		return
	}

	done := make(chan struct{})
	defer close(done)
	go s.pump(c, changes, done, log)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("Unexpected WebSocket close", zap.Error(err))
			}
			return
		}
		logging.LogWebSocketMessage(c.id, "received", msgType, data)

		var cmd Command
		var result Result
		if err := json.Unmarshal(data, &cmd); err != nil {
			result = Result{Type: TypeResult, OK: false, Error: "invalid command: " + err.Error()}
		} else {
			result = newResult(cmd, s.execute(cmd))
		}
		if err := c.writeJSON(result); err != nil {
			log.Debug("Failed to send result", zap.Error(err))
			return
		}
	}
}

func (s *Server) execute(cmd Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancel()
	err := Dispatch(ctx, s.ctl, cmd)
	if err != nil {
		s.log.Info("Command failed", zap.String("action", cmd.Action), zap.Error(err))
	}
	return err
}

// pump forwards cache changes and keeps the connection alive with pings
func (s *Server) pump(c *client, changes <-chan cache.Change, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if err := c.writeJSON(newChangeEvent(ch)); err != nil {
				log.Debug("Failed to send change", zap.Error(err))
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
