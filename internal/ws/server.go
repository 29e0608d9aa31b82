// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/social-realtime/internal/metrics"
	"github.com/whisper/social-realtime/internal/protocol"
	"github.com/whisper/social-realtime/internal/ratelimit"
)

// ErrConnectionNotFound is returned by SendMessage for unknown or closed
// connections.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // largest accepted client frame; 0 means DefaultMaxFrameBytes
}

// DefaultMaxFrameBytes fits a 10 MiB attachment in a privateFile event.
var DefaultMaxFrameBytes = MaxFrameBytesFor(10 << 20)

// frameOverhead covers the JSON envelope and fields around a base64 payload.
const frameOverhead = 64 << 10

// MaxFrameBytesFor returns the frame limit that admits a privateFile event
// carrying an attachment of maxAttachment bytes.
func MaxFrameBytesFor(maxAttachment int64) int64 {
	return (maxAttachment+2)/3*4 + frameOverhead
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  DefaultMaxFrameBytes,
	}
}

// SessionStore mirrors connection lifecycle into shared storage.
type SessionStore interface {
	Create(ctx context.Context, connID string) error
	RefreshTTL(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// ConnectLimiter throttles WebSocket upgrades per client IP.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	logger       *slog.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     SessionStore                        // optional Redis mirror
	limiter      ConnectLimiter                      // optional per-IP upgrade limit
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	onlineUsers  func() int                          // reported by /health
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client. sessions
// may be nil.
func NewServer(config ServerConfig, sessions SessionStore, onMessage func(conn *Connection, data []byte), logger *slog.Logger) *Server {
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = DefaultMaxFrameBytes
	}
	s := &Server{
		config:     config,
		logger:     logger.With("component", "ws"),
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}

	s.mux.HandleFunc("GET /ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Handle registers an additional HTTP handler on the server's listener. It
// must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetLimiter enables per-IP rate limiting of WebSocket upgrades.
func (s *Server) SetLimiter(l ConnectLimiter) {
	s.limiter = l
}

// SetOnlineUsers sets the function reporting online users on /health.
func (s *Server) SetOnlineUsers(fn func() int) {
	s.onlineUsers = fn
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.logger.Info("server listening",
		"addr", s.config.ListenAddr,
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader. On success it creates a Connection, registers
// it with the connection manager and epoll instance, and sends a connected
// event carrying the connection ID.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			s.logger.Warn("connect rate limited", "ip", ip)
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "ip", ip, "error", err)
		return
	}

	c := &Connection{
		ID:        uuid.NewString(),
		Conn:      conn,
		RemoteIP:  ip,
		CreatedAt: time.Now(),
	}
	c.Touch()

	// Register the connection in the manager and the poller.
	s.conns.Add(c)
	if err := s.watch(c); err != nil {
		s.logger.Error("epoll add failed", "conn", c.ID, "error", err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Create(ctx, c.ID); err != nil {
			s.logger.Warn("failed to create redis session", "conn", c.ID, "error", err)
		}
	}

	connected, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
	})
	if err != nil {
		s.logger.Error("failed to build connected", "conn", c.ID, "error", err)
	} else if err := s.SendMessage(c.ID, connected); err != nil {
		s.logger.Warn("failed to send connected", "conn", c.ID, "error", err)
	}

	s.logger.Debug("new connection", "conn", c.ID, "ip", ip, "total", s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count, online users and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	online := 0
	if s.onlineUsers != nil {
		online = s.onlineUsers()
	}

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		OnlineUsers: online,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				s.logger.Error("epoll wait error", "error", err)
				continue
			}
		}

		for _, conn := range conns {
			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.serveConn(conn)
			}()
		}
	}
}

// serveConn runs handleConn and evicts the connection if it panics, so a
// single client cannot take the process down.
func (s *Server) serveConn(netConn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("read worker panic", "remote", netConn.RemoteAddr(), "panic", r)
			if c := s.conns.GetByConn(netConn); c != nil {
				s.RemoveConnection(c)
			}
		}
	}()
	s.handleConn(netConn)
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	// The length is client-declared; check it before allocating.
	if header.Length < 0 || header.Length > s.config.MaxFrameBytes {
		s.logger.Warn("frame too large", "conn", c.ID, "length", header.Length, "max", s.config.MaxFrameBytes)
		if s.config.WriteTimeout > 0 {
			_ = netConn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		_ = c.WriteClose(ws.StatusMessageTooBig, "frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the Redis session is deleted, so the handler can inspect session state.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// evict removes c on a worker slot so that slow disconnect callbacks do not
// hold up the caller.
func (s *Server) evict(c *Connection) {
	s.workerPool <- struct{}{}
	go func() {
		defer func() { <-s.workerPool }()
		s.RemoveConnection(c)
	}()
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil && c.Conn != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Only the caller that actually removed the connection runs the cleanup,
	// so a read error racing a heartbeat timeout cleans up once.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.logger.Warn("failed to delete redis session", "conn", c.ID, "error", err)
		}
	}

	s.logger.Debug("connection closed", "conn", c.ID, "total", s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance. Disconnect callbacks run for every
// connection so that presence is cleared.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down server")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown error", "error", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("server stopped, all connections closed")
	return nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, _ := strings.Cut(fwd, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
