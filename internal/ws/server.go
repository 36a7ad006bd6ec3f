// Package ws is the realtime transport: it authenticates and upgrades HTTP
// requests to WebSocket connections, multiplexes reads over epoll with a
// bounded worker pool, and hands complete text messages to a message callback.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/metrics"
)

// maxFrameSize bounds a single client message, summed over its fragments.
const maxFrameSize = 64 << 10

var errPeerClosed = errors.New("ws: peer sent close")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on open sockets
	ReadTimeout    time.Duration // timeout for reading a frame once readable
	WriteTimeout   time.Duration // timeout for writing a frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves an access token to a user ID.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (uuid.UUID, error)
}

// Server accepts authenticated WebSocket connections on /ws, serves /health
// and any extra handlers mounted with Handle.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	allowConnect func(ctx context.Context, ip string) bool
	mux          *http.ServeMux
	httpServer   *http.Server
	mu           sync.Mutex // guards epoll between Serve and Shutdown
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
	log          *logrus.Entry
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		auth:       auth,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		log:        logrus.WithField("component", "ws"),
	}
	s.httpServer = &http.Server{Handler: s.mux}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnConnect registers a callback run once per socket after it is
// authenticated and tracked, before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run exactly once per socket when it is
// removed (read error, close frame, heartbeat timeout or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetConnectLimiter installs a per-IP admission check for new sockets.
func (s *Server) SetConnectLimiter(fn func(ctx context.Context, ip string) bool) {
	s.allowConnect = fn
}

// Handle mounts an additional HTTP handler next to /ws and /health.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the epoll event loop and heartbeat and serves HTTP on ln. It
// blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	epoll, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = epoll.Close()
		return nil
	default:
	}
	s.epoll = epoll
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"workers":   s.config.WorkerPoolSize,
		"max_conns": s.config.MaxConnections,
	}).Info("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it. The token comes
// from the "token" query parameter or an "Authorization: Bearer" header.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.allowConnect != nil && !s.allowConnect(r.Context(), clientIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if s.auth == nil {
		http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
		return
	}
	userID, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Info("websocket unauthorized")
		http.Error(w, "could not validate credentials", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.WithError(err).Warn("upgrade failed")
		return
	}

	c := newConnection(userID, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// Register with the application before reads start, so a socket that
	// fails immediately is torn down after it was registered, never before.
	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		s.log.WithError(err).WithField("conn_id", c.ID).Error("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"user_id": userID,
		"fd":      c.Fd,
		"total":   s.conns.Count(),
	}).Info("new connection")
}

// handleHealth reports open sockets, sockets being polled and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	watched := 0
	if s.epoll != nil {
		watched = s.epoll.Len()
	}
	uptime := time.Since(s.startedAt)
	s.mu.Unlock()

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Watched     int    `json:"watched"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Watched:     watched,
		Uptime:      uptime.Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits for readable sockets and reads each on a worker
// goroutine, bounded by the worker pool.
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
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.WithError(err).Error("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one message from a readable socket. Fragmented messages
// are reassembled and control frames are handled inline, including those
// interleaved with fragments. A read error or close frame removes the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Done(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	rd := &wsutil.Reader{
		Source:    s.epoll.Reader(netConn),
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return s.handleControl(c, h, r)
		},
	}

	header, err := rd.NextFrame()
	if err != nil {
		// A timeout means the readiness report was stale; the heartbeat
		// deals with sockets that are really dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(rd, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		_ = netConn.SetReadDeadline(time.Time{})
		c.Touch()
		if err := s.handleControl(c, header, bytes.NewReader(payload)); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(rd, maxFrameSize+1))
	if err != nil {
		s.log.WithError(err).WithField("conn_id", c.ID).Debug("message read failed")
		s.RemoveConnection(c)
		return
	}
	if len(data) > maxFrameSize {
		s.log.WithFields(logrus.Fields{"conn_id": c.ID, "length": len(data)}).Warn("message too large")
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// handleControl consumes a control frame. Pings are answered with a pong
// echoing the payload; a close frame yields errPeerClosed.
func (s *Server) handleControl(c *Connection, h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch h.OpCode {
	case ws.OpClose:
		return errPeerClosed
	case ws.OpPing:
		return c.WritePong(payload)
	}
	return nil
}

// RemoveConnection stops polling c, closes it and runs the disconnect
// callback. Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"user_id": c.UserID,
		"total":   s.conns.Count(),
	}).Info("connection closed")
}

// Connections returns the socket index.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting requests, closes every socket (running the
// disconnect callback for each) and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.log.WithError(err).Warn("http shutdown error")
	}

	s.mu.Lock()
	epoll := s.epoll
	s.mu.Unlock()

	if epoll != nil {
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = epoll.Close()
	}

	s.log.Info("server stopped, all connections closed")
	return err
}

func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
