// Package websocket terminates client connections over gorilla/websocket
// and hands them to a transport.Handler.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/metric"
	"github.com/c360/radar/transport"
)

// Config tunes connection keep-alive and limits.
type Config struct {
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(r *http.Request) bool

	// MessageRate limits inbound messages per connection per second.
	// Messages over the limit are dropped. Zero disables the limit.
	MessageRate  float64
	MessageBurst int

	// SendQueue bounds the frames waiting for a slow client. A client
	// whose queue overflows is disconnected.
	SendQueue int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 1 << 20,
		SendQueue:       transport.DefaultSendQueue,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics tracks open connections.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCodec overrides the default JSON codec.
func WithCodec(c transport.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// Server is an http.Handler that upgrades requests to websocket
// connections. It refuses upgrades until Start and after Close.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	codec    transport.Codec
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu      sync.Mutex
	handler transport.Handler
	conns   map[string]*wsConn
	closed  bool
	wg      sync.WaitGroup
}

var _ transport.Server = (*Server)(nil)

// New creates a server; zero Config fields take defaults.
func New(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.MessageRate > 0 && cfg.MessageBurst <= 0 {
		cfg.MessageBurst = int(cfg.MessageRate) + 1
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		codec:  transport.JSONCodec{},
		logger: slog.Default(),
		conns:  make(map[string]*wsConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "websocket")
	return s
}

// Start begins accepting upgrades for h.
func (s *Server) Start(_ context.Context, h transport.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Server", "Start", "start websocket server")
	}
	if s.handler != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start websocket server")
	}
	s.handler = h
	return nil
}

// Close stops accepting upgrades, closes every open connection and waits
// for their OnClose callbacks or ctx.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		_ = c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Close", "wait for connections")
	}
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.handler
	closed := s.closed
	s.mu.Unlock()

	if h == nil || closed {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &wsConn{ws: ws, writeTimeout: s.cfg.WriteTimeout, done: make(chan struct{})}
	if s.cfg.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst)
	}
	c.conn = transport.NewQueuedConn(uuid.NewString(), c, s.codec, s.cfg.SendQueue)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.conn.Close()
		return
	}
	s.conns[c.conn.ID()] = c
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Connections.Inc()
	}
	s.logger.Debug("connection opened", "conn", c.conn.ID(), "remote", r.RemoteAddr)

	h.OnConnect(c.conn)
	go s.pingLoop(c)
	go s.readLoop(h, c)
}

func (s *Server) readLoop(h transport.Handler, c *wsConn) {
	defer s.wg.Done()
	defer func() {
		_ = c.conn.Close()

		s.mu.Lock()
		delete(s.conns, c.conn.ID())
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.Connections.Dec()
		}
		s.logger.Debug("connection closed", "conn", c.conn.ID())
		h.OnClose(c.conn)
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "conn", c.conn.ID(), "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if c.limiter != nil && !c.limiter.Allow() {
			s.logger.Warn("message rate exceeded, dropping", "conn", c.conn.ID())
			if s.metrics != nil {
				s.metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
			}
			continue
		}
		h.OnMessage(c.conn, data)
	}
}

func (s *Server) pingLoop(c *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// wsConn is the transport.FrameWriter for one websocket.
type wsConn struct {
	ws           *websocket.Conn
	conn         transport.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter

	// gorilla/websocket allows one concurrent writer
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}
