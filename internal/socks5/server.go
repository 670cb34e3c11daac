package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/postalsys/reitti-rele/internal/logging"
	"github.com/postalsys/reitti-rele/internal/metrics"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080")
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// ConnectTimeout for outbound connections
	ConnectTimeout time.Duration

	// IdleTimeout surrounds each logical protocol message read
	IdleTimeout time.Duration

	// BindWaitTimeout bounds the wait for the inbound BIND peer
	BindWaitTimeout time.Duration

	// TCPBufSize and UDPBufSize size the relay buffers
	TCPBufSize int
	UDPBufSize int

	// Authenticators for authentication
	Authenticators []Authenticator

	// Dialer for making outbound connections
	Dialer Dialer

	// Resolver for domain-name request addresses
	Resolver NameResolver

	// Logger for connection outcomes; nil discards
	Logger *slog.Logger

	// Metrics for Prometheus instrumentation; nil disables
	Metrics *metrics.Metrics

	// Traffic byte counters shared with the environment; nil disables
	Traffic *metrics.Traffic

	// UDPRelay optionally overrides the built-in UDP association loop
	UDPRelay UDPRelayFunc

	// Processors optionally transforms relayed TCP data per direction
	Processors TCPProcessors
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "127.0.0.1:1080",
		MaxConnections:  1000,
		ConnectTimeout:  30 * time.Second,
		IdleTimeout:     60 * time.Second,
		BindWaitTimeout: 30 * time.Second,
		TCPBufSize:      DefaultTCPBufferSize,
		UDPBufSize:      DefaultUDPBufferSize,
		Authenticators:  []Authenticator{&NoAuthAuthenticator{}},
		Dialer:          &DirectDialer{},
	}
}

// connSet tracks the live connections of one listener so Stop can tear them
// all down. A connection may be removed twice (once by its supervisor, once
// by closeAll); the set tolerates that.
type connSet struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[net.Conn]struct{})}
}

func (s *connSet) add(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *connSet) remove(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *connSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// closeAll closes every tracked connection, unblocking its supervisor.
func (s *connSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	clear(s.conns)
}

// Server is a SOCKS5 proxy server: it owns the listener, tracks every
// connection, and supervises the per-connection pipeline.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	logger   *slog.Logger
	listener net.Listener

	// WebSocket ingress (optional)
	wsListener *WebSocketListener

	conns *connSet

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new SOCKS5 server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	handlerCfg := HandlerConfig{
		Authenticators:  cfg.Authenticators,
		Dialer:          cfg.Dialer,
		Resolver:        cfg.Resolver,
		Logger:          logger,
		Metrics:         cfg.Metrics,
		Traffic:         cfg.Traffic,
		IdleTimeout:     cfg.IdleTimeout,
		ConnectTimeout:  cfg.ConnectTimeout,
		BindWaitTimeout: cfg.BindWaitTimeout,
		TCPBufSize:      cfg.TCPBufSize,
		UDPBufSize:      cfg.UDPBufSize,
		UDPRelay:        cfg.UDPRelay,
		Processors:      cfg.Processors,
	}
	if host, _, err := net.SplitHostPort(cfg.Address); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
			// UDP relay sockets bind to the same interface as the TCP
			// listener.
			handlerCfg.UDPBindIP = ip
		}
	}

	return &Server{
		cfg:     cfg,
		handler: NewHandler(handlerCfg),
		logger:  logger,
		conns:   newConnSet(),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the SOCKS5 server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("socks5 server listening", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Stop gracefully stops the server: the listener closes, every tracked
// connection is closed, and all connection tasks unwind.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.wsListener != nil {
			s.wsListener.Stop()
		}
		s.conns.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a grace window.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return int64(s.conns.size())
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// StartWebSocket starts a WebSocket listener that tunnels the SOCKS5
// protocol over binary WebSocket messages.
func (s *Server) StartWebSocket(cfg WebSocketConfig) error {
	if s.wsListener != nil && s.wsListener.IsRunning() {
		return fmt.Errorf("WebSocket listener already running")
	}

	listener, err := NewWebSocketListener(cfg, s.handler)
	if err != nil {
		return fmt.Errorf("create WebSocket listener: %w", err)
	}
	if err := listener.Start(); err != nil {
		return fmt.Errorf("start WebSocket listener: %w", err)
	}

	s.wsListener = listener
	return nil
}

// StopWebSocket stops the WebSocket listener if running.
func (s *Server) StopWebSocket() error {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Stop()
}

// WebSocketAddress returns the WebSocket listener address, or empty if not
// running.
func (s *Server) WebSocketAddress() string {
	if s.wsListener == nil || !s.wsListener.IsRunning() {
		return ""
	}
	return s.wsListener.Address()
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.conns.size() >= s.cfg.MaxConnections {
			conn.Close()
			continue
		}

		s.conns.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn supervises a single connection: it sequences the pipeline,
// logs the terminal outcome, and releases the socket exactly once.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.remove(conn)
	defer conn.Close()

	connID := uuid.NewString()
	s.handler.metrics.RecordConnect()
	defer s.handler.metrics.RecordDisconnect()

	started := time.Now()
	err := s.handler.Handle(conn)

	logger := s.logger.With(
		logging.KeyConnID, connID,
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyDuration, time.Since(started),
	)
	if err != nil {
		logger.Info("connection closed", logging.KeyError, err)
	} else {
		logger.Debug("connection closed")
	}
}

// WithAuthenticators returns a new server config with authenticators.
func (cfg ServerConfig) WithAuthenticators(auths ...Authenticator) ServerConfig {
	cfg.Authenticators = auths
	return cfg
}

// WithDialer returns a new server config with a custom dialer.
func (cfg ServerConfig) WithDialer(dialer Dialer) ServerConfig {
	cfg.Dialer = dialer
	return cfg
}

// WithMaxConnections returns a new server config with max connections.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
