package socks5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/reitti-rele/internal/logging"
	"nhooyr.io/websocket"
)

// wsSubprotocol is the subprotocol both sides must negotiate; connections
// that speak anything else are refused.
const wsSubprotocol = "socks5"

// wsReadLimit caps a single inbound WebSocket message. Relay chunks are at
// most the TCP buffer size, so this leaves generous headroom.
const wsReadLimit = 1 << 20

// WebSocketConfig configures the WebSocket SOCKS5 listener.
type WebSocketConfig struct {
	// Address to listen on (e.g., "0.0.0.0:8443" or "127.0.0.1:8081")
	Address string

	// Path for WebSocket upgrade (default: "/socks5")
	Path string

	// TLSConfig for TLS termination (nil requires PlainText: true)
	TLSConfig *tls.Config

	// PlainText allows running without TLS (for reverse proxy mode)
	PlainText bool

	// Credentials gates the HTTP upgrade with Basic Auth before any SOCKS5
	// byte is exchanged. Nil disables the gate. The same credential stores
	// used for SOCKS5 authentication work here.
	Credentials CredentialStore

	// OnError is called when the server encounters an error after starting.
	// This is optional - if nil, errors are silently ignored.
	OnError func(err error)

	// Logger for per-connection outcomes; nil discards.
	Logger *slog.Logger
}

// wsSplashPage is served at "/" so the endpoint answers like an ordinary
// web server instead of advertising the upgrade path.
const wsSplashPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Reitti Rele</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em; color: #333">
<h1>Reitti Rele</h1>
<p>SOCKS5 relay endpoint</p>
</body>
</html>
`

// WebSocketListener accepts SOCKS5 connections tunneled over binary
// WebSocket messages. Each upgraded connection is adapted to a net.Conn and
// handed to the same Handler that serves the TCP listener, so
// authentication, request dispatch, and byte counting are identical on both
// ingress paths.
type WebSocketListener struct {
	cfg     WebSocketConfig
	handler *Handler
	server  *http.Server

	// Actual listener address (set after binding)
	addr net.Addr

	conns *connSet

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewWebSocketListener creates a new WebSocket SOCKS5 listener.
func NewWebSocketListener(cfg WebSocketConfig, handler *Handler) (*WebSocketListener, error) {
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("TLS config required (use PlainText: true for reverse proxy mode)")
	}
	if cfg.Path == "" {
		cfg.Path = "/socks5"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	return &WebSocketListener{
		cfg:     cfg,
		handler: handler,
		conns:   newConnSet(),
	}, nil
}

// Start binds the HTTP server and begins accepting upgrades.
func (l *WebSocketListener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, wsSplashPage)
	})
	mux.HandleFunc(l.cfg.Path, l.handleUpgrade)

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.server = &http.Server{
		Handler:   mux,
		TLSConfig: l.cfg.TLSConfig,
	}
	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		serve := l.server.Serve
		if l.cfg.TLSConfig != nil {
			serve = func(ln net.Listener) error { return l.server.ServeTLS(ln, "", "") }
		}
		if err := serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if l.cfg.OnError != nil {
				l.cfg.OnError(err)
			}
		}
	}()

	return nil
}

// Stop closes every tunneled connection and shuts the HTTP server down.
// WebSocket handlers hold their HTTP goroutines open, so the connections
// must go first or Shutdown would wait on them forever.
func (l *WebSocketListener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}

	l.conns.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.server.Shutdown(ctx)

	l.wg.Wait()
	return err
}

// Address returns the actual listening address.
func (l *WebSocketListener) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// ConnectionCount returns the number of active tunneled connections.
func (l *WebSocketListener) ConnectionCount() int {
	return l.conns.size()
}

// IsRunning returns true if the listener is running.
func (l *WebSocketListener) IsRunning() bool {
	return l.running.Load()
}

// authorized checks the HTTP Basic Auth gate.
func (l *WebSocketListener) authorized(r *http.Request) bool {
	if l.cfg.Credentials == nil {
		return true
	}
	username, password, ok := r.BasicAuth()
	return ok && l.cfg.Credentials.Valid(username, password)
}

// handleUpgrade upgrades one request and runs the SOCKS5 pipeline over it.
// It must not return before the tunnel is done: the WebSocket library ties
// the connection's lifetime to this handler's goroutine.
func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !l.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="SOCKS5 Proxy"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	if ws.Subprotocol() != wsSubprotocol {
		ws.Close(websocket.StatusProtocolError, "socks5 subprotocol required")
		return
	}
	ws.SetReadLimit(wsReadLimit)

	conn := newWSConn(ws)
	l.conns.add(conn)
	defer l.conns.remove(conn)
	defer conn.Close()

	if err := l.handler.Handle(conn); err != nil {
		l.cfg.Logger.Debug("websocket connection closed",
			logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
	}
}

// wsConn adapts a websocket.Conn to net.Conn. Reads drain whole binary
// messages into a carry-over buffer; deadlines become per-operation context
// deadlines, so SetReadDeadline before an operation bounds it but cannot
// interrupt one already in flight. The handler knows this: wsConn reports
// NoDeadlineMonitor and the deadline-polling dial monitor is skipped.
type wsConn struct {
	conn *websocket.Conn

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	deadline time.Time

	readMu   sync.Mutex
	leftover []byte
}

func newWSConn(conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:       conn,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// opContext derives the context for one read or write from the current
// deadline. Closing the wsConn cancels the base context and with it every
// in-flight operation.
func (c *wsConn) opContext() (context.Context, context.CancelFunc) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	if deadline.IsZero() {
		return context.WithCancel(c.baseCtx)
	}
	return context.WithDeadline(c.baseCtx, deadline)
}

// Read returns bytes from the current message, fetching the next binary
// message when the carry-over buffer is empty.
func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.leftover) == 0 {
		ctx, cancel := c.opContext()
		msgType, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			return 0, c.mapError(err)
		}
		if msgType != websocket.MessageBinary {
			return 0, fmt.Errorf("unexpected message type: %v", msgType)
		}
		c.leftover = data
	}

	n := copy(b, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Write sends b as a single binary message.
func (c *wsConn) Write(b []byte) (int, error) {
	ctx, cancel := c.opContext()
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return 0, c.mapError(err)
	}
	return len(b), nil
}

// Close tears the tunnel down, cancelling any in-flight operation.
func (c *wsConn) Close() error {
	c.baseCancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// NoDeadlineMonitor tells the handler that this connection cannot interrupt
// a blocked read by moving its deadline, so the polling dial monitor must
// not be used.
func (c *wsConn) NoDeadlineMonitor() bool {
	return true
}

// LocalAddr returns nil: the WebSocket library does not expose the
// underlying TCP addresses. Callers type-assert concrete addr types and
// handle the nil case.
func (c *wsConn) LocalAddr() net.Addr {
	return nil
}

// RemoteAddr returns nil for the same reason; the HTTP request's RemoteAddr
// is used for logging at upgrade time instead.
func (c *wsConn) RemoteAddr() net.Addr {
	return nil
}

// SetDeadline sets both read and write deadlines.
func (c *wsConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// SetReadDeadline delegates to SetDeadline.
func (c *wsConn) SetReadDeadline(t time.Time) error { return c.SetDeadline(t) }

// SetWriteDeadline delegates to SetDeadline.
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

// wsDeadlineError is the net.Error surfaced when an operation's context
// expires, letting callers use their usual netErr.Timeout() checks.
type wsDeadlineError struct {
	err error
}

func (e *wsDeadlineError) Error() string   { return e.err.Error() }
func (e *wsDeadlineError) Timeout() bool   { return true }
func (e *wsDeadlineError) Temporary() bool { return true }

// mapError converts WebSocket-level failures into the errors stream code
// expects: a close frame becomes EOF, a context expiry becomes a timeout.
// Cancellation is folded into the timeout case as well because the library
// reports an expired deadline as either error depending on timing.
func (c *wsConn) mapError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wsDeadlineError{err: err}
	}
	return err
}
