package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/postalsys/reitti-rele/internal/logging"
	"github.com/postalsys/reitti-rele/internal/metrics"
)

// Dialer interface for making outbound connections.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
	// DialContext dials with context support for cancellation.
	// Implementations should cancel the dial when ctx is done.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to destinations.
type DirectDialer struct{}

// Dial makes a direct TCP connection.
func (d *DirectDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}

// DialContext makes a direct TCP connection with context support.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// TCPProcessors optionally transforms relayed TCP data per direction.
type TCPProcessors struct {
	// ClientToTarget produces the processor applied to data flowing from
	// the SOCKS5 client to the target.
	ClientToTarget ProcessorFactory
	// TargetToClient produces the processor for the reverse direction.
	TargetToClient ProcessorFactory
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Authenticators []Authenticator
	Dialer         Dialer
	Resolver       NameResolver
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Traffic        *metrics.Traffic

	// IdleTimeout bounds each logical protocol message read.
	IdleTimeout time.Duration
	// ConnectTimeout bounds the outbound CONNECT dial.
	ConnectTimeout time.Duration
	// BindWaitTimeout bounds the wait for the inbound BIND peer.
	BindWaitTimeout time.Duration

	TCPBufSize int
	UDPBufSize int

	// UDPBindIP is the address UDP relay sockets bind to. It should match
	// the interface the TCP listener is bound to.
	UDPBindIP net.IP

	// UDPRelay overrides the built-in UDP association loop when set.
	UDPRelay UDPRelayFunc

	// Processors optionally transforms relayed TCP data.
	Processors TCPProcessors
}

// Handler processes SOCKS5 connections: method negotiation, optional
// username/password sub-negotiation, the request, and the command's relay.
type Handler struct {
	cfg HandlerConfig

	authenticators []Authenticator
	dialer         Dialer
	resolver       NameResolver
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewHandler creates a new SOCKS5 handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Dialer == nil {
		cfg.Dialer = &DirectDialer{}
	}
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(DefaultResolverConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.TCPBufSize <= 0 {
		cfg.TCPBufSize = DefaultTCPBufferSize
	}
	if cfg.UDPBufSize <= 0 {
		cfg.UDPBufSize = DefaultUDPBufferSize
	}
	return &Handler{
		cfg:            cfg,
		authenticators: cfg.Authenticators,
		dialer:         cfg.Dialer,
		resolver:       cfg.Resolver,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
}

// Handle processes one SOCKS5 connection from greeting to relay completion.
// The caller owns conn and closes it when Handle returns.
func (h *Handler) Handle(conn net.Conn) error {
	conn = newCountingConn(conn, h.cfg.Traffic)
	start := time.Now()

	// No request may be dispatched before authentication succeeds.
	user, err := h.authenticate(conn)
	if err != nil {
		return fmt.Errorf("authentication: %w", err)
	}

	req, err := ReadRequest(conn, h.cfg.IdleTimeout)
	if err != nil {
		h.replyForRequestError(conn, err)
		return fmt.Errorf("read request: %w", err)
	}

	if user != "" {
		h.logger.Debug("request authenticated", logging.KeyUser, user)
	}
	h.metrics.RecordCommand(cmdName(req.Cmd))

	switch req.Cmd {
	case CmdConnect:
		return h.handleConnect(conn, req, start)
	case CmdBind:
		return h.handleBind(conn, req)
	case CmdUDPAssociate:
		return h.handleUDPAssociate(conn, req)
	default:
		h.sendReply(conn, ReplyCmdNotSupported, Addr{})
		return fmt.Errorf("unsupported command: %d", req.Cmd)
	}
}

// authenticate performs method negotiation and the selected method's
// sub-negotiation. It returns the authenticated username, if any.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	greeting, err := ReadGreeting(conn, h.cfg.IdleTimeout)
	if err != nil {
		return "", err
	}

	var selected Authenticator
	for _, auth := range h.authenticators {
		if greeting.HasMethod(auth.GetMethod()) {
			selected = auth
			break
		}
	}

	if selected == nil {
		conn.Write(MethodChoice{Method: AuthMethodNoAcceptable}.Encode())
		h.metrics.RecordAuthFailure()
		return "", errors.New("no acceptable authentication method")
	}

	if _, err := conn.Write(MethodChoice{Method: selected.GetMethod()}.Encode()); err != nil {
		return "", err
	}

	user, err := selected.Authenticate(conn, h.cfg.IdleTimeout)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			h.metrics.RecordAuthFailure()
		}
		return "", err
	}
	return user, nil
}

// handleConnect handles CONNECT commands.
func (h *Handler) handleConnect(conn net.Conn, req Request, start time.Time) error {
	target, err := h.resolveDest(context.Background(), req.Dest)
	if err != nil {
		h.sendReply(conn, ReplyHostUnreachable, Addr{})
		return fmt.Errorf("resolve %s: %w", req.Dest.Host(), err)
	}

	// Create context that cancels when the client disconnects during the
	// dial. This prevents orphan outbound connections when clients (like
	// nmap) time out early.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if h.cfg.ConnectTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, h.cfg.ConnectTimeout)
		defer tcancel()
	}

	monitorDone := h.monitorClientDuringDial(conn, cancel)

	outbound, err := h.dialer.DialContext(ctx, "tcp", target.String())
	monitorDone()

	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("client disconnected during dial to %s", target)
		}
		h.sendReplyForError(conn, err)
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer outbound.Close()
	outbound = newCountingConn(outbound, h.cfg.Traffic)

	if err := h.sendReply(conn, ReplySucceeded, AddrFromNet(outbound.LocalAddr())); err != nil {
		return err
	}
	h.metrics.RecordHandshake(time.Since(start).Seconds())

	// Connections stay open indefinitely during the relay.
	conn.SetDeadline(time.Time{})
	outbound.SetDeadline(time.Time{})

	procAB, procBA := h.processors(conn, outbound)
	return relay(conn, outbound, h.cfg.TCPBufSize, procAB, procBA)
}

// processors instantiates the optional per-direction data processors.
func (h *Handler) processors(client, target net.Conn) (DataProcessor, DataProcessor) {
	var procAB, procBA DataProcessor
	if f := h.cfg.Processors.ClientToTarget; f != nil {
		procAB = f(client.RemoteAddr(), target.RemoteAddr())
	}
	if f := h.cfg.Processors.TargetToClient; f != nil {
		procBA = f(target.RemoteAddr(), client.RemoteAddr())
	}
	return procAB, procBA
}

// monitorClientDuringDial watches the client connection for early disconnect
// while an outbound dial is in flight. After the handshake the client should
// not send data until we reply, so any read completing means the client went
// away. The returned func stops the monitor and must be called once the dial
// finishes.
func (h *Handler) monitorClientDuringDial(conn net.Conn, cancel context.CancelFunc) func() {
	if ndm, ok := conn.(noDeadlineMonitor); ok && ndm.NoDeadlineMonitor() {
		return func() {}
	}

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})

	go func() {
		defer close(monitorExited)
		buf := make([]byte, 1)
		for {
			select {
			case <-dialDone:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			_, err := conn.Read(buf)
			select {
			case <-dialDone:
				return
			default:
			}
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				cancel()
				return
			}
			// Unexpected data before the reply is a protocol error.
			cancel()
			return
		}
	}()

	return func() {
		close(dialDone)
		// Interrupt any ongoing read, then wait for the monitor to exit so
		// it cannot swallow bytes meant for the relay.
		conn.SetReadDeadline(time.Now().Add(-time.Second))
		<-monitorExited
		conn.SetReadDeadline(time.Time{})
	}
}

// resolveDest turns a request address into a dialable endpoint. Domain names
// go through the name resolver; IP addresses pass through unchanged.
func (h *Handler) resolveDest(ctx context.Context, dest Addr) (Addr, error) {
	if dest.Type != AddrTypeDomain {
		return dest, nil
	}
	started := time.Now()
	ip, err := h.resolver.Resolve(ctx, dest.Domain)
	if err != nil {
		return Addr{}, err
	}
	h.metrics.RecordDNS(time.Since(started).Seconds())
	return IPAddr(ip, dest.Port), nil
}

// replyForRequestError maps a request-stage failure onto the wire. Timeouts
// map to TTL expired; malformed addresses to address-type-not-supported;
// everything else that still has a live connection gets a general failure.
func (h *Handler) replyForRequestError(conn net.Conn, err error) {
	switch {
	case errors.Is(err, ErrBadAtyp):
		h.sendReply(conn, ReplyAddrNotSupported, Addr{})
	case isTimeout(err):
		h.sendReply(conn, ReplyTTLExpired, Addr{})
	case errors.Is(err, ErrBadVersion), errors.Is(err, ErrBadReserved),
		errors.Is(err, ErrZeroLenDomain):
		h.sendReply(conn, ReplyServerFailure, Addr{})
	}
}

// sendReply sends a SOCKS5 reply. Write errors are returned but the
// connection is closing anyway; callers may swallow them.
func (h *Handler) sendReply(conn net.Conn, code byte, bind Addr) error {
	h.metrics.RecordReply(replyName(code))
	_, err := conn.Write(Reply{Code: code, Bind: bind}.Encode())
	return err
}

// sendReplyForError maps a network error to a SOCKS5 reply code and sends it.
func (h *Handler) sendReplyForError(conn net.Conn, err error) {
	h.sendReply(conn, mapErrorToReply(err), Addr{})
}

// mapErrorToReply converts an outbound-connection error to the appropriate
// SOCKS5 reply code.
func mapErrorToReply(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ReplyHostUnreachable
	case errors.Is(err, syscall.EAFNOSUPPORT):
		return ReplyAddrNotSupported
	case isTimeout(err):
		return ReplyTTLExpired
	}
	return ReplyServerFailure
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// cmdName returns the metrics label for a command byte.
func cmdName(cmd byte) string {
	switch cmd {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDPAssociate:
		return "udp_associate"
	}
	return "unknown"
}

// replyName returns the metrics label for a reply code.
func replyName(code byte) string {
	switch code {
	case ReplySucceeded:
		return "succeeded"
	case ReplyServerFailure:
		return "general_failure"
	case ReplyNotAllowed:
		return "not_allowed"
	case ReplyNetworkUnreachable:
		return "network_unreachable"
	case ReplyHostUnreachable:
		return "host_unreachable"
	case ReplyConnectionRefused:
		return "connection_refused"
	case ReplyTTLExpired:
		return "ttl_expired"
	case ReplyCmdNotSupported:
		return "command_not_supported"
	case ReplyAddrNotSupported:
		return "address_type_not_supported"
	}
	return strconv.Itoa(int(code))
}
