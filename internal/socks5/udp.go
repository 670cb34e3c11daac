package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/reitti-rele/internal/logging"
	"github.com/postalsys/reitti-rele/internal/metrics"
)

// UDPRelayFunc overrides the built-in UDP association loop. It receives the
// control TCP connection (whose closure must terminate the relay), the bound
// relay socket, the client address carried in the UDP ASSOCIATE request, the
// handler configuration, and the byte counters. The function owns udpConn
// and must close it before returning.
type UDPRelayFunc func(ctx context.Context, control net.Conn, udpConn *net.UDPConn, clientAddr Addr, cfg HandlerConfig, traffic *metrics.Traffic) error

// handleUDPAssociate handles UDP ASSOCIATE commands (RFC 1928 Section 7).
// It allocates a relay socket, reports it to the client, and services the
// association until the control TCP connection terminates.
func (h *Handler) handleUDPAssociate(conn net.Conn, req Request) error {
	bindIP := h.cfg.UDPBindIP
	if bindIP == nil {
		if tcpLocal, ok := conn.LocalAddr().(*net.TCPAddr); ok && tcpLocal != nil {
			bindIP = tcpLocal.IP
		}
	}

	// Force the address family explicitly: on some platforms "udp" creates a
	// dual-stack socket that reports [::] as its local address, which SOCKS5
	// clients cannot send to.
	network := "udp4"
	if bindIP != nil && bindIP.To4() == nil {
		network = "udp6"
	}
	udpConn, err := net.ListenUDP(network, &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, Addr{})
		return fmt.Errorf("create UDP relay socket: %w", err)
	}

	relayPort := uint16(udpConn.LocalAddr().(*net.UDPAddr).Port)
	replyAddr := IPAddr(advertiseIP(conn, udpConn.LocalAddr()), relayPort)
	if err := h.sendReply(conn, ReplySucceeded, replyAddr); err != nil {
		udpConn.Close()
		return err
	}

	// The control connection stays open but idle for the lifetime of the
	// association.
	conn.SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if h.cfg.UDPRelay != nil {
		return h.cfg.UDPRelay(ctx, conn, udpConn, req.Dest, h.cfg, h.cfg.Traffic)
	}

	assoc := newUDPAssociation(ctx, udpConn, req.Dest, h)
	h.metrics.RecordUDPAssociationOpen()
	defer h.metrics.RecordUDPAssociationClose()

	go assoc.relayLoop()

	// A UDP association terminates when the TCP connection that the UDP
	// ASSOCIATE request arrived on terminates (RFC 1928 Section 7).
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	assoc.Close()
	return nil
}

// UDPAssociation is one active UDP relay. A single socket services both
// flows: datagrams from the client's learned endpoint are unwrapped and
// forwarded to their destination; datagrams from anywhere else are wrapped
// with a relay header and forwarded to the client.
type UDPAssociation struct {
	udpConn  *net.UDPConn
	resolver NameResolver
	traffic  *metrics.Traffic
	metrics  *metrics.Metrics
	logger   *slog.Logger
	bufSize  int

	// expectedClient is the endpoint the client announced in its request,
	// nil when the request carried a wildcard.
	expectedClient *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu           sync.RWMutex
	actualClient *net.UDPAddr
}

// newUDPAssociation wires an association to the handler's collaborators.
func newUDPAssociation(ctx context.Context, udpConn *net.UDPConn, reqAddr Addr, h *Handler) *UDPAssociation {
	ctx, cancel := context.WithCancel(ctx)

	var expected *net.UDPAddr
	if reqAddr.Type != AddrTypeDomain && !reqAddr.IsUnspecified() {
		expected = &net.UDPAddr{IP: reqAddr.IP, Port: int(reqAddr.Port)}
	}

	return &UDPAssociation{
		udpConn:        udpConn,
		resolver:       h.resolver,
		traffic:        h.cfg.Traffic,
		metrics:        h.metrics,
		logger:         h.logger,
		bufSize:        h.cfg.UDPBufSize,
		expectedClient: expected,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// LocalAddr returns the relay socket's bound address.
func (a *UDPAssociation) LocalAddr() *net.UDPAddr {
	return a.udpConn.LocalAddr().(*net.UDPAddr)
}

// ClientAddr returns the learned client endpoint, or nil before the first
// datagram.
func (a *UDPAssociation) ClientAddr() *net.UDPAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.actualClient
}

// Close terminates the association and releases the relay socket.
func (a *UDPAssociation) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	return a.udpConn.Close()
}

// IsClosed returns true if the association is closed.
func (a *UDPAssociation) IsClosed() bool {
	return a.closed.Load()
}

// relayLoop services both relay flows until the association closes.
func (a *UDPAssociation) relayLoop() {
	buf := make([]byte, a.bufSize)

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		n, from, err := a.udpConn.ReadFromUDP(buf)
		if err != nil {
			if a.IsClosed() {
				return
			}
			continue
		}
		a.traffic.AddRecvBytes(n)

		client := a.ClientAddr()
		switch {
		case client == nil:
			a.learnAndForward(from, buf[:n])
		case udpAddrEqual(from, client):
			a.forwardToTarget(buf[:n])
		default:
			a.forwardToClient(from, buf[:n])
		}
	}
}

// learnAndForward handles the first datagram: it fixes the client's UDP
// source endpoint, then forwards. Datagrams that do not match the announced
// client endpoint, or that do not carry a valid relay header, are dropped
// without learning anything.
func (a *UDPAssociation) learnAndForward(from *net.UDPAddr, datagram []byte) {
	if a.expectedClient != nil {
		if !from.IP.Equal(a.expectedClient.IP) ||
			(a.expectedClient.Port != 0 && from.Port != a.expectedClient.Port) {
			a.metrics.RecordUDPDrop("unexpected_source")
			return
		}
	}
	if _, _, err := ParseUDPHeader(datagram); err != nil {
		a.dropInvalid(err)
		return
	}

	a.mu.Lock()
	if a.actualClient == nil {
		a.actualClient = from
	}
	learned := a.actualClient
	a.mu.Unlock()

	if udpAddrEqual(from, learned) {
		a.forwardToTarget(datagram)
	}
}

// forwardToTarget unwraps a client datagram and sends the payload to its
// destination. Invalid datagrams are dropped silently.
func (a *UDPAssociation) forwardToTarget(datagram []byte) {
	header, payload, err := ParseUDPHeader(datagram)
	if err != nil {
		a.dropInvalid(err)
		return
	}

	dest := header.Dest
	if dest.Type == AddrTypeDomain {
		ip, err := a.resolver.Resolve(a.ctx, dest.Domain)
		if err != nil {
			a.metrics.RecordUDPDrop("resolve_failure")
			return
		}
		dest = IPAddr(ip, dest.Port)
	}

	n, err := a.udpConn.WriteToUDP(payload, &net.UDPAddr{IP: dest.IP, Port: int(dest.Port)})
	if err != nil {
		a.logger.Debug("udp relay: forward to target failed", logging.KeyError, err)
		return
	}
	a.traffic.AddSentBytes(n)
}

// forwardToClient wraps a target datagram with a relay header and sends it
// to the learned client endpoint.
func (a *UDPAssociation) forwardToClient(from *net.UDPAddr, payload []byte) {
	client := a.ClientAddr()
	if client == nil {
		a.metrics.RecordUDPDrop("no_client")
		return
	}

	datagram := BuildUDPDatagram(IPAddr(from.IP, uint16(from.Port)), payload)
	n, err := a.udpConn.WriteToUDP(datagram, client)
	if err != nil {
		a.logger.Debug("udp relay: forward to client failed", logging.KeyError, err)
		return
	}
	a.traffic.AddSentBytes(n)
}

// dropInvalid records why a datagram was discarded.
func (a *UDPAssociation) dropInvalid(err error) {
	switch err {
	case ErrFragmentedDatagram:
		a.metrics.RecordUDPDrop("fragmented")
	case ErrBadReserved:
		a.metrics.RecordUDPDrop("bad_reserved")
	default:
		a.metrics.RecordUDPDrop("malformed")
	}
}

// udpAddrEqual compares two UDP endpoints.
func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
