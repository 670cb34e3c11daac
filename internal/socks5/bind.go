package socks5

import (
	"context"
	"fmt"
	"net"
	"time"
)

// handleBind handles BIND commands (RFC 1928 Section 4). The server opens a
// listener, advertises it in a first reply, waits for exactly one inbound
// connection from the peer named in the request, confirms it in a second
// reply, and relays.
func (h *Handler) handleBind(conn net.Conn, req Request) error {
	expected, err := h.resolveDest(context.Background(), req.Dest)
	if err != nil {
		h.sendReply(conn, ReplyHostUnreachable, Addr{})
		return fmt.Errorf("resolve bind peer %s: %w", req.Dest.Host(), err)
	}

	network := "tcp4"
	if expected.Type == AddrTypeIPv6 {
		network = "tcp6"
	}
	ln, err := net.Listen(network, ":0")
	if err != nil {
		h.sendReplyForError(conn, err)
		return fmt.Errorf("bind listen: %w", err)
	}
	defer ln.Close()

	// First reply: the listening endpoint, advertised on the interface the
	// client reached us on so the peer-side application can be told a
	// routable address.
	lnPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	advertised := IPAddr(advertiseIP(conn, ln.Addr()), lnPort)
	if err := h.sendReply(conn, ReplySucceeded, advertised); err != nil {
		return err
	}

	inbound, err := h.awaitBindPeer(ln, expected)
	if err != nil {
		if isTimeout(err) {
			h.metrics.RecordBindTimeout()
			h.sendReply(conn, ReplyHostUnreachable, Addr{})
		} else {
			h.sendReplyForError(conn, err)
		}
		return fmt.Errorf("bind wait: %w", err)
	}
	defer inbound.Close()
	h.metrics.RecordBindAccept()

	peer := AddrFromNet(inbound.RemoteAddr())
	wrapped := newCountingConn(inbound, h.cfg.Traffic)

	// Second reply: the inbound peer's endpoint.
	if err := h.sendReply(conn, ReplySucceeded, peer); err != nil {
		return err
	}

	conn.SetDeadline(time.Time{})
	wrapped.SetDeadline(time.Time{})

	procAB, procBA := h.processors(conn, wrapped)
	return relay(conn, wrapped, h.cfg.TCPBufSize, procAB, procBA)
}

// awaitBindPeer accepts inbound connections until one arrives from the
// expected peer or the bind-wait timeout expires. Connections from any other
// endpoint are closed and the wait continues.
func (h *Handler) awaitBindPeer(ln net.Listener, expected Addr) (net.Conn, error) {
	deadline := time.Now().Add(h.cfg.BindWaitTimeout)
	tcpLn, _ := ln.(*net.TCPListener)

	for {
		if tcpLn != nil && h.cfg.BindWaitTimeout > 0 {
			tcpLn.SetDeadline(deadline)
		}
		inbound, err := ln.Accept()
		if err != nil {
			return nil, err
		}

		peer, _ := inbound.RemoteAddr().(*net.TCPAddr)
		if peer == nil || !bindPeerMatches(expected, peer) {
			h.logger.Debug("bind: rejecting inbound from unexpected peer",
				"peer", inbound.RemoteAddr())
			inbound.Close()
			continue
		}
		return inbound, nil
	}
}

// bindPeerMatches reports whether the inbound peer is the endpoint the
// client named in its BIND request. A wildcard request address matches any
// peer, and a zero request port matches any source port.
func bindPeerMatches(expected Addr, peer *net.TCPAddr) bool {
	if expected.IsUnspecified() {
		return true
	}
	if !peer.IP.Equal(expected.IP) {
		return false
	}
	return expected.Port == 0 || uint16(peer.Port) == expected.Port
}

// advertiseIP picks the IP to advertise to the client for a wildcard-bound
// socket: the address the client connected to, falling back to the socket's
// own address, then loopback.
func advertiseIP(clientConn net.Conn, bound net.Addr) net.IP {
	if tcpLocal, ok := clientConn.LocalAddr().(*net.TCPAddr); ok && tcpLocal != nil && !tcpLocal.IP.IsUnspecified() {
		return tcpLocal.IP
	}
	switch b := bound.(type) {
	case *net.TCPAddr:
		if !b.IP.IsUnspecified() {
			return b.IP
		}
	case *net.UDPAddr:
		if !b.IP.IsUnspecified() {
			return b.IP
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
