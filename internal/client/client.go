// Package client implements the client side of the SOCKS5 protocol:
// authentication plus the CONNECT, BIND, and UDP ASSOCIATE handshakes.
// It shares the wire codec with the server package.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/reitti-rele/internal/socks5"
)

// Auth holds username/password credentials for RFC 1929 authentication.
type Auth struct {
	Username string
	Password string
}

// ReplyError is returned when the proxy answers a request with a non-success
// reply code.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: request rejected with reply code 0x%02x", e.Code)
}

// Client speaks the SOCKS5 protocol to one proxy server.
type Client struct {
	// ProxyAddress is the proxy's host:port.
	ProxyAddress string

	// Auth enables username/password authentication when set.
	Auth *Auth

	// Timeout bounds each handshake message read (0 = no timeout).
	Timeout time.Duration
}

// dialProxy opens the control TCP connection.
func (c *Client) dialProxy(ctx context.Context) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.ProxyAddress)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}
	return conn, nil
}

// handshake negotiates the authentication method and runs the
// username/password sub-negotiation if selected.
func (c *Client) handshake(conn net.Conn) error {
	method := byte(socks5.AuthMethodNoAuth)
	if c.Auth != nil {
		method = socks5.AuthMethodUserPass
	}

	if _, err := conn.Write(socks5.Greeting{Methods: []byte{method}}.Encode()); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	choice, err := socks5.ReadMethodChoice(conn, c.Timeout)
	if err != nil {
		return fmt.Errorf("read method choice: %w", err)
	}
	if choice.Method == socks5.AuthMethodNoAcceptable {
		return errors.New("proxy accepts none of the offered auth methods")
	}
	if choice.Method != method {
		return fmt.Errorf("proxy selected unexpected method 0x%02x", choice.Method)
	}

	if method == socks5.AuthMethodUserPass {
		req := socks5.UserAuthRequest{
			Username: []byte(c.Auth.Username),
			Password: []byte(c.Auth.Password),
		}
		if _, err := conn.Write(req.Encode()); err != nil {
			return fmt.Errorf("send credentials: %w", err)
		}
		resp, err := socks5.ReadUserAuthResponse(conn, c.Timeout)
		if err != nil {
			return fmt.Errorf("read auth response: %w", err)
		}
		if resp.Status != socks5.AuthStatusSuccess {
			return errors.New("proxy rejected credentials")
		}
	}
	return nil
}

// request sends one request and reads the first reply.
func (c *Client) request(conn net.Conn, cmd byte, dest socks5.Addr) (socks5.Reply, error) {
	if _, err := conn.Write(socks5.Request{Cmd: cmd, Dest: dest}.Encode()); err != nil {
		return socks5.Reply{}, fmt.Errorf("send request: %w", err)
	}
	reply, err := socks5.ReadReply(conn, c.Timeout)
	if err != nil {
		return socks5.Reply{}, fmt.Errorf("read reply: %w", err)
	}
	if reply.Code != socks5.ReplySucceeded {
		return reply, &ReplyError{Code: reply.Code}
	}
	return reply, nil
}

// Connect performs the CONNECT handshake and returns the relayed connection
// together with the proxy-side bind address from the reply. The returned
// connection carries the target's byte stream.
func (c *Client) Connect(ctx context.Context, dest socks5.Addr) (net.Conn, socks5.Addr, error) {
	conn, err := c.dialProxy(ctx)
	if err != nil {
		return nil, socks5.Addr{}, err
	}
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, socks5.Addr{}, err
	}
	reply, err := c.request(conn, socks5.CmdConnect, dest)
	if err != nil {
		conn.Close()
		return nil, socks5.Addr{}, err
	}
	return conn, reply.Bind, nil
}

// BindSession is an in-flight BIND request between the first and second
// replies.
type BindSession struct {
	conn    net.Conn
	timeout time.Duration

	// ListenAddr is the endpoint the proxy is listening on, from the
	// first reply. Hand it to the peer application.
	ListenAddr socks5.Addr
}

// Bind performs the BIND handshake up to the first reply. The expectedPeer
// address names the endpoint the inbound connection must come from.
func (c *Client) Bind(ctx context.Context, expectedPeer socks5.Addr) (*BindSession, error) {
	conn, err := c.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := c.request(conn, socks5.CmdBind, expectedPeer)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &BindSession{
		conn:       conn,
		timeout:    c.Timeout,
		ListenAddr: reply.Bind,
	}, nil
}

// Await blocks until the proxy reports the inbound connection in its second
// reply, then returns the relayed connection and the peer's endpoint. The
// wait is bounded by the proxy's bind-wait timeout, not by the session's
// message timeout.
func (s *BindSession) Await() (net.Conn, socks5.Addr, error) {
	reply, err := socks5.ReadReply(s.conn, 0)
	if err != nil {
		s.conn.Close()
		return nil, socks5.Addr{}, fmt.Errorf("read second reply: %w", err)
	}
	if reply.Code != socks5.ReplySucceeded {
		s.conn.Close()
		return nil, socks5.Addr{}, &ReplyError{Code: reply.Code}
	}
	return s.conn, reply.Bind, nil
}

// Close abandons the session.
func (s *BindSession) Close() error {
	return s.conn.Close()
}

// UDPConn is an established UDP association. Datagrams written through it
// are framed with the RFC 1928 Section 7 relay header; received datagrams
// are unframed. Closing it closes the control TCP connection, which
// terminates the association on the proxy.
type UDPConn struct {
	control net.Conn
	udp     *net.UDPConn
	relay   *net.UDPAddr
}

// UDPAssociate performs the UDP ASSOCIATE handshake and opens a local UDP
// socket paired with the proxy's relay endpoint.
func (c *Client) UDPAssociate(ctx context.Context) (*UDPConn, error) {
	conn, err := c.dialProxy(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Announce a wildcard endpoint; the proxy learns our source address
	// from the first datagram.
	reply, err := c.request(conn, socks5.CmdUDPAssociate, socks5.IPAddr(nil, 0))
	if err != nil {
		conn.Close()
		return nil, err
	}

	relayIP := reply.Bind.IP
	if reply.Bind.IsUnspecified() {
		// Some servers advertise the wildcard; fall back to the proxy host.
		if host, _, err := net.SplitHostPort(c.ProxyAddress); err == nil {
			relayIP = net.ParseIP(host)
		}
	}
	if relayIP == nil {
		conn.Close()
		return nil, errors.New("proxy advertised unusable relay address")
	}

	network := "udp4"
	if relayIP.To4() == nil {
		network = "udp6"
	}
	udp, err := net.ListenUDP(network, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open local UDP socket: %w", err)
	}

	return &UDPConn{
		control: conn,
		udp:     udp,
		relay:   &net.UDPAddr{IP: relayIP, Port: int(reply.Bind.Port)},
	}, nil
}

// WriteTo sends payload to dest through the relay.
func (u *UDPConn) WriteTo(dest socks5.Addr, payload []byte) error {
	datagram := socks5.BuildUDPDatagram(dest, payload)
	_, err := u.udp.WriteToUDP(datagram, u.relay)
	return err
}

// ReadFrom receives one relayed datagram, returning the origin endpoint from
// the relay header and the payload.
func (u *UDPConn) ReadFrom(buf []byte) (socks5.Addr, []byte, error) {
	n, _, err := u.udp.ReadFromUDP(buf)
	if err != nil {
		return socks5.Addr{}, nil, err
	}
	header, payload, err := socks5.ParseUDPHeader(buf[:n])
	if err != nil {
		return socks5.Addr{}, nil, err
	}
	return header.Dest, payload, nil
}

// LocalAddr returns the local UDP socket address.
func (u *UDPConn) LocalAddr() *net.UDPAddr {
	return u.udp.LocalAddr().(*net.UDPAddr)
}

// SetReadDeadline bounds the next ReadFrom.
func (u *UDPConn) SetReadDeadline(t time.Time) error {
	return u.udp.SetReadDeadline(t)
}

// Close releases the UDP socket and the control connection.
func (u *UDPConn) Close() error {
	u.udp.Close()
	return u.control.Close()
}
