package socks5

import (
	"io"
	"net"
	"time"

	"github.com/postalsys/reitti-rele/internal/metrics"
)

// halfCloser is implemented by connections that support half-close (TCP).
// This allows signaling that one direction is done while keeping the other
// open.
type halfCloser interface {
	CloseWrite() error
}

// noDeadlineMonitor is an optional interface that connections can implement
// to indicate they don't support deadline-based polling for disconnect
// detection. WebSocket connections implement this because their underlying
// library closes the connection when read contexts are canceled, which
// breaks the polling pattern.
type noDeadlineMonitor interface {
	NoDeadlineMonitor() bool
}

// countingConn wraps a net.Conn and adds every completed read to the
// recv-bytes counter and every completed write to the sent-bytes counter.
type countingConn struct {
	net.Conn
	traffic *metrics.Traffic
}

// newCountingConn wraps conn. A nil traffic leaves the connection untouched.
func newCountingConn(conn net.Conn, traffic *metrics.Traffic) net.Conn {
	if traffic == nil {
		return conn
	}
	return &countingConn{Conn: conn, traffic: traffic}
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.traffic.AddRecvBytes(n)
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.traffic.AddSentBytes(n)
	return n, err
}

// CloseWrite delegates half-close to the underlying connection when it
// supports it.
func (c *countingConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// NoDeadlineMonitor delegates to the underlying connection.
func (c *countingConn) NoDeadlineMonitor() bool {
	if m, ok := c.Conn.(noDeadlineMonitor); ok {
		return m.NoDeadlineMonitor()
	}
	return false
}

// armIdleDeadline sets a read deadline covering one logical message and
// returns a func that clears it again. A zero timeout disables the deadline.
func armIdleDeadline(conn net.Conn, timeout time.Duration) func() {
	if timeout <= 0 {
		return func() {}
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	return func() { conn.SetReadDeadline(time.Time{}) }
}

// ReadGreeting reads one client greeting from conn. The idle timeout spans
// the whole message.
func ReadGreeting(conn net.Conn, timeout time.Duration) (Greeting, error) {
	defer armIdleDeadline(conn, timeout)()

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return Greeting{}, err
	}
	if hdr[0] != SOCKS5Version {
		return Greeting{}, ErrBadVersion
	}
	n := int(hdr[1])
	if n == 0 {
		return Greeting{}, ErrNoMethods
	}

	buf := make([]byte, 2+n)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(conn, buf[2:]); err != nil {
		return Greeting{}, err
	}
	g, _, err := DecodeGreeting(buf)
	return g, err
}

// ReadMethodChoice reads the server's method selection.
func ReadMethodChoice(conn net.Conn, timeout time.Duration) (MethodChoice, error) {
	defer armIdleDeadline(conn, timeout)()

	var buf [2]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return MethodChoice{}, err
	}
	c, _, err := DecodeMethodChoice(buf[:])
	return c, err
}

// ReadUserAuthRequest reads one RFC 1929 sub-negotiation request.
func ReadUserAuthRequest(conn net.Conn, timeout time.Duration) (UserAuthRequest, error) {
	defer armIdleDeadline(conn, timeout)()

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return UserAuthRequest{}, err
	}
	if hdr[0] != UserAuthVersion {
		return UserAuthRequest{}, ErrBadVersion
	}
	ulen := int(hdr[1])
	if ulen == 0 {
		return UserAuthRequest{}, ErrZeroLenAuthField
	}

	// Username plus the password length byte.
	buf := make([]byte, 2+ulen+1)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(conn, buf[2:]); err != nil {
		return UserAuthRequest{}, err
	}
	plen := int(buf[2+ulen])
	if plen == 0 {
		return UserAuthRequest{}, ErrZeroLenAuthField
	}

	buf = append(buf, make([]byte, plen)...)
	if _, err := io.ReadFull(conn, buf[2+ulen+1:]); err != nil {
		return UserAuthRequest{}, err
	}
	r, _, err := DecodeUserAuthRequest(buf)
	return r, err
}

// ReadUserAuthResponse reads the RFC 1929 status response.
func ReadUserAuthResponse(conn net.Conn, timeout time.Duration) (UserAuthResponse, error) {
	defer armIdleDeadline(conn, timeout)()

	var buf [2]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return UserAuthResponse{}, err
	}
	r, _, err := DecodeUserAuthResponse(buf[:])
	return r, err
}

// readAddrTail reads the rest of an address field given its fixed 4-byte
// message prefix (the last prefix byte is ATYP). It returns the complete
// message bytes ready for the pure decoder.
func readAddrTail(conn net.Conn, prefix []byte) ([]byte, error) {
	atyp := prefix[len(prefix)-1]
	buf := append([]byte(nil), prefix...)

	switch atyp {
	case AddrTypeIPv4:
		buf = append(buf, make([]byte, 4+2)...)
		if _, err := io.ReadFull(conn, buf[len(prefix):]); err != nil {
			return nil, err
		}

	case AddrTypeDomain:
		var lb [1]byte
		if _, err := io.ReadFull(conn, lb[:]); err != nil {
			return nil, err
		}
		buf = append(buf, lb[0])
		if lb[0] == 0 {
			return nil, ErrZeroLenDomain
		}
		buf = append(buf, make([]byte, int(lb[0])+2)...)
		if _, err := io.ReadFull(conn, buf[len(prefix)+1:]); err != nil {
			return nil, err
		}

	case AddrTypeIPv6:
		buf = append(buf, make([]byte, 16+2)...)
		if _, err := io.ReadFull(conn, buf[len(prefix):]); err != nil {
			return nil, err
		}

	default:
		return nil, ErrBadAtyp
	}
	return buf, nil
}

// ReadRequest reads one client request.
func ReadRequest(conn net.Conn, timeout time.Duration) (Request, error) {
	defer armIdleDeadline(conn, timeout)()

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return Request{}, err
	}
	if prefix[0] != SOCKS5Version {
		return Request{}, ErrBadVersion
	}
	if prefix[2] != 0x00 {
		return Request{}, ErrBadReserved
	}

	buf, err := readAddrTail(conn, prefix)
	if err != nil {
		return Request{}, err
	}
	r, _, err := DecodeRequest(buf)
	return r, err
}

// ReadReply reads one server reply.
func ReadReply(conn net.Conn, timeout time.Duration) (Reply, error) {
	defer armIdleDeadline(conn, timeout)()

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return Reply{}, err
	}
	if prefix[0] != SOCKS5Version {
		return Reply{}, ErrBadVersion
	}
	if prefix[2] != 0x00 {
		return Reply{}, ErrBadReserved
	}

	buf, err := readAddrTail(conn, prefix)
	if err != nil {
		return Reply{}, err
	}
	r, _, err := DecodeReply(buf)
	return r, err
}
