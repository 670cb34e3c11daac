package socks5

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestGreeting_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		methods []byte
	}{
		{"no auth", []byte{AuthMethodNoAuth}},
		{"user pass", []byte{AuthMethodUserPass}},
		{"several", []byte{AuthMethodNoAuth, AuthMethodGSSAPI, AuthMethodUserPass}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Greeting{Methods: tt.methods}.Encode()
			decoded, n, err := DecodeGreeting(encoded)
			if err != nil {
				t.Fatalf("DecodeGreeting() error = %v", err)
			}
			if n != len(encoded) {
				t.Errorf("consumed = %d, want %d", n, len(encoded))
			}
			if !bytes.Equal(decoded.Methods, tt.methods) {
				t.Errorf("Methods = %v, want %v", decoded.Methods, tt.methods)
			}
		})
	}
}

func TestGreeting_Rejection(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrShortRead},
		{"bad version", []byte{0x04, 0x01, 0x00}, ErrBadVersion},
		{"zero methods", []byte{0x05, 0x00}, ErrNoMethods},
		{"truncated methods", []byte{0x05, 0x03, 0x00}, ErrShortRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeGreeting(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeGreeting() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUserAuthRequest_RoundTrip(t *testing.T) {
	req := UserAuthRequest{Username: []byte("alice"), Password: []byte("pw")}
	encoded := req.Encode()

	decoded, n, err := DecodeUserAuthRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeUserAuthRequest() error = %v", err)
	}
	if n != len(encoded) {
		t.Errorf("consumed = %d, want %d", n, len(encoded))
	}
	if string(decoded.Username) != "alice" || string(decoded.Password) != "pw" {
		t.Errorf("decoded = %q/%q, want alice/pw", decoded.Username, decoded.Password)
	}
}

func TestUserAuthRequest_Rejection(t *testing.T) {
	valid := UserAuthRequest{Username: []byte("u"), Password: []byte("p")}.Encode()

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{"bad version", func(b []byte) []byte { b[0] = 0x05; return b }, ErrBadVersion},
		{"zero ulen", func(b []byte) []byte { b[1] = 0; return b }, ErrZeroLenAuthField},
		{"zero plen", func(b []byte) []byte { b[2+1] = 0; return b }, ErrZeroLenAuthField},
		{"truncated", func(b []byte) []byte { return b[:3] }, ErrShortRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), valid...))
			_, _, err := DecodeUserAuthRequest(data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequest_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"ipv4 connect", Request{Cmd: CmdConnect, Dest: IPAddr(net.IPv4(10, 1, 2, 3), 443)}},
		{"ipv6 connect", Request{Cmd: CmdConnect, Dest: IPAddr(net.ParseIP("2001:db8::1"), 8080)}},
		{"domain connect", Request{Cmd: CmdConnect, Dest: DomainAddr("example.com", 80)}},
		{"bind", Request{Cmd: CmdBind, Dest: IPAddr(net.IPv4(192, 0, 2, 1), 21)}},
		{"udp associate", Request{Cmd: CmdUDPAssociate, Dest: IPAddr(nil, 0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.req.Encode()
			decoded, n, err := DecodeRequest(encoded)
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
			if n != len(encoded) {
				t.Errorf("consumed = %d, want %d", n, len(encoded))
			}
			if decoded.Cmd != tt.req.Cmd {
				t.Errorf("Cmd = %d, want %d", decoded.Cmd, tt.req.Cmd)
			}
			if decoded.Dest.String() != tt.req.Dest.String() {
				t.Errorf("Dest = %s, want %s", decoded.Dest, tt.req.Dest)
			}
			// Re-encoding the decoded value must reproduce the input.
			if !bytes.Equal(decoded.Encode(), encoded) {
				t.Errorf("re-encode mismatch: %v vs %v", decoded.Encode(), encoded)
			}
		})
	}
}

func TestRequest_Rejection(t *testing.T) {
	valid := Request{Cmd: CmdConnect, Dest: IPAddr(net.IPv4(127, 0, 0, 1), 80)}.Encode()

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{"bad version", func(b []byte) []byte { b[0] = 0x04; return b }, ErrBadVersion},
		{"nonzero rsv", func(b []byte) []byte { b[2] = 0x01; return b }, ErrBadReserved},
		{"bad atyp", func(b []byte) []byte { b[3] = 0x02; return b }, ErrBadAtyp},
		{"truncated addr", func(b []byte) []byte { return b[:6] }, ErrShortRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), valid...))
			_, _, err := DecodeRequest(data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequest_ZeroLenDomain(t *testing.T) {
	data := []byte{0x05, CmdConnect, 0x00, AddrTypeDomain, 0x00, 0x00, 0x50}
	_, _, err := DecodeRequest(data)
	if !errors.Is(err, ErrZeroLenDomain) {
		t.Errorf("error = %v, want %v", err, ErrZeroLenDomain)
	}
}

func TestReply_RoundTrip(t *testing.T) {
	reply := Reply{Code: ReplySucceeded, Bind: IPAddr(net.IPv4(127, 0, 0, 1), 1080)}
	encoded := reply.Encode()

	decoded, n, err := DecodeReply(encoded)
	if err != nil {
		t.Fatalf("DecodeReply() error = %v", err)
	}
	if n != len(encoded) {
		t.Errorf("consumed = %d, want %d", n, len(encoded))
	}
	if decoded.Code != ReplySucceeded {
		t.Errorf("Code = %d, want %d", decoded.Code, ReplySucceeded)
	}
	if decoded.Bind.String() != "127.0.0.1:1080" {
		t.Errorf("Bind = %s, want 127.0.0.1:1080", decoded.Bind)
	}
}

func TestReply_ZeroBindEncodesWildcard(t *testing.T) {
	encoded := Reply{Code: ReplyHostUnreachable}.Encode()
	decoded, _, err := DecodeReply(encoded)
	if err != nil {
		t.Fatalf("DecodeReply() error = %v", err)
	}
	if !decoded.Bind.IsUnspecified() || decoded.Bind.Port != 0 {
		t.Errorf("Bind = %s, want 0.0.0.0:0", decoded.Bind)
	}
}

func TestDecode_PrefixProperty(t *testing.T) {
	// If decode succeeds on a buffer with trailing garbage, re-encoding the
	// message must reproduce a prefix of that buffer.
	msg := Request{Cmd: CmdConnect, Dest: DomainAddr("example.org", 443)}
	data := append(msg.Encode(), 0xDE, 0xAD, 0xBE, 0xEF)

	decoded, n, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if !bytes.Equal(decoded.Encode(), data[:n]) {
		t.Errorf("encode(decode(b)) is not a prefix of b")
	}
}

func TestAddr_String(t *testing.T) {
	tests := []struct {
		addr Addr
		want string
	}{
		{IPAddr(net.IPv4(8, 8, 8, 8), 53), "8.8.8.8:53"},
		{IPAddr(net.ParseIP("::1"), 443), "[::1]:443"},
		{DomainAddr("example.com", 80), "example.com:80"},
	}
	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestAddrFromNet(t *testing.T) {
	tcp := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8080}
	addr := AddrFromNet(tcp)
	if addr.Type != AddrTypeIPv4 || addr.String() != "10.0.0.1:8080" {
		t.Errorf("AddrFromNet(tcp) = %s", addr)
	}

	udp := &net.UDPAddr{IP: net.ParseIP("2001:db8::2"), Port: 53}
	addr = AddrFromNet(udp)
	if addr.Type != AddrTypeIPv6 {
		t.Errorf("AddrFromNet(udp).Type = %d, want IPv6", addr.Type)
	}

	if addr = AddrFromNet(nil); !addr.IsUnspecified() {
		t.Errorf("AddrFromNet(nil) = %s, want wildcard", addr)
	}
}
