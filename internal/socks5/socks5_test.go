package socks5

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

// ============================================================================
// Authentication Tests
// ============================================================================

func TestNoAuthAuthenticator_Authenticate(t *testing.T) {
	auth := &NoAuthAuthenticator{}

	user, err := auth.Authenticate(nil, 0)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user != "" {
		t.Errorf("Authenticate() user = %q, want empty", user)
	}
	if auth.GetMethod() != AuthMethodNoAuth {
		t.Errorf("GetMethod() = %d, want %d", auth.GetMethod(), AuthMethodNoAuth)
	}
}

func TestStaticCredentials_Valid(t *testing.T) {
	creds := StaticCredentials{
		"user1": "pass1",
		"user2": "pass2",
	}

	tests := []struct {
		username string
		password string
		want     bool
	}{
		{"user1", "pass1", true},
		{"user2", "pass2", true},
		{"user1", "wrong", false},
		{"unknown", "pass1", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got := creds.Valid(tt.username, tt.password)
		if got != tt.want {
			t.Errorf("Valid(%q, %q) = %v, want %v", tt.username, tt.password, got, tt.want)
		}
	}
}

func TestHashedCredentials_Valid(t *testing.T) {
	creds := HashedCredentials{
		"user1": MustHashPassword("pass1"),
	}

	if !creds.Valid("user1", "pass1") {
		t.Error("Valid() = false for correct password")
	}
	if creds.Valid("user1", "wrong") {
		t.Error("Valid() = true for wrong password")
	}
	if creds.Valid("unknown", "pass1") {
		t.Error("Valid() = true for unknown user")
	}
}

func TestCredentialFunc(t *testing.T) {
	called := 0
	creds := CredentialFunc(func(user, pass string) bool {
		called++
		return user == "u" && pass == "p"
	})

	if !creds.Valid("u", "p") {
		t.Error("Valid() = false, want true")
	}
	if creds.Valid("u", "x") {
		t.Error("Valid() = true, want false")
	}
	if called != 2 {
		t.Errorf("predicate called %d times, want 2", called)
	}
}

func TestUserPassAuthenticator_Authenticate(t *testing.T) {
	auth := NewUserPassAuthenticator(StaticCredentials{"testuser": "testpass"})
	if auth.GetMethod() != AuthMethodUserPass {
		t.Fatalf("GetMethod() = %d, want %d", auth.GetMethod(), AuthMethodUserPass)
	}

	request := UserAuthRequest{
		Username: []byte("testuser"),
		Password: []byte("testpass"),
	}.Encode()

	writer := &bytes.Buffer{}
	user, err := auth.Authenticate(newMockConn(bytes.NewReader(request), writer), 0)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user != "testuser" {
		t.Errorf("Authenticate() user = %q, want %q", user, "testuser")
	}

	response := writer.Bytes()
	if len(response) != 2 || response[0] != UserAuthVersion || response[1] != AuthStatusSuccess {
		t.Errorf("Response = %v, want [0x01, 0x00]", response)
	}
}

func TestUserPassAuthenticator_Authenticate_Failure(t *testing.T) {
	auth := NewUserPassAuthenticator(StaticCredentials{"testuser": "testpass"})

	request := UserAuthRequest{
		Username: []byte("testuser"),
		Password: []byte("wrong"),
	}.Encode()

	writer := &bytes.Buffer{}
	_, err := auth.Authenticate(newMockConn(bytes.NewReader(request), writer), 0)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthFailed", err)
	}

	response := writer.Bytes()
	if len(response) != 2 || response[1] != AuthStatusFailure {
		t.Errorf("Response = %v, want failure status", response)
	}
}

func TestCreateAuthenticators(t *testing.T) {
	tests := []struct {
		name       string
		cfg        AuthConfig
		wantMethod byte
	}{
		{
			name:       "auth disabled offers no-auth only",
			cfg:        AuthConfig{Enabled: false},
			wantMethod: AuthMethodNoAuth,
		},
		{
			name: "plaintext users",
			cfg: AuthConfig{
				Enabled: true,
				Users:   map[string]string{"user": "pass"},
			},
			wantMethod: AuthMethodUserPass,
		},
		{
			name: "hashed users",
			cfg: AuthConfig{
				Enabled:     true,
				HashedUsers: map[string]string{"user": MustHashPassword("pass")},
			},
			wantMethod: AuthMethodUserPass,
		},
		{
			name: "custom predicate",
			cfg: AuthConfig{
				Enabled:  true,
				Validate: func(u, p string) bool { return true },
			},
			wantMethod: AuthMethodUserPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auths := CreateAuthenticators(tt.cfg)
			if len(auths) != 1 {
				t.Fatalf("len = %d, want 1", len(auths))
			}
			if auths[0].GetMethod() != tt.wantMethod {
				t.Errorf("method = %d, want %d", auths[0].GetMethod(), tt.wantMethod)
			}
		})
	}
}

// ============================================================================
// Server Tests
// ============================================================================

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	if cfg.Address != "127.0.0.1:1080" {
		t.Errorf("Address = %q, want %q", cfg.Address, "127.0.0.1:1080")
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v, want 60s", cfg.IdleTimeout)
	}
	if cfg.BindWaitTimeout != 30*time.Second {
		t.Errorf("BindWaitTimeout = %v, want 30s", cfg.BindWaitTimeout)
	}
	if cfg.TCPBufSize != DefaultTCPBufferSize {
		t.Errorf("TCPBufSize = %d, want %d", cfg.TCPBufSize, DefaultTCPBufferSize)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("Server should be running after Start()")
	}
	if s.Address() == nil {
		t.Error("Address() should return address after Start()")
	}

	if err := s.Start(); err == nil {
		t.Error("Double Start() should fail")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("Server should not be running after Stop()")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Double Stop() error = %v", err)
	}
}

// startEchoServer runs a TCP echo server for the duration of the test.
func startEchoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr()
}

// startServer runs a SOCKS5 server for the duration of the test.
func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

// greet performs the method negotiation, asserting the selected method.
func greet(t *testing.T, conn net.Conn, offered []byte, wantMethod byte) {
	t.Helper()
	if _, err := conn.Write(Greeting{Methods: offered}.Encode()); err != nil {
		t.Fatalf("send greeting: %v", err)
	}
	choice, err := ReadMethodChoice(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read method choice: %v", err)
	}
	if choice.Method != wantMethod {
		t.Fatalf("method = 0x%02x, want 0x%02x", choice.Method, wantMethod)
	}
}

func TestServer_ConnectToEcho(t *testing.T) {
	echoAddr := startEchoServer(t)
	s := startServer(t, DefaultServerConfig())

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	greet(t, conn, []byte{AuthMethodNoAuth}, AuthMethodNoAuth)

	dest := AddrFromNet(echoAddr)
	conn.Write(Request{Cmd: CmdConnect, Dest: dest}.Encode())

	reply, err := ReadReply(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Code != ReplySucceeded {
		t.Fatalf("reply = %d, want %d", reply.Code, ReplySucceeded)
	}

	payload := []byte("hello")
	conn.Write(payload)

	response := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, response); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(response, payload) {
		t.Errorf("echo = %q, want %q", response, payload)
	}
}

func TestServer_UserPassSuccess(t *testing.T) {
	echoAddr := startEchoServer(t)

	cfg := DefaultServerConfig().WithAuthenticators(
		NewUserPassAuthenticator(StaticCredentials{"alice": "pw"}))
	s := startServer(t, cfg)

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	greet(t, conn, []byte{AuthMethodUserPass}, AuthMethodUserPass)

	conn.Write(UserAuthRequest{Username: []byte("alice"), Password: []byte("pw")}.Encode())
	status, err := ReadUserAuthResponse(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if status.Status != AuthStatusSuccess {
		t.Fatalf("auth status = %d, want 0", status.Status)
	}

	conn.Write(Request{Cmd: CmdConnect, Dest: AddrFromNet(echoAddr)}.Encode())
	reply, err := ReadReply(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Code != ReplySucceeded {
		t.Errorf("reply = %d, want %d", reply.Code, ReplySucceeded)
	}
}

func TestServer_UserPassFailure_NoReplyEmitted(t *testing.T) {
	cfg := DefaultServerConfig().WithAuthenticators(
		NewUserPassAuthenticator(StaticCredentials{"alice": "pw"}))
	s := startServer(t, cfg)

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	greet(t, conn, []byte{AuthMethodUserPass}, AuthMethodUserPass)

	// Wrong password. The server must answer with an auth failure and
	// close without ever sending a Reply.
	conn.Write(UserAuthRequest{Username: []byte("alice"), Password: []byte("nope")}.Encode())

	status, err := ReadUserAuthResponse(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	if status.Status != AuthStatusFailure {
		t.Fatalf("auth status = %d, want 1", status.Status)
	}

	// A request sent now must be answered by the close, never by a Reply.
	conn.Write(Request{Cmd: CmdConnect, Dest: IPAddr(net.IPv4(127, 0, 0, 1), 80)}.Encode())
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); n != 0 || err == nil {
		t.Errorf("after auth failure: read %d bytes, err = %v, want closed connection", n, err)
	}
}

func TestServer_NoAcceptableMethod(t *testing.T) {
	cfg := DefaultServerConfig().WithAuthenticators(
		NewUserPassAuthenticator(StaticCredentials{"alice": "pw"}))
	s := startServer(t, cfg)

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// Offer only no-auth against an auth-required server.
	conn.Write(Greeting{Methods: []byte{AuthMethodNoAuth}}.Encode())

	choice, err := ReadMethodChoice(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read method choice: %v", err)
	}
	if choice.Method != AuthMethodNoAcceptable {
		t.Fatalf("method = 0x%02x, want 0xFF", choice.Method)
	}

	// A request sent now must be answered by the close, never by a Reply.
	conn.Write(Request{Cmd: CmdConnect, Dest: IPAddr(net.IPv4(127, 0, 0, 1), 80)}.Encode())
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); n != 0 || err == nil {
		t.Errorf("after method rejection: read %d bytes, err = %v, want closed connection", n, err)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	s := startServer(t, DefaultServerConfig())

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	greet(t, conn, []byte{AuthMethodNoAuth}, AuthMethodNoAuth)

	conn.Write(Request{Cmd: 0x09, Dest: IPAddr(net.IPv4(127, 0, 0, 1), 80)}.Encode())

	reply, err := ReadReply(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Code != ReplyCmdNotSupported {
		t.Errorf("reply = %d, want %d", reply.Code, ReplyCmdNotSupported)
	}
}

func TestServer_ConnectRefused(t *testing.T) {
	// Grab a port that nothing is listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr()
	ln.Close()

	s := startServer(t, DefaultServerConfig())

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	greet(t, conn, []byte{AuthMethodNoAuth}, AuthMethodNoAuth)
	conn.Write(Request{Cmd: CmdConnect, Dest: AddrFromNet(deadAddr)}.Encode())

	reply, err := ReadReply(conn, 5*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Code != ReplyConnectionRefused {
		t.Errorf("reply = %d, want %d", reply.Code, ReplyConnectionRefused)
	}
}

func TestServer_WithStandardProxyClient(t *testing.T) {
	echoAddr := startEchoServer(t)

	cfg := DefaultServerConfig().WithAuthenticators(
		NewUserPassAuthenticator(StaticCredentials{"alice": "pw"}))
	s := startServer(t, cfg)

	dialer, err := proxy.SOCKS5("tcp", s.Address().String(),
		&proxy.Auth{User: "alice", Password: "pw"}, proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5: %v", err)
	}

	conn, err := dialer.Dial("tcp", echoAddr.String())
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()

	payload := []byte("via golang.org/x/net/proxy")
	conn.Write(payload)

	response := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, response); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(response, payload) {
		t.Errorf("echo = %q, want %q", response, payload)
	}
}

func TestServer_RelayFidelity(t *testing.T) {
	echoAddr := startEchoServer(t)
	s := startServer(t, DefaultServerConfig())

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	greet(t, conn, []byte{AuthMethodNoAuth}, AuthMethodNoAuth)
	conn.Write(Request{Cmd: CmdConnect, Dest: AddrFromNet(echoAddr)}.Encode())
	if reply, err := ReadReply(conn, 5*time.Second); err != nil || reply.Code != ReplySucceeded {
		t.Fatalf("connect failed: reply=%v err=%v", reply, err)
	}

	// 1 MiB of patterned data must come back byte-exact.
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	go func() {
		conn.Write(payload)
	}()

	response := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if _, err := io.ReadFull(conn, response); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(response, payload) {
		t.Error("relayed stream differs from input")
	}
}

func TestConnSet(t *testing.T) {
	set := newConnSet()

	a := newMockConn(bytes.NewReader(nil), nil)
	b := newMockConn(bytes.NewReader(nil), nil)
	set.add(a)
	set.add(b)
	if set.size() != 2 {
		t.Errorf("size() = %d, want 2", set.size())
	}

	set.remove(a)
	set.remove(a) // double remove must be harmless
	if set.size() != 1 {
		t.Errorf("size() = %d, want 1", set.size())
	}

	set.closeAll()
	if set.size() != 0 {
		t.Errorf("size() = %d after closeAll, want 0", set.size())
	}
	set.remove(b) // late remove after closeAll must be harmless
}

// ============================================================================
// Handler Unit Tests
// ============================================================================

func TestMapErrorToReply(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want byte
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, ReplyHostUnreachable},
		{"timeout", &timeoutError{}, ReplyTTLExpired},
		{"generic", errors.New("boom"), ReplyServerFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErrorToReply(tt.err); got != tt.want {
				t.Errorf("mapErrorToReply() = %d, want %d", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Helper Types
// ============================================================================

// timeoutError implements net.Error for tests.
type timeoutError struct{}

func (*timeoutError) Error() string   { return "timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

// mockConn implements net.Conn for testing.
type mockConn struct {
	reader io.Reader
	writer io.Writer
}

func newMockConn(reader io.Reader, writer io.Writer) *mockConn {
	if writer == nil {
		writer = &bytes.Buffer{}
	}
	return &mockConn{reader: reader, writer: writer}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	return m.reader.Read(b)
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	return m.writer.Write(b)
}

func (m *mockConn) Close() error                       { return nil }
func (m *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
