// Package main provides the CLI entry point for the Reitti Rele SOCKS5 proxy.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/reitti-rele/internal/client"
	"github.com/postalsys/reitti-rele/internal/config"
	"github.com/postalsys/reitti-rele/internal/health"
	"github.com/postalsys/reitti-rele/internal/logging"
	"github.com/postalsys/reitti-rele/internal/metrics"
	"github.com/postalsys/reitti-rele/internal/socks5"
	"github.com/postalsys/reitti-rele/internal/wizard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reitti-rele",
		Short: "Reitti Rele - Standalone SOCKS5 proxy server",
		Long: `Reitti Rele is a standalone SOCKS5 proxy server (RFC 1928 / RFC 1929).

It relays TCP streams and UDP datagrams on behalf of its clients,
supporting the CONNECT, BIND, and UDP ASSOCIATE commands with optional
username/password authentication.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(hashCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy server",
		Long:  "Start the SOCKS5 proxy with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if cfg.Server.WorkerThreads > 0 {
				runtime.GOMAXPROCS(cfg.Server.WorkerThreads)
			}

			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.Default()
			}
			traffic := m.NewTraffic()

			serverCfg := socks5.ServerConfig{
				Address:         cfg.Server.Address,
				MaxConnections:  cfg.Server.MaxConnections,
				ConnectTimeout:  cfg.Timeouts.Connect,
				IdleTimeout:     cfg.Timeouts.Idle,
				BindWaitTimeout: cfg.Timeouts.BindWait,
				TCPBufSize:      cfg.Buffers.TCP,
				UDPBufSize:      cfg.Buffers.UDP,
				Authenticators:  buildAuthenticators(cfg.Auth),
				Resolver: socks5.NewResolver(socks5.ResolverConfig{
					Servers: cfg.DNS.Servers,
					Timeout: cfg.DNS.Timeout,
				}),
				Logger:  logger,
				Metrics: m,
				Traffic: traffic,
			}

			srv := socks5.NewServer(serverCfg)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			fmt.Printf("SOCKS5 server: %s\n", srv.Address())

			if cfg.WebSocket.Enabled {
				wsCfg, err := buildWebSocketConfig(cfg)
				if err != nil {
					srv.Stop()
					return err
				}
				if err := srv.StartWebSocket(wsCfg); err != nil {
					srv.Stop()
					return fmt.Errorf("failed to start WebSocket listener: %w", err)
				}
				fmt.Printf("WebSocket ingress: %s%s\n", srv.WebSocketAddress(), cfg.WebSocket.Path)
			}

			var statusSrv *health.Server
			if cfg.HTTP.Enabled {
				statusSrv = health.NewServer(health.Config{
					Address:      cfg.HTTP.Address,
					ReadTimeout:  cfg.HTTP.ReadTimeout,
					WriteTimeout: cfg.HTTP.WriteTimeout,
					Pprof:        cfg.HTTP.PprofEnabled(),
					Metrics:      cfg.Metrics.Enabled,
				}, &statsProvider{server: srv, traffic: traffic}, logger)
				if err := statusSrv.Start(); err != nil {
					srv.Stop()
					return err
				}
				fmt.Printf("Status server: %s\n", statusSrv.Address())
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with a grace window
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if statusSrv != nil {
				statusSrv.Stop(ctx)
			}
			if err := srv.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Printf("Server stopped. Relayed %s in, %s out.\n",
				humanize.Bytes(traffic.RecvBytesTotal()),
				humanize.Bytes(traffic.SentBytesTotal()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// buildAuthenticators converts the auth config section.
func buildAuthenticators(cfg config.AuthConfig) []socks5.Authenticator {
	authCfg := socks5.AuthConfig{Enabled: cfg.Enabled}
	if cfg.Enabled {
		hashed := make(map[string]string)
		plain := make(map[string]string)
		for _, u := range cfg.Users {
			if u.PasswordHash != "" {
				hashed[u.Username] = u.PasswordHash
			} else {
				plain[u.Username] = u.Password
			}
		}
		// Hashed credentials take precedence when both are configured.
		if len(hashed) > 0 {
			authCfg.HashedUsers = hashed
		} else {
			authCfg.Users = plain
		}
	}
	return socks5.CreateAuthenticators(authCfg)
}

// buildWebSocketConfig converts the websocket config section.
func buildWebSocketConfig(cfg *config.Config) (socks5.WebSocketConfig, error) {
	wsCfg := socks5.WebSocketConfig{
		Address:   cfg.WebSocket.Address,
		Path:      cfg.WebSocket.Path,
		PlainText: cfg.WebSocket.PlainText,
	}
	if cfg.WebSocket.Cert != "" && cfg.WebSocket.Key != "" {
		cert, err := tls.LoadX509KeyPair(cfg.WebSocket.Cert, cfg.WebSocket.Key)
		if err != nil {
			return wsCfg, fmt.Errorf("failed to load WebSocket TLS keypair: %w", err)
		}
		wsCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return wsCfg, nil
}

// statsProvider adapts the server for the status endpoint.
type statsProvider struct {
	server  *socks5.Server
	traffic *metrics.Traffic
}

func (p *statsProvider) IsRunning() bool {
	return p.server.IsRunning()
}

func (p *statsProvider) Stats() health.Stats {
	address := ""
	if addr := p.server.Address(); addr != nil {
		address = addr.String()
	}
	return health.Stats{
		Running:     p.server.IsRunning(),
		Address:     address,
		Connections: p.server.ConnectionCount(),
		RecvBytes:   p.traffic.RecvBytesTotal(),
		SentBytes:   p.traffic.SentBytesTotal(),
	}
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Run an interactive wizard that generates a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.Run()
			return err
		},
	}
}

func checkCmd() *cobra.Command {
	var (
		proxyAddr string
		username  string
		password  string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check <host:port>",
		Short: "Test a CONNECT through the proxy",
		Long: `Check performs a full SOCKS5 CONNECT handshake through a running proxy
to the given target and reports the result.

Use this to verify the proxy is reachable and relaying before pointing
applications at it.`,
		Example: `  # Through a local proxy
  reitti-rele check example.com:80

  # Through a remote proxy with authentication
  reitti-rele check -x 10.0.0.1:1080 -u alice -p secret example.com:443`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, portStr, err := net.SplitHostPort(args[0])
			if err != nil {
				return fmt.Errorf("invalid target: %w", err)
			}
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				return fmt.Errorf("invalid target port: %w", err)
			}

			c := &client.Client{
				ProxyAddress: proxyAddr,
				Timeout:      timeout,
			}
			if username != "" {
				c.Auth = &client.Auth{Username: username, Password: password}
			}

			dest := socks5.DomainAddr(host, uint16(port))
			if ip := net.ParseIP(host); ip != nil {
				dest = socks5.IPAddr(ip, uint16(port))
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			started := time.Now()
			conn, bind, err := c.Connect(ctx, dest)
			if err != nil {
				fmt.Printf("[FAILED] %v\n", err)
				return fmt.Errorf("check failed")
			}
			defer conn.Close()

			fmt.Printf("[OK] Connected via %s\n", proxyAddr)
			fmt.Printf("  Target:     %s\n", dest)
			fmt.Printf("  Bound as:   %s\n", bind)
			fmt.Printf("  Handshake:  %dms\n", time.Since(started).Milliseconds())
			return nil
		},
	}

	cmd.Flags().StringVarP(&proxyAddr, "proxy", "x", "127.0.0.1:1080", "Proxy address (host:port)")
	cmd.Flags().StringVarP(&username, "user", "u", "", "Username for authentication")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password for authentication")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Handshake timeout")

	return cmd
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash",
		Short: "Hash a password for the config file",
		Long: `Generate a bcrypt hash suitable for the auth.users password_hash field.

The password is read from the terminal without echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if len(password) == 0 {
				return fmt.Errorf("password must not be empty")
			}

			hash, err := socks5.HashPassword(string(password))
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}

			fmt.Println(hash)
			return nil
		},
	}
}
