// Package wizard provides an interactive setup wizard for Reitti Rele.
package wizard

import (
	"fmt"
	"net"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/reitti-rele/internal/config"
	"github.com/postalsys/reitti-rele/internal/socks5"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginBottom(1)

	summaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			MarginTop(1)
)

// Run executes the interactive setup wizard and writes the resulting
// configuration file.
func Run() (*Result, error) {
	fmt.Println(bannerStyle.Render("Reitti Rele setup"))

	cfg := config.Default()
	configPath := "./config.yaml"

	var (
		address     = cfg.Server.Address
		authEnabled bool
		username    string
		password    string
		metricsOn   = true
		httpOn      bool
		httpAddress = cfg.HTTP.Address
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config file path").
				Value(&configPath),
			huh.NewInput().
				Title("SOCKS5 listen address").
				Description("host:port the proxy listens on").
				Value(&address).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Require username/password authentication?").
				Value(&authEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Value(&username).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("username is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("password is required")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return !authEnabled }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Prometheus metrics?").
				Value(&metricsOn),
			huh.NewConfirm().
				Title("Enable the status HTTP server?").
				Value(&httpOn),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Status server address").
				Value(&httpAddress),
		).WithHideFunc(func() bool { return !httpOn }),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("setup wizard failed: %w", err)
	}

	cfg.Server.Address = address
	cfg.Metrics.Enabled = metricsOn
	cfg.HTTP.Enabled = httpOn
	cfg.HTTP.Address = httpAddress

	if authEnabled {
		hash, err := socks5.HashPassword(password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		cfg.Auth.Enabled = true
		cfg.Auth.Users = []config.UserConfig{{
			Username:     username,
			PasswordHash: hash,
		}}
	}

	if err := cfg.Save(configPath); err != nil {
		return nil, err
	}

	summary := "Wrote " + configPath + " (listen " + address
	if authEnabled {
		summary += ", auth " + strconv.Quote(username)
	}
	summary += ")"
	fmt.Println(summaryStyle.Render(summary))

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}
