package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Channel describes a single WebSocket channel exposed by the server.
type Channel struct {
	Name       string `yaml:"name" json:"name"`
	Address    string `yaml:"address" json:"address"` // ws://host:port/path or wss://host:port/path
	DataFormat string `yaml:"data_format" json:"data_format"`

	SecName string `yaml:"sec_name" json:"sec_name"`
	SecType string `yaml:"sec_type" json:"sec_type"`

	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`

	TokenTTL             Duration `yaml:"token_ttl" json:"token_ttl"`
	NewTokenWaitTime     Duration `yaml:"new_token_wait_time" json:"new_token_wait_time"`
	PingInterval         Duration `yaml:"ping_interval" json:"ping_interval"`
	PingsMissedThreshold int      `yaml:"pings_missed_threshold" json:"pings_missed_threshold"`

	JSONLibrary string `yaml:"json_library" json:"json_library"`
	HookService string `yaml:"hook_service" json:"hook_service"`
	ServiceName string `yaml:"service_name" json:"service_name"`

	IsAuditLogSentActive     bool `yaml:"is_audit_log_sent_active" json:"is_audit_log_sent_active"`
	IsAuditLogReceivedActive bool `yaml:"is_audit_log_received_active" json:"is_audit_log_received_active"`

	MaxLenMessagesSent     int `yaml:"max_len_messages_sent" json:"max_len_messages_sent"`
	MaxLenMessagesReceived int `yaml:"max_len_messages_received" json:"max_len_messages_received"`

	InteractUpdateInterval Duration `yaml:"interact_update_interval" json:"interact_update_interval"`

	// Derived from Address by Normalize.
	Host     string `yaml:"-" json:"-"`
	Port     int    `yaml:"-" json:"-"`
	Path     string `yaml:"-" json:"-"`
	NeedsTLS bool   `yaml:"-" json:"-"`
}

// Settings is the full server configuration.
type Settings struct {
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	DataDir     string `yaml:"data_dir" json:"data_dir"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	AuditBackend string `yaml:"audit_backend" json:"audit_backend"` // "console" or "sqlite"

	Channel Channel `yaml:"channel" json:"channel"`
}

// Defaults returns the baseline configuration.
func Defaults() *Settings {
	return &Settings{
		LogLevel:     "info",
		LogFormat:    "auto",
		DataDir:      "/var/lib/wsbridge",
		MetricsAddr:  "127.0.0.1:9193",
		AuditBackend: "console",
		Channel: Channel{
			Name:                   "default",
			Address:                "ws://0.0.0.0:33133/",
			DataFormat:             "json",
			TokenTTL:               Duration(3600 * time.Second),
			NewTokenWaitTime:       Duration(5 * time.Second),
			PingInterval:           Duration(30 * time.Second),
			PingsMissedThreshold:   2,
			JSONLibrary:            "default",
			ServiceName:            "helpers.echo",
			MaxLenMessagesSent:     50,
			MaxLenMessagesReceived: 50,
			InteractUpdateInterval: Duration(90 * time.Second),
		},
	}
}

// NeedsAuth reports whether the channel requires credentials on create-session.
func (c *Channel) NeedsAuth() bool {
	return c.SecName != ""
}

// Normalize derives Host, Port, Path and NeedsTLS from Address.
func (c *Channel) Normalize() error {
	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("invalid channel address %q: %w", c.Address, err)
	}

	switch u.Scheme {
	case "ws":
		c.NeedsTLS = false
	case "wss":
		c.NeedsTLS = true
	default:
		return fmt.Errorf("invalid channel address scheme %q, must be ws or wss", u.Scheme)
	}

	c.Host = u.Hostname()
	port := u.Port()
	if port == "" {
		return fmt.Errorf("channel address %q has no port", c.Address)
	}
	if _, err := fmt.Sscanf(port, "%d", &c.Port); err != nil {
		return fmt.Errorf("invalid port in channel address %q: %w", c.Address, err)
	}

	c.Path = u.Path
	if c.Path == "" {
		c.Path = "/"
	}

	return nil
}

// Validate checks the configuration for consistency.
func (s *Settings) Validate() error {
	if err := s.Channel.Normalize(); err != nil {
		return err
	}

	c := &s.Channel
	if c.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if c.DataFormat != "" && c.DataFormat != "json" {
		return fmt.Errorf("unsupported data format %q, only json is supported", c.DataFormat)
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("token_ttl must not be negative")
	}
	if c.NewTokenWaitTime < 0 {
		return fmt.Errorf("new_token_wait_time must not be negative")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	if c.PingsMissedThreshold < 1 {
		return fmt.Errorf("pings_missed_threshold must be at least 1")
	}
	if c.NeedsTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("wss address requires tls_cert_file and tls_key_file")
	}

	switch strings.ToLower(s.AuditBackend) {
	case "", "console", "sqlite":
	default:
		return fmt.Errorf("unsupported audit backend %q", s.AuditBackend)
	}

	return nil
}
