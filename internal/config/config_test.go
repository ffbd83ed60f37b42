package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNormalize(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		wantHost string
		wantPort int
		wantPath string
		wantTLS  bool
		wantErr  bool
	}{
		{"plain ws", "ws://0.0.0.0:33133/", "0.0.0.0", 33133, "/", false, false},
		{"ws with path", "ws://localhost:8080/chan", "localhost", 8080, "/chan", false, false},
		{"wss", "wss://example.com:443/wsx", "example.com", 443, "/wsx", true, false},
		{"no path defaults to root", "ws://127.0.0.1:9000", "127.0.0.1", 9000, "/", false, false},
		{"http scheme rejected", "http://localhost:8080/", "", 0, "", false, true},
		{"missing port rejected", "ws://localhost/", "", 0, "", false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Channel{Address: tc.address}
			err := c.Normalize()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantHost, c.Host)
			assert.Equal(t, tc.wantPort, c.Port)
			assert.Equal(t, tc.wantPath, c.Path)
			assert.Equal(t, tc.wantTLS, c.NeedsTLS)
		})
	}
}

func TestDefaultsValidate(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.Validate())

	assert.True(t, s.Channel.PingInterval.Std() > 0)
	assert.False(t, s.Channel.NeedsAuth())

	s.Channel.SecName = "channel-creds"
	assert.True(t, s.Channel.NeedsAuth())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero ping interval", func(s *Settings) { s.Channel.PingInterval = 0 }},
		{"zero threshold", func(s *Settings) { s.Channel.PingsMissedThreshold = 0 }},
		{"negative token ttl", func(s *Settings) { s.Channel.TokenTTL = Duration(-time.Second) }},
		{"xml data format", func(s *Settings) { s.Channel.DataFormat = "xml" }},
		{"wss without certs", func(s *Settings) { s.Channel.Address = "wss://localhost:9443/" }},
		{"bad audit backend", func(s *Settings) { s.AuditBackend = "kafka" }},
		{"empty name", func(s *Settings) { s.Channel.Name = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Defaults()
			tc.mutate(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wsbridge.yaml")
	content := `
log_level: debug
audit_backend: sqlite
channel:
  name: orders
  address: ws://127.0.0.1:41000/orders
  sec_name: orders-creds
  token_ttl: 120
  new_token_wait_time: 2s
  ping_interval: 5s
  pings_missed_threshold: 3
  service_name: orders.router
  is_audit_log_received_active: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	settings, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", settings.LogLevel)
	assert.Equal(t, "sqlite", settings.AuditBackend)

	c := settings.Channel
	assert.Equal(t, "orders", c.Name)
	assert.Equal(t, "/orders", c.Path)
	assert.Equal(t, 41000, c.Port)
	assert.Equal(t, 120*time.Second, c.TokenTTL.Std())
	assert.Equal(t, 2*time.Second, c.NewTokenWaitTime.Std())
	assert.Equal(t, 5*time.Second, c.PingInterval.Std())
	assert.Equal(t, 3, c.PingsMissedThreshold)
	assert.True(t, c.NeedsAuth())
	assert.True(t, c.IsAuditLogReceivedActive)
	assert.False(t, c.IsAuditLogSentActive)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wsbridge.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channel":{"address":"ws://127.0.0.1:41001/a"}}`), 0o600))

	t.Setenv("WSBRIDGE_ADDRESS", "ws://127.0.0.1:41002/b")
	t.Setenv("WSBRIDGE_PING_INTERVAL", "0.2")
	t.Setenv("WSBRIDGE_PINGS_MISSED_THRESHOLD", "5")
	t.Setenv("WSBRIDGE_AUDIT_LOG_SENT", "true")

	settings, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "/b", settings.Channel.Path)
	assert.Equal(t, 41002, settings.Channel.Port)
	assert.Equal(t, 200*time.Millisecond, settings.Channel.PingInterval.Std())
	assert.Equal(t, 5, settings.Channel.PingsMissedThreshold)
	assert.True(t, settings.Channel.IsAuditLogSentActive)
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		want  time.Duration
		isErr bool
	}{
		{"integer seconds", `10`, 10 * time.Second, false},
		{"fractional seconds", `0.5`, 500 * time.Millisecond, false},
		{"duration string", `"1m30s"`, 90 * time.Second, false},
		{"numeric string", `"15"`, 15 * time.Second, false},
		{"garbage", `"abc"`, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tc.json))
			if tc.isErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Std())
		})
	}
}
