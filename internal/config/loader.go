package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "WSBRIDGE_"

var defaultConfigPaths = []string{
	"/etc/wsbridge/wsbridge.yml",
	"/etc/wsbridge/wsbridge.yaml",
	"/etc/wsbridge/wsbridge.json",
	"./wsbridge.yml",
	"./wsbridge.yaml",
	"./wsbridge.json",
}

// Load builds the configuration from defaults, the first config file found
// and environment variables, in that order of precedence.
func Load() (*Settings, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path falls
// back to the default search list.
func LoadFrom(path string) (*Settings, error) {
	// A .env file is optional and only used to seed environment variables.
	_ = godotenv.Load()

	settings := Defaults()

	configPath := path
	if configPath == "" {
		configPath = findConfigFile()
	}

	if configPath != "" {
		if err := loadFile(configPath, settings); err != nil {
			return nil, err
		}
		log.Info().Str("path", configPath).Msg("Loaded configuration file")
	}

	applyEnv(settings)

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func findConfigFile() string {
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func loadFile(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func applyEnv(s *Settings) {
	setString(&s.LogLevel, "LOG_LEVEL")
	setString(&s.LogFormat, "LOG_FORMAT")
	setString(&s.DataDir, "DATA_DIR")
	setString(&s.MetricsAddr, "METRICS_ADDR")
	setString(&s.AuditBackend, "AUDIT_BACKEND")

	c := &s.Channel
	setString(&c.Name, "CHANNEL_NAME")
	setString(&c.Address, "ADDRESS")
	setString(&c.SecName, "SEC_NAME")
	setString(&c.SecType, "SEC_TYPE")
	setString(&c.TLSCertFile, "TLS_CERT_FILE")
	setString(&c.TLSKeyFile, "TLS_KEY_FILE")
	setString(&c.JSONLibrary, "JSON_LIBRARY")
	setString(&c.HookService, "HOOK_SERVICE")
	setString(&c.ServiceName, "SERVICE_NAME")

	setSeconds(&c.TokenTTL, "TOKEN_TTL")
	setSeconds(&c.NewTokenWaitTime, "NEW_TOKEN_WAIT_TIME")
	setSeconds(&c.PingInterval, "PING_INTERVAL")
	setSeconds(&c.InteractUpdateInterval, "INTERACT_UPDATE_INTERVAL")

	setInt(&c.PingsMissedThreshold, "PINGS_MISSED_THRESHOLD")
	setInt(&c.MaxLenMessagesSent, "MAX_LEN_MESSAGES_SENT")
	setInt(&c.MaxLenMessagesReceived, "MAX_LEN_MESSAGES_RECEIVED")

	setBool(&c.IsAuditLogSentActive, "AUDIT_LOG_SENT")
	setBool(&c.IsAuditLogReceivedActive, "AUDIT_LOG_RECEIVED")
}

func setString(target *string, name string) {
	if val := os.Getenv(envPrefix + name); val != "" {
		*target = val
	}
}

func setInt(target *int, name string) {
	if val := os.Getenv(envPrefix + name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		} else {
			log.Warn().Str("name", envPrefix+name).Str("value", val).Msg("Ignoring non-integer environment variable")
		}
	}
}

// setSeconds accepts either a bare number of seconds or a Go duration string.
func setSeconds(target *Duration, name string) {
	val := os.Getenv(envPrefix + name)
	if val == "" {
		return
	}
	if n, err := strconv.ParseFloat(val, 64); err == nil {
		*target = Duration(time.Duration(n * float64(time.Second)))
		return
	}
	if d, err := time.ParseDuration(val); err == nil {
		*target = Duration(d)
		return
	}
	log.Warn().Str("name", envPrefix+name).Str("value", val).Msg("Ignoring unparsable duration environment variable")
}

func setBool(target *bool, name string) {
	if val := os.Getenv(envPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*target = b
		} else {
			log.Warn().Str("name", envPrefix+name).Str("value", val).Msg("Ignoring non-boolean environment variable")
		}
	}
}
