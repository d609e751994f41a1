package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

var envKeys = []string{
	"APP_ENV", "LOG_LEVEL", "HTTP_ADDR",
	"DB_DRIVER", "DB_DSN", "SQLITE_PATH", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
	"DB_CONN_MAX_LIFETIME", "DB_LOG_SQL", "DB_SLOW_QUERY",
	"AQI_LOCATION", "WAQI_BASE_URL", "WAQI_TOKEN",
	"UPDATE_INTERVAL", "FETCH_TIMEOUT", "RETENTION", "MAINTENANCE_INTERVAL", "STALE_AFTER", "TIMEZONE",
	"DISPLAY_CONFIG",
	"MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID", "MQTT_TOPIC_PREFIX",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", got.HTTPAddr, ":8080")
	}
	if got.Driver != "sqlite3" || got.Path != "data/aqicache.db" {
		t.Errorf("Driver, Path = %q, %q", got.Driver, got.Path)
	}
	if got.MaxOpenConns != 1 || got.MaxIdleConns != 1 {
		t.Errorf("MaxOpenConns, MaxIdleConns = %d, %d, want 1, 1", got.MaxOpenConns, got.MaxIdleConns)
	}
	if got.Location != "here" {
		t.Errorf("Location = %q, want here", got.Location)
	}
	if got.WAQIBaseURL != "https://api.waqi.info" || got.WAQIToken != "demo" {
		t.Errorf("WAQI = %q, %q", got.WAQIBaseURL, got.WAQIToken)
	}
	if got.UpdateInterval != 300*time.Second {
		t.Errorf("UpdateInterval = %v, want 5m", got.UpdateInterval)
	}
	if got.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %v, want 10s", got.FetchTimeout)
	}
	if got.RetentionHours != 24 {
		t.Errorf("RetentionHours = %d, want 24", got.RetentionHours)
	}
	if got.MaintenanceInterval != time.Hour {
		t.Errorf("MaintenanceInterval = %v, want 1h", got.MaintenanceInterval)
	}
	if got.StaleAfter != 10*time.Minute {
		t.Errorf("StaleAfter = %v, want 10m", got.StaleAfter)
	}
	if got.TimeZone == nil {
		t.Error("TimeZone = nil")
	}
	if got.MQTTEnabled() {
		t.Error("MQTTEnabled() = true with no broker")
	}
	if !strings.HasPrefix(got.MQTTClientID, "aqicache-") {
		t.Errorf("MQTTClientID = %q, want aqicache- prefix", got.MQTTClientID)
	}
	if got.MQTTTopicPrefix != "aqicache" {
		t.Errorf("MQTTTopicPrefix = %q", got.MQTTTopicPrefix)
	}
}

func TestLoadFromEnv_AppEnv_Valid(t *testing.T) {
	tests := []struct {
		name   string
		appEnv string
		want   string
	}{
		{name: "dev", appEnv: "dev", want: "dev"},
		{name: "prod", appEnv: "prod", want: "prod"},
		{name: "dev with whitespace", appEnv: "  dev  ", want: "dev"},
		{name: "prod with whitespace", appEnv: "\nprod\t", want: "prod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("APP_ENV", tt.appEnv)

			got, err := LoadFromEnv()
			if err != nil {
				t.Fatalf("LoadFromEnv() error = %v, want nil", err)
			}
			if got.AppEnv != tt.want {
				t.Errorf("AppEnv = %q, want %q", got.AppEnv, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("UPDATE_INTERVAL", "1m")
	t.Setenv("RETENTION", "48h")
	t.Setenv("TIMEZONE", "Asia/Kolkata")
	t.Setenv("MQTT_BROKER", "localhost")
	t.Setenv("MQTT_TOPIC_PREFIX", "/home/aqi/")
	t.Setenv("WAQI_BASE_URL", "http://127.0.0.1:9999/")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if got.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", got.LogLevel)
	}
	if got.StaleAfter != 2*time.Minute {
		t.Errorf("StaleAfter = %v, want twice the update interval", got.StaleAfter)
	}
	if got.RetentionHours != 48 {
		t.Errorf("RetentionHours = %d, want 48", got.RetentionHours)
	}
	if got.TimeZone.String() != "Asia/Kolkata" {
		t.Errorf("TimeZone = %v", got.TimeZone)
	}
	if !got.MQTTEnabled() {
		t.Error("MQTTEnabled() = false with broker set")
	}
	if got.MQTTTopicPrefix != "home/aqi" {
		t.Errorf("MQTTTopicPrefix = %q, want home/aqi", got.MQTTTopicPrefix)
	}
	if got.WAQIBaseURL != "http://127.0.0.1:9999" {
		t.Errorf("WAQIBaseURL = %q", got.WAQIBaseURL)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "app env", key: "APP_ENV", val: "staging"},
		{name: "log level", key: "LOG_LEVEL", val: "verbose"},
		{name: "max open conns", key: "DB_MAX_OPEN_CONNS", val: "many"},
		{name: "log sql", key: "DB_LOG_SQL", val: "perhaps"},
		{name: "update interval", key: "UPDATE_INTERVAL", val: "soon"},
		{name: "zero update interval", key: "UPDATE_INTERVAL", val: "0s"},
		{name: "fractional retention", key: "RETENTION", val: "90m"},
		{name: "zero retention", key: "RETENTION", val: "0h"},
		{name: "timezone", key: "TIMEZONE", val: "Mars/Olympus"},
		{name: "mqtt port", key: "MQTT_PORT", val: "70000"},
		{name: "base url", key: "WAQI_BASE_URL", val: "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() with %s=%q error = nil, want non-nil", tt.key, tt.val)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("AQI_LOCATION=@1451\nHTTP_ADDR=:9090\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// Already-set variables win over the file.
	t.Setenv("HTTP_ADDR", ":7070")
	// Empty values count as unset for godotenv, so drop the one we want loaded.
	if err := os.Unsetenv("AQI_LOCATION"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if got.Location != "@1451" {
		t.Errorf("Location = %q, want @1451", got.Location)
	}
	if got.HTTPAddr != ":7070" {
		t.Errorf("HTTPAddr = %q, want :7070", got.HTTPAddr)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLogLevel(tt.in)
			if err != nil {
				t.Fatalf("parseLogLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
