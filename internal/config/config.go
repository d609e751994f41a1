package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `validate:"oneof=dev prod"`
	LogLevel slog.Level
	HTTPAddr string `validate:"required"`

	Driver          string `validate:"required"`
	DSN             string
	Path            string
	MaxOpenConns    int `validate:"gte=0"`
	MaxIdleConns    int `validate:"gte=0"`
	ConnMaxLifetime time.Duration
	LogSQL          bool
	SlowQuery       time.Duration `validate:"gte=0"`

	// Location is the WAQI location: "here", "@<station uid>", "<lat>;<lon>" or a city name.
	Location    string
	WAQIBaseURL string `validate:"required,url"`
	WAQIToken   string `validate:"required"`

	UpdateInterval      time.Duration `validate:"gt=0"`
	FetchTimeout        time.Duration `validate:"gt=0"`
	RetentionHours      int           `validate:"gte=1"`
	MaintenanceInterval time.Duration `validate:"gt=0"`
	StaleAfter          time.Duration `validate:"gt=0"`
	TimeZone            *time.Location

	// DisplayConfig is an optional TOML file with title display options.
	DisplayConfig string

	// MQTTBroker empty disables the MQTT bridge.
	MQTTBroker      string
	MQTTPort        int    `validate:"gte=1,lte=65535"`
	MQTTClientID    string `validate:"required"`
	MQTTTopicPrefix string `validate:"required"`
}

var validate = validator.New()

// LoadDotEnv loads variables from the given .env files (default ".env") without
// overriding variables already set in the environment. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	maxOpenConns, err := envInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := envInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := envDuration("DB_CONN_MAX_LIFETIME", "0s")
	if err != nil {
		return Config{}, err
	}
	logSQL, err := envBool("DB_LOG_SQL", false)
	if err != nil {
		return Config{}, err
	}
	slowQuery, err := envDuration("DB_SLOW_QUERY", "250ms")
	if err != nil {
		return Config{}, err
	}

	updateInterval, err := envDuration("UPDATE_INTERVAL", "300s")
	if err != nil {
		return Config{}, err
	}
	fetchTimeout, err := envDuration("FETCH_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}
	retention, err := envDuration("RETENTION", "24h")
	if err != nil {
		return Config{}, err
	}
	if retention%time.Hour != 0 {
		return Config{}, fmt.Errorf("invalid RETENTION %q: must be a whole number of hours", retention)
	}
	maintenanceInterval, err := envDuration("MAINTENANCE_INTERVAL", "1h")
	if err != nil {
		return Config{}, err
	}
	staleAfter, err := envDuration("STALE_AFTER", (2 * updateInterval).String())
	if err != nil {
		return Config{}, err
	}

	tzName := envOr("TIMEZONE", "Local")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return Config{}, fmt.Errorf("invalid TIMEZONE %q: %w", tzName, err)
	}

	mqttPort, err := envInt("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:   appEnv,
		LogLevel: level,
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		Driver:          envOr("DB_DRIVER", "sqlite3"),
		DSN:             strings.TrimSpace(os.Getenv("DB_DSN")),
		Path:            envOr("SQLITE_PATH", "data/aqicache.db"),
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		LogSQL:          logSQL,
		SlowQuery:       slowQuery,

		Location:    envOr("AQI_LOCATION", "here"),
		WAQIBaseURL: strings.TrimRight(envOr("WAQI_BASE_URL", "https://api.waqi.info"), "/"),
		WAQIToken:   envOr("WAQI_TOKEN", "demo"),

		UpdateInterval:      updateInterval,
		FetchTimeout:        fetchTimeout,
		RetentionHours:      int(retention / time.Hour),
		MaintenanceInterval: maintenanceInterval,
		StaleAfter:          staleAfter,
		TimeZone:            tz,

		DisplayConfig: strings.TrimSpace(os.Getenv("DISPLAY_CONFIG")),

		MQTTBroker:      strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		MQTTPort:        mqttPort,
		MQTTClientID:    envOr("MQTT_CLIENT_ID", "aqicache-"+uuid.NewString()[:8]),
		MQTTTopicPrefix: strings.Trim(envOr("MQTT_TOPIC_PREFIX", "aqicache"), "/"),
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MQTTEnabled reports whether a broker is configured.
func (c Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func envDuration(key, def string) (time.Duration, error) {
	s := envOr(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
