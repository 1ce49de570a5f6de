package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the transit sync service
type Config struct {
	// Database
	DatabasePath      string        `yaml:"database_path" validate:"required"`
	RetentionDuration time.Duration `yaml:"retention" validate:"gt=0"`

	// Realtime polling
	PollInterval            time.Duration `yaml:"poll_interval" validate:"gt=0"`
	GTFSTripUpdatesURL      string        `yaml:"trip_updates_url" validate:"omitempty,url"`
	GTFSVehiclePositionsURL string        `yaml:"vehicle_positions_url" validate:"omitempty,url"`

	// Static schedule
	GTFSStaticURL     string `yaml:"static_url" validate:"omitempty,url"`
	GTFSZipPath       string `yaml:"zip_path" validate:"required"`
	StaticRefreshDays int    `yaml:"static_refresh_days" validate:"gte=0"`
	AgencyTimezone    string `yaml:"agency_timezone" validate:"required"`

	// Reconciliation windows
	StaticWindow         time.Duration `yaml:"static_window" validate:"gt=0"`
	RealtimeWindow       time.Duration `yaml:"realtime_window" validate:"gt=0"`
	FallbackMaxDeviation time.Duration `yaml:"fallback_max_deviation" validate:"gt=0"`

	// Outward surfaces
	HTTPAddr          string   `yaml:"http_addr"`
	MetricsAddr       string   `yaml:"metrics_addr"`
	NATSURL           string   `yaml:"nats_url"`
	NATSSubjectPrefix string   `yaml:"nats_subject_prefix" validate:"required"`
	CORSOrigins       []string `yaml:"cors_origins"`
}

// Defaults returns the configuration used when nothing is overridden
func Defaults() *Config {
	return &Config{
		DatabasePath:            "/data/transit.db",
		RetentionDuration:       time.Hour,
		PollInterval:            30 * time.Second,
		GTFSTripUpdatesURL:      "https://gtfsrt.renfe.com/trip_updates.pb",
		GTFSVehiclePositionsURL: "https://gtfsrt.renfe.com/vehicle_positions.pb",
		GTFSStaticURL:           "https://ssl.renfe.com/ftransit/Fichero_CER_FOMENTO/fomento_transit.zip",
		GTFSZipPath:             "/data/cache/gtfs.zip",
		StaticRefreshDays:       7,
		AgencyTimezone:          "Europe/Madrid",
		StaticWindow:            90 * time.Minute,
		RealtimeWindow:          90 * time.Minute,
		FallbackMaxDeviation:    300 * time.Second,
		HTTPAddr:                ":8080",
		MetricsAddr:             ":9090",
		NATSSubjectPrefix:       "transit.vehicles",
		CORSOrigins:             []string{"*"},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by CONFIG_FILE,
// and environment variables (a .env file is read first when present), then validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and that the timezone exists
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.AgencyTimezone); err != nil {
		return fmt.Errorf("invalid AGENCY_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the configured agency timezone, UTC if it cannot be loaded
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AgencyTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) applyEnv() error {
	c.DatabasePath = getEnv("SQLITE_DATABASE", c.DatabasePath)
	c.GTFSTripUpdatesURL = getEnv("GTFS_TRIP_UPDATES_URL", c.GTFSTripUpdatesURL)
	c.GTFSVehiclePositionsURL = getEnv("GTFS_VEHICLE_POSITIONS_URL", c.GTFSVehiclePositionsURL)
	c.GTFSStaticURL = getEnv("GTFS_STATIC_URL", c.GTFSStaticURL)
	c.GTFSZipPath = getEnv("GTFS_ZIP_PATH", c.GTFSZipPath)
	c.AgencyTimezone = getEnv("AGENCY_TIMEZONE", c.AgencyTimezone)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATSSubjectPrefix)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	durations := []struct {
		key    string
		unit   time.Duration
		target *time.Duration
	}{
		{"POLL_INTERVAL", time.Second, &c.PollInterval},
		{"RETENTION_HOURS", time.Hour, &c.RetentionDuration},
		{"STATIC_WINDOW_MIN", time.Minute, &c.StaticWindow},
		{"RT_WINDOW_MIN", time.Minute, &c.RealtimeWindow},
		{"FALLBACK_MAX_DEVIATION_SEC", time.Second, &c.FallbackMaxDeviation},
	}
	for _, d := range durations {
		n, ok, err := getEnvInt(d.key)
		if err != nil {
			return err
		}
		if ok {
			*d.target = time.Duration(n) * d.unit
		}
	}

	n, ok, err := getEnvInt("STATIC_REFRESH_DAYS")
	if err != nil {
		return err
	}
	if ok {
		c.StaticRefreshDays = n
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string) (int, bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %q", key, value)
	}
	return n, true, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
